package detect

import (
	"testing"

	"github.com/rawblock/swapradar-engine/internal/counters"
)

const shadowDoc = `
triggers:
  - name: candidate_surge
    conditions:
      - "buy_count_5m >= 5"
`

func TestShadowEvaluator_InactiveWithoutRules(t *testing.T) {
	s := NewShadowEvaluator(quietLogger())

	s.Compare(snapshot(counters.WindowStats{BuyCount: 100}, counters.WindowStats{}), false)

	rep := s.Report()
	if rep.Active {
		t.Error("Expected shadow inactive before any document is installed")
	}
	if rep.Evaluations != 0 {
		t.Errorf("Expected no evaluations while inactive, Got: %d", rep.Evaluations)
	}
}

func TestShadowEvaluator_CountsFiresAndDivergences(t *testing.T) {
	s := NewShadowEvaluator(quietLogger())
	if err := s.Reload([]byte(shadowDoc)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	// Candidate fires, live did not: divergence.
	s.Compare(snapshot(counters.WindowStats{BuyCount: 10}, counters.WindowStats{}), false)
	// Both fired: agreement.
	s.Compare(snapshot(counters.WindowStats{BuyCount: 10}, counters.WindowStats{}), true)
	// Neither fired: agreement.
	s.Compare(snapshot(counters.WindowStats{BuyCount: 1}, counters.WindowStats{}), false)
	// Live fired, candidate did not: divergence.
	s.Compare(snapshot(counters.WindowStats{BuyCount: 1}, counters.WindowStats{}), true)

	rep := s.Report()
	if !rep.Active || rep.Rules != 1 {
		t.Fatalf("Expected 1 active shadow rule, Got: active=%v rules=%d", rep.Active, rep.Rules)
	}
	if rep.Evaluations != 4 {
		t.Errorf("Expected 4 evaluations, Got: %d", rep.Evaluations)
	}
	if rep.WouldFire != 2 {
		t.Errorf("Expected 2 would-fire counts, Got: %d", rep.WouldFire)
	}
	if rep.Divergences != 2 {
		t.Errorf("Expected 2 divergences, Got: %d", rep.Divergences)
	}
	if rep.FiresByRule["candidate_surge"] != 2 {
		t.Errorf("Expected candidate_surge counted twice, Got: %d", rep.FiresByRule["candidate_surge"])
	}
}

func TestShadowEvaluator_ReloadResetsWindow(t *testing.T) {
	s := NewShadowEvaluator(quietLogger())
	if err := s.Reload([]byte(shadowDoc)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	s.Compare(snapshot(counters.WindowStats{BuyCount: 10}, counters.WindowStats{}), false)

	if err := s.Reload([]byte(shadowDoc)); err != nil {
		t.Fatalf("second Reload failed: %v", err)
	}
	rep := s.Report()
	if rep.Evaluations != 0 || rep.WouldFire != 0 {
		t.Errorf("Expected counters reset on reload, Got: evals=%d fires=%d", rep.Evaluations, rep.WouldFire)
	}
}

func TestShadowEvaluator_EmptyDocumentClears(t *testing.T) {
	s := NewShadowEvaluator(quietLogger())
	if err := s.Reload([]byte(shadowDoc)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if err := s.Reload([]byte("triggers: []")); err != nil {
		t.Fatalf("clearing Reload failed: %v", err)
	}
	if s.Report().Active {
		t.Error("Expected shadow cleared by an empty trigger list")
	}
}

func TestShadowEvaluator_BadDocumentKeepsCandidate(t *testing.T) {
	s := NewShadowEvaluator(quietLogger())
	if err := s.Reload([]byte(shadowDoc)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	bad := "triggers:\n  - name: broken\n    conditions:\n      - \"no_such_field >= 1\"\n"
	if err := s.Reload([]byte(bad)); err == nil {
		t.Fatal("Expected an unknown-field document to be rejected")
	}

	rep := s.Report()
	if !rep.Active || rep.Rules != 1 {
		t.Errorf("Expected previous candidate to keep running, Got: active=%v rules=%d", rep.Active, rep.Rules)
	}
}
