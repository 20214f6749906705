package detect

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/internal/config"
	"github.com/rawblock/swapradar-engine/internal/counters"
)

// ShadowReport summarizes a candidate rule set's behavior since it was
// installed.
type ShadowReport struct {
	Active      bool             `json:"active"`
	Rules       int              `json:"rules"`
	Since       time.Time        `json:"since"`
	Evaluations int64            `json:"evaluations"`
	WouldFire   int64            `json:"would_fire"`
	Divergences int64            `json:"divergences"`
	FiresByRule map[string]int64 `json:"fires_by_rule,omitempty"`
}

// ShadowEvaluator runs a candidate rule set beside the live one. The
// candidate sees every snapshot the live rules see and counts what it
// would have done; it never promotes, alerts, or touches token state.
// Installing a replacement resets the observation window.
type ShadowEvaluator struct {
	log *logrus.Logger

	mu          sync.Mutex
	rules       []Rule
	since       time.Time
	evaluations int64
	wouldFire   int64
	divergences int64
	fires       map[string]int64
}

func NewShadowEvaluator(log *logrus.Logger) *ShadowEvaluator {
	return &ShadowEvaluator{log: log}
}

// Reload parses, compiles and installs a candidate document. A document
// with no triggers clears shadow mode. Invalid documents leave the
// current candidate running.
func (s *ShadowEvaluator) Reload(payload []byte) error {
	doc, err := config.ParseRules(payload)
	if err != nil {
		return fmt.Errorf("parsing shadow rule document: %w", err)
	}
	rules, err := Compile(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rules = rules
	s.since = time.Now()
	s.evaluations, s.wouldFire, s.divergences = 0, 0, 0
	s.fires = make(map[string]int64, len(rules))
	s.mu.Unlock()

	entry := s.log.WithField("component", "detect")
	if len(rules) == 0 {
		entry.Info("Shadow rules cleared")
	} else {
		entry.WithField("rules", len(rules)).Info("Shadow rules observing")
	}
	return nil
}

// Compare evaluates the candidate against a snapshot the live evaluator
// just saw. liveFired says whether a live rule fired on it, so
// disagreement in either direction counts as divergence.
func (s *ShadowEvaluator) Compare(sn *counters.Snapshot, liveFired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rules) == 0 {
		return
	}

	s.evaluations++
	fired := ""
	for i := range s.rules {
		if s.rules[i].fires(sn) {
			fired = s.rules[i].Name
			break
		}
	}
	if fired != "" {
		s.wouldFire++
		s.fires[fired]++
	}
	if (fired != "") != liveFired {
		s.divergences++
	}
}

// Report snapshots the shadow counters for the stats surface.
func (s *ShadowEvaluator) Report() ShadowReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := ShadowReport{
		Active:      len(s.rules) > 0,
		Rules:       len(s.rules),
		Evaluations: s.evaluations,
		WouldFire:   s.wouldFire,
		Divergences: s.divergences,
	}
	if rep.Active {
		rep.Since = s.since
		rep.FiresByRule = make(map[string]int64, len(s.fires))
		for k, v := range s.fires {
			rep.FiresByRule[k] = v
		}
	}
	return rep
}
