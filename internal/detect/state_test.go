package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

type fakeMirror struct {
	mu      sync.Mutex
	marked  map[string]time.Duration
	cleared []string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{marked: make(map[string]time.Duration)}
}

func (f *fakeMirror) MarkHot(_ context.Context, mint string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[mint] = ttl
	return nil
}

func (f *fakeMirror) ClearHot(_ context.Context, mint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, mint)
	return nil
}

func newTestManager(mirror *fakeMirror) *StateManager {
	return NewStateManager(quietLogger(), mirror, time.Hour, 30*time.Minute, 5*time.Minute)
}

func TestTouch_FirstEventWarms(t *testing.T) {
	m := newTestManager(newFakeMirror())
	at := time.Unix(1_700_000_000, 0)

	tr := m.Touch("mint_a", at)
	if tr == nil {
		t.Fatal("Expected first touch to transition")
	}
	if tr.From != models.StateCold || tr.To != models.StateWarm {
		t.Errorf("Expected COLD -> WARM. Got: %s -> %s", tr.From, tr.To)
	}
	if m.State("mint_a") != models.StateWarm {
		t.Errorf("Expected WARM. Got: %s", m.State("mint_a"))
	}

	if tr := m.Touch("mint_a", at.Add(time.Second)); tr != nil {
		t.Errorf("Expected later touches to not transition. Got: %+v", tr)
	}
}

func TestPromote_WarmToHotSchedulesBackfill(t *testing.T) {
	mirror := newFakeMirror()
	m := newTestManager(mirror)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	m.Touch("mint_a", at)
	tr, promoted := m.Promote(ctx, "mint_a", "Trigger: surge", at)
	if !promoted || tr == nil {
		t.Fatal("Expected promotion to HOT")
	}
	if tr.From != models.StateWarm || tr.To != models.StateHot {
		t.Errorf("Expected WARM -> HOT. Got: %s -> %s", tr.From, tr.To)
	}
	if mirror.marked["mint_a"] != time.Hour {
		t.Errorf("Expected hot mirror TTL 1h. Got: %v", mirror.marked["mint_a"])
	}

	select {
	case mint := <-m.Backfills():
		if mint != "mint_a" {
			t.Errorf("Expected backfill for mint_a. Got: %s", mint)
		}
	default:
		t.Error("Expected a backfill to be scheduled")
	}
}

func TestPromote_RefreshExtendsWithoutRebackfill(t *testing.T) {
	mirror := newFakeMirror()
	m := newTestManager(mirror)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	m.Touch("mint_a", at)
	m.Promote(ctx, "mint_a", "Trigger: surge", at)
	<-m.Backfills()

	refresh := at.Add(10 * time.Minute)
	tr, promoted := m.Promote(ctx, "mint_a", "Trigger: surge", refresh)
	if promoted || tr != nil {
		t.Error("Expected refresh, not re-promotion")
	}

	select {
	case <-m.Backfills():
		t.Error("Expected no second backfill on refresh")
	default:
	}

	// Refresh pushed expiry out; a tick before the new expiry keeps HOT.
	if trs := m.Tick(ctx, at.Add(65*time.Minute)); len(trs) != 0 {
		t.Errorf("Expected refreshed token to stay HOT. Got: %+v", trs)
	}
	if m.State("mint_a") != models.StateHot {
		t.Errorf("Expected HOT after refresh. Got: %s", m.State("mint_a"))
	}
}

func TestTick_HotExpiresToWarm(t *testing.T) {
	mirror := newFakeMirror()
	m := newTestManager(mirror)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	m.Touch("mint_a", at)
	m.Promote(ctx, "mint_a", "Trigger: surge", at)

	trs := m.Tick(ctx, at.Add(time.Hour))
	if len(trs) != 1 {
		t.Fatalf("Expected one transition at expiry. Got: %d", len(trs))
	}
	if trs[0].From != models.StateHot || trs[0].To != models.StateWarm {
		t.Errorf("Expected HOT -> WARM. Got: %s -> %s", trs[0].From, trs[0].To)
	}
	if len(mirror.cleared) != 1 || mirror.cleared[0] != "mint_a" {
		t.Errorf("Expected hot mirror cleared. Got: %v", mirror.cleared)
	}
}

func TestTick_WarmIdlesToCold(t *testing.T) {
	m := newTestManager(newFakeMirror())
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	m.Touch("mint_a", at)
	if trs := m.Tick(ctx, at.Add(29*time.Minute)); len(trs) != 0 {
		t.Errorf("Expected no transition before the idle window. Got: %+v", trs)
	}

	trs := m.Tick(ctx, at.Add(30*time.Minute))
	if len(trs) != 1 || trs[0].To != models.StateCold {
		t.Fatalf("Expected WARM -> COLD at the idle window. Got: %+v", trs)
	}
	if m.State("mint_a") != models.StateCold {
		t.Errorf("Expected COLD. Got: %s", m.State("mint_a"))
	}
	if got := len(m.ActiveMints()); got != 0 {
		t.Errorf("Expected no active mints after idle-out. Got: %d", got)
	}
}

func TestAllowAlert_CooldownGates(t *testing.T) {
	m := newTestManager(newFakeMirror())
	at := time.Unix(1_700_000_000, 0)
	m.Touch("mint_a", at)

	if !m.AllowAlert("mint_a", at) {
		t.Fatal("Expected first alert allowed")
	}
	if m.AllowAlert("mint_a", at.Add(4*time.Minute)) {
		t.Error("Expected alert suppressed inside cooldown")
	}
	if !m.AllowAlert("mint_a", at.Add(5*time.Minute)) {
		t.Error("Expected alert allowed after cooldown")
	}
}

func TestSetHotTTL_AffectsLaterPromotions(t *testing.T) {
	mirror := newFakeMirror()
	m := newTestManager(mirror)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	m.SetHotTTL(10 * time.Minute)
	m.Touch("mint_a", at)
	m.Promote(ctx, "mint_a", "Trigger: surge", at)

	if mirror.marked["mint_a"] != 10*time.Minute {
		t.Errorf("Expected reloaded TTL on the mirror. Got: %v", mirror.marked["mint_a"])
	}
	if trs := m.Tick(ctx, at.Add(10*time.Minute)); len(trs) != 1 || trs[0].To != models.StateWarm {
		t.Errorf("Expected demotion at the reloaded TTL. Got: %+v", trs)
	}
}
