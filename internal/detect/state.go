package detect

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// HotMirror reflects HOT promotions into the shared store so sibling
// processes observe them.
type HotMirror interface {
	MarkHot(ctx context.Context, mint string, ttl time.Duration) error
	ClearHot(ctx context.Context, mint string) error
}

// Transition is one state change surfaced by Touch or Tick for
// persistence and logging.
type Transition struct {
	Mint   string
	From   models.TokenState
	To     models.TokenState
	Reason string
	At     time.Time
}

// StateManager drives the COLD -> WARM -> HOT lifecycle. COLD tokens
// are not held in memory; a map entry exists only while a token is
// WARM or HOT.
type StateManager struct {
	log    *logrus.Logger
	mirror HotMirror

	mu       sync.Mutex
	tokens   map[string]*models.TokenProfile
	hotTTL   time.Duration
	warmTTL  time.Duration
	cooldown time.Duration

	backfill chan string
}

func NewStateManager(log *logrus.Logger, mirror HotMirror, hotTTL, warmTTL, cooldown time.Duration) *StateManager {
	return &StateManager{
		log:      log,
		mirror:   mirror,
		tokens:   make(map[string]*models.TokenProfile),
		hotTTL:   hotTTL,
		warmTTL:  warmTTL,
		cooldown: cooldown,
		backfill: make(chan string, 256),
	}
}

// Touch records activity for a mint. The first event promotes COLD to
// WARM; later events refresh LastSeen. The returned transition is
// non-nil only when a promotion happened.
func (m *StateManager) Touch(mint string, at time.Time) *Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.tokens[mint]
	if ok {
		p.LastSeen = at
		return nil
	}
	m.tokens[mint] = &models.TokenProfile{
		Mint:       mint,
		State:      models.StateWarm,
		FirstSeen:  at,
		LastSeen:   at,
		StateSince: at,
	}
	m.log.WithFields(logrus.Fields{
		"component": "state",
		"mint":      models.ShortAddr(mint),
	}).Debug("Token entered WARM")
	return &Transition{Mint: mint, From: models.StateCold, To: models.StateWarm, At: at}
}

// Promote moves a WARM token to HOT on a fired trigger and schedules a
// backfill. An already-HOT token has its expiry refreshed without
// re-promotion. The bool reports whether a promotion happened.
func (m *StateManager) Promote(ctx context.Context, mint, reason string, at time.Time) (*Transition, bool) {
	m.mu.Lock()
	p, ok := m.tokens[mint]
	if !ok {
		// Promotion without prior activity: pass through WARM.
		p = &models.TokenProfile{
			Mint:       mint,
			State:      models.StateWarm,
			FirstSeen:  at,
			LastSeen:   at,
			StateSince: at,
		}
		m.tokens[mint] = p
	}
	expires := at.Add(m.hotTTL)
	refreshed := p.State == models.StateHot
	from := p.State
	p.State = models.StateHot
	p.LastSeen = at
	p.HotExpiresAt = expires
	p.TriggerReason = reason
	if !refreshed {
		p.StateSince = at
	}
	ttl := m.hotTTL
	m.mu.Unlock()

	if err := m.mirror.MarkHot(ctx, mint, ttl); err != nil {
		m.log.WithField("component", "state").Warnf("Hot mirror update failed for %s: %v", models.ShortAddr(mint), err)
	}

	if refreshed {
		return nil, false
	}

	m.log.WithFields(logrus.Fields{
		"component": "state",
		"mint":      models.ShortAddr(mint),
		"reason":    reason,
	}).Info("Token became HOT")

	select {
	case m.backfill <- mint:
	default:
		m.log.WithField("component", "state").Warnf("Backfill queue full, skipping backfill for %s", models.ShortAddr(mint))
	}
	return &Transition{Mint: mint, From: from, To: models.StateHot, Reason: reason, At: at}, true
}

// Tick applies time-based transitions: HOT demotes to WARM at expiry,
// WARM drops to COLD after the idle window. Returns every transition
// applied.
func (m *StateManager) Tick(ctx context.Context, at time.Time) []Transition {
	m.mu.Lock()
	var demotedHot []string
	var out []Transition
	for mint, p := range m.tokens {
		switch p.State {
		case models.StateHot:
			if !at.Before(p.HotExpiresAt) {
				p.State = models.StateWarm
				p.StateSince = at
				demotedHot = append(demotedHot, mint)
				out = append(out, Transition{Mint: mint, From: models.StateHot, To: models.StateWarm, At: at})
			}
		case models.StateWarm:
			if at.Sub(p.LastSeen) >= m.warmTTL {
				delete(m.tokens, mint)
				out = append(out, Transition{Mint: mint, From: models.StateWarm, To: models.StateCold, At: at})
			}
		}
	}
	m.mu.Unlock()

	for _, mint := range demotedHot {
		if err := m.mirror.ClearHot(ctx, mint); err != nil {
			m.log.WithField("component", "state").Warnf("Hot mirror clear failed for %s: %v", models.ShortAddr(mint), err)
		}
	}
	for _, tr := range out {
		m.log.WithFields(logrus.Fields{
			"component": "state",
			"mint":      models.ShortAddr(tr.Mint),
			"from":      tr.From,
			"to":        tr.To,
		}).Debug("Token state transition")
	}
	return out
}

// AllowAlert consumes the per-mint alert cooldown: true means the
// caller may emit now and the window restarts.
func (m *StateManager) AllowAlert(mint string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.tokens[mint]
	if !ok {
		return false
	}
	if !p.LastAlertAt.IsZero() && at.Sub(p.LastAlertAt) < m.cooldown {
		return false
	}
	p.LastAlertAt = at
	return true
}

// State reports the current lifecycle state; unknown mints are COLD.
func (m *StateManager) State(mint string) models.TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.tokens[mint]; ok {
		return p.State
	}
	return models.StateCold
}

// Profile returns a copy of the tracked profile, if any.
func (m *StateManager) Profile(mint string) (models.TokenProfile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.tokens[mint]; ok {
		return *p, true
	}
	return models.TokenProfile{}, false
}

// ActiveMints lists WARM and HOT mints for the detector tick.
func (m *StateManager) ActiveMints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tokens))
	for mint := range m.tokens {
		out = append(out, mint)
	}
	return out
}

// HotMints lists mints currently HOT.
func (m *StateManager) HotMints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for mint, p := range m.tokens {
		if p.State == models.StateHot {
			out = append(out, mint)
		}
	}
	return out
}

// Backfills exposes the queue of mints awaiting a delta log replay.
func (m *StateManager) Backfills() <-chan string { return m.backfill }

// SetHotTTL applies a hot-reloaded HOT lifetime; existing expiries are
// left as recorded.
func (m *StateManager) SetHotTTL(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotTTL = d
}

// SetWarmTTL applies a hot-reloaded WARM idle window.
func (m *StateManager) SetWarmTTL(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmTTL = d
}

// SetCooldown applies a hot-reloaded alert cooldown.
func (m *StateManager) SetCooldown(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldown = d
}

// Counts reports how many tokens sit in each live state.
func (m *StateManager) Counts() (warm, hot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.tokens {
		if p.State == models.StateHot {
			hot++
		} else {
			warm++
		}
	}
	return warm, hot
}
