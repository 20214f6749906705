package backpressure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode is the pipeline degradation level. Ordering matters: higher is
// more degraded.
type Mode int32

const (
	ModeNormal Mode = iota
	ModeDegraded
	ModeCritical
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeCritical:
		return "critical"
	}
	return "unknown"
}

// Source supplies the two sampled inputs: processing lag (age of the
// oldest unprocessed record) and the durable stream's length.
type Source interface {
	Lag(ctx context.Context) (time.Duration, error)
	Length(ctx context.Context) (int64, error)
}

// recoverySamples is how many consecutive samples must confirm a lower
// mode before the controller steps down. Escalation is immediate.
const recoverySamples = 5

// Controller samples lag and buffer depth and publishes the pipeline
// mode. Gates are lock-free loads so per-record checks stay cheap.
type Controller struct {
	log    *logrus.Logger
	source Source

	mode        atomic.Int32
	modeChanges atomic.Int64

	mu            sync.Mutex
	lagWarn       time.Duration
	lagCrit       time.Duration
	bufWarn       int64
	bufCrit       int64
	recoverStreak int

	lastLag atomic.Int64 // milliseconds
	lastLen atomic.Int64

	onChange func(Mode)
}

func New(log *logrus.Logger, source Source, lagWarn, lagCrit time.Duration, bufWarn, bufCrit int64) *Controller {
	return &Controller{
		log:     log,
		source:  source,
		lagWarn: lagWarn,
		lagCrit: lagCrit,
		bufWarn: bufWarn,
		bufCrit: bufCrit,
	}
}

// OnChange registers a mode-change hook, set during wiring.
func (c *Controller) OnChange(fn func(Mode)) { c.onChange = fn }

// Mode returns the published mode.
func (c *Controller) Mode() Mode { return Mode(c.mode.Load()) }

// AllowSwapPersist reports whether SwapEvents go to the sink.
func (c *Controller) AllowSwapPersist() bool { return c.Mode() == ModeNormal }

// AllowCounters reports whether counter updates run.
func (c *Controller) AllowCounters() bool { return c.Mode() != ModeCritical }

// AllowEnrichment reports whether enrichment calls may run.
func (c *Controller) AllowEnrichment() bool { return c.Mode() != ModeCritical }

// Run samples once a second until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	c.log.WithField("component", "backpressure").Info("Backpressure sampler started")
	for {
		select {
		case <-ticker.C:
			c.Sample(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sample reads the inputs and applies one mode decision. A source
// failure counts as a store outage and forces CRITICAL.
func (c *Controller) Sample(ctx context.Context) Mode {
	lag, lagErr := c.source.Lag(ctx)
	length, lenErr := c.source.Length(ctx)

	if lagErr != nil || lenErr != nil {
		err := lagErr
		if err == nil {
			err = lenErr
		}
		c.log.WithField("component", "backpressure").Errorf("Sampling store failed: %v", err)
		return c.apply(ModeCritical, lag, length)
	}

	c.lastLag.Store(lag.Milliseconds())
	c.lastLen.Store(length)
	return c.apply(c.classify(lag, length), lag, length)
}

func (c *Controller) classify(lag time.Duration, length int64) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case lag >= c.lagCrit || length >= c.bufCrit:
		return ModeCritical
	case lag >= c.lagWarn || length >= c.bufWarn:
		return ModeDegraded
	default:
		return ModeNormal
	}
}

// apply moves the published mode: escalation is immediate, recovery
// waits for consecutive confirming samples.
func (c *Controller) apply(target Mode, lag time.Duration, length int64) Mode {
	current := c.Mode()

	switch {
	case target > current:
		c.mu.Lock()
		c.recoverStreak = 0
		c.mu.Unlock()
		c.setMode(current, target, lag, length)
		return target
	case target == current:
		c.mu.Lock()
		c.recoverStreak = 0
		c.mu.Unlock()
		return current
	default:
		c.mu.Lock()
		c.recoverStreak++
		confirmed := c.recoverStreak >= recoverySamples
		if confirmed {
			c.recoverStreak = 0
		}
		c.mu.Unlock()
		if !confirmed {
			return current
		}
		c.setMode(current, target, lag, length)
		return target
	}
}

func (c *Controller) setMode(from, to Mode, lag time.Duration, length int64) {
	c.mode.Store(int32(to))
	c.modeChanges.Add(1)
	c.log.WithFields(logrus.Fields{
		"component": "backpressure",
		"from":      from.String(),
		"to":        to.String(),
		"lag_s":     fmt.Sprintf("%.1f", lag.Seconds()),
		"buffer":    length,
	}).Warn("Degradation mode changed")
	if c.onChange != nil {
		c.onChange(to)
	}
}

// SetThresholds applies hot-reloaded limits. Warn bounds must sit
// strictly below their critical counterparts.
func (c *Controller) SetThresholds(lagWarn, lagCrit time.Duration, bufWarn, bufCrit int64) error {
	if lagCrit <= lagWarn {
		return fmt.Errorf("critical lag %v must exceed warn lag %v", lagCrit, lagWarn)
	}
	if bufCrit <= bufWarn {
		return fmt.Errorf("critical buffer %d must exceed warn buffer %d", bufCrit, bufWarn)
	}
	c.mu.Lock()
	c.lagWarn, c.lagCrit = lagWarn, lagCrit
	c.bufWarn, c.bufCrit = bufWarn, bufCrit
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{
		"component": "backpressure",
		"lag_warn":  lagWarn,
		"lag_crit":  lagCrit,
		"buf_warn":  bufWarn,
		"buf_crit":  bufCrit,
	}).Info("Backpressure thresholds updated")
	return nil
}

// Thresholds returns the active limits, so partial overrides can keep
// whatever they do not name.
func (c *Controller) Thresholds() (lagWarn, lagCrit time.Duration, bufWarn, bufCrit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lagWarn, c.lagCrit, c.bufWarn, c.bufCrit
}

// Stats reports the controller's view for the stats surface.
func (c *Controller) Stats() map[string]interface{} {
	c.mu.Lock()
	lagWarn, lagCrit := c.lagWarn, c.lagCrit
	bufWarn, bufCrit := c.bufWarn, c.bufCrit
	c.mu.Unlock()
	return map[string]interface{}{
		"mode":             c.Mode().String(),
		"processing_lag_s": float64(c.lastLag.Load()) / 1000.0,
		"stream_length":    c.lastLen.Load(),
		"mode_changes":     c.modeChanges.Load(),
		"lag_warn_s":       lagWarn.Seconds(),
		"lag_crit_s":       lagCrit.Seconds(),
		"buf_warn":         bufWarn,
		"buf_crit":         bufCrit,
	}
}
