package engine

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// statsLoop emits one summary line per interval and refreshes the
// gauges that track store-side quantities.
func (e *Engine) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logStats(ctx)
		}
	}
}

func (e *Engine) logStats(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var length int64
	var lagS float64
	if n, err := e.stream.Length(opCtx); err == nil {
		length = n
		e.metrics.StreamLength.Set(float64(n))
	}
	if lag, err := e.stream.Lag(opCtx); err == nil {
		lagS = math.Round(lag.Seconds()*10) / 10
		e.metrics.ProcessingLag.Set(lag.Seconds())
	}
	warm, hot := e.state.Counts()
	e.metrics.HotTokens.Set(float64(hot))

	e.log.WithFields(logrus.Fields{
		"component":  "engine",
		"processed":  e.processed.Load(),
		"swaps":      e.swapsSeen.Load(),
		"duplicates": e.duplicates.Load(),
		"alerts":     e.alertsBuilt.Load(),
		"stream_len": length,
		"lag_s":      lagS,
		"mode":       e.bp.Mode().String(),
		"warm":       warm,
		"hot":        hot,
	}).Info("Pipeline stats")
}

// maintenanceLoop is the slow housekeeping tick: cache pruning, stream
// trimming, delta-log retention, and the hourly sink cleanup.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticks++
			e.maintain(ctx, ticks)
		}
	}
}

func (e *Engine) maintain(ctx context.Context, ticks int) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	now := time.Now()

	if _, err := e.stream.TrimMaxLen(opCtx); err != nil {
		e.log.WithError(err).Debug("Stream trim failed")
	}
	e.dedup.Prune()
	e.seen.Prune()
	e.dlog.Sweep()
	e.recent.Sweep(now)
	e.sweepTraced(now)
	e.meta.sweep(now)
	if _, err := e.counters.PruneActive(opCtx, now.Add(-e.cfg.WarmTTL)); err != nil {
		e.log.WithError(err).Debug("Active set prune failed")
	}

	if e.sink != nil && ticks%60 == 0 {
		if n, err := e.sink.CleanupOldSwaps(opCtx, swapRetention); err != nil {
			e.log.WithError(err).Warn("Swap retention cleanup failed")
		} else if n > 0 {
			e.log.WithFields(logrus.Fields{
				"component": "engine",
				"rows":      n,
			}).Info("Old swap rows removed")
		}
	}
}
