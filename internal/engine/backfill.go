package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/internal/parser"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

// backfillLoop replays the delta log for freshly promoted mints so
// their counters include swaps from before the promotion, including
// anything the consumer skipped under critical backpressure.
func (e *Engine) backfillLoop(ctx context.Context) {
	log := e.log.WithField("component", "backfill")
	for {
		select {
		case <-ctx.Done():
			return
		case mint := <-e.state.Backfills():
			start := time.Now()
			replayed, counted := e.backfillMint(ctx, mint)
			log.WithFields(logrus.Fields{
				"mint":     models.ShortAddr(mint),
				"replayed": replayed,
				"counted":  counted,
				"took_ms":  time.Since(start).Milliseconds(),
			}).Info("Backfill finished")
		}
	}
}

func (e *Engine) backfillMint(ctx context.Context, mint string) (replayed, counted int) {
	recs, err := e.dlog.Range(mint, time.Now().Add(-e.cfg.DeltaRetention))
	if err != nil {
		e.log.WithError(err).Warn("Delta log read failed")
		return 0, 0
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return replayed, counted
		}
		replayed++
		opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if e.backfillRecord(opCtx, rec) {
			counted++
		}
		cancel()
	}
	return replayed, counted
}

// backfillRecord re-runs inference on one logged record and lands the
// result in historical counter buckets. The dedup key decides whether
// the live path already counted it: first-seen here means it was
// skipped then, so it counts now, exactly once overall.
func (e *Engine) backfillRecord(ctx context.Context, rec *models.TxDeltaRecord) bool {
	first, err := e.dedup.FirstSeen(ctx, rec.Signature, "backfill")
	if err != nil || !first {
		return false
	}

	d := parser.DeltasFromRecord(rec)
	// No seen-cache here: it reflects the present, not the replayed
	// record's past, and would skew confidence either way.
	cand := e.inferencer.Infer(d, nil)
	if cand == nil || cand.Confidence < e.minConfidence.Load() {
		return false
	}

	tx := &models.RawTransaction{
		Signature:  rec.Signature,
		Slot:       rec.Slot,
		BlockTime:  rec.BlockTime,
		FeePayer:   rec.FeePayer,
		ProgramIDs: rec.Programs,
		Fee:        rec.Fee,
	}
	ev := cand.Event(tx, d.VenueHint)
	ev.Backfilled = true

	if err := e.counters.RecordSwap(ctx, ev); err != nil {
		e.log.WithError(err).Debug("Backfill counter update failed")
		return false
	}
	e.backfilled.Add(1)
	e.metrics.BackfillRecords.Inc()
	return true
}
