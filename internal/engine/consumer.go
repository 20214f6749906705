package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/internal/parser"
	"github.com/rawblock/swapradar-engine/internal/stream"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

// consumeLoop reads the durable stream as one named group consumer and
// pushes every delivery through the parse pipeline. Records are acked
// per batch after processing; a crash between read and ack leaves them
// pending for the periodic claim sweep.
func (e *Engine) consumeLoop(ctx context.Context, name string) {
	log := e.log.WithFields(logrus.Fields{
		"component": "consumer",
		"consumer":  name,
	})
	log.Info("Consumer started")

	e.claimStale(ctx, name)
	lastClaim := time.Now()
	block := time.Duration(e.cfg.ConsumerBlockMS) * time.Millisecond

	for {
		if ctx.Err() != nil {
			log.Info("Consumer stopped")
			return
		}
		recs, err := e.stream.ReadGroup(ctx, name, int64(e.cfg.ConsumerBatchSize), block)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Consumer stopped")
				return
			}
			log.WithError(err).Warn("Stream read failed")
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(recs) > 0 {
			e.processBatch(recs)
		}
		if time.Since(lastClaim) >= claimInterval {
			e.claimStale(ctx, name)
			lastClaim = time.Now()
		}
	}
}

// claimStale takes over deliveries a dead consumer left pending and
// runs them through the normal pipeline. Re-processing is safe: dedup
// drops anything the predecessor already counted.
func (e *Engine) claimStale(ctx context.Context, name string) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	recs, err := e.stream.ClaimIdle(opCtx, name, claimMinIdle, int64(e.cfg.ConsumerBatchSize))
	if err != nil {
		e.log.WithError(err).Warn("Claiming stale deliveries failed")
		return
	}
	if len(recs) == 0 {
		return
	}
	e.log.WithFields(logrus.Fields{
		"component": "consumer",
		"consumer":  name,
		"records":   len(recs),
	}).Info("Reclaimed stalled deliveries")
	e.processBatch(recs)
}

// processBatch runs each record through the pipeline, then acks the
// whole batch, malformed entries included. The batch context is
// independent of shutdown so an in-flight batch lands its ack.
func (e *Engine) processBatch(recs []stream.Record) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()

	ackIDs := make([]string, 0, len(recs))
	for _, rec := range recs {
		e.processRecord(ctx, rec)
		ackIDs = append(ackIDs, rec.ID)
	}
	if err := e.stream.Ack(ctx, ackIDs...); err != nil {
		// Unacked records stay pending and come back via a claim;
		// dedup keeps the replay from double counting.
		e.log.WithError(err).Warn("Batch ack failed, records remain pending")
	}
	e.metrics.BatchSeconds.Observe(time.Since(start).Seconds())
}

// processRecord is the per-transaction pipeline: dedup, delta
// extraction, the delta log, swap inference, counters, persistence.
// Mode gates what runs; in critical mode only the local delta log is
// written so the HOT backfill can recover the skipped work later.
func (e *Engine) processRecord(ctx context.Context, rec stream.Record) {
	e.processed.Add(1)
	e.metrics.TxsProcessed.Inc()
	if rec.Tx == nil {
		// Undecodable payload: counted, acked, never retried.
		e.parseFails.Add(1)
		e.metrics.ParseFailures.Inc()
		return
	}
	tx := rec.Tx

	critical := !e.bp.AllowCounters()
	if !critical {
		first, err := e.dedup.FirstSeen(ctx, tx.Signature, rec.ID)
		if err != nil {
			// Fail open: a dedup store hiccup must not drop records.
			e.log.WithError(err).Debug("Dedup check failed, treating as first delivery")
		} else if !first {
			e.duplicates.Add(1)
			e.metrics.Duplicates.Inc()
			return
		}
	}

	deltas := parser.ExtractDeltas(tx)
	e.discovery.Record(deltas.Programs)
	if len(deltas.Token) > 0 {
		e.dlog.Append(deltas.Record(tx))
	}
	if critical {
		// Not marked in dedup either, so the backfill replay of this
		// record counts it exactly once.
		return
	}

	cand := e.inferencer.Infer(deltas, e.seen)
	if cand == nil || cand.Confidence < e.minConfidence.Load() {
		e.touchMints(ctx, deltas.Mints, tx)
		return
	}

	ev := cand.Event(tx, deltas.VenueHint)
	e.seen.Observe(ev.BaseMint)
	e.swapsSeen.Add(1)
	e.metrics.SwapsDetected.WithLabelValues(string(ev.Side), ev.Venue).Inc()

	hot := e.stampHotContext(ctx, ev)
	if err := e.counters.RecordSwap(ctx, ev); err != nil {
		e.log.WithError(err).Warn("Counter update failed")
	}
	if err := e.counters.TouchMint(ctx, ev.BaseMint, time.Unix(tx.ObservedTime(), 0)); err != nil {
		e.log.WithError(err).Debug("Activity touch failed")
	}
	e.recent.Add(ev)

	if e.bp.AllowSwapPersist() && e.sink != nil {
		e.sink.AppendSwap(ev)
	}
	if hot && ev.Side == models.SideBuy {
		e.enqueueFunding(ev.Wallet)
	}
}

// touchMints marks activity for mints a transaction moved without a
// confident swap, so sustained motion still warms them up. Quote mints
// stay out; they would never cool down.
func (e *Engine) touchMints(ctx context.Context, mints []string, tx *models.RawTransaction) {
	if len(mints) == 0 {
		return
	}
	at := time.Unix(tx.ObservedTime(), 0)
	for _, m := range mints {
		if parser.QuoteMints[m] {
			continue
		}
		if err := e.counters.TouchMint(ctx, m, at); err != nil {
			e.log.WithError(err).Debug("Activity touch failed")
			return
		}
	}
}

// stampHotContext attaches the cached market cap to swaps in HOT mints
// and reports hotness, which gates funding enrichment.
func (e *Engine) stampHotContext(ctx context.Context, ev *models.SwapEvent) bool {
	hot, err := e.counters.IsHot(ctx, ev.BaseMint)
	if err != nil || !hot {
		return false
	}
	if mcap, _, ok, err := e.counters.Mcap(ctx, ev.BaseMint); err == nil && ok {
		ev.McapAtSwap = mcap
	}
	return true
}
