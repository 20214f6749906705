package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/internal/detect"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

// detectorLoop evaluates rules once a second against every WARM and
// HOT mint. Activity arrives through the shared active set, so the
// detector works the same whether consumers run in this process or in
// siblings.
func (e *Engine) detectorLoop(ctx context.Context) {
	log := e.log.WithField("component", "detector")
	log.Info("Detector started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Detector stopped")
			return
		case <-ticker.C:
			e.detectTick(ctx, time.Now())
		}
	}
}

func (e *Engine) detectTick(ctx context.Context, now time.Time) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Fold shared activity into the lifecycle. Touch carries the true
	// last-seen time so idle mints still age out.
	actives, err := e.counters.ActiveMints(opCtx, now.Add(-e.cfg.WarmTTL))
	if err != nil {
		e.log.WithError(err).Debug("Active set read failed")
	}
	for _, a := range actives {
		if tr := e.state.Touch(a.Mint, a.LastSeen); tr != nil {
			e.persistTransition(opCtx, tr)
		}
	}

	for _, tr := range e.state.Tick(opCtx, now) {
		e.persistTransition(opCtx, &tr)
		if tr.To == models.StateCold {
			e.recent.DropMint(tr.Mint)
		}
	}
	_, hot := e.state.Counts()
	e.metrics.HotTokens.Set(float64(hot))

	for _, mint := range e.state.ActiveMints() {
		if opCtx.Err() != nil {
			return
		}
		sn, err := e.counters.Snapshot(opCtx, mint)
		if err != nil {
			e.log.WithError(err).Debug("Snapshot read failed")
			continue
		}
		if sn.Quiet() {
			continue
		}
		res := e.evaluator.Evaluate(sn)
		e.shadow.Compare(sn, res != nil)
		if res == nil {
			continue
		}
		e.handleTrigger(opCtx, res, now)
	}
}

// handleTrigger runs the post-fire gates in order: market-cap floor,
// HOT promotion, alert cooldown. Every fire counts in metrics even
// when a gate swallows it.
func (e *Engine) handleTrigger(ctx context.Context, res *detect.TriggerResult, now time.Time) {
	mint := res.Snapshot.Mint
	e.metrics.TriggersFired.WithLabelValues(res.Name).Inc()

	if floor := e.minMcap.Load(); floor > 0 {
		if mcap, _, ok := e.resolveMcap(ctx, mint); ok && mcap < floor {
			e.log.WithFields(logrus.Fields{
				"component": "detector",
				"mint":      models.ShortAddr(mint),
				"rule":      res.Name,
				"mcap_sol":  mcap,
				"floor_sol": floor,
			}).Info("Trigger suppressed below market-cap floor")
			return
		}
		// Unknown market cap passes; suppression needs evidence.
	}

	if tr, promoted := e.state.Promote(ctx, mint, res.Reason, now); promoted {
		e.persistTransition(ctx, tr)
	}

	if !e.state.AllowAlert(mint, now) {
		e.log.WithFields(logrus.Fields{
			"component": "detector",
			"mint":      models.ShortAddr(mint),
			"rule":      res.Name,
		}).Debug("Alert suppressed by cooldown")
		return
	}

	a := e.buildAlert(ctx, res)
	e.alertsBuilt.Add(1)
	e.dispatcher.Enqueue(a)

	e.log.WithFields(logrus.Fields{
		"component": "detector",
		"mint":      models.ShortAddr(mint),
		"rule":      res.Name,
		"cto":       a.CTOScore,
		"buyers_5m": a.UniqueBuyers5m,
	}).Info("Alert emitted")

	if e.sink != nil {
		e.sink.AppendAlert(a)
		m5 := res.Snapshot.M5
		if err := e.sink.UpdateTokenActivity(ctx, mint,
			m5.BuyCount, m5.SellCount,
			m5.BuyVolumeSol+m5.SellVolumeSol,
			m5.UniqueBuyers, m5.UniqueSellers); err != nil {
			e.log.WithError(err).Debug("Token activity update failed")
		}
	}
}

// persistTransition mirrors a lifecycle change into the sink. A mint
// that just went COLD has no tracked profile anymore, so a minimal row
// records the demotion.
func (e *Engine) persistTransition(ctx context.Context, tr *detect.Transition) {
	if e.sink == nil {
		return
	}
	p, ok := e.state.Profile(tr.Mint)
	if !ok {
		p = models.TokenProfile{
			Mint:       tr.Mint,
			State:      tr.To,
			LastSeen:   tr.At,
			StateSince: tr.At,
		}
	}
	if err := e.sink.UpsertTokenProfile(ctx, &p); err != nil {
		e.log.WithError(err).Debug("Token profile upsert failed")
	}
}
