package engine

import (
	"context"
	"time"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

const (
	fundingQueueCap = 512
	// fundingRetrace is how long a traced wallet stays off the queue.
	// Funding history only grows at the far end, so re-tracing sooner
	// buys nothing and burns credits.
	fundingRetrace = 24 * time.Hour
	fundingTimeout = 15 * time.Second
)

// enqueueFunding schedules a funding trace for a wallet seen buying a
// HOT mint. Non-blocking: under load the queue sheds instead of
// stalling the caller.
func (e *Engine) enqueueFunding(wallet string) {
	if wallet == "" || !e.markTraced(wallet) {
		return
	}
	select {
	case e.funding <- wallet:
	default:
		e.log.WithField("component", "funding").Debug("Funding queue full, skipping wallet")
	}
}

// markTraced records the trace attempt; false means the wallet was
// traced inside the retrace window. Marked on enqueue, not on success,
// so a failing service does not get a retry storm.
func (e *Engine) markTraced(wallet string) bool {
	now := time.Now()
	e.tracedMu.Lock()
	defer e.tracedMu.Unlock()
	if at, ok := e.traced[wallet]; ok && now.Sub(at) < fundingRetrace {
		return false
	}
	e.traced[wallet] = now
	return true
}

func (e *Engine) sweepTraced(now time.Time) {
	e.tracedMu.Lock()
	defer e.tracedMu.Unlock()
	for wallet, at := range e.traced {
		if now.Sub(at) >= fundingRetrace {
			delete(e.traced, wallet)
		}
	}
}

// fundingLoop resolves funding chains for queued wallets and feeds the
// links into the clusterer. Paused while backpressure is critical;
// queued wallets simply wait.
func (e *Engine) fundingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case wallet := <-e.funding:
			for !e.bp.AllowEnrichment() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			e.traceFunding(ctx, wallet)
		}
	}
}

func (e *Engine) traceFunding(ctx context.Context, wallet string) {
	opCtx, cancel := context.WithTimeout(ctx, fundingTimeout)
	defer cancel()

	fi, err := e.enricher.FundingSource(opCtx, wallet)
	if err != nil {
		e.log.WithError(err).Debug("Funding trace failed")
		return
	}
	if len(fi.Chain) == 0 {
		return
	}

	prev := wallet
	for _, hop := range fi.Chain {
		if hop.Funder == "" {
			break
		}
		e.clusterer.LinkFunding(prev, hop.Funder)
		prev = hop.Funder
	}
	id, size := e.clusterer.ClusterOf(wallet)

	if e.sink == nil {
		return
	}
	wp := &models.WalletProfile{
		Address:     wallet,
		FundedBy:    fi.Chain[0].Funder,
		FundingHop:  len(fi.Chain) - 1,
		ClusterID:   id,
		ClusterSize: size,
	}
	if fs, err := e.counters.WalletFirstSeen(opCtx, wallet); err == nil && fs > 0 {
		wp.FirstSeen = time.Unix(fs, 0)
		wp.IsNewWallet = time.Since(wp.FirstSeen) < newWalletAge
	}
	if err := e.sink.UpsertWalletProfile(opCtx, wp); err != nil {
		e.log.WithError(err).Debug("Wallet profile upsert failed")
		return
	}
	// Funders already on file get their cluster view refreshed too.
	for _, hop := range fi.Chain {
		if hop.Funder == "" {
			continue
		}
		if err := e.sink.UpdateWalletCluster(opCtx, hop.Funder, id, size); err != nil {
			e.log.WithError(err).Debug("Cluster update failed")
		}
	}
}
