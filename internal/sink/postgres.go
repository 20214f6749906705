package sink

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init
// works inside the runtime image, which does not ship .sql files.
//
//go:embed schema.sql
var schemaSQL string

const (
	flushInterval = 500 * time.Millisecond
	flushBatch    = 64
	swapQueueCap  = 4096
	alertQueueCap = 64
	writeTimeout  = 5 * time.Second
)

// Store is the append-only Postgres sink. Writers enqueue and move on;
// a single flusher goroutine owns the actual inserts. Queue overflow
// and write failures drop records: persistence never stalls the
// processing pipeline.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Logger

	swaps  chan *models.SwapEvent
	alerts chan *models.Alert

	swapsAppended  atomic.Int64
	alertsAppended atomic.Int64
	dropped        atomic.Int64
	failed         atomic.Int64
}

// SinkStats is a point-in-time view of sink throughput.
type SinkStats struct {
	SwapsAppended  int64 `json:"swaps_appended"`
	AlertsAppended int64 `json:"alerts_appended"`
	Dropped        int64 `json:"dropped"`
	Failed         int64 `json:"failed"`
	Queued         int   `json:"queued"`
}

// Connect initializes the connection pool.
func Connect(ctx context.Context, connStr string, log *logrus.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing sink url: %w", err)
	}
	cfg.MinConns = 2
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to sink: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink ping failed: %w", err)
	}

	log.WithField("component", "sink").Info("Connected to PostgreSQL")
	return &Store{
		pool:   pool,
		log:    log,
		swaps:  make(chan *models.SwapEvent, swapQueueCap),
		alerts: make(chan *models.Alert, alertQueueCap),
	}, nil
}

// InitSchema executes the embedded DDL.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.log.WithField("component", "sink").Info("Sink schema initialized")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports sink reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendSwap queues a swap event for batched insert. Never blocks.
func (s *Store) AppendSwap(e *models.SwapEvent) {
	select {
	case s.swaps <- e:
	default:
		s.dropped.Add(1)
	}
}

// AppendAlert queues an alert row. Returns after enqueue; the insert
// happens on the flusher goroutine.
func (s *Store) AppendAlert(a *models.Alert) {
	select {
	case s.alerts <- a:
	default:
		s.dropped.Add(1)
		s.log.WithFields(logrus.Fields{
			"component": "sink",
			"mint":      models.ShortAddr(a.Mint),
		}).Warn("Alert sink queue full, dropping row")
	}
}

// Run is the flusher loop. Swaps flush every 500ms or 64 records,
// whichever comes first; alerts flush on arrival. Call once; returns
// after a final drain when ctx is canceled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*models.SwapEvent, 0, flushBatch)
	for {
		select {
		case <-ctx.Done():
			s.drainPending(batch)
			return
		case e := <-s.swaps:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				s.flushSwaps(batch)
				batch = batch[:0]
			}
		case a := <-s.alerts:
			s.insertAlert(a)
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushSwaps(batch)
				batch = batch[:0]
			}
		}
	}
}

// drainPending flushes whatever is queued at shutdown.
func (s *Store) drainPending(batch []*models.SwapEvent) {
	for {
		select {
		case e := <-s.swaps:
			batch = append(batch, e)
		case a := <-s.alerts:
			s.insertAlert(a)
		default:
			if len(batch) > 0 {
				s.flushSwaps(batch)
			}
			return
		}
	}
}

// flushSwaps inserts one batch in a single transaction. The unique
// (signature, base_mint) constraint plus DO NOTHING makes redelivered
// records harmless.
func (s *Store) flushSwaps(batch []*models.SwapEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.failed.Add(int64(len(batch)))
		s.log.WithField("component", "sink").WithError(err).Warn("Swap flush failed to begin")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertSQL := `
		INSERT INTO swap_events (
			signature, slot, block_time, venue, user_wallet, side,
			base_mint, base_amount, quote_mint, quote_sol, confidence,
			mcap_sol, backfilled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (signature, base_mint) DO NOTHING;
	`
	for _, e := range batch {
		base, _ := e.BaseAmount.Float64()
		_, err = tx.Exec(ctx, insertSQL,
			e.Signature,
			int64(e.Slot),
			e.BlockTime,
			e.Venue,
			e.Wallet,
			string(e.Side),
			e.BaseMint,
			base,
			e.QuoteMint,
			e.QuoteSol(),
			e.Confidence,
			nullFloat(e.McapAtSwap),
			e.Backfilled,
		)
		if err != nil {
			s.failed.Add(int64(len(batch)))
			s.log.WithField("component", "sink").WithError(err).Warn("Swap flush failed")
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.failed.Add(int64(len(batch)))
		s.log.WithField("component", "sink").WithError(err).Warn("Swap flush commit failed")
		return
	}
	s.swapsAppended.Add(int64(len(batch)))
}

func (s *Store) insertAlert(a *models.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	topBuyers, _ := json.Marshal(a.TopBuyers)
	clusters, _ := json.Marshal(a.Clusters)
	evidence, _ := json.Marshal(a.Evidence)
	components, _ := json.Marshal(a.CTOComponents)

	insertSQL := `
		INSERT INTO alerts (
			id, mint, token_name, token_symbol, trigger_name, trigger_reason,
			venue, buy_count_5m, sell_count_5m, unique_buyers_5m, volume_sol_5m,
			buy_sell_ratio_5m, cto_score, cto_components, evidence, top_buyers,
			clusters, price_sol, mcap_sol, token_supply, enrichment_degraded, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, insertSQL,
		a.ID,
		a.Mint,
		nullString(a.TokenName),
		nullString(a.TokenSymbol),
		a.TriggerName,
		nullString(a.TriggerReason),
		nullString(a.Venue),
		a.BuyCount5m,
		a.SellCount5m,
		a.UniqueBuyers5m,
		a.VolumeSol5m,
		models.FiniteRatio(a.BuySellRatio5m),
		a.CTOScore,
		components,
		evidence,
		topBuyers,
		clusters,
		nullFloat(a.PriceSol),
		nullFloat(a.McapSol),
		nullInt(int64(a.TokenSupply)),
		a.EnrichmentDegraded,
		a.CreatedAt,
	)
	if err != nil {
		s.failed.Add(1)
		s.log.WithFields(logrus.Fields{
			"component": "sink",
			"mint":      models.ShortAddr(a.Mint),
		}).WithError(err).Warn("Alert insert failed")
		return
	}
	s.alertsAppended.Add(1)
}

// MarkDelivered flips a per-channel delivery flag on an alert row.
func (s *Store) MarkDelivered(ctx context.Context, alertID, channel string) error {
	// Validate the channel parameter to prevent SQL injection.
	validChannels := map[string]string{
		"discord":  "discord_sent",
		"telegram": "telegram_sent",
	}
	col, ok := validChannels[channel]
	if !ok {
		return fmt.Errorf("unknown channel: %s", channel)
	}

	sql := fmt.Sprintf("UPDATE alerts SET %s = TRUE WHERE id = $1", col)
	_, err := s.pool.Exec(ctx, sql, alertID)
	return err
}

// UpsertTokenProfile writes a token's monitoring state. Name, symbol,
// image, and trigger reason never regress to empty once known.
func (s *Store) UpsertTokenProfile(ctx context.Context, p *models.TokenProfile) error {
	var becameHot *time.Time
	if p.State == models.StateHot && !p.StateSince.IsZero() {
		becameHot = &p.StateSince
	}

	sql := `
		INSERT INTO token_profiles (
			mint, state, first_seen, last_seen, became_hot_at,
			trigger_reason, name, symbol, decimals, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (mint) DO UPDATE SET
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen,
			became_hot_at = COALESCE(EXCLUDED.became_hot_at, token_profiles.became_hot_at),
			trigger_reason = COALESCE(NULLIF(EXCLUDED.trigger_reason, ''), token_profiles.trigger_reason),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), token_profiles.name),
			symbol = COALESCE(NULLIF(EXCLUDED.symbol, ''), token_profiles.symbol),
			decimals = COALESCE(NULLIF(EXCLUDED.decimals, 0), token_profiles.decimals),
			updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql,
		p.Mint,
		string(p.State),
		nullTime(p.FirstSeen),
		nullTime(p.LastSeen),
		becameHot,
		p.TriggerReason,
		p.Name,
		p.Symbol,
		p.Decimals,
	)
	return err
}

// UpdateTokenActivity refreshes the rolled-up counters on a profile,
// typically at HOT promotion from the live window snapshot.
func (s *Store) UpdateTokenActivity(ctx context.Context, mint string, buys, sells int64, volumeSol float64, buyers, sellers int64) error {
	sql := `
		UPDATE token_profiles
		SET total_buys = $2, total_sells = $3, total_volume_sol = $4,
		    unique_buyers = $5, unique_sellers = $6, updated_at = NOW()
		WHERE mint = $1;
	`
	_, err := s.pool.Exec(ctx, sql, mint, buys, sells, volumeSol, buyers, sellers)
	return err
}

// UpsertWalletProfile writes a buyer's funding linkage. The funder is
// sticky once traced.
func (s *Store) UpsertWalletProfile(ctx context.Context, w *models.WalletProfile) error {
	sql := `
		INSERT INTO wallet_profiles (
			address, first_seen, last_trade_at, total_buys, total_sells,
			total_volume_sol, cluster_id, cluster_size, funded_by,
			funding_amount_sol, funding_hop, is_new_wallet, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (address) DO UPDATE SET
			last_trade_at = EXCLUDED.last_trade_at,
			total_buys = EXCLUDED.total_buys,
			total_sells = EXCLUDED.total_sells,
			total_volume_sol = EXCLUDED.total_volume_sol,
			cluster_id = COALESCE(NULLIF(EXCLUDED.cluster_id, ''), wallet_profiles.cluster_id),
			cluster_size = EXCLUDED.cluster_size,
			funded_by = COALESCE(NULLIF(EXCLUDED.funded_by, ''), wallet_profiles.funded_by),
			funding_amount_sol = COALESCE(EXCLUDED.funding_amount_sol, wallet_profiles.funding_amount_sol),
			funding_hop = EXCLUDED.funding_hop,
			is_new_wallet = EXCLUDED.is_new_wallet,
			updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql,
		w.Address,
		nullTime(w.FirstSeen),
		nullTime(w.LastSeenTrade),
		w.TotalBuys,
		w.TotalSells,
		w.VolumeSol,
		w.ClusterID,
		w.ClusterSize,
		w.FundedBy,
		nullFloat(w.FundingSol),
		w.FundingHop,
		w.IsNewWallet,
	)
	return err
}

// UpdateWalletCluster rewrites cluster membership after a union merge.
func (s *Store) UpdateWalletCluster(ctx context.Context, address, clusterID string, clusterSize int) error {
	sql := `
		UPDATE wallet_profiles
		SET cluster_id = $2, cluster_size = $3, updated_at = NOW()
		WHERE address = $1;
	`
	_, err := s.pool.Exec(ctx, sql, address, clusterID, clusterSize)
	return err
}

// RecentAlerts returns stored alerts, newest first, optionally scoped
// to one mint.
func (s *Store) RecentAlerts(ctx context.Context, mint string, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	selectSQL := `
		SELECT id, mint, token_name, token_symbol, trigger_name, trigger_reason,
		       venue, buy_count_5m, sell_count_5m, unique_buyers_5m, volume_sol_5m,
		       buy_sell_ratio_5m, cto_score, cto_components, evidence, top_buyers,
		       clusters, price_sol, mcap_sol, token_supply, enrichment_degraded, created_at
		FROM alerts
	`
	var (
		rows pgx.Rows
		err  error
	)
	if mint != "" {
		rows, err = s.pool.Query(ctx, selectSQL+" WHERE mint = $1 ORDER BY created_at DESC LIMIT $2", mint, limit)
	} else {
		rows, err = s.pool.Query(ctx, selectSQL+" ORDER BY created_at DESC LIMIT $1", limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]models.Alert, 0)
	for rows.Next() {
		var (
			a          models.Alert
			tokenName  *string
			tokenSym   *string
			reason     *string
			venue      *string
			components []byte
			evidence   []byte
			topBuyers  []byte
			clusters   []byte
			priceSol   *float64
			mcapSol    *float64
			supply     *int64
		)
		if err := rows.Scan(&a.ID, &a.Mint, &tokenName, &tokenSym, &a.TriggerName, &reason,
			&venue, &a.BuyCount5m, &a.SellCount5m, &a.UniqueBuyers5m, &a.VolumeSol5m,
			&a.BuySellRatio5m, &a.CTOScore, &components, &evidence, &topBuyers,
			&clusters, &priceSol, &mcapSol, &supply, &a.EnrichmentDegraded, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.TokenName = deref(tokenName)
		a.TokenSymbol = deref(tokenSym)
		a.TriggerReason = deref(reason)
		a.Venue = deref(venue)
		if priceSol != nil {
			a.PriceSol = *priceSol
		}
		if mcapSol != nil {
			a.McapSol = *mcapSol
		}
		if supply != nil {
			a.TokenSupply = uint64(*supply)
		}
		_ = json.Unmarshal(components, &a.CTOComponents)
		_ = json.Unmarshal(evidence, &a.Evidence)
		_ = json.Unmarshal(topBuyers, &a.TopBuyers)
		_ = json.Unmarshal(clusters, &a.Clusters)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// RecentSwaps returns stored swap events for a mint, newest first.
func (s *Store) RecentSwaps(ctx context.Context, mint string, limit int) ([]models.SwapEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT signature, slot, block_time, venue, user_wallet, side,
		       base_mint, base_amount, quote_mint, quote_sol, confidence, backfilled
		FROM swap_events
		WHERE base_mint = $1
		ORDER BY block_time DESC
		LIMIT $2
	`, mint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.SwapEvent, 0)
	for rows.Next() {
		var (
			e        models.SwapEvent
			slot     int64
			base     float64
			quoteSol float64
			side     string
		)
		if err := rows.Scan(&e.Signature, &slot, &e.BlockTime, &e.Venue, &e.Wallet, &side,
			&e.BaseMint, &base, &e.QuoteMint, &quoteSol, &e.Confidence, &e.Backfilled); err != nil {
			return nil, err
		}
		e.Slot = uint64(slot)
		e.Side = models.SwapSide(side)
		e.BaseAmount = decimal.NewFromFloat(base)
		e.QuoteAmount = decimal.NewFromFloat(quoteSol)
		events = append(events, e)
	}
	return events, rows.Err()
}

// TopBuyersSince aggregates buy volume per wallet for a mint from the
// persisted events.
func (s *Store) TopBuyersSince(ctx context.Context, mint string, sinceBlockTime int64, limit int) ([]models.TopBuyer, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx, `
		SELECT user_wallet, COUNT(*) AS buy_count, SUM(quote_sol) AS volume_sol
		FROM swap_events
		WHERE base_mint = $1 AND side = 'buy' AND block_time >= $2
		GROUP BY user_wallet
		ORDER BY volume_sol DESC
		LIMIT $3
	`, mint, sinceBlockTime, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buyers := make([]models.TopBuyer, 0)
	for rows.Next() {
		var (
			b     models.TopBuyer
			count int64
		)
		if err := rows.Scan(&b.Wallet, &count, &b.VolumeSol); err != nil {
			return nil, err
		}
		b.BuyCount = int(count)
		buyers = append(buyers, b)
	}
	return buyers, rows.Err()
}

// TokenProfile loads a stored profile, or nil when unknown.
func (s *Store) TokenProfile(ctx context.Context, mint string) (*models.TokenProfile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT mint, state, first_seen, last_seen, trigger_reason, name, symbol, decimals
		FROM token_profiles
		WHERE mint = $1
	`, mint)

	var (
		p         models.TokenProfile
		state     string
		firstSeen *time.Time
		lastSeen  *time.Time
		reason    *string
		name      *string
		symbol    *string
		decimals  *int
	)
	err := row.Scan(&p.Mint, &state, &firstSeen, &lastSeen, &reason, &name, &symbol, &decimals)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.State = models.TokenState(state)
	if firstSeen != nil {
		p.FirstSeen = *firstSeen
	}
	if lastSeen != nil {
		p.LastSeen = *lastSeen
	}
	p.TriggerReason = deref(reason)
	p.Name = deref(name)
	p.Symbol = deref(symbol)
	if decimals != nil {
		p.Decimals = *decimals
	}
	return &p, nil
}

// CleanupOldSwaps deletes swap rows older than the retention window.
func (s *Store) CleanupOldSwaps(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM swap_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats snapshots the sink counters.
func (s *Store) Stats() SinkStats {
	return SinkStats{
		SwapsAppended:  s.swapsAppended.Load(),
		AlertsAppended: s.alertsAppended.Load(),
		Dropped:        s.dropped.Load(),
		Failed:         s.failed.Load(),
		Queued:         len(s.swaps) + len(s.alerts),
	}
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullFloat(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullTime(v time.Time) *time.Time {
	if v.IsZero() {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
