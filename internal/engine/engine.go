package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/internal/alert"
	"github.com/rawblock/swapradar-engine/internal/backpressure"
	"github.com/rawblock/swapradar-engine/internal/cluster"
	"github.com/rawblock/swapradar-engine/internal/config"
	"github.com/rawblock/swapradar-engine/internal/counters"
	"github.com/rawblock/swapradar-engine/internal/deltalog"
	"github.com/rawblock/swapradar-engine/internal/detect"
	"github.com/rawblock/swapradar-engine/internal/enrich"
	"github.com/rawblock/swapradar-engine/internal/ingest"
	"github.com/rawblock/swapradar-engine/internal/metrics"
	"github.com/rawblock/swapradar-engine/internal/parser"
	"github.com/rawblock/swapradar-engine/internal/sink"
	"github.com/rawblock/swapradar-engine/internal/stream"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

const (
	// opTimeout bounds single store round-trips inside loops.
	opTimeout = 5 * time.Second
	// batchTimeout bounds one consumed batch end to end, including the ack.
	batchTimeout = 30 * time.Second

	// claimInterval is how often each consumer sweeps for deliveries
	// stranded by a dead sibling; claimMinIdle is how stale a pending
	// delivery must be before it is taken over.
	claimInterval = 30 * time.Second
	claimMinIdle  = 30 * time.Second

	statsInterval       = 30 * time.Second
	maintenanceInterval = time.Minute

	// swapRetention is how long raw swap rows stay in the sink before
	// the hourly cleanup drops them; aggregates survive.
	swapRetention = 7 * 24 * time.Hour

	// newWalletAge classifies a wallet as fresh for alert annotation.
	newWalletAge = 24 * time.Hour

	// alertTopBuyers is how many heavy hitters an alert displays.
	alertTopBuyers = 5

	defaultAlertRatePerMin = 30
	defaultAlertBurst      = 10
	defaultAlertMaxWait    = 5 * time.Second

	scoreWorkers = 4
	scoreTimeout = 2 * time.Second

	recentBuyLimit = 256
)

// Roles selects which pipeline stages this process runs. All false
// means everything; the flags exist so ingest, consumption, and
// detection can be split across processes sharing one counter store.
type Roles struct {
	Ingest  bool
	Consume bool
	Detect  bool
}

func (r Roles) normalized() Roles {
	if !r.Ingest && !r.Consume && !r.Detect {
		return Roles{Ingest: true, Consume: true, Detect: true}
	}
	return r
}

func (r Roles) String() string {
	var parts []string
	if r.Ingest {
		parts = append(parts, "ingest")
	}
	if r.Consume {
		parts = append(parts, "consume")
	}
	if r.Detect {
		parts = append(parts, "detect")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// atomicFloat stores a float64 behind an atomic for hot-reloaded knobs.
type atomicFloat struct{ bits atomic.Uint64 }

func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }
func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }

// Engine wires every pipeline stage together and owns their lifecycle.
// Construction connects and validates; Run starts the loops and blocks
// until the context is canceled, then shuts the stages down in
// dependency order.
type Engine struct {
	cfg   *config.Settings
	log   *logrus.Logger
	roles Roles

	rdb        *redis.Client
	stream     *stream.Stream
	dedup      *stream.Dedup
	relay      *ingest.Relay
	inferencer *parser.Inferencer
	seen       *parser.SeenCache
	discovery  *parser.Discovery
	counters   *counters.Store
	evaluator  *detect.Evaluator
	shadow     *detect.ShadowEvaluator
	state      *detect.StateManager
	dlog       *deltalog.Log
	bp         *backpressure.Controller
	clusterer  *cluster.Clusterer
	scorer     *cluster.Scorer
	enricher   *enrich.Client
	dispatcher *alert.Dispatcher
	sink       *sink.Store
	metrics    *metrics.Set
	live       *config.Live

	recent  *recentBuys
	meta    *metaCache
	funding chan string

	tracedMu sync.Mutex
	traced   map[string]time.Time

	minConfidence atomicFloat
	minMcap       atomicFloat

	startedAt time.Time

	processed   atomic.Int64
	swapsSeen   atomic.Int64
	duplicates  atomic.Int64
	parseFails  atomic.Int64
	alertsBuilt atomic.Int64
	backfilled  atomic.Int64
}

// New connects the engine's stages. Anything the pipeline cannot run
// without (counter store, consumer group, rule file) fails
// construction; the sink degrades to disabled with a warning.
func New(cfg *config.Settings, log *logrus.Logger, roles Roles) (*Engine, error) {
	roles = roles.normalized()

	opts, err := redis.ParseURL(cfg.CounterStoreURL)
	if err != nil {
		return nil, fmt.Errorf("parsing COUNTER_STORE_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("counter store unreachable: %w", err)
	}

	st := stream.New(rdb, log, cfg.StreamMaxLen)
	if err := st.EnsureGroup(ctx); err != nil {
		return nil, fmt.Errorf("ensuring consumer group: %w", err)
	}

	doc, err := config.ReadRulesFile(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	evaluator := detect.NewEvaluator(log)
	if err := evaluator.Load(doc); err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", cfg.RulesPath, err)
	}

	dlog, err := deltalog.New(deltalog.Options{
		Dir:           cfg.DeltaLogDir,
		Retention:     cfg.DeltaRetention,
		SegmentMaxAge: cfg.DeltaSegmentMaxAge,
		FlushEvery:    500 * time.Millisecond,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("opening delta log: %w", err)
	}

	cnt := counters.New(rdb, log)
	lagWarn := time.Duration(cfg.BPLagWarn * float64(time.Second))
	lagCrit := time.Duration(cfg.BPLagCrit * float64(time.Second))
	bp := backpressure.New(log, st, lagWarn, lagCrit, cfg.BPBufWarn, cfg.BPBufCrit)

	clusterer := cluster.NewClusterer()
	budget := enrich.NewBudget(cfg.EnrichmentDailyCredits)
	enricher := enrich.New(cfg.EnrichmentEndpoint, cfg.EnrichmentAPIKey, budget, log)

	var channels []alert.Channel
	if cfg.DiscordEnabled() {
		channels = append(channels, alert.NewDiscord(cfg.DiscordWebhookURL))
	}
	if cfg.TelegramEnabled() {
		channels = append(channels, alert.NewTelegram("", cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	dispatcher := alert.NewDispatcher(channels, defaultAlertRatePerMin, defaultAlertBurst, defaultAlertMaxWait, log)

	var sk *sink.Store
	if cfg.AppendSinkURL != "" {
		sk, err = sink.Connect(ctx, cfg.AppendSinkURL, log)
		if err != nil {
			log.Warnf("Append sink unavailable, continuing without persistence: %v", err)
			sk = nil
		} else if err := sk.InitSchema(ctx); err != nil {
			log.Warnf("Sink schema init failed, continuing without persistence: %v", err)
			sk.Close()
			sk = nil
		}
	}

	e := &Engine{
		cfg:        cfg,
		log:        log,
		roles:      roles,
		rdb:        rdb,
		stream:     st,
		dedup:      stream.NewDedup(rdb, cfg.DedupTTL),
		inferencer: parser.NewInferencer(),
		seen:       parser.NewSeenCache(cfg.WarmTTL),
		discovery:  parser.NewDiscovery(log),
		counters:   cnt,
		evaluator:  evaluator,
		shadow:     detect.NewShadowEvaluator(log),
		state:      detect.NewStateManager(log, cnt, cfg.HotTokenTTL, cfg.WarmTTL, cfg.AlertCooldown),
		dlog:       dlog,
		bp:         bp,
		clusterer:  clusterer,
		scorer:     cluster.NewScorer(clusterer, scoreWorkers, scoreTimeout, log),
		enricher:   enricher,
		dispatcher: dispatcher,
		sink:       sk,
		metrics:    metrics.New(),
		live:       config.NewLive(rdb, log),
		recent:     newRecentBuys(recentBuyLimit, cfg.WarmTTL),
		meta:       newMetaCache(),
		funding:    make(chan string, fundingQueueCap),
		traced:     make(map[string]time.Time),
	}
	if roles.Ingest {
		e.relay = ingest.NewRelay(cfg.StreamEndpoint, cfg.StreamToken, st, log)
	}
	e.minConfidence.Store(cfg.MinSwapConfidence)
	e.minMcap.Store(cfg.MinMcapSol)
	e.wireReloads()
	e.wireCallbacks()
	return e, nil
}

// wireReloads registers the live-config handlers. Each handler
// validates the full payload before touching anything, so a bad
// publish leaves the previous values intact.
func (e *Engine) wireReloads() {
	e.live.OnReload(config.SectionDetection, e.evaluator.Reload)
	e.live.OnReload(config.SectionShadow, e.shadow.Reload)

	e.live.OnReload(config.SectionThresholds, func(payload []byte) error {
		o, err := config.ParseThresholds(payload)
		if err != nil {
			return err
		}
		if o.HotTTLSeconds != nil {
			e.state.SetHotTTL(time.Duration(*o.HotTTLSeconds) * time.Second)
		}
		if o.WarmTTLSeconds != nil {
			e.state.SetWarmTTL(time.Duration(*o.WarmTTLSeconds) * time.Second)
		}
		if o.AlertCooldownSeconds != nil {
			e.state.SetCooldown(time.Duration(*o.AlertCooldownSeconds) * time.Second)
		}
		if o.MinSwapConfidence != nil {
			if *o.MinSwapConfidence < 0 || *o.MinSwapConfidence > 1 {
				return fmt.Errorf("min_swap_confidence %v out of [0,1]", *o.MinSwapConfidence)
			}
			e.minConfidence.Store(*o.MinSwapConfidence)
		}
		if o.MinMcapSol != nil {
			e.minMcap.Store(*o.MinMcapSol)
		}
		return nil
	})

	e.live.OnReload(config.SectionBackpressure, func(payload []byte) error {
		o, err := config.ParseBackpressure(payload)
		if err != nil {
			return err
		}
		lagWarn, lagCrit, bufWarn, bufCrit := e.bp.Thresholds()
		if o.LagWarnSeconds != nil {
			lagWarn = time.Duration(*o.LagWarnSeconds) * time.Second
		}
		if o.LagCritSeconds != nil {
			lagCrit = time.Duration(*o.LagCritSeconds) * time.Second
		}
		if o.BufWarn != nil {
			bufWarn = *o.BufWarn
		}
		if o.BufCrit != nil {
			bufCrit = *o.BufCrit
		}
		return e.bp.SetThresholds(lagWarn, lagCrit, bufWarn, bufCrit)
	})

	e.live.OnReload(config.SectionAlerts, func(payload []byte) error {
		o, err := config.ParseAlertOverrides(payload)
		if err != nil {
			return err
		}
		if o.RatePerMinute != nil || o.Burst != nil {
			rate, burst := defaultAlertRatePerMin, defaultAlertBurst
			if o.RatePerMinute != nil {
				rate = *o.RatePerMinute
			}
			if o.Burst != nil {
				burst = *o.Burst
			}
			e.dispatcher.SetRateLimit(rate, burst)
		}
		if o.MaxWaitSeconds != nil {
			e.dispatcher.SetMaxWait(time.Duration(*o.MaxWaitSeconds) * time.Second)
		}
		return nil
	})
}

// wireCallbacks hooks delivery outcomes into metrics and the sink, and
// mirrors backpressure transitions into the mode gauge.
func (e *Engine) wireCallbacks() {
	e.dispatcher.OnDelivered(func(channel string, a *models.Alert) {
		e.metrics.AlertsSent.WithLabelValues(channel).Inc()
		if e.sink == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := e.sink.MarkDelivered(ctx, a.ID, channel); err != nil {
			e.log.WithError(err).Debug("Delivery mark failed")
		}
	})
	e.dispatcher.OnDropped(func(channel string) {
		e.metrics.AlertsDropped.WithLabelValues(channel).Inc()
	})
	e.bp.OnChange(func(m backpressure.Mode) {
		e.metrics.Mode.Set(float64(m))
	})
}

// Run starts every loop the configured roles need and blocks until ctx
// is canceled, then drains: intake stops, the in-flight batch finishes
// and acks, the delta log flushes, and queued alerts get the remainder
// of the shutdown window to deliver.
func (e *Engine) Run(ctx context.Context) error {
	// Loops run on their own context so canceling the signal context
	// stops intake without killing in-flight store writes.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	dispCtx, cancelDisp := context.WithCancel(context.Background())
	defer cancelDisp()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(workCtx)
		}()
	}

	e.startedAt = time.Now()

	run(e.bp.Run)
	run(e.dlog.Run)
	run(e.live.Run)
	if e.sink != nil {
		run(e.sink.Run)
	}
	run(e.statsLoop)
	run(e.maintenanceLoop)

	if e.roles.Ingest {
		run(e.relay.Run)
	}
	if e.roles.Consume {
		for i := 0; i < e.cfg.ConsumerCount; i++ {
			name := e.cfg.ConsumerNameFor(i)
			run(func(ctx context.Context) { e.consumeLoop(ctx, name) })
		}
	}
	if e.roles.Detect {
		e.dispatcher.Start(dispCtx)
		run(e.detectorLoop)
		run(e.backfillLoop)
		run(e.fundingLoop)
	}

	e.log.WithFields(logrus.Fields{
		"roles":     e.roles.String(),
		"consumers": e.cfg.ConsumerCount,
		"rules":     len(e.evaluator.Rules()),
		"sink":      e.sink != nil,
	}).Info("Engine started")

	<-ctx.Done()
	deadline := time.Now().Add(e.cfg.ShutdownTimeout)
	e.log.Infof("Shutting down, %v grace", e.cfg.ShutdownTimeout)
	cancelWork()

	loopsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-time.After(time.Until(deadline)):
		e.log.Warn("Shutdown deadline exceeded; unacked records stay pending for the next claim")
	}

	if err := e.dlog.Close(); err != nil {
		e.log.Warnf("Delta log close: %v", err)
	}

	if e.roles.Detect {
		drainCtx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := e.dispatcher.Drain(drainCtx); err != nil {
			e.log.Warnf("Alert drain incomplete: %v", err)
		}
		cancel()
		cancelDisp()
	}

	if e.sink != nil {
		e.sink.Close()
	}
	if err := e.rdb.Close(); err != nil {
		e.log.Warnf("Counter store close: %v", err)
	}
	e.log.Info("Engine stopped")
	return nil
}

// Dispatcher exposes the alert dispatcher for websocket fan-out wiring
// and the test-alert command.
func (e *Engine) Dispatcher() *alert.Dispatcher { return e.dispatcher }

// Metrics exposes the collector set for the HTTP exposition handler.
func (e *Engine) Metrics() *metrics.Set { return e.metrics }

// Mode reports the current backpressure mode name.
func (e *Engine) Mode() string { return e.bp.Mode().String() }

// Uptime is the time since Run started.
func (e *Engine) Uptime() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

// HotProfiles returns the profiles of every HOT mint.
func (e *Engine) HotProfiles() []models.TokenProfile {
	mints := e.state.HotMints()
	out := make([]models.TokenProfile, 0, len(mints))
	for _, mint := range mints {
		if p, ok := e.state.Profile(mint); ok {
			out = append(out, p)
		}
	}
	return out
}

// TokenSnapshot returns the live aggregate view of one mint.
func (e *Engine) TokenSnapshot(ctx context.Context, mint string) (*counters.Snapshot, error) {
	return e.counters.Snapshot(ctx, mint)
}

// TokenState reports the lifecycle state of a mint.
func (e *Engine) TokenState(mint string) models.TokenState {
	return e.state.State(mint)
}

// StoredTokenProfile reads the persisted profile, nil without a sink.
func (e *Engine) StoredTokenProfile(ctx context.Context, mint string) (*models.TokenProfile, error) {
	if e.sink == nil {
		return nil, nil
	}
	return e.sink.TokenProfile(ctx, mint)
}

// RecentAlerts reads the latest persisted alerts; empty without a sink.
// An empty mint matches all.
func (e *Engine) RecentAlerts(ctx context.Context, mint string, limit int) ([]models.Alert, error) {
	if e.sink == nil {
		return []models.Alert{}, nil
	}
	return e.sink.RecentAlerts(ctx, mint, limit)
}

// RecentSwaps reads a mint's latest persisted swap events.
func (e *Engine) RecentSwaps(ctx context.Context, mint string, limit int) ([]models.SwapEvent, error) {
	if e.sink == nil {
		return []models.SwapEvent{}, nil
	}
	return e.sink.RecentSwaps(ctx, mint, limit)
}

// HistoricalTopBuyers aggregates buyers from the sink over a longer
// horizon than the live counters keep.
func (e *Engine) HistoricalTopBuyers(ctx context.Context, mint string, since time.Time, limit int) ([]models.TopBuyer, error) {
	if e.sink == nil {
		return []models.TopBuyer{}, nil
	}
	return e.sink.TopBuyersSince(ctx, mint, since.Unix(), limit)
}

// PublishReload asks every engine process on this counter store to
// re-read one live config section.
func (e *Engine) PublishReload(ctx context.Context, section config.Section) error {
	return e.rdb.Publish(ctx, config.ReloadChannel, string(section)).Err()
}

// StoreConfigSection writes a section document and notifies every
// process. The caller validates syntax first; semantic rejection
// happens per process, which keeps its previous values.
func (e *Engine) StoreConfigSection(ctx context.Context, section config.Section, payload []byte) error {
	if err := e.rdb.Set(ctx, config.SectionKey(section), payload, 0).Err(); err != nil {
		return err
	}
	return e.PublishReload(ctx, section)
}

// HealthView is the liveness summary served by the API.
type HealthView struct {
	Status        string          `json:"status"`
	Mode          string          `json:"mode"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Components    map[string]bool `json:"components"`
}

// Health probes the stores and reports overall damage: "ok" only when
// the counter store answers and backpressure is not critical.
func (e *Engine) Health(ctx context.Context) HealthView {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	components := map[string]bool{
		"counter_store": e.counters.Ping(opCtx) == nil,
		"sink":          false,
	}
	if e.sink != nil {
		components["sink"] = e.sink.Ping(opCtx) == nil
	}
	if e.roles.Ingest {
		components["relay"] = e.relay.Stats().Connected
	}

	status := "ok"
	if !components["counter_store"] || e.bp.Mode() == backpressure.ModeCritical {
		status = "degraded"
	}
	return HealthView{
		Status:        status,
		Mode:          e.Mode(),
		UptimeSeconds: int64(e.Uptime().Seconds()),
		Components:    components,
	}
}

// StatsView is the operational snapshot served by /api/v1/stats.
type StatsView struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Roles         string `json:"roles"`
	Mode          string `json:"mode"`

	Pipeline struct {
		Processed     int64 `json:"processed"`
		Swaps         int64 `json:"swaps"`
		Duplicates    int64 `json:"duplicates"`
		ParseFailures int64 `json:"parse_failures"`
		Alerts        int64 `json:"alerts"`
		Backfilled    int64 `json:"backfilled"`
	} `json:"pipeline"`

	Stream struct {
		Length     int64   `json:"length"`
		LagSeconds float64 `json:"lag_seconds"`
		Pending    int64   `json:"pending"`
		Malformed  int64   `json:"malformed"`
		DedupLocal int     `json:"dedup_local"`
	} `json:"stream"`

	Tokens struct {
		Warm        int `json:"warm"`
		Hot         int `json:"hot"`
		TrackedBuys int `json:"tracked_buys"`
	} `json:"tokens"`

	Rules struct {
		Loaded      int   `json:"loaded"`
		Evaluations int64 `json:"evaluations"`
		Fired       int64 `json:"fired"`
	} `json:"rules"`

	Shadow detect.ShadowReport `json:"shadow"`

	Clusters struct {
		Wallets  int   `json:"wallets"`
		Clusters int   `json:"clusters"`
		Merges   int64 `json:"merges"`
	} `json:"clusters"`

	DeltaLog struct {
		Written int64 `json:"written"`
		Dropped int64 `json:"dropped"`
	} `json:"delta_log"`

	Backpressure map[string]interface{}        `json:"backpressure"`
	Alerts       map[string]alert.ChannelStats `json:"alerts"`
	Enrichment   enrich.Stats                  `json:"enrichment"`
	Sink         *sink.SinkStats               `json:"sink,omitempty"`
	Relay        *ingest.RelayStats            `json:"relay,omitempty"`

	UnknownPrograms []parser.ProgramCount `json:"unknown_programs,omitempty"`
}

// Stats assembles the full operational snapshot.
func (e *Engine) Stats(ctx context.Context) StatsView {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	v := StatsView{
		UptimeSeconds: int64(e.Uptime().Seconds()),
		Roles:         e.roles.String(),
		Mode:          e.Mode(),
		Backpressure:  e.bp.Stats(),
		Alerts:        e.dispatcher.Stats(),
		Enrichment:    e.enricher.Stats(),
	}
	v.Pipeline.Processed = e.processed.Load()
	v.Pipeline.Swaps = e.swapsSeen.Load()
	v.Pipeline.Duplicates = e.duplicates.Load()
	v.Pipeline.ParseFailures = e.parseFails.Load()
	v.Pipeline.Alerts = e.alertsBuilt.Load()
	v.Pipeline.Backfilled = e.backfilled.Load()

	if n, err := e.stream.Length(opCtx); err == nil {
		v.Stream.Length = n
	}
	if lag, err := e.stream.Lag(opCtx); err == nil {
		v.Stream.LagSeconds = lag.Seconds()
	}
	if n, err := e.stream.PendingCount(opCtx); err == nil {
		v.Stream.Pending = n
	}
	v.Stream.Malformed = e.stream.MalformedCount()
	v.Stream.DedupLocal = e.dedup.LocalSize()

	v.Tokens.Warm, v.Tokens.Hot = e.state.Counts()
	v.Tokens.TrackedBuys = e.recent.Mints()

	v.Rules.Loaded, v.Rules.Evaluations, v.Rules.Fired = e.evaluator.Stats()
	v.Shadow = e.shadow.Report()
	v.Clusters.Wallets, v.Clusters.Clusters, v.Clusters.Merges = e.clusterer.Stats()
	v.DeltaLog.Written = e.dlog.Written()
	v.DeltaLog.Dropped = e.dlog.Dropped()

	if e.sink != nil {
		s := e.sink.Stats()
		v.Sink = &s
	}
	if e.relay != nil {
		s := e.relay.Stats()
		v.Relay = &s
	}
	v.UnknownPrograms = e.discovery.Top(5)
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
