package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the full runtime configuration, read from the
// environment once at startup. Credentials MUST come from environment
// variables; there are no fallback defaults for security-sensitive
// values. Use a .env file for local development:
// cp .env.example .env && edit .env
type Settings struct {
	// Upstream transaction stream (websocket relay).
	StreamEndpoint string
	StreamToken    string

	// Counter store (Redis). Holds the durable stream, dedup keys,
	// rolling counters, config channel and hot set.
	CounterStoreURL string

	// Append-only sink (PostgreSQL).
	AppendSinkURL string

	// Enrichment service.
	EnrichmentEndpoint     string
	EnrichmentAPIKey       string
	EnrichmentDailyCredits int64

	// Alert channels. Empty value disables the channel.
	DiscordWebhookURL string
	TelegramBotToken  string
	TelegramChatID    string

	// Stream consumption.
	ConsumerCount     int
	ConsumerName      string // override; default derived from host+pid
	ConsumerBatchSize int
	ConsumerBlockMS   int
	StreamMaxLen      int64
	DedupTTL          time.Duration

	// Token state machine.
	HotTokenTTL   time.Duration
	WarmTTL       time.Duration
	AlertCooldown time.Duration

	// Detection.
	MinSwapConfidence float64
	MinMcapSol        float64
	RulesPath         string

	// Backpressure thresholds: lag in seconds, buffer in entries.
	BPLagWarn float64
	BPLagCrit float64
	BPBufWarn int64
	BPBufCrit int64

	// Delta log.
	DeltaLogDir        string
	DeltaRetention     time.Duration
	DeltaSegmentMaxAge time.Duration

	// HTTP API.
	Port string

	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads the environment into a Settings struct. All required
// variables are checked up front so every missing one is reported in a
// single error, before the process touches any external system.
func Load() (*Settings, error) {
	var missing []string
	require := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	s := &Settings{
		StreamEndpoint:   require("STREAM_ENDPOINT"),
		StreamToken:      require("STREAM_TOKEN"),
		CounterStoreURL:  require("COUNTER_STORE_URL"),
		AppendSinkURL:    require("APPEND_SINK_URL"),
		EnrichmentAPIKey: require("ENRICHMENT_API_KEY"),

		EnrichmentEndpoint:     getEnvOrDefault("ENRICHMENT_ENDPOINT", "https://mainnet.helius-rpc.com"),
		EnrichmentDailyCredits: envInt64("ENRICHMENT_DAILY_CREDITS", 500000),

		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),

		ConsumerCount:     envInt("STREAM_CONSUMER_COUNT", 1),
		ConsumerName:      os.Getenv("CONSUMER_NAME"),
		ConsumerBatchSize: envInt("CONSUMER_BATCH_SIZE", 100),
		ConsumerBlockMS:   envInt("CONSUMER_BLOCK_MS", 1000),
		StreamMaxLen:      envInt64("STREAM_MAXLEN", 100000),
		DedupTTL:          envSeconds("DEDUP_TTL_SECONDS", 600),

		HotTokenTTL:   envSeconds("HOT_TOKEN_TTL_SECONDS", 3600),
		WarmTTL:       envSeconds("WARM_TTL_SECONDS", 1800),
		AlertCooldown: envSeconds("ALERT_COOLDOWN_SECONDS", 300),

		MinSwapConfidence: envFloat("MIN_SWAP_CONFIDENCE", 0.7),
		MinMcapSol:        envFloat("MIN_MCAP_SOL", 500),
		RulesPath:         getEnvOrDefault("RULES_PATH", "rules.yaml"),

		BPLagWarn: envFloat("BP_LAG_WARN_S", 5),
		BPLagCrit: envFloat("BP_LAG_CRIT_S", 30),
		BPBufWarn: envInt64("BP_BUF_WARN", 50000),
		BPBufCrit: envInt64("BP_BUF_CRIT", 80000),

		DeltaLogDir:        getEnvOrDefault("DELTA_LOG_DIR", "./delta-log"),
		DeltaRetention:     envMinutes("DELTA_RETENTION_MINUTES", 60),
		DeltaSegmentMaxAge: envMinutes("DELTA_SEGMENT_MAX_AGE_MINUTES", 60),

		Port: getEnvOrDefault("PORT", "5340"),

		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		ShutdownTimeout: envSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables not set: %s. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env",
			strings.Join(missing, ", "))
	}

	if s.BPLagCrit <= s.BPLagWarn {
		return nil, fmt.Errorf("BP_LAG_CRIT_S (%v) must be greater than BP_LAG_WARN_S (%v)", s.BPLagCrit, s.BPLagWarn)
	}
	if s.BPBufCrit <= s.BPBufWarn {
		return nil, fmt.Errorf("BP_BUF_CRIT (%d) must be greater than BP_BUF_WARN (%d)", s.BPBufCrit, s.BPBufWarn)
	}
	if s.ConsumerCount < 1 {
		return nil, fmt.Errorf("STREAM_CONSUMER_COUNT must be at least 1, got %d", s.ConsumerCount)
	}
	if s.MinSwapConfidence < 0 || s.MinSwapConfidence > 1 {
		return nil, fmt.Errorf("MIN_SWAP_CONFIDENCE must be in [0,1], got %v", s.MinSwapConfidence)
	}

	return s, nil
}

// DiscordEnabled reports whether the Discord alert channel is configured.
func (s *Settings) DiscordEnabled() bool { return s.DiscordWebhookURL != "" }

// TelegramEnabled reports whether the Telegram alert channel is configured.
func (s *Settings) TelegramEnabled() bool {
	return s.TelegramBotToken != "" && s.TelegramChatID != ""
}

// ConsumerNameFor returns the stream consumer name for worker index i.
// The default encodes host and pid so a restarted process claims its
// predecessor's pending entries rather than racing a live twin.
func (s *Settings) ConsumerNameFor(i int) string {
	if s.ConsumerName != "" {
		if s.ConsumerCount == 1 {
			return s.ConsumerName
		}
		return fmt.Sprintf("%s-%d", s.ConsumerName, i)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("parser-%s-%d-%d", host, os.Getpid(), i)
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envMinutes(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Minute
}
