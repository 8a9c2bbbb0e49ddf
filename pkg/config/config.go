package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"

	"options-core/pkg/logger"
)

// Config holds environment-driven settings for the options core.
type Config struct {
	Port string

	// Storage
	DBPath         string
	CheckpointDir  string
	DeploymentFile string // optional YAML seeded at boot

	// Orchestration
	OrchestratorInterval time.Duration
	DispatchBatchSize    int
	DispatchSendTimeout  time.Duration
	ReplayBaseDelay      time.Duration

	// Broker
	BrokerAttempts    int
	BrokerBackoff     time.Duration
	BrokerRatePerSec  float64
	BrokerBurst       int
	PaperMargin       float64
	PaperSlippageBps  float64
	DryRun            bool
	OrderWaitTimeout  time.Duration
	OrderPollInterval time.Duration
	QuoteTimeout      time.Duration

	// Feed
	FeedMode    string // mock or websocket
	FeedURL     string
	Instruments []string

	// Advisory forecaster, disabled when empty
	AdvisoryAddr    string
	AdvisoryTimeout time.Duration

	// Auth
	JWTSecret   string
	APIKey      string         // exchanged for a JWT at /api/auth/token
	SessionKeys map[int]string // version -> key material

	// API limits
	APIRatePerSec float64
	APIBurst      int

	Log logger.Config

	// InstanceID identifies this host on archived records.
	InstanceID string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/options.db"),
		CheckpointDir:        getEnv("CHECKPOINT_DIR", "./data/checkpoints"),
		DeploymentFile:       getEnv("DEPLOYMENTS_FILE", ""),
		OrchestratorInterval: getEnvDuration("ORCHESTRATOR_INTERVAL", 30*time.Second),
		DispatchBatchSize:    getEnvInt("DISPATCH_BATCH_SIZE", 64),
		DispatchSendTimeout:  getEnvDuration("DISPATCH_SEND_TIMEOUT", 2*time.Second),
		ReplayBaseDelay:      getEnvDuration("REPLAY_BASE_DELAY", 100*time.Millisecond),
		BrokerAttempts:       getEnvInt("BROKER_RETRY_ATTEMPTS", 3),
		BrokerBackoff:        getEnvDuration("BROKER_RETRY_BACKOFF", 1500*time.Millisecond),
		BrokerRatePerSec:     getEnvFloat("BROKER_RATE_PER_SEC", 8),
		BrokerBurst:          getEnvInt("BROKER_RATE_BURST", 4),
		PaperMargin:          getEnvFloat("PAPER_MARGIN", 500000),
		PaperSlippageBps:     getEnvFloat("PAPER_SLIPPAGE_BPS", 5),
		DryRun:               getEnvBool("DRY_RUN", false),
		OrderWaitTimeout:     getEnvDuration("ORDER_WAIT_TIMEOUT", 10*time.Second),
		OrderPollInterval:    getEnvDuration("ORDER_POLL_INTERVAL", 500*time.Millisecond),
		QuoteTimeout:         getEnvDuration("QUOTE_TIMEOUT", 2*time.Second),
		FeedMode:             strings.ToLower(getEnv("FEED_MODE", "mock")),
		FeedURL:              getEnv("FEED_URL", ""),
		Instruments:          splitAndTrim(getEnv("INSTRUMENTS", "NIFTY")),
		AdvisoryAddr:         getEnv("ADVISORY_ADDR", ""),
		AdvisoryTimeout:      getEnvDuration("ADVISORY_TIMEOUT", 500*time.Millisecond),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		APIKey:               getEnv("API_KEY", "dev-api-key"),
		SessionKeys:          sessionKeys(),
		APIRatePerSec:        getEnvFloat("API_RATE_PER_SEC", 20),
		APIBurst:             getEnvInt("API_RATE_BURST", 40),
		Log: logger.Config{
			Level:      getEnv("LOG_LEVEL", "info"),
			Output:     getEnv("LOG_OUTPUT", "console"),
			File:       getEnv("LOG_FILE", "./logs/options-core.log"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		InstanceID: instanceID(),
	}, nil
}

// sessionKeys reads SESSION_KEY (version 1) and SESSION_KEY_V2..V9.
func sessionKeys() map[int]string {
	keys := map[int]string{1: getEnv("SESSION_KEY", "dev-session-key")}
	for v := 2; v <= 9; v++ {
		if k := os.Getenv("SESSION_KEY_V" + strconv.Itoa(v)); k != "" {
			keys[v] = k
		}
	}
	return keys
}

func instanceID() string {
	if id, err := machineid.ProtectedID("options-core"); err == nil && id != "" {
		return id[:12]
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
