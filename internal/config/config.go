package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-level configuration read once at startup. Runtime
// tunables that can change without a restart live in domain.Settings.
type Config struct {
	Addr     string // API bind address, e.g. "127.0.0.1:8080" or ":8080" in Docker
	LogDir   string
	LogLevel string

	DatabaseURL       string // postgres; takes precedence over SQLitePath
	SQLitePath        string // empty with no DatabaseURL means in-memory store
	RuntimeConfigFile string // YAML file source; empty means the store holds runtime config

	TickInterval    time.Duration
	ScanConcurrency int
	ScanTimeout     time.Duration
	ScanLease       time.Duration
	SendTimeout     time.Duration
	ClaimLease      time.Duration
	FlushBatch      int
	ValidateTimeout time.Duration
	ValidateWorkers int
	ReloadInterval  time.Duration
	SeenCacheSize   int

	// source adapter
	SourceUserAgent    string
	SourceProbeURL     string
	SourceItemSelector string
	SourceIDAttr       string
	SourceTitleSel     string
	SourcePriceSel     string
	SourceLinkSel      string

	// channels
	TelegramToken   string
	TelegramBaseURL string
	SlackEnabled    bool
	AMQPURL         string
	AMQPExchange    string

	// operator API
	PublicAPIKeys []string
	AdminAPIKeys  []string
	PublicRPM     int
	PublicBurst   int
	AdminRPM      int
	AdminBurst    int
	CORSOrigins   []string
}

// FromEnv reads the environment, loading a .env file first when present.
// Variables already set in the environment win over the file.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Addr:     str("ADDR", str("API_ADDR", "127.0.0.1:8080")),
		LogDir:   str("LOG_DIR", "logs"),
		LogLevel: str("LOG_LEVEL", "info"),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        os.Getenv("SQLITE_PATH"),
		RuntimeConfigFile: os.Getenv("RUNTIME_CONFIG_FILE"),

		TickInterval:    millis("TICK_INTERVAL_MS", time.Second),
		ScanConcurrency: positive("SCAN_CONCURRENCY", 1),
		ScanTimeout:     millis("SCAN_TIMEOUT_MS", 30*time.Second),
		ScanLease:       millis("SCAN_LEASE_MS", 5*time.Minute),
		SendTimeout:     millis("SEND_TIMEOUT_MS", 10*time.Second),
		ClaimLease:      millis("CLAIM_LEASE_MS", 2*time.Minute),
		FlushBatch:      positive("FLUSH_BATCH", 50),
		ValidateTimeout: millis("VALIDATE_TIMEOUT_MS", 10*time.Second),
		ValidateWorkers: positive("VALIDATE_WORKERS", 8),
		ReloadInterval:  millis("RELOAD_INTERVAL_MS", 10*time.Second),
		SeenCacheSize:   positive("SEEN_CACHE_SIZE", 10000),

		SourceUserAgent:    str("SOURCE_USER_AGENT", "Mozilla/5.0 (X11; Linux x86_64) listingwatch/1.0"),
		SourceProbeURL:     os.Getenv("SOURCE_PROBE_URL"),
		SourceItemSelector: str("SOURCE_ITEM_SELECTOR", "[data-item-id]"),
		SourceIDAttr:       str("SOURCE_ID_ATTR", "data-item-id"),
		SourceTitleSel:     str("SOURCE_TITLE_SELECTOR", ".title"),
		SourcePriceSel:     str("SOURCE_PRICE_SELECTOR", ".price"),
		SourceLinkSel:      str("SOURCE_LINK_SELECTOR", "a"),

		TelegramToken:   os.Getenv("TELEGRAM_TOKEN"),
		TelegramBaseURL: str("TELEGRAM_BASE_URL", "https://api.telegram.org"),
		SlackEnabled:    boolean("SLACK_ENABLED", true),
		AMQPURL:         os.Getenv("AMQP_URL"),
		AMQPExchange:    str("AMQP_EXCHANGE", "listingwatch"),

		PublicAPIKeys: list("PUBLIC_API_KEYS"),
		AdminAPIKeys:  list("ADMIN_API_KEYS"),
		PublicRPM:     nonNegative("PUBLIC_RPM", 120),
		PublicBurst:   positive("PUBLIC_BURST", 60),
		AdminRPM:      nonNegative("ADMIN_RPM", 600),
		AdminBurst:    positive("ADMIN_BURST", 120),
		CORSOrigins:   list("CORS_ORIGINS"),
	}
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func positive(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}

func nonNegative(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= 0 {
		return n
	}
	return def
}

func millis(key string, def time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func boolean(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func list(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
