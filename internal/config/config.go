package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	StoreDriver string
	SeedFile    string
	OutboxLimit int
	LogLevel    string
	LogFormat   string

	RecomputeAttempts int
	EventBufferSize   int
	OutboxEvents      bool

	NotifyProvider     string
	NotifyWebhookURL   string
	NotifyWebhookToken string
	NotifyTimeout      time.Duration

	MissedGrace     time.Duration
	MissedInterval  time.Duration
	MissedBatchSize int

	RateLimitPerMinute    int
	RateLimitBurst        int
	OrgRateLimitPerMinute int
	OrgRateLimitBurst     int

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads the environment. A .env file in the working directory is
// applied first; variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	if driver == "" {
		driver = "postgres"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		StoreDriver: driver,
		SeedFile:    os.Getenv("MEMORY_SEED_FILE"),
		OutboxLimit: readInt("MEMORY_OUTBOX_LIMIT", 10000),
		LogLevel:    readString("LOG_LEVEL", "info"),
		LogFormat:   readString("LOG_FORMAT", "json"),

		RecomputeAttempts: readInt("RECOMPUTE_ATTEMPTS", 3),
		EventBufferSize:   readInt("EVENT_BUFFER_SIZE", 1024),
		OutboxEvents:      readBool("OUTBOX_EVENTS", true),

		NotifyProvider:     readString("NOTIFY_PROVIDER", "log"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		NotifyTimeout:      readDurationSeconds("NOTIFY_TIMEOUT_SECONDS", 10),

		MissedGrace:     readDurationSeconds("MISSED_GRACE_SECONDS", 300),
		MissedInterval:  readDurationSeconds("MISSED_SCAN_INTERVAL_SECONDS", 30),
		MissedBatchSize: readInt("MISSED_BATCH_SIZE", 100),

		RateLimitPerMinute:    readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:        readInt("RATE_LIMIT_BURST", 30),
		OrgRateLimitPerMinute: readInt("ORG_RATE_LIMIT_PER_MIN", 600),
		OrgRateLimitBurst:     readInt("ORG_RATE_LIMIT_BURST", 120),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
