// Package params holds service configuration loaded from the environment.
package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	DataDir    string
	ListenAddr string
	LogFile    string
	Debug      bool
}

type Matching struct {
	// SelfMatchPolicy is "skip" or "halt".
	SelfMatchPolicy string
	// RemainderPolicy is "cancel" or "rest" for unfilled market orders.
	RemainderPolicy string
}

type Ingest struct {
	PollInterval    time.Duration
	QueryTimeout    time.Duration
	DebounceWindow  time.Duration
	DebounceMaxWait time.Duration
	SnapshotDepth   int
}

type Settle struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int
	SubmitTimeout time.Duration
}

type Feed struct {
	// Brokers empty disables the kafka trade feed.
	Brokers []string
	Topic   string
}

type Config struct {
	Node     Node
	Matching Matching
	Ingest   Ingest
	Settle   Settle
	Feed     Feed
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:    "./data",
			ListenAddr: ":8080",
			LogFile:    "data/ledgersync.log",
		},
		Matching: Matching{
			SelfMatchPolicy: "skip",
			RemainderPolicy: "cancel",
		},
		Ingest: Ingest{
			PollInterval:    500 * time.Millisecond,
			QueryTimeout:    10 * time.Second,
			DebounceWindow:  3 * time.Second,
			DebounceMaxWait: 10 * time.Second,
			SnapshotDepth:   20,
		},
		Settle: Settle{
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			MaxAttempts:   8,
			SubmitTimeout: 10 * time.Second,
		},
		Feed: Feed{
			Topic: "trades",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.ListenAddr = getEnv("LISTEN_ADDR", cfg.Node.ListenAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.Debug = getEnv("DEBUG", "") == "true"

	cfg.Matching.SelfMatchPolicy = getEnv("SELF_MATCH_POLICY", cfg.Matching.SelfMatchPolicy)
	cfg.Matching.RemainderPolicy = getEnv("MARKET_REMAINDER_POLICY", cfg.Matching.RemainderPolicy)

	loadDurationMS("POLL_INTERVAL_MS", &cfg.Ingest.PollInterval)
	loadDurationMS("QUERY_TIMEOUT_MS", &cfg.Ingest.QueryTimeout)
	loadDurationMS("DEBOUNCE_WINDOW_MS", &cfg.Ingest.DebounceWindow)
	loadDurationMS("DEBOUNCE_MAX_WAIT_MS", &cfg.Ingest.DebounceMaxWait)
	loadInt("SNAPSHOT_DEPTH", &cfg.Ingest.SnapshotDepth)

	loadDurationMS("SETTLE_BASE_DELAY_MS", &cfg.Settle.BaseDelay)
	loadDurationMS("SETTLE_MAX_DELAY_MS", &cfg.Settle.MaxDelay)
	loadInt("SETTLE_MAX_ATTEMPTS", &cfg.Settle.MaxAttempts)
	loadDurationMS("SETTLE_SUBMIT_TIMEOUT_MS", &cfg.Settle.SubmitTimeout)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Feed.Brokers = strings.Split(brokers, ",")
	}
	cfg.Feed.Topic = getEnv("KAFKA_TOPIC", cfg.Feed.Topic)

	return cfg
}

func loadDurationMS(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func loadInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
