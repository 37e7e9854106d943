package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBrokerAddr is the TCP address the lobby broker listens on.
	DefaultBrokerAddr = "127.0.0.1:15099"
	// DefaultStoreAddr is the TCP address the store engine listens on.
	DefaultStoreAddr = "127.0.0.1:15199"
	// DefaultDevgateAddr is the TCP address the developer gateway listens on.
	DefaultDevgateAddr = "127.0.0.1:15299"
	// DefaultOpsAddr is the HTTP address for health, status and the event feed.
	DefaultOpsAddr = "127.0.0.1:15080"

	// DefaultDataDir holds the store engine's canonical category files.
	DefaultDataDir = "data"
	// DefaultCatalogDir holds published game bundles and their manifests.
	DefaultCatalogDir = "gamestore"

	// DefaultFlushQuiescence is how long the mutation queue must stay idle
	// before dirty state is flushed to disk.
	DefaultFlushQuiescence = 500 * time.Millisecond
	// DefaultFlushMaxBatch flushes after this many applied mutations even if
	// the queue never goes idle.
	DefaultFlushMaxBatch = 64
	// DefaultMutationQueueDepth bounds the pending mutation queue per category.
	DefaultMutationQueueDepth = 1024

	// DefaultIdleTimeout disconnects a client that sends nothing for this
	// long. Zero disables the deadline, matching the original service.
	DefaultIdleTimeout = 0 * time.Second

	// DefaultFeedWindow bounds how frequently event feed subscriptions may be
	// opened, together with DefaultFeedBurst.
	DefaultFeedWindow = time.Minute
	// DefaultFeedBurst sets how many feed subscriptions may open per window.
	DefaultFeedBurst = 10

	// DefaultLogLevel controls verbosity for platform logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "platform.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the platform services.
type Config struct {
	BrokerAddr  string
	StoreAddr   string
	DevgateAddr string
	OpsAddr     string

	// StoreAllowedHosts lists the source hosts permitted to open store
	// connections. Empty means loopback only.
	StoreAllowedHosts []string

	DataDir    string
	CatalogDir string
	// GamesDir holds the launchable game server binaries, one per game kind.
	GamesDir string

	FlushQuiescence    time.Duration
	FlushMaxBatch      int
	MutationQueueDepth int

	IdleTimeout time.Duration

	OpsToken   string
	FeedWindow time.Duration
	FeedBurst  int

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the platform configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		BrokerAddr:         getString("PLATFORM_BROKER_ADDR", DefaultBrokerAddr),
		StoreAddr:          getString("PLATFORM_STORE_ADDR", DefaultStoreAddr),
		DevgateAddr:        getString("PLATFORM_DEVGATE_ADDR", DefaultDevgateAddr),
		OpsAddr:            getString("PLATFORM_OPS_ADDR", DefaultOpsAddr),
		StoreAllowedHosts:  parseList(os.Getenv("PLATFORM_STORE_ALLOWED_HOSTS")),
		DataDir:            getString("PLATFORM_DATA_DIR", DefaultDataDir),
		CatalogDir:         getString("PLATFORM_CATALOG_DIR", DefaultCatalogDir),
		GamesDir:           getString("PLATFORM_GAMES_DIR", ""),
		FlushQuiescence:    DefaultFlushQuiescence,
		FlushMaxBatch:      DefaultFlushMaxBatch,
		MutationQueueDepth: DefaultMutationQueueDepth,
		IdleTimeout:        DefaultIdleTimeout,
		OpsToken:           strings.TrimSpace(os.Getenv("PLATFORM_OPS_TOKEN")),
		FeedWindow:         DefaultFeedWindow,
		FeedBurst:          DefaultFeedBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("PLATFORM_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("PLATFORM_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_FLUSH_QUIESCENCE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_FLUSH_QUIESCENCE must be a positive duration, got %q", raw))
		} else {
			cfg.FlushQuiescence = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_FLUSH_MAX_BATCH")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_FLUSH_MAX_BATCH must be a positive integer, got %q", raw))
		} else {
			cfg.FlushMaxBatch = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_MUTATION_QUEUE_DEPTH")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_MUTATION_QUEUE_DEPTH must be a positive integer, got %q", raw))
		} else {
			cfg.MutationQueueDepth = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_IDLE_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_IDLE_TIMEOUT must be a non-negative duration, got %q", raw))
		} else {
			cfg.IdleTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_FEED_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_FEED_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.FeedWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_FEED_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_FEED_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.FeedBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("PLATFORM_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLATFORM_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("PLATFORM_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
