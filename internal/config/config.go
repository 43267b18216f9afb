package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultListenPort is the fixed WebSocket port per the wire contract.
	DefaultListenPort = 9002
	// DefaultPingInterval controls the heartbeat-ping cadence for WebSocket connections.
	DefaultPingInterval = 15 * time.Second
	// DefaultNoClientTimeout is how long the server tolerates zero connected
	// clients before signalling shutdown, unless --no-timeout is set.
	DefaultNoClientTimeout = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultSimTickInterval is the fixed SimTick worker cadence.
	DefaultSimTickInterval = 200 * time.Millisecond
	// DefaultFileIOInterval is the fixed FileIO worker poll cadence.
	DefaultFileIOInterval = 100 * time.Millisecond
	// DefaultTOCCapacity bounds frames per binary trajectory cache file.
	DefaultTOCCapacity = 1 << 20

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "broker.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultObjectStoreBucket / Region are fixed per spec.md's "fixed
	// constants" language for the object-store layout.
	DefaultObjectStoreBucket = "simularium-trajectories"
	DefaultObjectStoreRegion = "us-west-2"
)

// Config captures all runtime tunables for the trajectory broadcasting
// server.
type Config struct {
	Environment    string
	AllowedOrigins []string

	MaxPayloadBytes int64
	PingInterval    time.Duration
	NoClientTimeout time.Duration
	MaxClients      int

	TLSCertPath string
	TLSKeyPath  string
	TLSPassword string
	TLSModern   bool

	NoTimeout bool
	ForceInit bool
	NoUpload  bool

	SimTickInterval time.Duration
	FileIOInterval  time.Duration
	TOCCapacity     uint32
	CacheDir        string

	ObjectStoreBucket string
	ObjectStoreRegion string
	ObjectStorePrefix string

	AuthSecret string

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

// Load reads the server configuration from environment variables (and an
// optional .env file for local development), applying sane defaults and
// returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	// Ignore a missing .env file; only surface real read/parse failures.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		Environment:       getString("APP_ENVIRONMENT", "development"),
		AllowedOrigins:    parseList(os.Getenv("BROKER_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		PingInterval:      DefaultPingInterval,
		NoClientTimeout:   DefaultNoClientTimeout,
		MaxClients:        DefaultMaxClients,
		TLSCertPath:       strings.TrimSpace(os.Getenv("TLS_CERT_PATH")),
		TLSKeyPath:        strings.TrimSpace(os.Getenv("TLS_KEY_PATH")),
		TLSPassword:       os.Getenv("TLS_PASSWORD"),
		SimTickInterval:   DefaultSimTickInterval,
		FileIOInterval:    DefaultFileIOInterval,
		TOCCapacity:       DefaultTOCCapacity,
		CacheDir:          getString("TRAJ_CACHE_DIR", "./cache"),
		ObjectStoreBucket: getString("TRAJ_BUCKET", DefaultObjectStoreBucket),
		ObjectStoreRegion: getString("TRAJ_REGION", DefaultObjectStoreRegion),
		ObjectStorePrefix: strings.TrimSpace(os.Getenv("TRAJ_PREFIX")),
		AuthSecret:        strings.TrimSpace(os.Getenv("BROKER_AUTH_SECRET")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("BROKER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("BROKER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
	if cfg.ObjectStorePrefix == "" {
		cfg.ObjectStorePrefix = "trajectory/" + cfg.Environment
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("BROKER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_TOC_CAPACITY")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || value == 0 {
			problems = append(problems, fmt.Sprintf("BROKER_TOC_CAPACITY must be a positive integer, got %q", raw))
		} else {
			cfg.TOCCapacity = uint32(value)
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "TLS_CERT_PATH and TLS_KEY_PATH must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
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
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
