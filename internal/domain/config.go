package domain

import "time"

// Config holds the complete Talon configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines backing-service choices
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Limiter    LimiterConfig    `json:"limiter"`
	Detector   DetectorConfig   `json:"detector"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LimiterConfig holds admission-path settings.
type LimiterConfig struct {
	// LockWait bounds how long a scope-key lock acquisition may block
	// before the decision degrades to SOFT_FLAG.
	LockWait time.Duration `json:"lockWait"`
}

// DetectorConfig holds anomaly-scan settings and heuristic thresholds.
type DetectorConfig struct {
	ScanInterval   time.Duration `json:"scanInterval"`
	SampleWindow   time.Duration `json:"sampleWindow"`
	ReceiptSample  int           `json:"receiptSample"`
	RapidWindow    time.Duration `json:"rapidWindow"`
	RapidThreshold int           `json:"rapidThreshold"`
	LargeThreshold int64         `json:"largeThreshold"` // minor units
	RedeemRatio    float64       `json:"redeemRatio"`
	NightMinCount  int           `json:"nightMinCount"`
	RefundRate     float64       `json:"refundRate"`
	FindingTTL     time.Duration `json:"findingTtl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-process channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis.
	TierPro Tier = "pro"
)

// DefaultDetectorConfig returns the reference heuristic thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ScanInterval:   5 * time.Minute,
		SampleWindow:   24 * time.Hour,
		ReceiptSample:  200,
		RapidWindow:    time.Hour,
		RapidThreshold: 5,
		LargeThreshold: 10000,
		RedeemRatio:    0.9,
		NightMinCount:  1,
		RefundRate:     0.10,
		FindingTTL:     7 * 24 * time.Hour,
	}
}

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./talon.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Limiter: LimiterConfig{
			LockWait: 100 * time.Millisecond,
		},
		Detector: DefaultDetectorConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "talon",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "talon",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
