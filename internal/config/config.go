package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	Scan      ScanConfig      `koanf:"scan"`
	Broadcast BroadcastConfig `koanf:"broadcast"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// AllowedOrigins applies to CORS and the websocket handshake. Empty
	// allows any origin.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type DatabaseConfig struct {
	Env     string `koanf:"env" validate:"oneof=dev prod"` // "dev" | "prod"
	Path    string `koanf:"path" validate:"required"`
	SeedDev bool   `koanf:"seed_dev"`
}

type CacheConfig struct {
	// Backend selects the direction cache: memory, badger or none.
	Backend      string        `koanf:"backend" validate:"oneof=memory badger none"`
	BadgerPath   string        `koanf:"badger_path"`
	DirectionTTL time.Duration `koanf:"direction_ttl" validate:"gt=0"`
	StatsTTL     time.Duration `koanf:"stats_ttl" validate:"gt=0"`
}

type ScanConfig struct {
	MaxPast        time.Duration `koanf:"max_past" validate:"gt=0"`
	MaxFuture      time.Duration `koanf:"max_future" validate:"gte=0"`
	DedupWindow    time.Duration `koanf:"dedup_window" validate:"gt=0"`
	DriftThreshold time.Duration `koanf:"drift_threshold" validate:"gt=0"`
	OpTimeout      time.Duration `koanf:"op_timeout" validate:"gt=0"`

	// LateCutoff is a local wall-clock time ("15:04") in Timezone.
	LateCutoff string `koanf:"late_cutoff" validate:"required"`
	Timezone   string `koanf:"timezone" validate:"required"`

	RequireKnownKiosk bool     `koanf:"require_known_kiosk"`
	KnownKiosks       []string `koanf:"known_kiosks"`
}

type BroadcastConfig struct {
	QueueDepth int    `koanf:"queue_depth" validate:"gt=0"`
	Transport  string `koanf:"transport" validate:"oneof=gochannel nats"`
	NATSURL    string `koanf:"nats_url"`

	// TopicPrefix is prepended to "facility" and "event.<id>".
	TopicPrefix string `koanf:"topic_prefix" validate:"required"`
}

type HeartbeatConfig struct {
	RetentionDays      int `koanf:"retention_days" validate:"gte=0"` // 0 = keep forever
	PruneIntervalHours int `koanf:"prune_interval_hours" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ShutdownTimeout: 5 * time.Second,
			RateLimitReqs:   600,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Env:  "dev",
			Path: "./data/sentinel.db",
		},
		Cache: CacheConfig{
			Backend:      "memory",
			BadgerPath:   "./data/direction-cache",
			DirectionTTL: 24 * time.Hour,
			StatsTTL:     60 * time.Second,
		},
		Scan: ScanConfig{
			MaxPast:        5 * time.Minute,
			MaxFuture:      30 * time.Second,
			DedupWindow:    5 * time.Second,
			DriftThreshold: 5 * time.Minute,
			OpTimeout:      5 * time.Second,
			LateCutoff:     "09:00",
			Timezone:       "UTC",
		},
		Broadcast: BroadcastConfig{
			QueueDepth:  1024,
			Transport:   "gochannel",
			NATSURL:     "nats://127.0.0.1:4222",
			TopicPrefix: "presence.",
		},
		Heartbeat: HeartbeatConfig{
			RetentionDays:      30,
			PruneIntervalHours: 6,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks struct tags and the fields tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return err
	}
	if _, err := c.Scan.Location(); err != nil {
		return fmt.Errorf("scan.timezone: %w", err)
	}
	if _, err := c.Scan.LateCutoffOffset(); err != nil {
		return fmt.Errorf("scan.late_cutoff: %w", err)
	}
	if c.Broadcast.Transport == "nats" && strings.TrimSpace(c.Broadcast.NATSURL) == "" {
		return fmt.Errorf("broadcast.nats_url is required when transport=nats")
	}
	if c.Cache.Backend == "badger" && strings.TrimSpace(c.Cache.BadgerPath) == "" {
		return fmt.Errorf("cache.badger_path is required when backend=badger")
	}
	return nil
}

// Location resolves the configured timezone.
func (s ScanConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

// LateCutoffOffset returns the cutoff as an offset from local midnight.
func (s ScanConfig) LateCutoffOffset() (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s.LateCutoff))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
