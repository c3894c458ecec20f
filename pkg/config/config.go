package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LockConfig tunes the distributed lock manager
type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
}

// OutboxConfig tunes the outbox dispatcher
type OutboxConfig struct {
	BatchSize   int             `yaml:"batch_size"`
	PollEvery   time.Duration   `yaml:"poll_every"`
	LeaseTTL    time.Duration   `yaml:"lease_ttl"`
	RetryDelays []time.Duration `yaml:"retry_delays"`
	MaxRetries  int             `yaml:"max_retries"`
}

// IdempotencyConfig tunes the deduplication layer
type IdempotencyConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// CDCConfig tunes the change-data-capture subscription manager
type CDCConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	MaxBatch       int           `yaml:"max_batch"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxReconnect   int           `yaml:"max_reconnect"`
}

// StockMonitorConfig tunes the low-stock watcher
type StockMonitorConfig struct {
	Debounce     time.Duration `yaml:"debounce"`
	MaxBatch     int           `yaml:"max_batch"`
	CooldownDays int           `yaml:"cooldown_days"`
}

// Config is the full runtime configuration of the core
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	Lock         LockConfig         `yaml:"lock"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	CDC          CDCConfig          `yaml:"cdc"`
	StockMonitor StockMonitorConfig `yaml:"stock_monitor"`
}

// Default returns the documented defaults
func Default() *Config {
	return &Config{
		DataDir: "data",
		Lock: LockConfig{
			TTL:        30 * time.Second,
			Heartbeat:  10 * time.Second,
			MaxRetries: 5,
			RetryBase:  100 * time.Millisecond,
			RetryMax:   5 * time.Second,
		},
		Outbox: OutboxConfig{
			BatchSize: 10,
			PollEvery: 5 * time.Second,
			LeaseTTL:  60 * time.Second,
			RetryDelays: []time.Duration{
				1 * time.Second,
				5 * time.Second,
				30 * time.Second,
				2 * time.Minute,
				10 * time.Minute,
			},
			MaxRetries: 5,
		},
		Idempotency: IdempotencyConfig{
			TTL:      2 * time.Hour,
			LeaseTTL: 5 * time.Minute,
		},
		CDC: CDCConfig{
			Debounce:       100 * time.Millisecond,
			MaxBatch:       50,
			ReconnectDelay: 1 * time.Second,
			MaxReconnect:   5,
		},
		StockMonitor: StockMonitorConfig{
			Debounce:     3 * time.Second,
			MaxBatch:     20,
			CooldownDays: 7,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, in that order of precedence (env wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// FromEnv builds the configuration from defaults plus environment overrides
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	envDuration("LOCK_TTL_MS", &c.Lock.TTL)
	envDuration("LOCK_HEARTBEAT_MS", &c.Lock.Heartbeat)
	envInt("LOCK_MAX_RETRIES", &c.Lock.MaxRetries)
	envDuration("LOCK_RETRY_BASE_MS", &c.Lock.RetryBase)
	envDuration("LOCK_RETRY_MAX_MS", &c.Lock.RetryMax)

	envInt("OUTBOX_BATCH_SIZE", &c.Outbox.BatchSize)
	envDuration("OUTBOX_POLL_MS", &c.Outbox.PollEvery)
	envDuration("OUTBOX_LOCK_TTL_MS", &c.Outbox.LeaseTTL)
	envDurationList("OUTBOX_RETRY_DELAYS_MS", &c.Outbox.RetryDelays)
	envInt("OUTBOX_MAX_RETRIES", &c.Outbox.MaxRetries)

	envDuration("IDEMPOTENCY_TTL_MS", &c.Idempotency.TTL)
	envDuration("IDEMPOTENCY_LOCK_TTL_MS", &c.Idempotency.LeaseTTL)

	envDuration("CDC_DEBOUNCE_MS", &c.CDC.Debounce)
	envInt("CDC_MAX_BATCH", &c.CDC.MaxBatch)
	envDuration("CDC_RECONNECT_DELAY_MS", &c.CDC.ReconnectDelay)
	envInt("CDC_MAX_RECONNECT", &c.CDC.MaxReconnect)

	envDuration("STOCK_MONITOR_DEBOUNCE_MS", &c.StockMonitor.Debounce)
	envInt("STOCK_MONITOR_MAX_BATCH", &c.StockMonitor.MaxBatch)
	envInt("STOCK_MONITOR_COOLDOWN_DAYS", &c.StockMonitor.CooldownDays)

	if v := os.Getenv("SUPRIMO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// envDuration reads a millisecond-valued env var into dst
func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return
	}
	*dst = n
}

// envDurationList reads a comma-separated millisecond list
func envDurationList(key string, dst *[]time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		ms, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || ms < 0 {
			return
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	*dst = out
}
