package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// Config holds all forgettable configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Decay   DecayConfig   `yaml:"decay"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	DSN      string   `yaml:"dsn"`       // e.g. "sqlite:///var/lib/forgettable.db", "redis://localhost:6379/0"
	Shards   []string `yaml:"shards"`    // one DSN per shard; overrides dsn
	PoolSize int      `yaml:"pool_size"` // postgres and redis only
}

type DecayConfig struct {
	Rate          float64       `yaml:"rate"`
	MaxAttempts   int           `yaml:"max_attempts"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // 0 disables the sweeper
}

type LogConfig struct {
	Verbosity int `yaml:"verbosity"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 6666,
		},
		Store: StoreConfig{
			DSN: "", // resolved at runtime via store.DefaultDBPath()
		},
		Decay: DecayConfig{
			Rate:        0.02,
			MaxAttempts: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DefaultPath returns ~/.forgettable/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".forgettable", "config.yaml"), nil
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error when optional is set.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from FORGETTABLE_* environment variables.
// Unparseable values are logged and ignored.
func (c *Config) ApplyEnv(log logr.Logger) {
	if addr := envOrDefault("FORGETTABLE_ADDR", ""); addr != "" {
		if err := c.SetListenAddr(addr); err != nil {
			log.Info("ignoring invalid FORGETTABLE_ADDR", "value", addr, "err", err.Error())
		}
	}
	if dsn := envOrDefault("FORGETTABLE_STORE", ""); dsn != "" {
		c.SetStore(dsn)
	}
	c.Decay.Rate = floatEnv(log, "FORGETTABLE_RATE", c.Decay.Rate)
	c.Decay.MaxAttempts = intEnv(log, "FORGETTABLE_MAX_ATTEMPTS", c.Decay.MaxAttempts)
	c.Decay.SweepInterval = durationEnv(log, "FORGETTABLE_SWEEP_INTERVAL", c.Decay.SweepInterval)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Decay.Rate < 0:
		return fmt.Errorf("decay.rate %v must not be negative", c.Decay.Rate)
	case c.Decay.MaxAttempts < 1:
		return fmt.Errorf("decay.max_attempts %d must be at least 1", c.Decay.MaxAttempts)
	case c.Decay.SweepInterval < 0:
		return fmt.Errorf("decay.sweep_interval %s must not be negative", c.Decay.SweepInterval)
	case c.Store.PoolSize < 0:
		return fmt.Errorf("store.pool_size %d must not be negative", c.Store.PoolSize)
	}
	for i, dsn := range c.Store.Shards {
		if strings.TrimSpace(dsn) == "" {
			return fmt.Errorf("store.shards[%d] is empty", i)
		}
	}
	return nil
}

// StoreDSNs returns the shard DSNs, or the single DSN when unsharded.
func (c *Config) StoreDSNs() []string {
	if len(c.Store.Shards) > 0 {
		return c.Store.Shards
	}
	return []string{c.Store.DSN}
}

// SetListenAddr overrides bind and port from a host:port string.
func (c *Config) SetListenAddr(addr string) error {
	bind, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	c.Server.Bind, c.Server.Port = bind, port
	return nil
}

// SetStore overrides the store from a DSN. A comma separated list selects
// sharding.
func (c *Config) SetStore(dsn string) {
	if parts := splitList(dsn); len(parts) > 1 {
		c.Store.DSN, c.Store.Shards = "", parts
	} else {
		c.Store.DSN, c.Store.Shards = strings.TrimSpace(dsn), nil
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

func splitAddr(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, errors.New("missing port")
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad port: %w", err)
	}
	return addr[:i], port, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(log logr.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Info("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(log logr.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Info("invalid number, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func intEnv(log logr.Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Info("invalid integer, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
