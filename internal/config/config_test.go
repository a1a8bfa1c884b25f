package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr() != "127.0.0.1:6666" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:6666", cfg.ListenAddr())
	}
	if cfg.Decay.Rate != 0.02 {
		t.Errorf("Rate = %v, want 0.02", cfg.Decay.Rate)
	}
	if cfg.Decay.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Decay.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 7000
store:
  shards:
    - redis://a:6379/0
    - redis://b:6379/0
  pool_size: 20
decay:
  rate: 0.05
  sweep_interval: 90s
log:
  verbosity: 2
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	want.Server.Port = 7000
	want.Store.Shards = []string{"redis://a:6379/0", "redis://b:6379/0"}
	want.Store.PoolSize = 20
	want.Decay.Rate = 0.05
	want.Decay.SweepInterval = 90 * time.Second
	want.Log.Verbosity = 2
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Store.Shards, cfg.StoreDSNs()); diff != "" {
		t.Errorf("StoreDSNs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("optional Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("optional missing file should yield defaults (-want +got):\n%s", diff)
	}

	if _, err := Load(path, false); err == nil {
		t.Error("expected error for required missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("decay: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, false); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FORGETTABLE_ADDR", "0.0.0.0:8080")
	t.Setenv("FORGETTABLE_STORE", "badger:///data")
	t.Setenv("FORGETTABLE_RATE", "0.1")
	t.Setenv("FORGETTABLE_MAX_ATTEMPTS", "9")
	t.Setenv("FORGETTABLE_SWEEP_INTERVAL", "5m")

	cfg := Default()
	cfg.ApplyEnv(logr.Discard())

	if cfg.ListenAddr() != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr())
	}
	if diff := cmp.Diff([]string{"badger:///data"}, cfg.StoreDSNs()); diff != "" {
		t.Errorf("StoreDSNs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Decay.Rate != 0.1 || cfg.Decay.MaxAttempts != 9 || cfg.Decay.SweepInterval != 5*time.Minute {
		t.Errorf("decay = %+v", cfg.Decay)
	}
}

func TestApplyEnvShardList(t *testing.T) {
	t.Setenv("FORGETTABLE_STORE", "memory://, sqlite://memory")

	cfg := Default()
	cfg.ApplyEnv(logr.Discard())

	if diff := cmp.Diff([]string{"memory://", "sqlite://memory"}, cfg.StoreDSNs()); diff != "" {
		t.Errorf("StoreDSNs mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyEnvInvalidKeepsFallback(t *testing.T) {
	t.Setenv("FORGETTABLE_ADDR", "no-port")
	t.Setenv("FORGETTABLE_RATE", "fast")
	t.Setenv("FORGETTABLE_MAX_ATTEMPTS", "many")
	t.Setenv("FORGETTABLE_SWEEP_INTERVAL", "soon")

	cfg := Default()
	cfg.ApplyEnv(logr.Discard())

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("invalid env changed config (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative rate", func(c *Config) { c.Decay.Rate = -1 }},
		{"zero attempts", func(c *Config) { c.Decay.MaxAttempts = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"negative sweep", func(c *Config) { c.Decay.SweepInterval = -time.Second }},
		{"empty shard", func(c *Config) { c.Store.Shards = []string{"memory://", " "} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSetters(t *testing.T) {
	cfg := Default()
	if err := cfg.SetListenAddr("0.0.0.0:7000"); err != nil {
		t.Fatalf("SetListenAddr: %v", err)
	}
	if got := cfg.ListenAddr(); got != "0.0.0.0:7000" {
		t.Errorf("ListenAddr = %q", got)
	}
	if err := cfg.SetListenAddr("nope"); err == nil {
		t.Error("SetListenAddr accepted address without port")
	}

	cfg.SetStore("redis://a:6379/0,redis://b:6379/0")
	if cfg.Store.DSN != "" || len(cfg.Store.Shards) != 2 {
		t.Errorf("sharded store = %+v", cfg.Store)
	}
	cfg.SetStore(" memory:// ")
	if diff := cmp.Diff([]string{"memory://"}, cfg.StoreDSNs()); diff != "" {
		t.Errorf("StoreDSNs mismatch (-want +got):\n%s", diff)
	}
}
