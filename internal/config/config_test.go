package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STRESSLOOP_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.Pipeline
	if p.Alpha != 0.3 || p.Target != 0.35 || p.Kp != 1.2 || p.Ki != 0.05 || p.Kd != 0.2 {
		t.Fatalf("unexpected pipeline defaults %+v", p)
	}
	if p.InitialDifficulty != 2 || p.MinDifficulty != 1 || p.MaxDifficulty != 5 {
		t.Fatalf("unexpected difficulty defaults %+v", p)
	}
	if p.SessionTTL != 12*time.Hour {
		t.Fatalf("unexpected session ttl %v", p.SessionTTL)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Fatalf("unexpected store driver %q", cfg.Store.Driver)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":6000"
pipeline:
  alpha: 0.5
  kp: 2
logging:
  format: json
`)
	t.Setenv("STRESSLOOP_PIPELINE_KI", "0.1")
	t.Setenv("STRESSLOOP_SESSION_TTL", "30m")
	t.Setenv("STRESSLOOP_MQTT_BROKER", "tcp://broker:1883")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":6000" || cfg.Pipeline.Alpha != 0.5 || cfg.Pipeline.Kp != 2 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Pipeline.Ki != 0.1 || cfg.Pipeline.SessionTTL != 30*time.Minute {
		t.Fatalf("env overrides not applied: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Kd != 0.2 {
		t.Fatalf("expected untouched default kd, got %v", cfg.Pipeline.Kd)
	}
	if cfg.Notify.MQTT.Broker != "tcp://broker:1883" {
		t.Fatalf("expected mqtt broker override")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"alpha zero":       func(c *Config) { c.Pipeline.Alpha = 0 },
		"alpha above one":  func(c *Config) { c.Pipeline.Alpha = 1.5 },
		"negative gain":    func(c *Config) { c.Pipeline.Ki = -0.1 },
		"inverted bounds":  func(c *Config) { c.Pipeline.MinDifficulty = 6 },
		"initial outside":  func(c *Config) { c.Pipeline.InitialDifficulty = 9 },
		"valkey no addr":   func(c *Config) { c.Store.Driver = DriverValkey },
		"postgres no dsn":  func(c *Config) { c.Store.Driver = DriverPostgres },
		"unknown driver":   func(c *Config) { c.Store.Driver = "sqlite" },
		"bad qos":          func(c *Config) { c.Notify.MQTT.QoS = 3 },
		"bad log format":   func(c *Config) { c.Logging.Format = "xml" },
		"zero session ttl": func(c *Config) { c.Pipeline.SessionTTL = 0 },
	}
	for name, mutate := range cases {
		cfg := defaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := defaultConfig()
	cfg.Pipeline.Alpha = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("alpha=1 should be valid: %v", err)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  alpha: 0\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "alpha") {
		t.Fatalf("expected alpha validation error, got %v", err)
	}
}
