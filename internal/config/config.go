package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting needed to boot the stressloop service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	Notify     NotifyConfig     `yaml:"notify"`
	EventLog   EventLogConfig   `yaml:"eventLog"`
}

// ServerConfig controls the gRPC, REST and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PipelineConfig holds the smoothing and controller parameters shared by all participants.
type PipelineConfig struct {
	Alpha             float64       `yaml:"alpha"`
	Target            float64       `yaml:"target"`
	Kp                float64       `yaml:"kp"`
	Ki                float64       `yaml:"ki"`
	Kd                float64       `yaml:"kd"`
	InitialDifficulty int           `yaml:"initialDifficulty"`
	MinDifficulty     int           `yaml:"minDifficulty"`
	MaxDifficulty     int           `yaml:"maxDifficulty"`
	SessionTTL        time.Duration `yaml:"sessionTTL"`
}

// ClassifierConfig selects the stress model.
type ClassifierConfig struct {
	ModelPath string        `yaml:"modelPath"`
	RemoteURL string        `yaml:"remoteURL"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver       string `yaml:"driver"`
	PostgresDSN  string `yaml:"postgresDSN"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	AutoMigrate  bool   `yaml:"autoMigrate"`
}

// CacheConfig controls the Valkey connection used by the valkey store driver.
type CacheConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	MaxIdle      int           `yaml:"maxIdle"`
	TLS          bool          `yaml:"tls"`
}

// NotifyConfig controls the fan-out notifier and its sinks.
type NotifyConfig struct {
	QueueSize        int        `yaml:"queueSize"`
	SubscriberBuffer int        `yaml:"subscriberBuffer"`
	MQTT             MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig enables the MQTT sink when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"clientID"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
	TopicPrefix string `yaml:"topicPrefix"`
}

// EventLogConfig controls the asynchronous event log.
type EventLogConfig struct {
	QueueSize int `yaml:"queueSize"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverValkey   = "valkey"
	DriverPostgres = "postgres"
)

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("STRESSLOOP_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Pipeline: PipelineConfig{
			Alpha:             0.3,
			Target:            0.35,
			Kp:                1.2,
			Ki:                0.05,
			Kd:                0.2,
			InitialDifficulty: 2,
			MinDifficulty:     1,
			MaxDifficulty:     5,
			SessionTTL:        12 * time.Hour,
		},
		Classifier: ClassifierConfig{
			ModelPath: "configs/models/stress.yaml",
			Timeout:   2 * time.Second,
		},
		Store: StoreConfig{Driver: DriverMemory, MaxOpenConns: 20, AutoMigrate: true},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			MaxIdle:      8,
		},
		Notify: NotifyConfig{
			QueueSize:        256,
			SubscriberBuffer: 16,
			MQTT:             MQTTConfig{QoS: 1, TopicPrefix: "stressloop"},
		},
		EventLog: EventLogConfig{QueueSize: 1024},
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline
	if !(p.Alpha > 0 && p.Alpha <= 1) {
		errs = append(errs, fmt.Errorf("pipeline.alpha must be in (0,1], got %v", p.Alpha))
	}
	if p.Kp < 0 || p.Ki < 0 || p.Kd < 0 {
		errs = append(errs, fmt.Errorf("pipeline gains must be non-negative (kp=%v ki=%v kd=%v)", p.Kp, p.Ki, p.Kd))
	}
	if p.MinDifficulty > p.MaxDifficulty {
		errs = append(errs, fmt.Errorf("pipeline.minDifficulty %d exceeds maxDifficulty %d", p.MinDifficulty, p.MaxDifficulty))
	}
	if p.InitialDifficulty < p.MinDifficulty || p.InitialDifficulty > p.MaxDifficulty {
		errs = append(errs, fmt.Errorf("pipeline.initialDifficulty %d outside [%d,%d]", p.InitialDifficulty, p.MinDifficulty, p.MaxDifficulty))
	}
	if p.SessionTTL <= 0 {
		errs = append(errs, errors.New("pipeline.sessionTTL must be positive"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverValkey:
		if c.Cache.Addr == "" {
			errs = append(errs, errors.New("store.driver valkey requires cache.addr"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.driver postgres requires store.postgresDSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if q := c.Notify.MQTT.QoS; q < 0 || q > 2 {
		errs = append(errs, fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2, got %d", q))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Address, "STRESSLOOP_SERVER_ADDRESS")
	setString(&cfg.Server.HTTPAddress, "STRESSLOOP_HTTP_ADDRESS")
	setString(&cfg.Server.MetricsAddress, "STRESSLOOP_METRICS_ADDRESS")
	setString(&cfg.Logging.Level, "STRESSLOOP_LOG_LEVEL")
	setString(&cfg.Logging.Format, "STRESSLOOP_LOG_FORMAT")

	setFloat(&cfg.Pipeline.Alpha, "STRESSLOOP_PIPELINE_ALPHA")
	setFloat(&cfg.Pipeline.Target, "STRESSLOOP_PIPELINE_TARGET")
	setFloat(&cfg.Pipeline.Kp, "STRESSLOOP_PIPELINE_KP")
	setFloat(&cfg.Pipeline.Ki, "STRESSLOOP_PIPELINE_KI")
	setFloat(&cfg.Pipeline.Kd, "STRESSLOOP_PIPELINE_KD")
	setDuration(&cfg.Pipeline.SessionTTL, "STRESSLOOP_SESSION_TTL")

	setString(&cfg.Classifier.ModelPath, "STRESSLOOP_MODEL_PATH")
	setString(&cfg.Classifier.RemoteURL, "STRESSLOOP_MODEL_URL")
	setDuration(&cfg.Classifier.Timeout, "STRESSLOOP_MODEL_TIMEOUT")

	setString(&cfg.Store.Driver, "STRESSLOOP_STORE_DRIVER")
	setString(&cfg.Store.PostgresDSN, "STRESSLOOP_POSTGRES_DSN")

	setString(&cfg.Cache.Addr, "STRESSLOOP_CACHE_ADDR")
	setString(&cfg.Cache.Username, "STRESSLOOP_CACHE_USERNAME")
	setString(&cfg.Cache.Password, "STRESSLOOP_CACHE_PASSWORD")
	setInt(&cfg.Cache.DB, "STRESSLOOP_CACHE_DB")
	if v := os.Getenv("STRESSLOOP_CACHE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Cache.TLS = true
	}
	setDuration(&cfg.Cache.DialTimeout, "STRESSLOOP_CACHE_DIAL_TIMEOUT")
	setDuration(&cfg.Cache.ReadTimeout, "STRESSLOOP_CACHE_READ_TIMEOUT")
	setDuration(&cfg.Cache.WriteTimeout, "STRESSLOOP_CACHE_WRITE_TIMEOUT")
	setInt(&cfg.Cache.MaxRetries, "STRESSLOOP_CACHE_MAX_RETRIES")

	setString(&cfg.Notify.MQTT.Broker, "STRESSLOOP_MQTT_BROKER")
	setString(&cfg.Notify.MQTT.Username, "STRESSLOOP_MQTT_USERNAME")
	setString(&cfg.Notify.MQTT.Password, "STRESSLOOP_MQTT_PASSWORD")
	setString(&cfg.Notify.MQTT.TopicPrefix, "STRESSLOOP_MQTT_TOPIC_PREFIX")
	setInt(&cfg.Notify.MQTT.QoS, "STRESSLOOP_MQTT_QOS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
