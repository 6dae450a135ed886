package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. A double underscore separates
// nesting levels, so REMINDERS_WORKER__BATCH_SIZE sets worker.batch_size.
const EnvPrefix = "REMINDERS_"

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"server.cors_origins":     true,
	"analytics.kafka.brokers": true,
}

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Storage    StorageConfig    `koanf:"storage"`
	Redis      RedisConfig      `koanf:"redis"`
	Queue      QueueConfig      `koanf:"queue"`
	Lock       LockConfig       `koanf:"lock"`
	Worker     WorkerConfig     `koanf:"worker"`
	Analytics  AnalyticsConfig  `koanf:"analytics"`
	Recurrence RecurrenceConfig `koanf:"recurrence"`
	Gateways   GatewaysConfig   `koanf:"gateways"`
}

type ServerConfig struct {
	Addr             string        `koanf:"addr"`
	CORSOrigins      []string      `koanf:"cors_origins"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
	DisplayHeartbeat time.Duration `koanf:"display_heartbeat"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type StorageConfig struct {
	Driver   string         `koanf:"driver"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `koanf:"max_conn_idle_time"`
}

type RedisConfig struct {
	Addr       string `koanf:"addr"`
	Password   string `koanf:"password"`
	DB         int    `koanf:"db"`
	QueueKey   string `koanf:"queue_key"`
	LockPrefix string `koanf:"lock_prefix"`
}

type QueueConfig struct {
	Driver string `koanf:"driver"`
}

type LockConfig struct {
	Driver string `koanf:"driver"`
}

// WorkerConfig tunes the sweep. Embedded runs the sweep trigger inside the
// API process, which is the only option with the memory store.
type WorkerConfig struct {
	Embedded     bool          `koanf:"embedded"`
	Schedule     string        `koanf:"schedule"`
	BatchSize    int           `koanf:"batch_size"`
	DueSoon      time.Duration `koanf:"due_soon"`
	JobTimeout   time.Duration `koanf:"job_timeout"`
	LeaseTTL     time.Duration `koanf:"lease_ttl"`
	SweepTimeout time.Duration `koanf:"sweep_timeout"`
}

type AnalyticsConfig struct {
	Sink     string         `koanf:"sink"`
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
	Kafka    KafkaConfig    `koanf:"kafka"`
}

type RabbitMQConfig struct {
	URL     string `koanf:"url"`
	Workers int    `koanf:"workers"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type RecurrenceConfig struct {
	WebhookURL string        `koanf:"webhook_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

type GatewaysConfig struct {
	Chat    ChatConfig    `koanf:"chat"`
	SMS     HTTPConfig    `koanf:"sms"`
	Push    HTTPConfig    `koanf:"push"`
	Voice   HTTPConfig    `koanf:"voice"`
	Email   EmailConfig   `koanf:"email"`
	Display DisplayConfig `koanf:"display"`
}

type ChatConfig struct {
	Token string `koanf:"token"`
	RPS   int    `koanf:"rps"`
}

// HTTPConfig covers the webhook style providers. An empty endpoint leaves
// the channel unregistered.
type HTTPConfig struct {
	Endpoint string        `koanf:"endpoint"`
	APIKey   string        `koanf:"api_key"`
	From     string        `koanf:"from"`
	Timeout  time.Duration `koanf:"timeout"`
	RPS      int           `koanf:"rps"`
}

type EmailConfig struct {
	Host     string        `koanf:"host"`
	Port     int           `koanf:"port"`
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	From     string        `koanf:"from"`
	Timeout  time.Duration `koanf:"timeout"`
	RPS      int           `koanf:"rps"`
}

type DisplayConfig struct {
	Enabled bool `koanf:"enabled"`
	RPS     int  `koanf:"rps"`
}

// Load layers defaults, an optional YAML file and REMINDERS_ environment
// variables, in that order. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	// .env files are optional in every environment
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if listKeys[key] {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return key, out
	}
	return key, value
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	switch c.Lock.Driver {
	case "none", "local", "redis":
	default:
		return fmt.Errorf("unknown lock driver %q", c.Lock.Driver)
	}

	switch c.Analytics.Sink {
	case "direct", "none":
	case "rabbitmq":
		if c.Analytics.RabbitMQ.URL == "" {
			return errors.New("analytics.rabbitmq.url is required for the rabbitmq sink")
		}
	case "kafka":
		if len(c.Analytics.Kafka.Brokers) == 0 {
			return errors.New("analytics.kafka.brokers is required for the kafka sink")
		}
	default:
		return fmt.Errorf("unknown analytics sink %q", c.Analytics.Sink)
	}

	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be positive, got %d", c.Worker.BatchSize)
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Queue.Driver == "redis" || c.Lock.Driver == "redis"
}
