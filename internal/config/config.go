package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Database struct {
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	SSLMode       string `mapstructure:"ssl-mode"`
	MigrationsDir string `mapstructure:"migrations-dir"`
}

func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	PaymentEvents        string `mapstructure:"payment-events"`
	AssociationEvents    string `mapstructure:"association-events"`
	UserDeletionRequests string `mapstructure:"user-deletion-requests"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type Provider struct {
	BaseURL      string `mapstructure:"base-url"`
	TokenURL     string `mapstructure:"token-url"`
	ClientID     string `mapstructure:"client-id"`
	ClientSecret string `mapstructure:"client-secret"`
	TimeoutMs    int    `mapstructure:"timeout-ms"`
}

type Webhook struct {
	// Secret left empty disables signature checks (development only).
	Secret       string `mapstructure:"secret"`
	MaxBodyBytes int64  `mapstructure:"max-body-bytes"`
}

// Job configures one scheduled batch job. MaxSkips of -1 means unlimited.
type Job struct {
	Enabled             bool `mapstructure:"enabled"`
	IntervalMs          int  `mapstructure:"interval-ms"`
	StaleThresholdHours int  `mapstructure:"stale-threshold-hours"`
	ChunkSize           int  `mapstructure:"chunk-size"`
	MaxSkips            int  `mapstructure:"max-skips"`
	LockTTLMs           int  `mapstructure:"lock-ttl-ms"`
}

type Sibling struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base-url"`
}

type Cleanup struct {
	AssociationService  Sibling `mapstructure:"association-service"`
	NotificationService Sibling `mapstructure:"notification-service"`
	TimeoutMs           int     `mapstructure:"timeout-ms"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Database        Database `mapstructure:"database"`
	Redis           Redis    `mapstructure:"redis"`
	Kafka           Kafka    `mapstructure:"kafka"`
	Provider        Provider `mapstructure:"provider"`
	Webhook         Webhook  `mapstructure:"webhook"`
	Reconciliation  Job      `mapstructure:"reconciliation"`
	AssociationSync Job      `mapstructure:"association-sync"`
	Cleanup         Cleanup  `mapstructure:"cleanup"`
	Server          Server   `mapstructure:"server"`
	Metrics         Metrics  `mapstructure:"metrics"`
	Logs            Logs     `mapstructure:"logs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")
	v.SetDefault("database.migrations-dir", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.broker.url", "localhost:9092")
	v.SetDefault("kafka.topic.payment-events", "payment-events")
	v.SetDefault("kafka.topic.association-events", "association-events")
	v.SetDefault("kafka.topic.user-deletion-requests", "user-deletion-requests")
	v.SetDefault("kafka.reader.group-id", "payment-sync-service")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)

	v.SetDefault("provider.timeout-ms", 10_000)

	v.SetDefault("webhook.max-body-bytes", 1<<20)

	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval-ms", 3_600_000)
	v.SetDefault("reconciliation.stale-threshold-hours", 24)
	v.SetDefault("reconciliation.chunk-size", 50)
	v.SetDefault("reconciliation.max-skips", 10)
	v.SetDefault("reconciliation.lock-ttl-ms", 600_000)

	v.SetDefault("association-sync.enabled", true)
	v.SetDefault("association-sync.interval-ms", 86_400_000)
	v.SetDefault("association-sync.stale-threshold-hours", 24)
	v.SetDefault("association-sync.chunk-size", 100)
	v.SetDefault("association-sync.max-skips", 25)
	v.SetDefault("association-sync.lock-ttl-ms", 1_800_000)

	v.SetDefault("cleanup.association-service.name", "association-service")
	v.SetDefault("cleanup.notification-service.name", "notification-service")
	v.SetDefault("cleanup.timeout-ms", 5_000)

	v.SetDefault("server.port", "8080")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("logs.level", "info")
}

func LoadConfig(path string) (*Config, error) {
	// a missing .env is the normal case outside local development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config from %s", path)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	for name, job := range map[string]Job{
		"reconciliation":   c.Reconciliation,
		"association-sync": c.AssociationSync,
	} {
		if job.MaxSkips < -1 {
			return errors.Errorf("%s.max-skips must be -1 (unlimited) or non-negative, got %d", name, job.MaxSkips)
		}
		if job.ChunkSize <= 0 {
			return errors.Errorf("%s.chunk-size must be positive, got %d", name, job.ChunkSize)
		}
		if job.StaleThresholdHours <= 0 {
			return errors.Errorf("%s.stale-threshold-hours must be positive, got %d", name, job.StaleThresholdHours)
		}
		if job.LockTTLMs <= 0 {
			return errors.Errorf("%s.lock-ttl-ms must be positive, got %d", name, job.LockTTLMs)
		}
		// disabled jobs never tick, one-off runs ignore the interval
		if job.Enabled && job.IntervalMs <= 0 {
			return errors.Errorf("%s.interval-ms must be positive, got %d", name, job.IntervalMs)
		}
	}
	return nil
}
