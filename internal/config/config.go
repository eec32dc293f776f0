package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue backends.
const (
	BackendKafka      = "kafka"
	BackendServiceBus = "servicebus"
)

// Process roles validated by Validate.
const (
	RoleWorker  = "worker"
	RoleAPI     = "api"
	RoleMigrate = "migrate"
)

// Config holds runtime configuration for every vigil command.
type Config struct {
	Environment string           `mapstructure:"environment"`
	Log         LogConfig        `mapstructure:"log"`
	Queue       QueueConfig      `mapstructure:"queue"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	ServiceBus  ServiceBusConfig `mapstructure:"servicebus"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Evaluator   EvaluatorConfig  `mapstructure:"evaluator"`
	Alerts      AlertsConfig     `mapstructure:"alerts"`
	Retention   RetentionConfig  `mapstructure:"retention"`
	HTTP        HTTPConfig       `mapstructure:"http"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// QueueConfig is broker-neutral batch consumption settings.
type QueueConfig struct {
	Backend       string        `mapstructure:"backend"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type KafkaConfig struct {
	Brokers         []string       `mapstructure:"brokers"`
	Topic           string         `mapstructure:"topic"`
	GroupID         string         `mapstructure:"group_id"`
	DeadLetterTopic string         `mapstructure:"dead_letter_topic"`
	Producer        ProducerConfig `mapstructure:"producer"`
}

// ProducerConfig tunes the pooled Kafka writers.
type ProducerConfig struct {
	PoolSize     int           `mapstructure:"pool_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	Queue            string `mapstructure:"queue"`
	DeadLetterQueue  string `mapstructure:"dead_letter_queue"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	RuleTTL  time.Duration `mapstructure:"rule_ttl"`
}

// EvaluatorConfig controls per-batch processing.
type EvaluatorConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MessageTimeout   time.Duration `mapstructure:"message_timeout"`
	IdempotentAlerts bool          `mapstructure:"idempotent_alerts"`
}

type AlertsConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

type RetentionConfig struct {
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type HTTPConfig struct {
	Addr    string   `mapstructure:"addr"`
	APIKeys []string `mapstructure:"api_keys"`
}

// ConfigurationError reports required settings that are missing or invalid.
// It is fatal at process start.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// Load reads configuration from an optional file, VIGIL_* environment
// variables and defaults, in increasing order of precedence for env.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in defaults, for tests and local dev.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("log.level", "info")

	v.SetDefault("queue.backend", BackendKafka)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.batch_timeout", "1s")
	v.SetDefault("queue.max_deliveries", 5)
	v.SetDefault("queue.retry_backoff", "1s")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "telemetry-events")
	v.SetDefault("kafka.group_id", "vigil-evaluator")
	v.SetDefault("kafka.dead_letter_topic", "telemetry-events-dlq")
	v.SetDefault("kafka.producer.pool_size", 4)
	v.SetDefault("kafka.producer.batch_size", 100)
	v.SetDefault("kafka.producer.batch_timeout", "10ms")
	v.SetDefault("kafka.producer.write_timeout", "10s")
	v.SetDefault("kafka.producer.required_acks", -1)
	v.SetDefault("kafka.producer.compression", "snappy")
	v.SetDefault("kafka.producer.max_retries", 3)
	v.SetDefault("kafka.producer.retry_backoff", "100ms")

	v.SetDefault("servicebus.connection_string", "")
	v.SetDefault("servicebus.queue", "telemetry-events")
	v.SetDefault("servicebus.dead_letter_queue", "telemetry-events-dlq")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.rule_ttl", "30s")

	v.SetDefault("evaluator.concurrency", 8)
	v.SetDefault("evaluator.message_timeout", "10s")
	v.SetDefault("evaluator.idempotent_alerts", false)

	v.SetDefault("alerts.retention", "2160h")
	v.SetDefault("retention.purge_interval", "1h")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.api_keys", []string{})
}

// IsDevelopment selects human-readable logging.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate checks the settings the given role cannot start without.
func (c *Config) Validate(role string) error {
	var problems []string
	missing := func(key string) { problems = append(problems, key+" is required") }

	if strings.TrimSpace(c.Database.DSN) == "" {
		missing("database.dsn")
	}

	if role == RoleWorker || role == RoleAPI {
		switch c.Queue.Backend {
		case BackendKafka:
			if len(c.Kafka.Brokers) == 0 {
				missing("kafka.brokers")
			}
			if c.Kafka.Topic == "" {
				missing("kafka.topic")
			}
			if role == RoleWorker {
				if c.Kafka.GroupID == "" {
					missing("kafka.group_id")
				}
				if c.Kafka.DeadLetterTopic == "" {
					missing("kafka.dead_letter_topic")
				}
			}
		case BackendServiceBus:
			if c.ServiceBus.ConnectionString == "" {
				missing("servicebus.connection_string")
			}
			if c.ServiceBus.Queue == "" {
				missing("servicebus.queue")
			}
			if role == RoleWorker && c.ServiceBus.DeadLetterQueue == "" {
				missing("servicebus.dead_letter_queue")
			}
		default:
			problems = append(problems, fmt.Sprintf("queue.backend must be %q or %q, got %q",
				BackendKafka, BackendServiceBus, c.Queue.Backend))
		}
	}

	if role == RoleWorker {
		if c.Queue.BatchSize <= 0 {
			problems = append(problems, "queue.batch_size must be positive")
		}
		if c.Queue.MaxDeliveries <= 0 {
			problems = append(problems, "queue.max_deliveries must be positive")
		}
		if c.Evaluator.Concurrency <= 0 {
			problems = append(problems, "evaluator.concurrency must be positive")
		}
		if c.Alerts.Retention <= 0 {
			problems = append(problems, "alerts.retention must be positive")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		missing("redis.addr")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}
