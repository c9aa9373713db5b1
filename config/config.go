package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Stockflow  StockflowConfig  `yaml:"stockflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Kis        KisConfig        `yaml:"kis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Stream     StreamConfig     `yaml:"stream"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Server     ServerConfig     `yaml:"server"`
}

type StockflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type KisConfig struct {
	Websocket      KisWebsocketConfig `yaml:"websocket"`
	Rest           KisRestConfig      `yaml:"rest"`
	App            KisAppConfig       `yaml:"app"`
	Instruments    []string           `yaml:"instruments"`
	ReconnectDelay time.Duration      `yaml:"reconnect_delay"`
	SubscribeRate  float64            `yaml:"subscribe_rate"`
	SubscribeBurst int                `yaml:"subscribe_burst"`
}

type KisWebsocketConfig struct {
	URL string `yaml:"url"`
}

type KisRestConfig struct {
	TokenURL    string        `yaml:"token_url"`
	ApprovalURL string        `yaml:"approval_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

type KisAppConfig struct {
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
}

type KafkaConfig struct {
	Brokers          []string            `yaml:"brokers"`
	Topics           KafkaTopicsConfig   `yaml:"topics"`
	Partitions       int                 `yaml:"partitions"`
	PinnedPartitions map[string]int      `yaml:"pinned_partitions"`
	Groups           KafkaGroupsConfig   `yaml:"groups"`
	Consumer         KafkaConsumerTuning `yaml:"consumer"`
}

type KafkaTopicsConfig struct {
	Quotes        string `yaml:"quotes"`
	Orderbooks    string `yaml:"orderbooks"`
	Notifications string `yaml:"notifications"`
}

type KafkaGroupsConfig struct {
	Processor string `yaml:"processor"`
	Streamer  string `yaml:"streamer"`
	Evaluator string `yaml:"evaluator"`
	Delivery  string `yaml:"delivery"`
}

type KafkaConsumerTuning struct {
	MinBytes int           `yaml:"min_bytes"`
	MaxBytes int           `yaml:"max_bytes"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

type StreamConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
}

type EvaluationConfig struct {
	MaxWorkers        int           `yaml:"max_workers"`
	QueueSize         int           `yaml:"queue_size"`
	ConditionCacheTTL time.Duration `yaml:"condition_cache_ttl"`
}

type DeliveryConfig struct {
	MaxWorkers int            `yaml:"max_workers"`
	Timeout    time.Duration  `yaml:"timeout"`
	Retry      RetryConfig    `yaml:"retry"`
	Channels   ChannelsConfig `yaml:"channels"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type ChannelsConfig struct {
	Push    PushChannelConfig    `yaml:"push"`
	Email   EmailChannelConfig   `yaml:"email"`
	SMS     SMSChannelConfig     `yaml:"sms"`
	Webhook WebhookChannelConfig `yaml:"webhook"`
}

type PushChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

type EmailChannelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type SMSChannelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	From     string `yaml:"from"`
}

type WebhookChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type CacheConfig struct {
	RecentDataTTL time.Duration `yaml:"recent_data_ttl"`
	MaxSize       int           `yaml:"max_size"`
}

type ServerConfig struct {
	CollectorAddress string `yaml:"collector_address"`
	ProcessorAddress string `yaml:"processor_address"`
	StreamerAddress  string `yaml:"streamer_address"`
	NotifierAddress  string `yaml:"notifier_address"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Kis: KisConfig{
			ReconnectDelay: 5 * time.Second,
			SubscribeRate:  2,
			SubscribeBurst: 1,
		},
		Kafka: KafkaConfig{
			Consumer: KafkaConsumerTuning{
				MinBytes: 1,
				MaxBytes: 10e6,
				MaxWait:  500 * time.Millisecond,
			},
		},
		Stream: StreamConfig{
			MaxConnections:    10000,
			HeartbeatInterval: 30 * time.Second,
			ConnectionTimeout: 5 * time.Minute,
			BufferSize:        256,
		},
		Evaluation: EvaluationConfig{
			MaxWorkers:        4,
			QueueSize:         1024,
			ConditionCacheTTL: 30 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxWorkers: 8,
			Timeout:    10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         2 * time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Cache: CacheConfig{
			RecentDataTTL: 60 * time.Second,
			MaxSize:       5000,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override secrets from environment variables if available
	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		config.Kis.App.Key = strings.TrimSpace(v)
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		config.Kis.App.Secret = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		config.Kafka.Brokers = brokers
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Stockflow.Name == "" {
		return fmt.Errorf("stockflow.name is required")
	}

	if cfg.Stockflow.Version == "" {
		return fmt.Errorf("stockflow.version is required")
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}

	if cfg.Kafka.Topics.Quotes == "" || cfg.Kafka.Topics.Orderbooks == "" || cfg.Kafka.Topics.Notifications == "" {
		return fmt.Errorf("kafka.topics.quotes, kafka.topics.orderbooks and kafka.topics.notifications are required")
	}

	if cfg.Kafka.Partitions <= 0 {
		return fmt.Errorf("kafka.partitions must be greater than 0")
	}

	for code, partition := range cfg.Kafka.PinnedPartitions {
		if partition < 0 || partition >= cfg.Kafka.Partitions {
			return fmt.Errorf("kafka.pinned_partitions[%s] = %d is outside the partition range", code, partition)
		}
	}

	if cfg.Stream.MaxConnections <= 0 {
		return fmt.Errorf("stream.max_connections must be greater than 0")
	}
	if cfg.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be greater than 0")
	}

	if cfg.Evaluation.MaxWorkers <= 0 {
		return fmt.Errorf("evaluation.max_workers must be greater than 0")
	}

	if cfg.Delivery.MaxWorkers <= 0 {
		return fmt.Errorf("delivery.max_workers must be greater than 0")
	}
	if cfg.Delivery.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.retry.max_attempts must be greater than 0")
	}
	if cfg.Delivery.Retry.BaseDelay <= 0 {
		return fmt.Errorf("delivery.retry.base_delay must be greater than 0")
	}

	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when postgres is enabled")
	}

	return nil
}
