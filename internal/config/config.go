package config

import (
	"log"

	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	PaymentObservations string `mapstructure:"payment-observations"`
	WebhookDeliveries   string `mapstructure:"webhook-deliveries"`
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

type WebhookProcessor struct {
	Parallelism         int `mapstructure:"parallelism"`
	RetryBaseDelayMs    int `mapstructure:"retry-base-delay-ms"`
	RetryMaxDelayMs     int `mapstructure:"retry-max-delay-ms"`
	MaxDeliveryAttempts int `mapstructure:"max-delivery-attempts"`
}

type WebhookProducer struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RetryDelayMs       int `mapstructure:"retry-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type WebhookSender struct {
	TimeoutMs int `mapstructure:"timeout-ms"`
}

type Webhook struct {
	Processor WebhookProcessor `mapstructure:"processor"`
	Producer  WebhookProducer  `mapstructure:"producer"`
	Sender    WebhookSender    `mapstructure:"sender"`
}

type Reconcile struct {
	// ChainFeeAllowance is the per-payment network fee allowance in the
	// chain method's native unit (e.g. BTC).
	ChainFeeAllowance            string `mapstructure:"chain-fee-allowance"`
	UnderpaymentTolerancePercent string `mapstructure:"underpayment-tolerance-percent"`
	AllowLateSettlement          bool   `mapstructure:"allow-late-settlement"`
	SweepIntervalMs              int    `mapstructure:"sweep-interval-ms"`
	SweepFetchSize               int    `mapstructure:"sweep-fetch-size"`
}

type Rates struct {
	URL       string `mapstructure:"url"`
	TimeoutMs int    `mapstructure:"timeout-ms"`
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
	URL string `mapstructure:"url"`
}

type Config struct {
	Database  Database  `mapstructure:"database"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Webhook   Webhook   `mapstructure:"webhook"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Rates     Rates     `mapstructure:"rates"`
	Server    Server    `mapstructure:"server"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Logs      Logs      `mapstructure:"logs"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
