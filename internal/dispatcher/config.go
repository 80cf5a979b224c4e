package dispatcher

import (
	"ciengine/internal/config"
	"time"
)

// WebhookConfig holds configuration for webhook notification delivery.
type WebhookConfig struct {
	BufferSize       int           // pending notifications (default: 10000)
	Workers          int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	DeliveryTimeout  time.Duration // bound on one delivery including retries (default: 30s)
	MaxRetries       int           // retries after the first attempt on 5xx or transport errors (default: 3)
	BreakerThreshold int           // consecutive failures that open a host's breaker (default: 5)
	BreakerCooldown  time.Duration // open breaker cooldown, also the park delay (default: 30s)
	MaxRequeues      int           // times a notification is parked behind an open breaker (default: 10)
}

// LoadConfigFromEnv loads webhook delivery configuration from environment variables.
func LoadConfigFromEnv() WebhookConfig {
	cfg := WebhookConfig{
		BufferSize:       config.GetIntEnv("WEBHOOK_BUFFER_SIZE", 10000),
		Workers:          config.GetIntEnv("WEBHOOK_WORKERS", 10),
		HTTPTimeout:      config.GetDurationEnv("WEBHOOK_HTTP_TIMEOUT", 10*time.Second),
		DeliveryTimeout:  config.GetDurationEnv("WEBHOOK_DELIVERY_TIMEOUT", 30*time.Second),
		MaxRetries:       config.GetIntEnv("WEBHOOK_MAX_RETRIES", 3),
		BreakerThreshold: config.GetIntEnv("WEBHOOK_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("WEBHOOK_BREAKER_COOLDOWN", 30*time.Second),
		MaxRequeues:      config.GetIntEnv("WEBHOOK_MAX_REQUEUES", 10),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}

// KafkaConfig holds configuration for the Kafka dispatcher. No brokers
// means Kafka publishing is off.
type KafkaConfig struct {
	Brokers    []string // seed brokers
	Topic      string   // default: ciengine.runs
	ClientID   string   // default: ciengine
	BufferSize int      // records buffered before Dispatch drops (default: 10000)
}

// LoadKafkaConfigFromEnv loads Kafka configuration from environment variables.
func LoadKafkaConfigFromEnv() KafkaConfig {
	cfg := KafkaConfig{
		Brokers:    config.GetListEnv("KAFKA_BROKERS"),
		Topic:      config.GetEnv("KAFKA_TOPIC", "ciengine.runs"),
		ClientID:   config.GetEnv("KAFKA_CLIENT_ID", "ciengine"),
		BufferSize: config.GetIntEnv("KAFKA_BUFFER_SIZE", 10000),
	}
	return cfg.withDefaults()
}

// Enabled reports whether brokers are configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// withDefaults fills in zero values with defaults.
func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.Topic == "" {
		c.Topic = "ciengine.runs"
	}
	if c.ClientID == "" {
		c.ClientID = "ciengine"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	return c
}
