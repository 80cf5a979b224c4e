package dispatcher

import (
	"reflect"
	"testing"
	"time"
)

func TestWebhookConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	want := WebhookConfig{
		BufferSize:       10000,
		Workers:          10,
		HTTPTimeout:      10 * time.Second,
		DeliveryTimeout:  30 * time.Second,
		MaxRetries:       3,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		MaxRequeues:      10,
	}

	tests := []struct {
		name string
		in   WebhookConfig
		want WebhookConfig
	}{
		{name: "zero values", in: WebhookConfig{}, want: want},
		{
			name: "negative values",
			in: WebhookConfig{
				BufferSize: -1, Workers: -1, HTTPTimeout: -1, DeliveryTimeout: -1,
				MaxRetries: -1, BreakerThreshold: -1, BreakerCooldown: -1, MaxRequeues: -1,
			},
			want: want,
		},
		{
			name: "explicit values kept",
			in: WebhookConfig{
				BufferSize: 50, Workers: 2, HTTPTimeout: time.Second, DeliveryTimeout: 5 * time.Second,
				MaxRetries: 1, BreakerThreshold: 2, BreakerCooldown: time.Second, MaxRequeues: 3,
			},
			want: WebhookConfig{
				BufferSize: 50, Workers: 2, HTTPTimeout: time.Second, DeliveryTimeout: 5 * time.Second,
				MaxRetries: 1, BreakerThreshold: 2, BreakerCooldown: time.Second, MaxRequeues: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("WEBHOOK_WORKERS", "4")
	t.Setenv("WEBHOOK_BREAKER_COOLDOWN", "5s")
	t.Setenv("WEBHOOK_MAX_RETRIES", "not-a-number")

	cfg := LoadConfigFromEnv()
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.BreakerCooldown != 5*time.Second {
		t.Errorf("BreakerCooldown = %v, want 5s", cfg.BreakerCooldown)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3 for an unparsable value", cfg.MaxRetries)
	}
	if cfg.BufferSize != 10000 {
		t.Errorf("BufferSize = %d, want 10000", cfg.BufferSize)
	}
}

func TestLoadKafkaConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("KAFKA_TOPIC", "builds")

	cfg := LoadKafkaConfigFromEnv()
	if !cfg.Enabled() {
		t.Fatal("expected Kafka enabled with brokers set")
	}
	if want := []string{"kafka-1:9092", "kafka-2:9092"}; !reflect.DeepEqual(cfg.Brokers, want) {
		t.Errorf("Brokers = %v, want %v", cfg.Brokers, want)
	}
	if cfg.Topic != "builds" || cfg.ClientID != "ciengine" {
		t.Errorf("unexpected config %+v", cfg)
	}
}
