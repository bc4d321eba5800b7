package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:          "postgres://localhost/taskcore",
			MaxOpenConns: 25,
			MaxIdleConns: 10,
		},
		MessageQueue: MessageQueueConfig{
			URL:      "amqp://localhost",
			Consumer: ConsumerConfig{Workers: 10},
		},
		Execution: ExecutionConfig{
			MinConcurrency: 3,
			MaxConcurrency: 12,
		},
	}
}

func TestValidateConfigAcceptsAValidConfig(t *testing.T) {
	if err := validateConfig(validConfig()); err != nil {
		t.Fatalf("unexpected error for a valid config: %v", err)
	}
}

func TestValidateConfigRejectsMissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = ""
	if err := validateConfig(cfg); err == nil {
		t.Error("expected an error for a missing database URL")
	}
}

func TestValidateConfigRejectsMissingMessageQueueURL(t *testing.T) {
	cfg := validConfig()
	cfg.MessageQueue.URL = ""
	if err := validateConfig(cfg); err == nil {
		t.Error("expected an error for a missing message queue URL")
	}
}

func TestValidateConfigRejectsZeroMaxOpenConns(t *testing.T) {
	cfg := validConfig()
	cfg.Database.MaxOpenConns = 0
	if err := validateConfig(cfg); err == nil {
		t.Error("expected an error for database.max_open_conns=0")
	}
}

func TestValidateConfigRejectsMaxConcurrencyBelowMin(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.MinConcurrency = 10
	cfg.Execution.MaxConcurrency = 5
	if err := validateConfig(cfg); err == nil {
		t.Error("expected an error when max_concurrency < min_concurrency")
	}
}

func TestValidateConfigRejectsZeroMinConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.MinConcurrency = 0
	cfg.Execution.MaxConcurrency = 0
	if err := validateConfig(cfg); err == nil {
		t.Error("expected an error when min_concurrency is 0")
	}
}

func TestValidateConfigRejectsZeroConsumerWorkers(t *testing.T) {
	cfg := validConfig()
	cfg.MessageQueue.Consumer.Workers = 0
	if err := validateConfig(cfg); err == nil {
		t.Error("expected an error for message_queue.consumer.workers=0")
	}
}

func TestConfigDefaultsAreSane(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()

	if got := viper.GetDuration("execution.batch_timeout_base"); got != 10*time.Second {
		t.Errorf("execution.batch_timeout_base default = %v, want 10s", got)
	}
	if got := viper.GetInt("execution.min_concurrency"); got != 3 {
		t.Errorf("execution.min_concurrency default = %d, want 3", got)
	}
	if got := viper.GetBool("coordinator.use_advisory_lock"); got != false {
		t.Errorf("coordinator.use_advisory_lock default = %v, want false", got)
	}
}
