package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration, grouped by concern. Values come
// from defaults overridden by TASKRUNNER_-prefixed environment variables,
// e.g. TASKRUNNER_CONSUMER_MAX_RETRY_TIMES.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Task     TaskConfig     `mapstructure:"task"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ConsumerConfig bounds the consumption pipeline. The thread bounds are a
// static worker-pool size, not an autoscaling range; the pool is sized by
// ConsumeThreadMax.
type ConsumerConfig struct {
	Group            string        `mapstructure:"group"`
	Topic            string        `mapstructure:"topic"`
	ConsumeThreadMin int           `mapstructure:"consume_thread_min"`
	ConsumeThreadMax int           `mapstructure:"consume_thread_max"`
	MaxRetryTimes    int           `mapstructure:"max_retry_times"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	LeaseTimeout     time.Duration `mapstructure:"lease_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// TaskConfig tunes the simulated durations of the sample handlers.
type TaskConfig struct {
	ExportDuration time.Duration `mapstructure:"export_duration"`
	ImportDuration time.Duration `mapstructure:"import_duration"`
	ReportDuration time.Duration `mapstructure:"report_duration"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("consumer.group", "task-consumer-group")
	v.SetDefault("consumer.topic", "task-topic")
	v.SetDefault("consumer.consume_thread_min", 10)
	v.SetDefault("consumer.consume_thread_max", 10)
	v.SetDefault("consumer.max_retry_times", 16)
	v.SetDefault("consumer.retry_delay", 5*time.Second)
	v.SetDefault("consumer.lease_timeout", 30*time.Second)
	v.SetDefault("consumer.poll_interval", 100*time.Millisecond)

	v.SetDefault("task.export_duration", 10*time.Second)
	v.SetDefault("task.import_duration", 3*time.Second)
	v.SetDefault("task.report_duration", 5*time.Second)

	v.SetEnvPrefix("TASKRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Consumer.ConsumeThreadMax <= 0 {
		return nil, fmt.Errorf("consume_thread_max must be positive, got %d", cfg.Consumer.ConsumeThreadMax)
	}
	if cfg.Consumer.ConsumeThreadMin > cfg.Consumer.ConsumeThreadMax {
		return nil, fmt.Errorf("consume_thread_min %d exceeds consume_thread_max %d",
			cfg.Consumer.ConsumeThreadMin, cfg.Consumer.ConsumeThreadMax)
	}
	if cfg.Consumer.MaxRetryTimes < 0 {
		return nil, fmt.Errorf("max_retry_times must not be negative, got %d", cfg.Consumer.MaxRetryTimes)
	}

	return &cfg, nil
}
