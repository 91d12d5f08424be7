/**
 * @description
 * This file handles configuration management for the reward-service.
 * It loads settings from environment variables, providing defaults for cron
 * schedules and business amounts.
 */
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the reward service.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RunMigrations bool   `mapstructure:"RUN_MIGRATIONS"`

	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisLockPrefix string `mapstructure:"REDIS_LOCK_PREFIX"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	InternalAPIKey  string `mapstructure:"INTERNAL_API_KEY"`
	MemberJWTSecret string `mapstructure:"MEMBER_JWT_SECRET"`

	VenmoAPIBaseURL    string `mapstructure:"VENMO_API_BASE_URL"`
	VenmoAccessToken   string `mapstructure:"VENMO_ACCESS_TOKEN"`
	PayPalAPIBaseURL   string `mapstructure:"PAYPAL_API_BASE_URL"`
	PayPalClientID     string `mapstructure:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `mapstructure:"PAYPAL_CLIENT_SECRET"`
	PayoutCurrency     string `mapstructure:"PAYOUT_CURRENCY"`

	MaxRetryAttempts        int   `mapstructure:"MAX_RETRY_ATTEMPTS"`
	WeeklyContributionCents int64 `mapstructure:"WEEKLY_CONTRIBUTION_CENTS"`
	SettlementConcurrency   int   `mapstructure:"SETTLEMENT_CONCURRENCY"`

	ClosePoolsJobSchedule string `mapstructure:"CLOSE_POOLS_JOB_SCHEDULE"`
	SettlementJobSchedule string `mapstructure:"SETTLEMENT_JOB_SCHEDULE"`
	RetryJobSchedule      string `mapstructure:"RETRY_JOB_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("REDIS_LOCK_PREFIX", "habithero:settlement_lock")
	viper.SetDefault("EVENTS_EXCHANGE", "habithero.events")
	viper.SetDefault("VENMO_API_BASE_URL", "https://api.venmo.com")
	viper.SetDefault("PAYPAL_API_BASE_URL", "https://api-m.paypal.com")
	viper.SetDefault("PAYOUT_CURRENCY", "USD")
	viper.SetDefault("MAX_RETRY_ATTEMPTS", 3)
	viper.SetDefault("WEEKLY_CONTRIBUTION_CENTS", 500) // $5.00
	viper.SetDefault("SETTLEMENT_CONCURRENCY", 4)
	viper.SetDefault("CLOSE_POOLS_JOB_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("SETTLEMENT_JOB_SCHEDULE", "5 * * * *") // Hourly, after pools close.
	viper.SetDefault("RETRY_JOB_SCHEDULE", "35 */6 * * *")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT",
		"DATABASE_URL",
		"RUN_MIGRATIONS",
		"REDIS_URL",
		"REDIS_LOCK_PREFIX",
		"RABBITMQ_URL",
		"EVENTS_EXCHANGE",
		"INTERNAL_API_KEY",
		"MEMBER_JWT_SECRET",
		"VENMO_API_BASE_URL",
		"VENMO_ACCESS_TOKEN",
		"PAYPAL_API_BASE_URL",
		"PAYPAL_CLIENT_ID",
		"PAYPAL_CLIENT_SECRET",
		"PAYOUT_CURRENCY",
		"MAX_RETRY_ATTEMPTS",
		"WEEKLY_CONTRIBUTION_CENTS",
		"SETTLEMENT_CONCURRENCY",
		"CLOSE_POOLS_JOB_SCHEDULE",
		"SETTLEMENT_JOB_SCHEDULE",
		"RETRY_JOB_SCHEDULE",
	} {
		_ = viper.BindEnv(key)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.MemberJWTSecret = strings.TrimSpace(config.MemberJWTSecret)

	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if config.InternalAPIKey == "" {
		return nil, fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if config.MemberJWTSecret == "" {
		return nil, fmt.Errorf("MEMBER_JWT_SECRET is required")
	}
	if config.MaxRetryAttempts <= 0 {
		return nil, fmt.Errorf("MAX_RETRY_ATTEMPTS must be positive, got %d", config.MaxRetryAttempts)
	}
	if config.WeeklyContributionCents <= 0 {
		return nil, fmt.Errorf("WEEKLY_CONTRIBUTION_CENTS must be positive, got %d", config.WeeklyContributionCents)
	}
	if config.SettlementConcurrency <= 0 {
		config.SettlementConcurrency = 1
	}

	return &config, nil
}
