/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables, with an
 * optional .env file for local development.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the attestation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	LedgerAPIBaseURL      string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey          string `mapstructure:"LEDGER_API_KEY"`
	InstitutionAPIBaseURL string `mapstructure:"INSTITUTION_API_BASE_URL"`
	InstitutionAPIKey     string `mapstructure:"INSTITUTION_API_KEY"`
	IdentityAPIBaseURL    string `mapstructure:"IDENTITY_API_BASE_URL"`
	IdentityAPIKey        string `mapstructure:"IDENTITY_API_KEY"`

	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	MaskingSalt    string `mapstructure:"MASKING_SALT"`

	ProximityToleranceMeters float64 `mapstructure:"PROXIMITY_TOLERANCE_METERS"`
	MinSessionMinutes        int     `mapstructure:"MIN_SESSION_MINUTES"`
	MaxSessionMinutes        int     `mapstructure:"MAX_SESSION_MINUTES"`
	RequestExpiryHours       int     `mapstructure:"REQUEST_EXPIRY_HOURS"`
	SignatureExpiryHours     int     `mapstructure:"SIGNATURE_EXPIRY_HOURS"`

	ConfirmationThreshold  int `mapstructure:"CONFIRMATION_THRESHOLD"`
	SubmissionMaxRetries   int `mapstructure:"SUBMISSION_MAX_RETRIES"`
	SubmissionBackoffBase  int `mapstructure:"SUBMISSION_BACKOFF_BASE_SECONDS"`
	DisbursementMaxRetries int `mapstructure:"DISBURSEMENT_MAX_RETRIES"`

	SubmissionPollSeconds   int    `mapstructure:"SUBMISSION_POLL_SECONDS"`
	ConfirmationPollSeconds int    `mapstructure:"CONFIRMATION_POLL_SECONDS"`
	ExpirySweepSchedule     string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	DisbursementSchedule    string `mapstructure:"DISBURSEMENT_RETRY_SCHEDULE"`

	CommissionMode    string  `mapstructure:"COMMISSION_MODE"`
	CommissionFlat    int64   `mapstructure:"COMMISSION_FLAT_CENTS"`
	CommissionPercent float64 `mapstructure:"COMMISSION_PERCENT"`

	SignatureRateLimitPerMinute int    `mapstructure:"SIGNATURE_RATE_LIMIT_PER_MINUTE"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	TransferEventQueue          string `mapstructure:"TRANSFER_EVENT_QUEUE"`
	EventsExchange              string `mapstructure:"EVENTS_EXCHANGE"`
}

// LoadConfig reads configuration from environment variables from the given
// path. It uses Viper to bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("PROXIMITY_TOLERANCE_METERS", 150.0)
	viper.SetDefault("MIN_SESSION_MINUTES", 30)
	viper.SetDefault("MAX_SESSION_MINUTES", 480)
	viper.SetDefault("REQUEST_EXPIRY_HOURS", 72)
	viper.SetDefault("SIGNATURE_EXPIRY_HOURS", 24)
	viper.SetDefault("CONFIRMATION_THRESHOLD", 3)
	viper.SetDefault("SUBMISSION_MAX_RETRIES", 5)
	viper.SetDefault("SUBMISSION_BACKOFF_BASE_SECONDS", 2)
	viper.SetDefault("DISBURSEMENT_MAX_RETRIES", 3)
	viper.SetDefault("SUBMISSION_POLL_SECONDS", 5)
	viper.SetDefault("CONFIRMATION_POLL_SECONDS", 15)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("DISBURSEMENT_RETRY_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("COMMISSION_MODE", "percent")
	viper.SetDefault("COMMISSION_FLAT_CENTS", 0)
	viper.SetDefault("COMMISSION_PERCENT", 5.0)
	viper.SetDefault("SIGNATURE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "careloop:rate_limit")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "attestation_service.transfer_updates")
	viper.SetDefault("EVENTS_EXCHANGE", "careloop.events")

	// Bind environment variables explicitly to ensure they appear in Unmarshal.
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "RABBITMQ_URL", "REDIS_URL",
		"LEDGER_API_BASE_URL", "LEDGER_API_KEY",
		"INSTITUTION_API_BASE_URL", "INSTITUTION_API_KEY",
		"IDENTITY_API_BASE_URL", "IDENTITY_API_KEY",
		"INTERNAL_API_KEY", "JWT_SECRET", "MASKING_SALT",
		"PROXIMITY_TOLERANCE_METERS", "MIN_SESSION_MINUTES", "MAX_SESSION_MINUTES",
		"REQUEST_EXPIRY_HOURS", "SIGNATURE_EXPIRY_HOURS",
		"CONFIRMATION_THRESHOLD", "SUBMISSION_MAX_RETRIES",
		"SUBMISSION_BACKOFF_BASE_SECONDS", "DISBURSEMENT_MAX_RETRIES",
		"SUBMISSION_POLL_SECONDS", "CONFIRMATION_POLL_SECONDS",
		"EXPIRY_SWEEP_SCHEDULE", "DISBURSEMENT_RETRY_SCHEDULE",
		"COMMISSION_MODE", "COMMISSION_FLAT_CENTS", "COMMISSION_PERCENT",
		"SIGNATURE_RATE_LIMIT_PER_MINUTE", "REDIS_RATE_LIMIT_PREFIX",
		"TRANSFER_EVENT_QUEUE", "EVENTS_EXCHANGE",
	} {
		_ = viper.BindEnv(key)
	}

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return Config{}, err
	}
	return config, config.validate()
}

func (c Config) validate() error {
	if c.MinSessionMinutes <= 0 || c.MaxSessionMinutes <= c.MinSessionMinutes {
		return fmt.Errorf("session duration bounds invalid: min=%d max=%d", c.MinSessionMinutes, c.MaxSessionMinutes)
	}
	if c.ConfirmationThreshold < 1 {
		return fmt.Errorf("confirmation threshold must be at least 1, got %d", c.ConfirmationThreshold)
	}
	switch c.CommissionMode {
	case "flat", "percent":
	default:
		return fmt.Errorf("commission mode must be flat or percent, got %q", c.CommissionMode)
	}
	if c.CommissionPercent < 0 || c.CommissionPercent > 100 {
		return fmt.Errorf("commission percent out of range: %v", c.CommissionPercent)
	}
	return nil
}
