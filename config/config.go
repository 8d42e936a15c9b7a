/*
Package config loads service configuration from the environment.

A .env file is honored in development (godotenv); real deployments set
the variables directly. Every value has a default so the service boots
with zero configuration against a local sqlite file.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full service configuration.
type Config struct {
	// HTTP
	Port int

	// Database. Driver is "sqlite" or "postgres". Sqlite uses Path,
	// postgres uses URL.
	DatabaseDriver string
	DatabasePath   string
	DatabaseURL    string

	// Ledger behavior
	Currency           string
	FixedAccountNumber string
	AutoReverse        bool
	ReconcileInterval  time.Duration

	// Upstream gateways. An empty base URL leaves that gateway unwired.
	MobileMoneyBaseURL string
	InitiatorName      string
	ShortCode          string
	BankBaseURL        string
	SMSBaseURL         string
	SMSAPIKey          string
	AlertSenderID      string
	LMSBaseURL         string

	// Observability
	MetricsNamespace string
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:               envInt("PORT", 8080),
		DatabaseDriver:     envString("DB_DRIVER", "sqlite"),
		DatabasePath:       envString("DB_PATH", "ledger.db"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Currency:           envString("CURRENCY", "KES"),
		FixedAccountNumber: envString("FIXED_ACCOUNT_NUMBER", "77001"),
		AutoReverse:        envBool("AUTO_REVERSE", true),
		ReconcileInterval:  envDuration("RECONCILE_INTERVAL", time.Hour),
		MobileMoneyBaseURL: os.Getenv("MOBILE_MONEY_BASE_URL"),
		InitiatorName:      os.Getenv("MOBILE_MONEY_INITIATOR"),
		ShortCode:          envString("PAYBILL_SHORT_CODE", "77001"),
		BankBaseURL:        os.Getenv("BANK_BASE_URL"),
		SMSBaseURL:         os.Getenv("SMS_BASE_URL"),
		SMSAPIKey:          os.Getenv("SMS_API_KEY"),
		AlertSenderID:      envString("ALERT_SENDER_ID", "PESAFLOW"),
		LMSBaseURL:         os.Getenv("LMS_BASE_URL"),
		MetricsNamespace:   envString("METRICS_NAMESPACE", "ledger"),
	}

	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DB_DRIVER=postgres requires DATABASE_URL")
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
