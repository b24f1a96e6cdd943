package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures process-level configuration so main stays lean.
type Config struct {
	Addr            string
	DatabaseURL     string
	JWTSecret       string
	RedisURL        string
	MediatorURL     string
	LeakThreshold   float64
	MediatorTimeout time.Duration
	MinimumDeposit  int64
	SessionTTL      time.Duration
	OTPTTL          time.Duration
	OTPResendLimit  int
	OTPResendWindow time.Duration
	OTPSendAttempts int
}

// FromEnv builds a Config from environment variables, applying development
// defaults for anything unset.
func FromEnv() Config {
	cfg := Config{
		Addr:            envOr("FUNDGATE_ADDR", ":8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSecret:       envOr("JWT_SECRET", "dev-secret-change-in-production"),
		RedisURL:        os.Getenv("REDIS_URL"),
		MediatorURL:     os.Getenv("MEDIATOR_URL"),
		LeakThreshold:   0.7,
		MediatorTimeout: 10 * time.Second,
		MinimumDeposit:  1000,
		SessionTTL:      72 * time.Hour,
		OTPTTL:          10 * time.Minute,
		OTPResendLimit:  3,
		OTPResendWindow: 10 * time.Minute,
		OTPSendAttempts: 3,
	}

	if v := os.Getenv("LEAK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.LeakThreshold = f
		}
	}
	if v := os.Getenv("MINIMUM_DEPOSIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MinimumDeposit = n
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
