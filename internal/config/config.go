// Package config loads the staking engine's settings from the environment,
// optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Addr        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	StandardRate       decimal.Decimal
	PremiumRate        decimal.Decimal
	CommissionRate     decimal.Decimal
	ReferralRate       decimal.Decimal
	ReferralMilestones []int

	Workers           int
	Schedule          string // cron spec; empty disables scheduled runs
	MaxAttempts       int
	StaleClaimAfter   time.Duration
	PlatformAccountID string
	AdminToken        string

	YieldSourceURL   string
	YieldSourceField string
	YieldTimeout     time.Duration
	NotifyTimeout    time.Duration
}

// Load reads the configuration. Variables already set in the environment
// win over values from envFiles; with no files given, ./.env is read when
// present.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("load env files %v: %w", envFiles, err)
		}
	}

	addr := envDefault("PORT", "8080")
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}

	var errs []error
	rate := func(key, fallback string) decimal.Decimal {
		v, err := envDecimalDefault(key, decimal.RequireFromString(fallback))
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Addr:        addr,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		CacheTTL:    envDurationDefault("CACHE_TTL", 30*time.Second),

		StandardRate:       rate("STANDARD_RATE", "0.087"),
		PremiumRate:        rate("PREMIUM_RATE", "0.105"),
		CommissionRate:     rate("COMMISSION_RATE", "0.12"),
		ReferralRate:       rate("REFERRAL_RATE", "0.10"),
		ReferralMilestones: envIntListDefault("REFERRAL_MILESTONES", []int{5, 10, 25, 50, 100}),

		Workers:           envIntDefault("DISTRIBUTION_WORKERS", 8),
		Schedule:          envDefault("DISTRIBUTION_SCHEDULE", "5 0 * * *"),
		MaxAttempts:       envIntDefault("DISTRIBUTION_MAX_ATTEMPTS", 5),
		StaleClaimAfter:   envDurationDefault("STALE_CLAIM_AFTER", time.Hour),
		PlatformAccountID: envDefault("PLATFORM_ACCOUNT_ID", "platform"),
		AdminToken:        strings.TrimSpace(os.Getenv("ADMIN_TOKEN")),

		YieldSourceURL:   strings.TrimSpace(os.Getenv("YIELD_SOURCE_URL")),
		YieldSourceField: envDefault("YIELD_SOURCE_FIELD", "gross_yield"),
		YieldTimeout:     envDurationDefault("YIELD_TIMEOUT", 5*time.Second),
		NotifyTimeout:    envDurationDefault("NOTIFY_TIMEOUT", 2*time.Second),
	}
	if strings.EqualFold(cfg.Schedule, "off") {
		cfg.Schedule = ""
	}
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	var errs []error
	if c.StandardRate.IsNegative() || c.PremiumRate.IsNegative() {
		errs = append(errs, fmt.Errorf("STANDARD_RATE and PREMIUM_RATE must be non-negative"))
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(one) {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %s", c.CommissionRate))
	}
	if c.ReferralRate.IsNegative() || c.ReferralRate.GreaterThan(one) {
		errs = append(errs, fmt.Errorf("REFERRAL_RATE must be in [0, 1], got %s", c.ReferralRate))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("DISTRIBUTION_WORKERS must be at least 1, got %d", c.Workers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("DISTRIBUTION_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.StaleClaimAfter <= 0 {
		errs = append(errs, fmt.Errorf("STALE_CLAIM_AFTER must be positive"))
	}
	return errors.Join(errs...)
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDecimalDefault is strict: a malformed rate is an error, not a fallback.
func envDecimalDefault(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid decimal %q", key, v)
	}
	return d, nil
}

func envIntListDefault(key string, fallback []int) []int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return fallback
		}
		out = append(out, n)
	}
	return out
}
