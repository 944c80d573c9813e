package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CoordinatorConfig captures all tunable parameters for one party's
// coordinator process. Values are primarily loaded from environment
// variables with sane defaults so the binary can run locally without
// excessive setup.
type CoordinatorConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Role string // "rider" or "driver"

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	ArrivalRadiusM    float64
	LockExpiry        time.Duration
	RefundCheckEvery  time.Duration
	AvailabilityEvery time.Duration
	DefaultSpeedMps   float64
	Currency          string

	LogLevel      string
	RunMigrations bool
}

func defaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		Role:              "rider",
		RedisGeoKey:       "party_positions",
		KafkaTopic:        "ride-relay",
		ArrivalRadiusM:    400,
		LockExpiry:        2 * time.Hour,
		RefundCheckEvery:  30 * time.Second,
		AvailabilityEvery: time.Minute,
		DefaultSpeedMps:   10,
		Currency:          "usd",
		LogLevel:          "info",
	}
}

func LoadCoordinatorConfig() (CoordinatorConfig, error) {
	cfg := defaultCoordinatorConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.Role, "RIDE_ROLE")
	cfg.Role = strings.ToLower(cfg.Role)
	if cfg.Role != "rider" && cfg.Role != "driver" {
		errs = append(errs, fmt.Errorf("RIDE_ROLE must be rider or driver, got %q", cfg.Role))
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.ArrivalRadiusM, "ARRIVAL_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.LockExpiry, "ESCROW_LOCK_EXPIRY", &errs)
	setDurationFromEnv(&cfg.RefundCheckEvery, "ESCROW_REFUND_CHECK_EVERY", &errs)
	setDurationFromEnv(&cfg.AvailabilityEvery, "AVAILABILITY_EVERY", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.Currency, "ESCROW_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.ArrivalRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("ARRIVAL_RADIUS_M must be > 0"))
	}
	if cfg.LockExpiry <= 0 {
		errs = append(errs, fmt.Errorf("ESCROW_LOCK_EXPIRY must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
