package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fleetstops/internal/gps"
	"fleetstops/internal/logger"
)

type Config struct {
	ServiceName          string
	LogLevel             string
	DatabasePath         string
	ServerAddr           string
	BackendBaseURL       string
	BackendToken         string
	BackendTimeoutSec    int
	ForwardVerifySecret  string
	StopPolicy           string
	StopSpeedThreshold   float64
	StopMinDurationSec   int
	StopFlushTrailing    bool
	stopThresholdSet     bool
	stopMinDurationSet   bool
	stopFlushSet         bool
	AnchorRadiusM        float64
	AnchorGeofencePrefix string
	AnchorRulePrefix     string
	OverpassURL          string
	OverpassURLs         []string
	OverpassTimeoutSec   int
	OverpassCacheHours   int
	DisablePlaces        bool
	NATSURL              string
	NATSSubjectPrefix    string
	WorkerPollIntervalMS int
	WorkerMaxAttempts    int
}

func Load(path string) (Config, error) {
	cfg := Config{
		ServiceName:          "fleetstops",
		LogLevel:             "INFO",
		ServerAddr:           ":8080",
		BackendBaseURL:       "http://localhost:8082",
		BackendTimeoutSec:    15,
		StopPolicy:           "speed",
		AnchorRadiusM:        50,
		AnchorGeofencePrefix: "Anchor",
		AnchorRulePrefix:     "Anchor rule",
		NATSSubjectPrefix:    "fleet.stops",
		WorkerPollIntervalMS: 2000,
		WorkerMaxAttempts:    5,
	}

	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	cfg.ServiceName = getenv("SERVICE_NAME", cfg.ServiceName)
	cfg.LogLevel = strings.ToUpper(getenv("LOG_LEVEL", cfg.LogLevel))
	cfg.DatabasePath = getenv("DATABASE_PATH", "fleetstops.db")
	cfg.ServerAddr = getenv("SERVER_ADDR", cfg.ServerAddr)
	cfg.BackendBaseURL = strings.TrimRight(getenv("BACKEND_BASE_URL", cfg.BackendBaseURL), "/")
	cfg.BackendToken = os.Getenv("BACKEND_TOKEN")
	cfg.ForwardVerifySecret = os.Getenv("FORWARD_SIGNING_SECRET")
	cfg.StopPolicy = strings.ToLower(getenv("STOP_POLICY", cfg.StopPolicy))
	cfg.AnchorGeofencePrefix = getenv("ANCHOR_GEOFENCE_PREFIX", cfg.AnchorGeofencePrefix)
	cfg.AnchorRulePrefix = getenv("ANCHOR_RULE_PREFIX", cfg.AnchorRulePrefix)
	cfg.OverpassURL = os.Getenv("OVERPASS_URL")
	if v := os.Getenv("OVERPASS_URLS"); v != "" {
		cfg.OverpassURLs = splitAndTrim(v)
	}
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenv("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)

	ints := []struct {
		key    string
		target *int
	}{
		{"BACKEND_TIMEOUT_SECONDS", &cfg.BackendTimeoutSec},
		{"STOP_MIN_DURATION_SECONDS", &cfg.StopMinDurationSec},
		{"OVERPASS_TIMEOUT_SECONDS", &cfg.OverpassTimeoutSec},
		{"OVERPASS_CACHE_HOURS", &cfg.OverpassCacheHours},
		{"WORKER_POLL_INTERVAL_MS", &cfg.WorkerPollIntervalMS},
		{"WORKER_MAX_ATTEMPTS", &cfg.WorkerMaxAttempts},
	}
	for _, item := range ints {
		if v := os.Getenv(item.key); v != "" {
			if err := parseInt(item.target, v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", item.key, err)
			}
		}
	}

	floats := []struct {
		key    string
		target *float64
	}{
		{"STOP_SPEED_THRESHOLD_KNOTS", &cfg.StopSpeedThreshold},
		{"ANCHOR_RADIUS_METERS", &cfg.AnchorRadiusM},
	}
	for _, item := range floats {
		if v := os.Getenv(item.key); v != "" {
			if err := parseFloat(item.target, v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", item.key, err)
			}
		}
	}

	cfg.stopThresholdSet = os.Getenv("STOP_SPEED_THRESHOLD_KNOTS") != ""
	cfg.stopMinDurationSet = os.Getenv("STOP_MIN_DURATION_SECONDS") != ""
	if cfg.StopSpeedThreshold < 0 {
		return Config{}, fmt.Errorf("STOP_SPEED_THRESHOLD_KNOTS: must not be negative")
	}
	if cfg.StopMinDurationSec < 0 {
		return Config{}, fmt.Errorf("STOP_MIN_DURATION_SECONDS: must not be negative")
	}

	if v := os.Getenv("STOP_FLUSH_TRAILING"); v != "" {
		if err := parseBool(&cfg.StopFlushTrailing, v); err != nil {
			return Config{}, fmt.Errorf("STOP_FLUSH_TRAILING: %w", err)
		}
		cfg.stopFlushSet = true
	}
	if v := os.Getenv("DISABLE_PLACES"); v != "" {
		if err := parseBool(&cfg.DisablePlaces, v); err != nil {
			return Config{}, fmt.Errorf("DISABLE_PLACES: %w", err)
		}
	}

	if !logger.ValidateLogLevel(cfg.LogLevel) {
		return Config{}, fmt.Errorf("LOG_LEVEL: unknown level %q", cfg.LogLevel)
	}
	if cfg.StopPolicy != "speed" && cfg.StopPolicy != "ignition" {
		return Config{}, fmt.Errorf("STOP_POLICY: unknown policy %q", cfg.StopPolicy)
	}
	if cfg.AnchorRadiusM <= 0 {
		return Config{}, fmt.Errorf("ANCHOR_RADIUS_METERS: must be positive")
	}

	return cfg, nil
}

// StopFlushOverride reports the configured trailing-run flag and whether it
// was set explicitly; otherwise the policy default applies.
func (c Config) StopFlushOverride() (bool, bool) {
	return c.StopFlushTrailing, c.stopFlushSet
}

// StopOptions resolves the stop detection settings: the policy defaults,
// overridden by whatever was configured explicitly.
func (c Config) StopOptions() gps.StopOptions {
	policy, err := gps.ParsePolicy(c.StopPolicy)
	if err != nil {
		policy = gps.PolicySpeed
	}
	opts := gps.DefaultStopOptions(policy)
	if c.stopThresholdSet {
		opts.SpeedThreshold = c.StopSpeedThreshold
	}
	if c.stopMinDurationSet {
		opts.MinDuration = time.Duration(c.StopMinDurationSec) * time.Second
	}
	if flush, ok := c.StopFlushOverride(); ok {
		opts.FlushTrailing = flush
	}
	return opts
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSec) * time.Second
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseInt(target *int, value string) error {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func parseFloat(target *float64, value string) error {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func parseBool(target *bool, value string) error {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
