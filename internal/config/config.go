package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	APIBaseURL string
	APIWSURL   string

	XUserID    string
	XUserEmail string
	XSessionID string

	RedisURL    string
	DatabaseURL string

	PollInterval time.Duration
	MatchedDwell time.Duration
	PollBudget   time.Duration

	MessageOverrideDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		PollInterval: 2 * time.Second,
		MatchedDwell: 1500 * time.Millisecond,
		PollBudget:   10 * time.Minute,
	}

	cfg.APIBaseURL = strings.TrimSpace(os.Getenv("MATCH_API_BASE_URL"))
	cfg.APIWSURL = strings.TrimSpace(os.Getenv("MATCH_API_WS_URL"))

	cfg.XUserID = strings.TrimSpace(os.Getenv("X_USER_ID"))
	cfg.XUserEmail = strings.TrimSpace(os.Getenv("X_USER_EMAIL"))
	cfg.XSessionID = strings.TrimSpace(os.Getenv("X_SESSION_ID"))

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if v := strings.TrimSpace(os.Getenv("MATCH_POLL_INTERVAL_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("MATCH_DWELL_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MatchedDwell = time.Duration(n) * time.Millisecond
		}
	}
	// MATCH_POLL_BUDGET bounds a polling session; "0" restores poll-forever.
	if v := strings.TrimSpace(os.Getenv("MATCH_POLL_BUDGET")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.PollBudget = d
		}
	}

	cfg.MessageOverrideDir = strings.TrimSpace(os.Getenv("MESSAGE_OVERRIDE_DIR"))

	if cfg.APIBaseURL == "" {
		return nil, errors.New("MATCH_API_BASE_URL is required")
	}

	return cfg, nil
}
