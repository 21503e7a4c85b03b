package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/meterline/internal/config"
)

// Config controls the reset sweep schedule and its guard rails.
type Config struct {
	Enabled    bool
	ResetSpec  string
	BatchSize  int
	LockTTL    time.Duration
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		ResetSpec:  "@hourly",
		BatchSize:  200,
		LockTTL:    5 * time.Minute,
		JobTimeout: 2 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:   cfg.Scheduler.Enabled,
		ResetSpec: cfg.Scheduler.ResetCron,
		BatchSize: cfg.Scheduler.ResetBatchSize,
		LockTTL:   time.Duration(cfg.Scheduler.LockTTLSeconds) * time.Second,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.ResetSpec) == "" {
		c.ResetSpec = defaults.ResetSpec
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	// A job must not outlive the lock that admitted it.
	if c.JobTimeout > c.LockTTL {
		c.JobTimeout = c.LockTTL
	}
	return c
}
