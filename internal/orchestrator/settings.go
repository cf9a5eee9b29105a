// Package orchestrator schedules ingestion jobs per source under operator
// controls: enablement, a concurrency ceiling, a minimum interval between
// runs, and lease-based ownership of running jobs.
package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/vehicle-consensus/internal/config"
	"github.com/sells-group/vehicle-consensus/internal/resilience"
)

// Settings are the orchestrator tunables.
type Settings struct {
	WorkerID         string
	LeaseTimeout     time.Duration
	MaxAttempts      int
	PollInterval     time.Duration
	FailingThreshold int
	StaleAfter       time.Duration
	ReapInterval     time.Duration
	Parallelism      int
	Requeue          resilience.RetryConfig
	Breaker          resilience.BreakerConfig
}

// DefaultSettings returns the built-in settings with a generated worker id.
func DefaultSettings() Settings {
	return Settings{
		WorkerID:         defaultWorkerID(),
		LeaseTimeout:     15 * time.Minute,
		MaxAttempts:      3,
		PollInterval:     time.Second,
		FailingThreshold: 3,
		StaleAfter:       48 * time.Hour,
		ReapInterval:     time.Minute,
		Parallelism:      4,
		Requeue: resilience.RetryConfig{
			InitialBackoff: 30 * time.Second,
			MaxBackoff:     time.Hour,
			Multiplier:     2,
		},
		Breaker: resilience.DefaultBreakerConfig(),
	}
}

// SettingsFromConfig overlays non-zero configuration onto DefaultSettings.
func SettingsFromConfig(cfg config.OrchestratorConfig) Settings {
	s := DefaultSettings()
	if cfg.WorkerID != "" {
		s.WorkerID = cfg.WorkerID
	}
	if cfg.LeaseTimeoutSecs > 0 {
		s.LeaseTimeout = time.Duration(cfg.LeaseTimeoutSecs) * time.Second
	}
	if cfg.MaxAttempts > 0 {
		s.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.PollIntervalMs > 0 {
		s.PollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}
	if cfg.FailingThreshold > 0 {
		s.FailingThreshold = cfg.FailingThreshold
	}
	if cfg.StaleAfterHours > 0 {
		s.StaleAfter = time.Duration(cfg.StaleAfterHours) * time.Hour
	}
	if cfg.ReapIntervalSecs > 0 {
		s.ReapInterval = time.Duration(cfg.ReapIntervalSecs) * time.Second
	}
	if cfg.Parallelism > 0 {
		s.Parallelism = cfg.Parallelism
	}
	// Requeue delays are deterministic so operators can predict scheduled_for.
	s.Requeue = resilience.FromRetryConfig(0, cfg.RetryBackoffMs, cfg.RetryMaxBackoffMs, 2, 0)
	if cfg.RetryBackoffMs <= 0 {
		s.Requeue.InitialBackoff = 30 * time.Second
	}
	if cfg.RetryMaxBackoffMs <= 0 {
		s.Requeue.MaxBackoff = time.Hour
	}
	s.Breaker = resilience.FromBreakerConfig(cfg.BreakerThreshold, cfg.BreakerResetSecs)
	return s
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
