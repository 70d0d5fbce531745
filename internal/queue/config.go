package queue

import (
	"fmt"
	"time"

	"agentq/internal/domain"
)

type Config struct {
	MaxConcurrentTasks int
	// SoftCaps holds the per-priority soft limits, indexed by priority. They are
	// reported through QueueStats.OverSoftCap and never reject admission.
	SoftCaps           [domain.NumPriorities]int
	TaskTimeout        time.Duration
	EnforceTaskTimeout bool
	MaxRetries         int
	CleanupInterval    time.Duration
	MaxDependencyWait  time.Duration
	HistoryLimit       int
}

func DefaultConfig() Config {
	var caps [domain.NumPriorities]int
	caps[domain.PriorityEmergency] = 5
	caps[domain.PriorityCritical] = 10
	caps[domain.PriorityHigh] = 20
	caps[domain.PriorityNormal] = 50
	caps[domain.PriorityLow] = 30
	return Config{
		MaxConcurrentTasks: 10,
		SoftCaps:           caps,
		TaskTimeout:        30 * time.Minute,
		EnforceTaskTimeout: true,
		MaxRetries:         3,
		CleanupInterval:    60 * time.Minute,
		MaxDependencyWait:  60 * time.Minute,
		HistoryLimit:       1000,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxConcurrentTasks < 0:
		return fmt.Errorf("%w: max_concurrent_tasks must be >= 0, got %d", ErrInvalidConfig, c.MaxConcurrentTasks)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0, got %d", ErrInvalidConfig, c.MaxRetries)
	case c.HistoryLimit <= 0:
		return fmt.Errorf("%w: history_limit must be > 0, got %d", ErrInvalidConfig, c.HistoryLimit)
	case c.TaskTimeout < 0, c.CleanupInterval < 0, c.MaxDependencyWait < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	for i, n := range c.SoftCaps {
		if n < 0 {
			return fmt.Errorf("%w: soft cap for %s must be >= 0, got %d", ErrInvalidConfig, domain.TaskPriority(i), n)
		}
	}
	return nil
}
