// Package config loads queue and maintenance settings from a YAML file.
// Keys left out of the file keep their defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agentq/internal/domain"
	"agentq/internal/queue"
	"agentq/internal/scheduler"
)

type Config struct {
	Queue           queue.Config
	PollInterval    time.Duration
	CleanupSchedule string
	ReapSchedule    string
}

func Default() Config {
	return Config{
		Queue:           queue.DefaultConfig(),
		PollInterval:    250 * time.Millisecond,
		CleanupSchedule: "@every 1m",
		ReapSchedule:    "@every 30s",
	}
}

type fileQueue struct {
	MaxConcurrentTasks  *int           `yaml:"max_concurrent_tasks"`
	MaxTasksPerPriority map[string]int `yaml:"max_tasks_per_priority"`
	TaskTimeout         string         `yaml:"task_timeout"`
	EnforceTaskTimeout  *bool          `yaml:"enforce_task_timeout"`
	MaxRetries          *int           `yaml:"max_retries"`
	CleanupInterval     string         `yaml:"cleanup_interval"`
	MaxDependencyWait   string         `yaml:"max_dependency_wait"`
	HistoryLimit        *int           `yaml:"history_limit"`
}

type file struct {
	Queue      fileQueue `yaml:"queue"`
	Dispatcher struct {
		Poll string `yaml:"poll"`
	} `yaml:"dispatcher"`
	Schedule struct {
		Cleanup string `yaml:"cleanup"`
		Reap    string `yaml:"reap"`
	} `yaml:"schedule"`
}

// Load reads path; an empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg := Default()
	q := &cfg.Queue
	if f.Queue.MaxConcurrentTasks != nil {
		q.MaxConcurrentTasks = *f.Queue.MaxConcurrentTasks
	}
	if f.Queue.MaxRetries != nil {
		q.MaxRetries = *f.Queue.MaxRetries
	}
	if f.Queue.HistoryLimit != nil {
		q.HistoryLimit = *f.Queue.HistoryLimit
	}
	if f.Queue.EnforceTaskTimeout != nil {
		q.EnforceTaskTimeout = *f.Queue.EnforceTaskTimeout
	}
	for name, n := range f.Queue.MaxTasksPerPriority {
		p, err := domain.ParsePriority(name)
		if err != nil {
			return Config{}, fmt.Errorf("max_tasks_per_priority: %w", err)
		}
		q.SoftCaps[p] = n
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"queue.task_timeout", f.Queue.TaskTimeout, &q.TaskTimeout},
		{"queue.cleanup_interval", f.Queue.CleanupInterval, &q.CleanupInterval},
		{"queue.max_dependency_wait", f.Queue.MaxDependencyWait, &q.MaxDependencyWait},
		{"dispatcher.poll", f.Dispatcher.Poll, &cfg.PollInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if f.Schedule.Cleanup != "" {
		cfg.CleanupSchedule = f.Schedule.Cleanup
	}
	if f.Schedule.Reap != "" {
		cfg.ReapSchedule = f.Schedule.Reap
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll must be positive, got %s", c.PollInterval)
	}
	if err := scheduler.ValidateCronExpression(c.CleanupSchedule); err != nil {
		return fmt.Errorf("schedule.cleanup: %w", err)
	}
	if err := scheduler.ValidateCronExpression(c.ReapSchedule); err != nil {
		return fmt.Errorf("schedule.reap: %w", err)
	}
	return nil
}
