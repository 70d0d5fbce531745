package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"agentq/internal/domain"
	"agentq/internal/worker"
)

// Shell runs the command carried in a task payload.
type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

func (h Shell) Execute(ctx context.Context, task domain.QueuedTask) error {
	var c Cmd
	if err := json.Unmarshal(task.Routing.Payload, &c); err != nil {
		return worker.Permanent(fmt.Errorf("invalid shell payload: %w", err))
	}
	if c.Command == "" {
		return worker.Permanent(fmt.Errorf("command is required"))
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return worker.Permanent(fmt.Errorf("shell error: %w", err))
		}
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
