package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
)

// Executor runs one task on behalf of an agent.
type Executor interface {
	Execute(ctx context.Context, task domain.QueuedTask) error
}

// Queue is the slice of the queue manager the pool needs.
type Queue interface {
	GetNextTask() (domain.QueuedTask, bool)
	MarkTaskStarted(id string) bool
	MarkTaskCompleted(id string, result domain.TaskExecutionResult) bool
	MarkTaskFailed(id string, taskErr domain.TaskError) error
}

// DefaultExecutor is used for agents with no executor of their own.
const DefaultExecutor = "default"

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type Pool struct {
	q         Queue
	executors map[string]Executor
	pollEvery time.Duration
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewPool builds a dispatcher. Executors are keyed by agent name; timeout
// bounds each execution and is ignored when zero.
func NewPool(q Queue, executors map[string]Executor, pollEvery, timeout time.Duration) *Pool {
	return &Pool{q: q, executors: executors, pollEvery: pollEvery, timeout: timeout}
}

// Run drains ready tasks on every tick until ctx is done, then waits for
// in-flight executions to return.
func (p *Pool) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.dispatchReady(ctx)
		}
	}
}

func (p *Pool) dispatchReady(ctx context.Context) {
	for ctx.Err() == nil {
		task, ok := p.q.GetNextTask()
		if !ok {
			return
		}
		p.wg.Add(1)
		go func(tk domain.QueuedTask) {
			defer p.wg.Done()
			p.execute(ctx, tk)
		}(task)
	}
}

func (p *Pool) execute(ctx context.Context, tk domain.QueuedTask) {
	logger := log.With().Str("task_id", tk.ID).Str("agent", tk.Routing.AgentName).Logger()
	ex, ok := p.executors[tk.Routing.AgentName]
	if !ok {
		ex, ok = p.executors[DefaultExecutor]
	}
	if !ok {
		logger.Error().Msg("no executor for agent")
		p.fail(tk.ID, domain.TaskError{Message: "no executor for agent " + tk.Routing.AgentName})
		return
	}

	start := time.Now()
	p.q.MarkTaskStarted(tk.ID)
	c, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		c, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	if err := ex.Execute(c, tk); err != nil {
		logger.Warn().Err(err).Int("retries", tk.Retries).Msg("execution failed")
		p.fail(tk.ID, domain.TaskError{Message: err.Error(), Recoverable: !IsPermanent(err)})
		return
	}
	elapsed := time.Since(start)
	p.q.MarkTaskCompleted(tk.ID, domain.TaskExecutionResult{
		StartTime: start,
		Metrics:   domain.ExecutionMetrics{ExecutionTimeMs: uint64(elapsed.Milliseconds())},
	})
	logger.Debug().Dur("elapsed", elapsed).Msg("execution finished")
}

func (p *Pool) fail(id string, taskErr domain.TaskError) {
	if err := p.q.MarkTaskFailed(id, taskErr); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("mark failed")
	}
}
