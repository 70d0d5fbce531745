// Package queue is the in-memory admission, ordering and lifecycle core for
// agent tasks. A Manager owns a priority ledger, a dependency waitlist, an
// execution table and the statistics derived from them; none of these are
// reachable from outside the package.
package queue

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
)

// Recorder receives lifecycle events after the manager has released its locks.
type Recorder interface {
	Record(ev domain.Event)
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithRecorder(r Recorder) Option { return func(m *Manager) { m.recorder = r } }

// WithClock replaces time.Now; tests use it to control creation order and expiry.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

type Manager struct {
	cfg      Config
	ledger   *ledger
	waitlist *waitlist
	running  *executionTable
	stats    *statistics

	seq      atomic.Uint64
	now      func() time.Time
	log      zerolog.Logger
	recorder Recorder
}

type CleanupReport struct {
	HistoryPruned int `json:"history_pruned"`
	Expired       int `json:"expired"`
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		ledger:   newLedger(),
		waitlist: newWaitlist(),
		running:  newExecutionTable(cfg.MaxConcurrentTasks),
		stats:    newStatistics(cfg.HistoryLimit),
		now:      time.Now,
		log:      log.Logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Manager) Config() Config { return m.cfg }

// Enqueue admits a routing decision. With a non-empty dependency list the task
// waits until every listed id has completed; otherwise it is ready at once.
func (m *Manager) Enqueue(routing domain.RoutingDecision, deps []string) (domain.QueuedTask, error) {
	if !routing.Priority.Valid() {
		return domain.QueuedTask{}, fmt.Errorf("enqueue: %w: %d", ErrInvalidPriority, int(routing.Priority))
	}
	now := m.now()
	id := "tsk_" + uuid.NewString()
	t := &domain.PriorityTask{
		ID:                id,
		Priority:          routing.Priority,
		CreatedAt:         now,
		Seq:               m.seq.Add(1),
		EstimatedDuration: routing.EstimatedDuration(),
		Deadline:          routing.Deadline,
		Payload: domain.QueuedTask{
			ID:                 id,
			Routing:            routing,
			Status:             domain.StatusQueued,
			QueuedAt:           now,
			EstimatedStartTime: now,
		},
	}

	deps = normalizeDeps(deps, id)
	kind := domain.EventEnqueued
	if len(deps) > 0 {
		t.Payload.Status = domain.StatusWaiting
		kind = domain.EventWaiting
	}
	// t belongs to other goroutines once it is in the ledger or waitlist.
	out, prio := t.Payload, t.Priority
	if len(deps) > 0 {
		m.waitlist.add(t, deps, now)
	} else if err := m.ledger.push(t); err != nil {
		return domain.QueuedTask{}, fmt.Errorf("enqueue: %w", err)
	}

	queued := m.ledger.totalLen()
	m.stats.recordEnqueue(prio, queued, now)
	if len(deps) == 0 {
		if _, pos, ok := m.ledger.find(id); ok {
			out.QueuePosition = pos
		}
		if n, limit := m.ledger.lenOf(prio), m.cfg.SoftCaps[prio]; n > limit {
			m.log.Warn().Str("priority", prio.String()).Int("queued", n).Int("soft_cap", limit).Msg("priority level over soft cap")
		}
	}

	m.log.Debug().Str("task_id", id).Str("priority", prio.String()).Strs("deps", deps).Msg("task enqueued")
	m.emit(domain.Event{TaskID: id, Kind: kind, Priority: prio, AgentID: routing.AgentID})
	return out, nil
}

// GetNextTask moves the highest-ready task into the execution table. It returns
// false when the table is full or nothing is ready.
func (m *Manager) GetNextTask() (domain.QueuedTask, bool) {
	if !m.running.tryReserve() {
		return domain.QueuedTask{}, false
	}
	t := m.ledger.popHighestReady(false)
	if t == nil {
		m.running.release()
		return domain.QueuedTask{}, false
	}
	now := m.now()
	agentID := t.Payload.Routing.AgentID
	t.Payload.Status = domain.StatusExecuting
	t.Payload.QueuePosition = 0
	t.Payload.Retries = t.Retries
	out := t.Payload
	m.running.insert(t, agentID, now)

	m.log.Debug().Str("task_id", t.ID).Str("agent_id", agentID).Str("priority", t.Priority.String()).Msg("task dispatched")
	m.emit(domain.Event{TaskID: t.ID, Kind: domain.EventDispatched, Priority: t.Priority, AgentID: agentID})
	return out, true
}

// MarkTaskStarted refreshes the recorded start time of an executing task.
func (m *Manager) MarkTaskStarted(id string) bool {
	p, agent, ok := m.running.refreshStart(id, m.now())
	if !ok {
		return false
	}
	m.emit(domain.Event{TaskID: id, Kind: domain.EventStarted, Priority: p, AgentID: agent})
	return true
}

// UpdateCheckpoint stores an advisory recovery snapshot; progress is capped at 100.
func (m *Manager) UpdateCheckpoint(id string, cp domain.Checkpoint) bool {
	if cp.Progress > 100 {
		cp.Progress = 100
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = m.now()
	}
	return m.running.updateCheckpoint(id, cp)
}

// MarkTaskCompleted records a success and releases every dependent whose
// prerequisites are now all complete. Unknown ids are ignored.
func (m *Manager) MarkTaskCompleted(id string, result domain.TaskExecutionResult) bool {
	et, ok := m.running.remove(id)
	if !ok {
		m.log.Debug().Str("task_id", id).Msg("completion for untracked task ignored")
		return false
	}
	start := result.StartTime
	if start.IsZero() {
		start = et.StartTime
	}
	var waitMs uint64
	if d := start.Sub(et.Task.CreatedAt); d > 0 {
		waitMs = uint64(d.Milliseconds())
	}
	m.stats.recordCompletion(et.Task.Priority, waitMs, result.Metrics.ExecutionTimeMs)
	et.Task.Payload.Status = domain.StatusCompleted

	events := []domain.Event{{
		TaskID: id, Kind: domain.EventCompleted, Priority: et.Task.Priority, AgentID: et.AgentID,
		Detail: fmt.Sprintf("wait_ms=%d exec_ms=%d", waitMs, result.Metrics.ExecutionTimeMs),
	}}
	for _, t := range m.waitlist.onCompletion(id) {
		t.Payload.Status = domain.StatusQueued
		if err := m.ledger.push(t); err != nil {
			m.log.Error().Err(err).Str("task_id", t.ID).Msg("unblocked task rejected by ledger")
			continue
		}
		events = append(events, domain.Event{TaskID: t.ID, Kind: domain.EventUnblocked, Priority: t.Priority, Detail: "after " + id})
	}

	m.log.Info().Str("task_id", id).Str("agent_id", et.AgentID).Uint64("wait_ms", waitMs).Int("unblocked", len(events)-1).Msg("task completed")
	m.emit(events...)
	return true
}

// MarkTaskFailed re-queues a recoverable failure while retries remain and
// otherwise drops the task for good. The caller is not told which happened.
// Unknown ids are ignored.
func (m *Manager) MarkTaskFailed(id string, taskErr domain.TaskError) error {
	et, ok := m.running.remove(id)
	if !ok {
		m.log.Debug().Str("task_id", id).Msg("failure for untracked task ignored")
		return nil
	}
	t := et.Task
	if taskErr.Recoverable && t.Retries < m.cfg.MaxRetries {
		t.Retries++
		t.Payload.Retries = t.Retries
		t.Payload.Status = domain.StatusQueued
		if err := m.ledger.push(t); err != nil {
			m.stats.recordFailure()
			return fmt.Errorf("requeue %s: %w", id, err)
		}
		m.stats.recordRetry()
		m.log.Warn().Str("task_id", id).Int("retries", t.Retries).Str("error", taskErr.Message).Msg("task failed, requeued")
		m.emit(domain.Event{TaskID: id, Kind: domain.EventRetried, Priority: t.Priority, AgentID: et.AgentID, Detail: taskErr.Message})
		return nil
	}

	t.Payload.Status = domain.StatusFailed
	m.stats.recordFailure()
	m.log.Error().Str("task_id", id).Int("retries", t.Retries).Bool("recoverable", taskErr.Recoverable).Str("error", taskErr.Message).Msg("task failed permanently")
	m.emit(domain.Event{TaskID: id, Kind: domain.EventFailed, Priority: t.Priority, AgentID: et.AgentID, Detail: taskErr.Message})
	return nil
}

// CancelTask drops the id from whichever structure holds it. An executor still
// running the task is not signalled.
func (m *Manager) CancelTask(id string) bool {
	var (
		p     domain.TaskPriority
		agent string
	)
	if t, ok := m.ledger.remove(id); ok {
		p = t.Priority
	} else if et, ok := m.running.remove(id); ok {
		p, agent = et.Task.Priority, et.AgentID
	} else if wt, ok := m.waitlist.remove(id); ok {
		p = wt.Task.Priority
	} else {
		return false
	}
	m.log.Info().Str("task_id", id).Msg("task cancelled")
	m.emit(domain.Event{TaskID: id, Kind: domain.EventCancelled, Priority: p, AgentID: agent})
	return true
}

func (m *Manager) GetTaskInfo(id string) (domain.TaskInfo, bool) {
	if et, t, ok := m.running.get(id); ok {
		start := et.StartTime
		return domain.TaskInfo{
			ID: id, Status: domain.StatusExecuting, Priority: t.Priority, AgentID: et.AgentID,
			Retries: t.Retries, StartTime: &start, Checkpoint: et.Checkpoint, CreatedAt: t.CreatedAt,
		}, true
	}
	if t, pos, ok := m.ledger.find(id); ok {
		return domain.TaskInfo{
			ID: id, Status: domain.StatusQueued, Priority: t.Priority, AgentID: t.Payload.Routing.AgentID,
			QueuePosition: &pos, Retries: t.Retries, CreatedAt: t.CreatedAt,
		}, true
	}
	if t, deps, ok := m.waitlist.get(id); ok {
		return domain.TaskInfo{
			ID: id, Status: domain.StatusWaiting, Priority: t.Priority, AgentID: t.Payload.Routing.AgentID,
			Retries: t.Retries, WaitingFor: deps, CreatedAt: t.CreatedAt,
		}, true
	}
	return domain.TaskInfo{}, false
}

func (m *Manager) GetQueueStats() domain.QueueStats {
	st := domain.QueueStats{
		QueuedByPriority: m.ledger.lenByPriority(),
		WaitingTasks:     m.waitlist.len(),
		ExecutingTasks:   m.running.count(),
		ExecutingByAgent: m.running.byAgent(),
	}
	for _, p := range domain.AllPriorities() {
		n := st.QueuedByPriority[p]
		st.QueuedTasks += n
		if n > m.cfg.SoftCaps[p] {
			st.OverSoftCap = append(st.OverSoftCap, p)
		}
	}
	m.stats.fill(&st)
	if m.cfg.MaxConcurrentTasks > 0 {
		st.QueueUtilizationPercent = float64(st.ExecutingTasks) / float64(m.cfg.MaxConcurrentTasks) * 100
	}
	return st
}

// History returns the retained queue-length samples, oldest first.
func (m *Manager) History() []Sample { return m.stats.samples() }

// Cleanup prunes statistics older than the cleanup interval and expires
// waitlist entries that have waited longer than the dependency limit.
func (m *Manager) Cleanup() CleanupReport {
	now := m.now()
	var rep CleanupReport
	rep.HistoryPruned = m.stats.pruneHistory(now.Add(-m.cfg.CleanupInterval))

	expired := m.waitlist.expireOlderThan(now.Add(-m.cfg.MaxDependencyWait))
	rep.Expired = len(expired)
	if rep.Expired == 0 {
		return rep
	}
	m.stats.recordExpired(rep.Expired)
	events := make([]domain.Event, 0, len(expired))
	for _, wt := range expired {
		pending := make([]string, 0, len(wt.WaitingFor))
		for d := range wt.WaitingFor {
			pending = append(pending, d)
		}
		m.log.Warn().Str("task_id", wt.Task.ID).Strs("waiting_for", pending).Time("since", wt.WaitStartTime).Msg("dependency wait expired")
		events = append(events, domain.Event{TaskID: wt.Task.ID, Kind: domain.EventExpired, Priority: wt.Task.Priority, Detail: "dependency timeout"})
	}
	m.emit(events...)
	return rep
}

// ReapTimedOut fails executions that have run longer than the task timeout.
// The failure is recoverable, so MaxRetries still applies.
func (m *Manager) ReapTimedOut() int {
	if !m.cfg.EnforceTaskTimeout || m.cfg.TaskTimeout <= 0 {
		return 0
	}
	ids := m.running.startedBefore(m.now().Add(-m.cfg.TaskTimeout))
	for _, id := range ids {
		if err := m.MarkTaskFailed(id, domain.TaskError{Message: "execution timeout", Recoverable: true}); err != nil {
			m.log.Error().Err(err).Str("task_id", id).Msg("reap timed out task")
		}
	}
	return len(ids)
}

func (m *Manager) emit(events ...domain.Event) {
	if m.recorder == nil {
		return
	}
	now := m.now()
	for _, ev := range events {
		ev.ID = uuid.NewString()
		if ev.At.IsZero() {
			ev.At = now
		}
		m.recorder.Record(ev)
	}
}

func normalizeDeps(deps []string, self string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(deps))
	out := deps[:0:0]
	for _, d := range deps {
		if d == "" || d == self {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
