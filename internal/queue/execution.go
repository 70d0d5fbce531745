package queue

import (
	"sync"
	"time"

	"agentq/internal/domain"
)

// executionTable tracks in-flight tasks. A slot is reserved before the ledger
// is popped so the capacity check and the insert share one critical section.
type executionTable struct {
	mu       sync.RWMutex
	limit    int
	reserved int
	running  map[string]*domain.ExecutingTask
}

func newExecutionTable(limit int) *executionTable {
	return &executionTable{limit: limit, running: make(map[string]*domain.ExecutingTask)}
}

func (e *executionTable) tryReserve() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.running)+e.reserved >= e.limit {
		return false
	}
	e.reserved++
	return true
}

func (e *executionTable) release() {
	e.mu.Lock()
	e.reserved--
	e.mu.Unlock()
}

// insert turns a reservation into a running entry.
func (e *executionTable) insert(t *domain.PriorityTask, agentID string, now time.Time) {
	e.mu.Lock()
	e.reserved--
	e.running[t.ID] = &domain.ExecutingTask{Task: t, AgentID: agentID, StartTime: now}
	e.mu.Unlock()
}

func (e *executionTable) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.running)
}

func (e *executionTable) remove(id string) (*domain.ExecutingTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.running[id]
	if ok {
		delete(e.running, id)
	}
	return t, ok
}

func (e *executionTable) refreshStart(id string, now time.Time) (domain.TaskPriority, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.running[id]
	if !ok {
		return 0, "", false
	}
	t.StartTime = now
	return t.Task.Priority, t.AgentID, true
}

func (e *executionTable) updateCheckpoint(id string, cp domain.Checkpoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.running[id]
	if ok {
		t.Checkpoint = &cp
	}
	return ok
}

func (e *executionTable) get(id string) (domain.ExecutingTask, domain.PriorityTask, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.running[id]
	if !ok {
		return domain.ExecutingTask{}, domain.PriorityTask{}, false
	}
	snap := *t
	if t.Checkpoint != nil {
		cp := *t.Checkpoint
		snap.Checkpoint = &cp
	}
	return snap, *t.Task, true
}

// startedBefore lists tasks whose recorded start time is older than cutoff.
func (e *executionTable) startedBefore(cutoff time.Time) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for id, t := range e.running {
		if t.StartTime.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *executionTable) byAgent() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]int)
	for _, t := range e.running {
		out[t.AgentID]++
	}
	return out
}
