package queue

import (
	"sort"
	"sync"
	"time"

	"agentq/internal/domain"
)

// waitlist holds tasks until every id they wait for has completed.
type waitlist struct {
	mu      sync.RWMutex
	entries map[string]*domain.WaitingTask
}

func newWaitlist() *waitlist {
	return &waitlist{entries: make(map[string]*domain.WaitingTask)}
}

func (w *waitlist) add(t *domain.PriorityTask, deps []string, now time.Time) {
	set := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		set[d] = struct{}{}
	}
	w.mu.Lock()
	w.entries[t.ID] = &domain.WaitingTask{Task: t, WaitingFor: set, WaitStartTime: now}
	w.mu.Unlock()
}

// onCompletion drops completedID from every entry in one pass and returns the
// tasks whose dependency sets became empty, in dequeue order.
func (w *waitlist) onCompletion(completedID string) []*domain.PriorityTask {
	w.mu.Lock()
	var ready []*domain.PriorityTask
	for id, e := range w.entries {
		if _, ok := e.WaitingFor[completedID]; !ok {
			continue
		}
		delete(e.WaitingFor, completedID)
		if len(e.WaitingFor) == 0 {
			ready = append(ready, e.Task)
			delete(w.entries, id)
		}
	}
	w.mu.Unlock()
	sort.Slice(ready, func(i, j int) bool { return domain.Before(ready[i], ready[j]) })
	return ready
}

func (w *waitlist) remove(id string) (*domain.WaitingTask, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[id]
	if ok {
		delete(w.entries, id)
	}
	return e, ok
}

// expireOlderThan removes entries that started waiting before cutoff.
func (w *waitlist) expireOlderThan(cutoff time.Time) []*domain.WaitingTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	var expired []*domain.WaitingTask
	for id, e := range w.entries {
		if e.WaitStartTime.Before(cutoff) {
			expired = append(expired, e)
			delete(w.entries, id)
		}
	}
	return expired
}

// get returns the task and a sorted copy of its outstanding dependencies.
func (w *waitlist) get(id string) (domain.PriorityTask, []string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[id]
	if !ok {
		return domain.PriorityTask{}, nil, false
	}
	deps := make([]string, 0, len(e.WaitingFor))
	for d := range e.WaitingFor {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return *e.Task, deps, true
}

func (w *waitlist) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}
