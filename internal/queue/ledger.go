package queue

import (
	"container/heap"
	"fmt"
	"sync"

	"agentq/internal/domain"
)

// taskHeap is a max-heap under domain.Before.
type taskHeap []*domain.PriorityTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return domain.Before(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*domain.PriorityTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

type level struct {
	mu    sync.Mutex
	tasks taskHeap
}

// ledger holds ready tasks, one independently locked heap per priority.
type ledger struct {
	levels [domain.NumPriorities]level
}

func newLedger() *ledger { return &ledger{} }

func (l *ledger) level(p domain.TaskPriority) (*level, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return &l.levels[p], nil
}

func (l *ledger) push(t *domain.PriorityTask) error {
	lv, err := l.level(t.Priority)
	if err != nil {
		return err
	}
	lv.mu.Lock()
	heap.Push(&lv.tasks, t)
	lv.mu.Unlock()
	return nil
}

// popHighestReady returns nil without touching any heap when limitReached is set.
func (l *ledger) popHighestReady(limitReached bool) *domain.PriorityTask {
	if limitReached {
		return nil
	}
	for _, p := range domain.AllPriorities() {
		lv := &l.levels[p]
		lv.mu.Lock()
		if lv.tasks.Len() > 0 {
			t := heap.Pop(&lv.tasks).(*domain.PriorityTask)
			lv.mu.Unlock()
			return t
		}
		lv.mu.Unlock()
	}
	return nil
}

func (l *ledger) remove(id string) (*domain.PriorityTask, bool) {
	for i := range l.levels {
		lv := &l.levels[i]
		lv.mu.Lock()
		for j, t := range lv.tasks {
			if t.ID == id {
				heap.Remove(&lv.tasks, j)
				lv.mu.Unlock()
				return t, true
			}
		}
		lv.mu.Unlock()
	}
	return nil, false
}

// find returns a copy of the task and its 0-based dequeue position. The
// position is read level by level and is only a hint once returned.
func (l *ledger) find(id string) (domain.PriorityTask, int, bool) {
	ahead := 0
	for _, p := range domain.AllPriorities() {
		lv := &l.levels[p]
		lv.mu.Lock()
		var found *domain.PriorityTask
		for _, t := range lv.tasks {
			if t.ID == id {
				found = t
				break
			}
		}
		if found == nil {
			ahead += lv.tasks.Len()
			lv.mu.Unlock()
			continue
		}
		for _, t := range lv.tasks {
			if domain.Before(t, found) {
				ahead++
			}
		}
		cp := *found
		lv.mu.Unlock()
		return cp, ahead, true
	}
	return domain.PriorityTask{}, 0, false
}

func (l *ledger) lenOf(p domain.TaskPriority) int {
	lv, err := l.level(p)
	if err != nil {
		return 0
	}
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.tasks.Len()
}

func (l *ledger) lenByPriority() map[domain.TaskPriority]int {
	out := make(map[domain.TaskPriority]int, domain.NumPriorities)
	for _, p := range domain.AllPriorities() {
		out[p] = l.lenOf(p)
	}
	return out
}

func (l *ledger) totalLen() int {
	n := 0
	for _, p := range domain.AllPriorities() {
		n += l.lenOf(p)
	}
	return n
}
