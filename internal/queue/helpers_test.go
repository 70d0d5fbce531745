package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentq/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *memRecorder) Record(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *memRecorder) kinds(taskID string) []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventKind
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *fakeClock, *memRecorder) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newFakeClock()
	rec := &memRecorder{}
	m, err := NewManager(cfg, WithClock(clock.Now), WithRecorder(rec), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return m, clock, rec
}

func route(p domain.TaskPriority) domain.RoutingDecision {
	return domain.RoutingDecision{AgentID: "agent-1", AgentName: "default", Priority: p, EstimatedExecMs: 500}
}

// enqueueAt enqueues with the clock advanced by a millisecond first so creation times are distinct.
func enqueueAt(t *testing.T, m *Manager, c *fakeClock, p domain.TaskPriority, deps ...string) domain.QueuedTask {
	t.Helper()
	c.Advance(time.Millisecond)
	qt, err := m.Enqueue(route(p), deps)
	require.NoError(t, err)
	return qt
}
