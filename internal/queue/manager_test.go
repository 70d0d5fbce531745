package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentq/internal/domain"
)

func TestManager_PriorityPreemption(t *testing.T) {
	m, c, _ := newTestManager(t, func(cfg *Config) { cfg.MaxConcurrentTasks = 2 })

	a := enqueueAt(t, m, c, domain.PriorityNormal)
	b := enqueueAt(t, m, c, domain.PriorityHigh)
	cTask := enqueueAt(t, m, c, domain.PriorityNormal)

	got, ok := m.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, domain.StatusExecuting, got.Status)

	got, ok = m.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)

	_, ok = m.GetNextTask()
	assert.False(t, ok, "table is full")
	assert.Equal(t, 1, m.GetQueueStats().QueuedTasks)

	require.True(t, m.MarkTaskCompleted(b.ID, domain.TaskExecutionResult{StartTime: c.Now()}))
	got, ok = m.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, cTask.ID, got.ID)
}

func TestManager_RetryThenPermanentFailure(t *testing.T) {
	m, c, rec := newTestManager(t, func(cfg *Config) { cfg.MaxRetries = 2 })
	e := enqueueAt(t, m, c, domain.PriorityNormal)
	recoverable := domain.TaskError{Message: "flaky", Recoverable: true}

	for want := 1; want <= 2; want++ {
		_, ok := m.GetNextTask()
		require.True(t, ok)
		require.NoError(t, m.MarkTaskFailed(e.ID, recoverable))
		info, ok := m.GetTaskInfo(e.ID)
		require.True(t, ok)
		assert.Equal(t, domain.StatusQueued, info.Status)
		assert.Equal(t, want, info.Retries)
	}

	got, ok := m.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, 2, got.Retries)
	require.NoError(t, m.MarkTaskFailed(e.ID, recoverable))

	_, ok = m.GetTaskInfo(e.ID)
	assert.False(t, ok)
	st := m.GetQueueStats()
	assert.EqualValues(t, 1, st.FailedTasks)
	assert.EqualValues(t, 2, st.RetriedTasks)
	assert.Equal(t, []domain.EventKind{
		domain.EventEnqueued,
		domain.EventDispatched, domain.EventRetried,
		domain.EventDispatched, domain.EventRetried,
		domain.EventDispatched, domain.EventFailed,
	}, rec.kinds(e.ID))
}

func TestManager_NonRecoverableFailsImmediately(t *testing.T) {
	m, c, _ := newTestManager(t, nil)
	e := enqueueAt(t, m, c, domain.PriorityLow)
	_, ok := m.GetNextTask()
	require.True(t, ok)
	require.NoError(t, m.MarkTaskFailed(e.ID, domain.TaskError{Message: "bad input"}))
	assert.EqualValues(t, 1, m.GetQueueStats().FailedTasks)

	require.NoError(t, m.MarkTaskFailed(e.ID, domain.TaskError{Message: "late"}))
	assert.EqualValues(t, 1, m.GetQueueStats().FailedTasks)
}

func TestManager_DependencyUnblock(t *testing.T) {
	m, c, rec := newTestManager(t, nil)
	a := enqueueAt(t, m, c, domain.PriorityNormal)
	d := enqueueAt(t, m, c, domain.PriorityHigh, a.ID)
	assert.Equal(t, domain.StatusWaiting, d.Status)

	info, ok := m.GetTaskInfo(d.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusWaiting, info.Status)
	assert.Nil(t, info.QueuePosition)
	assert.Equal(t, []string{a.ID}, info.WaitingFor)

	got, ok := m.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)
	_, ok = m.GetNextTask()
	assert.False(t, ok, "d must stay gated")

	c.Advance(time.Second)
	require.True(t, m.MarkTaskCompleted(a.ID, domain.TaskExecutionResult{StartTime: c.Now(), Metrics: domain.ExecutionMetrics{ExecutionTimeMs: 20}}))

	info, ok = m.GetTaskInfo(d.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusQueued, info.Status)
	assert.Equal(t, 1, m.GetQueueStats().QueuedByPriority[domain.PriorityHigh])

	got, ok = m.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, d.ID, got.ID)
	assert.Contains(t, rec.kinds(d.ID), domain.EventUnblocked)
}

func TestManager_DependencyGatingNeedsEveryDependency(t *testing.T) {
	m, c, _ := newTestManager(t, nil)
	x := enqueueAt(t, m, c, domain.PriorityNormal)
	y := enqueueAt(t, m, c, domain.PriorityNormal)
	d := enqueueAt(t, m, c, domain.PriorityEmergency, x.ID, y.ID, x.ID)

	for i := 0; i < 2; i++ {
		_, ok := m.GetNextTask()
		require.True(t, ok)
	}
	m.MarkTaskCompleted(x.ID, domain.TaskExecutionResult{})
	_, ok := m.GetNextTask()
	assert.False(t, ok)

	m.MarkTaskCompleted(y.ID, domain.TaskExecutionResult{})
	got, ok := m.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, d.ID, got.ID)
}

func TestManager_CancelFromEveryLocation(t *testing.T) {
	m, c, _ := newTestManager(t, nil)
	executing := enqueueAt(t, m, c, domain.PriorityHigh)
	_, ok := m.GetNextTask()
	require.True(t, ok)
	queued := enqueueAt(t, m, c, domain.PriorityNormal)
	waiting := enqueueAt(t, m, c, domain.PriorityNormal, "never-finishes")

	for _, id := range []string{queued.ID, executing.ID, waiting.ID} {
		assert.True(t, m.CancelTask(id), id)
		assert.False(t, m.CancelTask(id), id)
		_, ok := m.GetTaskInfo(id)
		assert.False(t, ok)
	}

	assert.False(t, m.MarkTaskCompleted(executing.ID, domain.TaskExecutionResult{}))
	st := m.GetQueueStats()
	assert.Zero(t, st.QueuedTasks+st.WaitingTasks+st.ExecutingTasks)
	assert.Zero(t, st.CompletedTasks)
}

func TestManager_TaskInfoForExecutingTask(t *testing.T) {
	m, c, _ := newTestManager(t, nil)
	a := enqueueAt(t, m, c, domain.PriorityCritical)
	b := enqueueAt(t, m, c, domain.PriorityLow)

	info, ok := m.GetTaskInfo(b.ID)
	require.True(t, ok)
	require.NotNil(t, info.QueuePosition)
	assert.Equal(t, 1, *info.QueuePosition)

	_, ok = m.GetNextTask()
	require.True(t, ok)
	c.Advance(time.Minute)
	require.True(t, m.MarkTaskStarted(a.ID))
	require.True(t, m.UpdateCheckpoint(a.ID, domain.Checkpoint{Progress: 250, LastOperation: "step 3"}))

	info, ok = m.GetTaskInfo(a.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusExecuting, info.Status)
	assert.Equal(t, "agent-1", info.AgentID)
	assert.Equal(t, c.Now(), *info.StartTime)
	require.NotNil(t, info.Checkpoint)
	assert.Equal(t, uint8(100), info.Checkpoint.Progress)
	assert.Equal(t, c.Now(), info.Checkpoint.Timestamp)

	assert.False(t, m.MarkTaskStarted("unknown"))
	assert.False(t, m.UpdateCheckpoint(b.ID, domain.Checkpoint{}))
}

func TestManager_EnqueueRejectsInvalidPriority(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.Enqueue(route(domain.TaskPriority(42)), nil)
	require.ErrorIs(t, err, ErrInvalidPriority)
	assert.Zero(t, m.GetQueueStats().TotalQueued)
}

func TestManager_QueueStats(t *testing.T) {
	m, c, _ := newTestManager(t, func(cfg *Config) {
		cfg.MaxConcurrentTasks = 4
		cfg.SoftCaps[domain.PriorityEmergency] = 1
	})
	for i := 0; i < 3; i++ {
		enqueueAt(t, m, c, domain.PriorityEmergency)
	}
	first, ok := m.GetNextTask()
	require.True(t, ok)
	c.Advance(2 * time.Second)
	m.MarkTaskCompleted(first.ID, domain.TaskExecutionResult{StartTime: c.Now(), Metrics: domain.ExecutionMetrics{ExecutionTimeMs: 40}})
	_, ok = m.GetNextTask()
	require.True(t, ok)

	st := m.GetQueueStats()
	assert.Equal(t, 1, st.QueuedTasks)
	assert.Equal(t, 1, st.ExecutingTasks)
	assert.EqualValues(t, 3, st.TotalQueued)
	assert.EqualValues(t, 1, st.CompletedTasks)
	assert.InDelta(t, 25.0, st.QueueUtilizationPercent, 1e-9)
	assert.InDelta(t, float64((2*time.Second+2*time.Millisecond).Milliseconds()), st.AvgWaitTimeMs, 1e-9)
	assert.Equal(t, map[string]int{"agent-1": 1}, st.ExecutingByAgent)
	assert.Empty(t, st.OverSoftCap)
	assert.Len(t, m.History(), 3)
}

func TestManager_ZeroConcurrencyLimit(t *testing.T) {
	m, c, _ := newTestManager(t, func(cfg *Config) { cfg.MaxConcurrentTasks = 0 })
	enqueueAt(t, m, c, domain.PriorityHigh)
	_, ok := m.GetNextTask()
	assert.False(t, ok)
	assert.Zero(t, m.GetQueueStats().QueueUtilizationPercent)
}

func TestManager_CleanupExpiresWaitersAndPrunesHistory(t *testing.T) {
	m, c, rec := newTestManager(t, func(cfg *Config) {
		cfg.MaxDependencyWait = 10 * time.Minute
		cfg.CleanupInterval = 5 * time.Minute
	})
	stale := enqueueAt(t, m, c, domain.PriorityNormal, "missing")
	c.Advance(8 * time.Minute)
	fresh := enqueueAt(t, m, c, domain.PriorityNormal, "missing")
	c.Advance(3 * time.Minute)

	rep := m.Cleanup()
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, rep.HistoryPruned)

	_, ok := m.GetTaskInfo(stale.ID)
	assert.False(t, ok)
	_, ok = m.GetTaskInfo(fresh.ID)
	assert.True(t, ok)

	st := m.GetQueueStats()
	assert.EqualValues(t, 1, st.ExpiredTasks)
	assert.Zero(t, st.FailedTasks)
	assert.Contains(t, rec.kinds(stale.ID), domain.EventExpired)
}

func TestManager_DependencyCompletedBeforeEnqueueWaitsUntilExpiry(t *testing.T) {
	m, c, _ := newTestManager(t, func(cfg *Config) { cfg.MaxDependencyWait = 10 * time.Minute })
	dep := enqueueAt(t, m, c, domain.PriorityHigh)
	_, ok := m.GetNextTask()
	require.True(t, ok)
	require.True(t, m.MarkTaskCompleted(dep.ID, domain.TaskExecutionResult{}))

	late := enqueueAt(t, m, c, domain.PriorityHigh, dep.ID)
	info, ok := m.GetTaskInfo(late.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusWaiting, info.Status)
	_, ok = m.GetNextTask()
	assert.False(t, ok)

	c.Advance(11 * time.Minute)
	assert.Equal(t, 1, m.Cleanup().Expired)
	_, ok = m.GetTaskInfo(late.ID)
	assert.False(t, ok)
}

func TestManager_ReapTimedOut(t *testing.T) {
	m, c, _ := newTestManager(t, func(cfg *Config) {
		cfg.TaskTimeout = time.Minute
		cfg.MaxRetries = 0
	})
	a := enqueueAt(t, m, c, domain.PriorityNormal)
	_, ok := m.GetNextTask()
	require.True(t, ok)

	assert.Zero(t, m.ReapTimedOut())
	c.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.ReapTimedOut())

	_, ok = m.GetTaskInfo(a.ID)
	assert.False(t, ok)
	assert.EqualValues(t, 1, m.GetQueueStats().FailedTasks)
}

func TestManager_ReapDisabled(t *testing.T) {
	m, c, _ := newTestManager(t, func(cfg *Config) {
		cfg.TaskTimeout = time.Minute
		cfg.EnforceTaskTimeout = false
	})
	enqueueAt(t, m, c, domain.PriorityNormal)
	_, ok := m.GetNextTask()
	require.True(t, ok)
	c.Advance(time.Hour)
	assert.Zero(t, m.ReapTimedOut())
}

func TestManager_ConcurrentDispatchNeverExceedsCapacity(t *testing.T) {
	const limit = 3
	m, c, _ := newTestManager(t, func(cfg *Config) { cfg.MaxConcurrentTasks = limit })
	for i := 0; i < 50; i++ {
		enqueueAt(t, m, c, domain.TaskPriority(i%domain.NumPriorities))
	}

	var (
		mu      sync.Mutex
		got     = map[string]bool{}
		maxSeen int
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				qt, ok := m.GetNextTask()
				if n := m.GetQueueStats().ExecutingTasks; n > limit {
					mu.Lock()
					maxSeen = n
					mu.Unlock()
				}
				if !ok {
					continue
				}
				mu.Lock()
				if got[qt.ID] {
					t.Errorf("task %s dispatched twice", qt.ID)
				}
				got[qt.ID] = true
				mu.Unlock()
				m.MarkTaskCompleted(qt.ID, domain.TaskExecutionResult{})
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, maxSeen, "execution table exceeded limit")
	assert.Len(t, got, 50)
	assert.EqualValues(t, 50, m.GetQueueStats().CompletedTasks)
}

func TestManager_EnqueueWhileDispatching(t *testing.T) {
	const total = 2000
	m, _, _ := newTestManager(t, func(cfg *Config) { cfg.MaxConcurrentTasks = 4 })

	done := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				qt, ok := m.GetNextTask()
				if !ok {
					select {
					case <-done:
						return
					default:
						continue
					}
				}
				m.MarkTaskCompleted(qt.ID, domain.TaskExecutionResult{})
			}
		}()
	}

	var last string
	for i := 0; i < total; i++ {
		var deps []string
		if i%4 == 0 && last != "" {
			deps = []string{last}
		}
		qt, err := m.Enqueue(route(domain.TaskPriority(i%domain.NumPriorities)), deps)
		require.NoError(t, err)
		if len(deps) > 0 {
			assert.Equal(t, domain.StatusWaiting, qt.Status)
		} else {
			assert.Equal(t, domain.StatusQueued, qt.Status)
		}
		last = qt.ID
	}
	close(done)
	wg.Wait()

	for {
		qt, ok := m.GetNextTask()
		if !ok {
			break
		}
		m.MarkTaskCompleted(qt.ID, domain.TaskExecutionResult{})
	}

	st := m.GetQueueStats()
	assert.Zero(t, st.QueuedTasks)
	assert.Zero(t, st.ExecutingTasks)
	assert.EqualValues(t, total, st.TotalQueued)
	assert.EqualValues(t, total, int(st.CompletedTasks)+st.WaitingTasks)
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLimit = 0
	_, err := NewManager(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
