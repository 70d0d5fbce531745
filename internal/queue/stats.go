package queue

import (
	"sync"
	"time"

	"agentq/internal/domain"
)

type Sample struct {
	At          time.Time `json:"at"`
	QueueLength int       `json:"queue_length"`
}

type statistics struct {
	mu sync.RWMutex

	totalQueued    uint64
	totalCompleted uint64
	totalFailed    uint64
	totalExpired   uint64
	totalRetried   uint64
	totalWaitMs    uint64
	totalExecMs    uint64

	queuedByPriority  [domain.NumPriorities]uint64
	avgWaitByPriority [domain.NumPriorities]float64

	history      []Sample
	historyLimit int
}

func newStatistics(historyLimit int) *statistics {
	return &statistics{historyLimit: historyLimit}
}

func (s *statistics) recordEnqueue(p domain.TaskPriority, queueLen int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalQueued++
	s.queuedByPriority[p]++
	s.history = append(s.history, Sample{At: now, QueueLength: queueLen})
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// recordCompletion folds waitMs into the per-priority average as (avg+new)/2.
func (s *statistics) recordCompletion(p domain.TaskPriority, waitMs, execMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCompleted++
	s.totalWaitMs += waitMs
	s.totalExecMs += execMs
	s.avgWaitByPriority[p] = (s.avgWaitByPriority[p] + float64(waitMs)) / 2
}

func (s *statistics) recordFailure() {
	s.mu.Lock()
	s.totalFailed++
	s.mu.Unlock()
}

func (s *statistics) recordRetry() {
	s.mu.Lock()
	s.totalRetried++
	s.mu.Unlock()
}

func (s *statistics) recordExpired(n int) {
	s.mu.Lock()
	s.totalExpired += uint64(n)
	s.mu.Unlock()
}

// pruneHistory drops samples taken before cutoff and returns how many went.
func (s *statistics) pruneHistory(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.history) && s.history[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.history = append(s.history[:0], s.history[i:]...)
	}
	return i
}

func (s *statistics) samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, len(s.history))
	copy(out, s.history)
	return out
}

// fill copies the counters into st.
func (s *statistics) fill(st *domain.QueueStats) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st.TotalQueued = s.totalQueued
	st.CompletedTasks = s.totalCompleted
	st.FailedTasks = s.totalFailed
	st.ExpiredTasks = s.totalExpired
	st.RetriedTasks = s.totalRetried
	if s.totalCompleted > 0 {
		st.AvgWaitTimeMs = float64(s.totalWaitMs) / float64(s.totalCompleted)
		st.AvgExecutionTimeMs = float64(s.totalExecMs) / float64(s.totalCompleted)
	}
	st.AvgWaitByPriorityMs = make(map[domain.TaskPriority]float64, domain.NumPriorities)
	for i, v := range s.avgWaitByPriority {
		st.AvgWaitByPriorityMs[domain.TaskPriority(i)] = v
	}
}
