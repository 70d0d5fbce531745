package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

// NumPriorities is the number of priority levels; valid priorities index [0, NumPriorities).
const NumPriorities = 5

var priorityNames = [NumPriorities]string{"low", "normal", "high", "critical", "emergency"}

func (p TaskPriority) Valid() bool { return p >= PriorityLow && p <= PriorityEmergency }

func (p TaskPriority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the lower-case names; the empty string means normal.
func ParsePriority(s string) (TaskPriority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return TaskPriority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// AllPriorities lists the levels from highest to lowest, the order the ledger is scanned in.
func AllPriorities() []TaskPriority {
	return []TaskPriority{PriorityEmergency, PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p TaskPriority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *TaskPriority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusWaiting   TaskStatus = "waiting"
	StatusAssigned  TaskStatus = "assigned"
	StatusExecuting TaskStatus = "executing"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// RoutingDecision is produced upstream and trusted as-is.
type RoutingDecision struct {
	AgentID           string          `json:"assigned_agent_id"`
	AgentName         string          `json:"assigned_agent_name"`
	RequiredResources []string        `json:"required_resources"`
	EstimatedExecMs   uint64          `json:"estimated_execution_time_ms"`
	Priority          TaskPriority    `json:"priority"`
	Deadline          *time.Time      `json:"deadline,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

func (r RoutingDecision) EstimatedDuration() time.Duration {
	return time.Duration(r.EstimatedExecMs) * time.Millisecond
}

type QueuedTask struct {
	ID                 string          `json:"id"`
	Routing            RoutingDecision `json:"routing"`
	Status             TaskStatus      `json:"status"`
	QueuePosition      int             `json:"queue_position"`
	QueuedAt           time.Time       `json:"queued_at"`
	EstimatedStartTime time.Time       `json:"estimated_start_time"`
	Retries            int             `json:"retries"`
}

// PriorityTask is what the ledger stores. Seq breaks ties between identical
// CreatedAt values; it is assigned once at enqueue and never changes.
type PriorityTask struct {
	ID                string
	Priority          TaskPriority
	CreatedAt         time.Time
	Seq               uint64
	EstimatedDuration time.Duration
	Deadline          *time.Time
	Retries           int
	Payload           QueuedTask
}

// Before reports whether a should be dequeued ahead of b.
func Before(a, b *PriorityTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

type WaitingTask struct {
	Task          *PriorityTask
	WaitingFor    map[string]struct{}
	WaitStartTime time.Time
}

type Checkpoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	Progress      uint8           `json:"progress"`
	Data          json.RawMessage `json:"data,omitempty"`
	LastOperation string          `json:"last_operation"`
}

type ExecutingTask struct {
	Task       *PriorityTask
	AgentID    string
	StartTime  time.Time
	Checkpoint *Checkpoint
}

type ExecutionMetrics struct {
	ExecutionTimeMs uint64 `json:"execution_time_ms"`
}

type TaskExecutionResult struct {
	StartTime time.Time        `json:"start_time"`
	Metrics   ExecutionMetrics `json:"metrics"`
}

type TaskError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e TaskError) Error() string { return e.Message }

// TaskInfo is a normalized read-only view of a tracked task.
type TaskInfo struct {
	ID            string       `json:"id"`
	Status        TaskStatus   `json:"status"`
	Priority      TaskPriority `json:"priority"`
	AgentID       string       `json:"agent_id,omitempty"`
	QueuePosition *int         `json:"queue_position,omitempty"`
	Retries       int          `json:"retries"`
	WaitingFor    []string     `json:"waiting_for,omitempty"`
	StartTime     *time.Time   `json:"start_time,omitempty"`
	Checkpoint    *Checkpoint  `json:"checkpoint,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

type QueueStats struct {
	QueuedTasks             int                      `json:"queued_tasks"`
	WaitingTasks            int                      `json:"waiting_tasks"`
	ExecutingTasks          int                      `json:"executing_tasks"`
	CompletedTasks          uint64                   `json:"completed_tasks"`
	FailedTasks             uint64                   `json:"failed_tasks"`
	ExpiredTasks            uint64                   `json:"expired_tasks"`
	RetriedTasks            uint64                   `json:"retried_tasks"`
	TotalQueued             uint64                   `json:"total_queued"`
	AvgWaitTimeMs           float64                  `json:"avg_wait_time_ms"`
	AvgExecutionTimeMs      float64                  `json:"avg_execution_time_ms"`
	QueueUtilizationPercent float64                  `json:"queue_utilization_percent"`
	QueuedByPriority        map[TaskPriority]int     `json:"queued_by_priority"`
	AvgWaitByPriorityMs     map[TaskPriority]float64 `json:"avg_wait_by_priority_ms"`
	ExecutingByAgent        map[string]int           `json:"executing_by_agent"`
	OverSoftCap             []TaskPriority           `json:"over_soft_cap,omitempty"`
}

type EventKind string

const (
	EventEnqueued   EventKind = "enqueued"
	EventWaiting    EventKind = "waiting"
	EventUnblocked  EventKind = "unblocked"
	EventDispatched EventKind = "dispatched"
	EventStarted    EventKind = "started"
	EventCompleted  EventKind = "completed"
	EventRetried    EventKind = "retried"
	EventFailed     EventKind = "failed"
	EventCancelled  EventKind = "cancelled"
	EventExpired    EventKind = "expired"
)

// Event describes one lifecycle transition of a task.
type Event struct {
	ID       string       `json:"id"`
	TaskID   string       `json:"task_id"`
	Kind     EventKind    `json:"kind"`
	Priority TaskPriority `json:"priority"`
	AgentID  string       `json:"agent_id,omitempty"`
	Detail   string       `json:"detail,omitempty"`
	At       time.Time    `json:"at"`
}
