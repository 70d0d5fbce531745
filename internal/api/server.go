package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentq/internal/domain"
	"agentq/internal/journal"
	"agentq/internal/queue"
)

// Queue is the manager surface exposed over HTTP.
type Queue interface {
	Enqueue(routing domain.RoutingDecision, deps []string) (domain.QueuedTask, error)
	GetNextTask() (domain.QueuedTask, bool)
	MarkTaskStarted(id string) bool
	MarkTaskCompleted(id string, result domain.TaskExecutionResult) bool
	MarkTaskFailed(id string, taskErr domain.TaskError) error
	UpdateCheckpoint(id string, cp domain.Checkpoint) bool
	CancelTask(id string) bool
	GetTaskInfo(id string) (domain.TaskInfo, bool)
	GetQueueStats() domain.QueueStats
	History() []queue.Sample
}

type Server struct {
	r      *chi.Mux
	q      Queue
	events journal.Repository
}

func NewServer(q Queue, events journal.Repository) http.Handler {
	return NewServerWithDebug(q, events, false)
}

// NewServerWithDebug is NewServer with optional pprof routes. events may be nil.
func NewServerWithDebug(q Queue, events journal.Repository, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, q: q, events: events}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Post("/tasks/next", s.nextTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Get("/tasks/{id}/events", s.taskEvents)
		r.Post("/tasks/{id}/start", s.startTask)
		r.Post("/tasks/{id}/checkpoint", s.checkpoint)
		r.Post("/tasks/{id}/complete", s.completeTask)
		r.Post("/tasks/{id}/fail", s.failTask)
		r.Get("/stats", s.stats)
		r.Get("/stats/history", s.history)
		r.Get("/events", s.recentEvents)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.q.GetQueueStats()
	var b strings.Builder
	b.WriteString("agentq_up 1\n")
	fmt.Fprintf(&b, "agentq_tasks_queued %d\n", st.QueuedTasks)
	fmt.Fprintf(&b, "agentq_tasks_waiting %d\n", st.WaitingTasks)
	fmt.Fprintf(&b, "agentq_tasks_executing %d\n", st.ExecutingTasks)
	fmt.Fprintf(&b, "agentq_tasks_enqueued_total %d\n", st.TotalQueued)
	fmt.Fprintf(&b, "agentq_tasks_completed_total %d\n", st.CompletedTasks)
	fmt.Fprintf(&b, "agentq_tasks_failed_total %d\n", st.FailedTasks)
	fmt.Fprintf(&b, "agentq_tasks_retried_total %d\n", st.RetriedTasks)
	fmt.Fprintf(&b, "agentq_tasks_expired_total %d\n", st.ExpiredTasks)
	fmt.Fprintf(&b, "agentq_wait_time_avg_ms %g\n", st.AvgWaitTimeMs)
	fmt.Fprintf(&b, "agentq_utilization_percent %g\n", st.QueueUtilizationPercent)
	for _, p := range domain.AllPriorities() {
		fmt.Fprintf(&b, "agentq_tasks_queued_by_priority{priority=%q} %d\n", p.String(), st.QueuedByPriority[p])
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type submitReq struct {
	AgentID           string          `json:"assigned_agent_id"`
	AgentName         string          `json:"assigned_agent_name"`
	RequiredResources []string        `json:"required_resources"`
	EstimatedExecMs   uint64          `json:"estimated_execution_time_ms"`
	Priority          string          `json:"priority"`
	Deadline          *time.Time      `json:"deadline"`
	Payload           json.RawMessage `json:"payload"`
	Dependencies      []string        `json:"dependencies"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "assigned_agent_id is required", 400)
		return
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	qt, err := s.q.Enqueue(domain.RoutingDecision{
		AgentID: req.AgentID, AgentName: req.AgentName, RequiredResources: req.RequiredResources,
		EstimatedExecMs: req.EstimatedExecMs, Priority: prio, Deadline: req.Deadline, Payload: req.Payload,
	}, req.Dependencies)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, qt)
}

func (s *Server) nextTask(w http.ResponseWriter, r *http.Request) {
	qt, ok := s.q.GetNextTask()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, 200, qt)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	info, ok := s.q.GetTaskInfo(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, info)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if !s.q.CancelTask(chi.URLParam(r, "id")) {
		http.Error(w, "not found", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	if !s.q.MarkTaskStarted(chi.URLParam(r, "id")) {
		http.Error(w, "not executing", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request) {
	var cp domain.Checkpoint
	if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if !s.q.UpdateCheckpoint(chi.URLParam(r, "id"), cp) {
		http.Error(w, "not executing", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// completeTask and failTask answer 204 for unknown ids too; a late report for
// a cancelled task is not an error.
func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var res domain.TaskExecutionResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	s.q.MarkTaskCompleted(chi.URLParam(r, "id"), res)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var taskErr domain.TaskError
	if err := json.NewDecoder(r.Body).Decode(&taskErr); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.q.MarkTaskFailed(chi.URLParam(r, "id"), taskErr); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.q.GetQueueStats())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.q.History())
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "journal disabled", 404)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, events)
}

func (s *Server) taskEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "journal disabled", 404)
		return
	}
	events, err := s.events.ForTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
