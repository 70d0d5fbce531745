// Package journal keeps an append-only SQLite history of task lifecycle
// events. It is informational only; queue state is never rebuilt from it.
package journal

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"agentq/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS task_events (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('enqueued','waiting','unblocked','dispatched','started','completed','retried','failed','cancelled','expired')),
  priority TEXT NOT NULL,
  agent_id TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT '',
  at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, at);
CREATE INDEX IF NOT EXISTS idx_task_events_at ON task_events(at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Insert(ctx context.Context, ev domain.Event) error
	Recent(ctx context.Context, limit int) ([]domain.Event, error)
	ForTask(ctx context.Context, taskID string) ([]domain.Event, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Insert(ctx context.Context, ev domain.Event) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_events (id,task_id,kind,priority,agent_id,detail,at)
VALUES (?,?,?,?,?,?,?)
`, ev.ID, ev.TaskID, string(ev.Kind), ev.Priority.String(), ev.AgentID, ev.Detail, ev.At.UTC())
	return err
}

func (r *sqliteRepo) Recent(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,kind,priority,agent_id,detail,at
FROM task_events ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r *sqliteRepo) ForTask(ctx context.Context, taskID string) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,kind,priority,agent_id,detail,at
FROM task_events WHERE task_id=? ORDER BY at, rowid`, taskID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var (
			ev   domain.Event
			kind string
			prio string
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &kind, &prio, &ev.AgentID, &ev.Detail, &ev.At); err != nil {
			return nil, err
		}
		ev.Kind = domain.EventKind(kind)
		p, err := domain.ParsePriority(prio)
		if err != nil {
			return nil, err
		}
		ev.Priority = p
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Writer buffers events from the queue manager and inserts them from a
// single goroutine. Events arriving while the buffer is full are dropped.
type Writer struct {
	repo    Repository
	ch      chan domain.Event
	dropped atomic.Uint64

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewWriter(repo Repository, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Writer{
		repo: repo,
		ch:   make(chan domain.Event, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Record never blocks.
func (w *Writer) Record(ev domain.Event) {
	select {
	case w.ch <- ev:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().Uint64("dropped", n).Msg("journal buffer full, dropping events")
		}
	}
}

func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Run inserts buffered events until Close is called, then flushes what is
// left. Cancelling ctx does not stop it: components that are still shutting
// down keep recording.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case <-w.quit:
			w.flush()
			return nil
		case ev := <-w.ch:
			w.insert(ctx, ev)
		}
	}
}

// Close stops a started Run once every event recorded before the call is
// written, and waits for it to return.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-w.ch:
			w.insert(ctx, ev)
		default:
			return
		}
	}
}

func (w *Writer) insert(ctx context.Context, ev domain.Event) {
	if err := w.repo.Insert(ctx, ev); err != nil {
		log.Error().Err(err).Str("task_id", ev.TaskID).Str("kind", string(ev.Kind)).Msg("journal insert")
	}
}
