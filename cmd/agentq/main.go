package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"agentq/internal/api"
	"agentq/internal/config"
	httph "agentq/internal/handlers/http"
	"agentq/internal/handlers/shell"
	"agentq/internal/journal"
	"agentq/internal/queue"
	"agentq/internal/scheduler"
	"agentq/internal/worker"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "HTTP bind address")
		dbPath        = flag.String("db", "agentq.db", "SQLite event journal path (empty disables the journal)")
		cfgPath       = flag.String("config", "", "YAML config file")
		logLevel      = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		debug         = flag.Bool("debug", false, "expose /debug/pprof")
		poll          = flag.Duration("poll", 0, "override dispatcher poll interval")
		maxConcurrent = flag.Int("max-concurrent", 0, "override max concurrently executing tasks")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("log level")
	}
	zerolog.SetGlobalLevel(lvl)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *poll > 0 {
		cfg.PollInterval = *poll
	}
	if *maxConcurrent > 0 {
		cfg.Queue.MaxConcurrentTasks = *maxConcurrent
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	opts := []queue.Option{queue.WithLogger(log.Logger)}
	var (
		events       journal.Repository
		closeJournal = func() {}
	)
	if *dbPath != "" {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer

		if err := journal.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		events = journal.NewSQLiteRepo(db)
		w := journal.NewWriter(events, 4096)
		opts = append(opts, queue.WithRecorder(w))
		// Outlives the errgroup: the pool and HTTP server record events while they drain.
		go w.Run(context.Background())
		closeJournal = w.Close
	}

	mgr, err := queue.NewManager(cfg.Queue, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("queue manager")
	}

	executors := map[string]worker.Executor{
		"shell":                shell.Shell{},
		"http":                 httph.HTTP{},
		worker.DefaultExecutor: shell.Shell{},
	}
	var timeout time.Duration
	if cfg.Queue.EnforceTaskTimeout {
		timeout = cfg.Queue.TaskTimeout
	}
	pool := worker.NewPool(mgr, executors, cfg.PollInterval, timeout)
	g.Go(func() error { return pool.Run(ctx) })

	maint, err := scheduler.NewService(mgr, cfg.CleanupSchedule, cfg.ReapSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("maintenance schedule")
	}
	g.Go(func() error {
		maint.Start(ctx)
		return nil
	})

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(mgr, events, *debug)}
	g.Go(func() error {
		log.Info().Str("addr", *addr).Int("max_concurrent", cfg.Queue.MaxConcurrentTasks).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctxTimeout)
	})

	err = g.Wait()
	closeJournal()
	if err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}
