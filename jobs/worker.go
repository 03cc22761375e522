package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Route binds a ledger task type to its handler. A non-empty Cron also
// schedules Task on that expression (UTC).
type Route struct {
	Type    string
	Handler asynq.HandlerFunc
	Cron    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects what the ledger worker needs to start.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Routes      []Route
}

// Worker processes ledger maintenance tasks and runs their schedules.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// NewWorker validates routes and prepares the asynq server and scheduler.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}

	mux := asynq.NewServeMux()
	var scheduled []Route
	seen := make(map[string]bool, len(cfg.Routes))
	for _, rt := range cfg.Routes {
		if rt.Type == "" || rt.Handler == nil {
			return nil, fmt.Errorf("jobs: route %q has no handler", rt.Type)
		}
		if seen[rt.Type] {
			return nil, fmt.Errorf("jobs: route %q registered twice", rt.Type)
		}
		seen[rt.Type] = true
		mux.HandleFunc(rt.Type, rt.Handler)
		if rt.Cron != "" {
			if rt.Task == nil || rt.Task.Type() != rt.Type {
				return nil, fmt.Errorf("jobs: route %q schedules a mismatched task", rt.Type)
			}
			scheduled = append(scheduled, rt)
		}
	}

	w := &Worker{mux: mux, logger: logger}
	w.server = asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency:  cfg.Concurrency,
		Queues:       map[string]int{QueueDefault: 1},
		Logger:       asynqLogger{logger},
		ErrorHandler: asynq.ErrorHandlerFunc(w.logFailure),
	})
	if len(scheduled) > 0 {
		w.scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   asynqLogger{logger},
		})
		for _, rt := range scheduled {
			opts := append([]asynq.Option{asynq.Queue(QueueDefault)}, rt.Options...)
			id, err := w.scheduler.Register(rt.Cron, rt.Task, opts...)
			if err != nil {
				return nil, fmt.Errorf("jobs: schedule %s %q: %w", rt.Type, rt.Cron, err)
			}
			logger.Info("job scheduled", slog.String("task", rt.Type), slog.String("cron", rt.Cron), slog.String("entry", id))
		}
	}
	return w, nil
}

// Run blocks until ctx is cancelled or the server stops on its own.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.server == nil {
		return errors.New("jobs: worker not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return fmt.Errorf("jobs: start scheduler: %w", err)
		}
		defer w.scheduler.Shutdown()
	}
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("jobs: start server: %w", err)
	}
	<-ctx.Done()
	w.server.Shutdown()
	return ctx.Err()
}

func (w *Worker) logFailure(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	w.logger.Error("job failed",
		slog.String("task", task.Type()),
		slog.Int("retry", retried),
		slog.Int("max_retry", maxRetry),
		slog.Any("error", err))
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) {
	a.l.Debug(fmt.Sprint(args...), slog.String("component", "asynq"))
}
func (a asynqLogger) Info(args ...any) {
	a.l.Info(fmt.Sprint(args...), slog.String("component", "asynq"))
}
func (a asynqLogger) Warn(args ...any) {
	a.l.Warn(fmt.Sprint(args...), slog.String("component", "asynq"))
}
func (a asynqLogger) Error(args ...any) {
	a.l.Error(fmt.Sprint(args...), slog.String("component", "asynq"))
}
func (a asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...), slog.String("component", "asynq"))
}
