package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

const (
	defaultWarmupLookback = 24 * time.Hour
	defaultWarmupLimit    = 200
)

// BalanceComputer serves scope balances, populating the cache on a miss.
type BalanceComputer interface {
	ComputeBalance(ctx context.Context, q ledger.BalanceQuery) (ledger.Balance, error)
}

// ScopeLister finds scopes with records written since a point in time.
type ScopeLister interface {
	ListRecentScopes(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// BalanceWarmupJob pre-populates the balance cache for recently active scopes.
type BalanceWarmupJob struct {
	Balances BalanceComputer
	Scopes   ScopeLister
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewBalanceWarmupJob wires dependencies for the warmup handler.
func NewBalanceWarmupJob(balances BalanceComputer, scopes ScopeLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceWarmupJob {
	return &BalanceWarmupJob{
		Balances: balances,
		Scopes:   scopes,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskLedgerBalanceWarmup tasks.
func (j *BalanceWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Balances == nil || j.Scopes == nil {
		return errors.New("balance warmup: handler not configured")
	}
	var payload BalanceWarmupPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	lookback := defaultWarmupLookback
	if payload.LookbackHours > 0 {
		lookback = time.Duration(payload.LookbackHours) * time.Hour
	}
	limit := defaultWarmupLimit
	if payload.Limit > 0 {
		limit = payload.Limit
	}

	tracker := j.metrics().Track(TaskLedgerBalanceWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Duration("lookback", lookback))
	now := j.now()
	scopes, err := j.Scopes.ListRecentScopes(ctx, now.Add(-lookback), limit)
	if err != nil {
		resultErr = err
		logger.Error("load warmup scopes", slog.Any("error", err))
		return resultErr
	}
	if len(scopes) == 0 {
		logger.Info("no scopes discovered for warmup")
		return resultErr
	}

	warmed := 0
	for _, scope := range scopes {
		if err := j.warmScope(ctx, scope); err != nil {
			resultErr = err
			logger.Error("warm scope", slog.String("scope_key", scope), slog.Any("error", err))
			return resultErr
		}
		warmed++
	}
	tracker.Processed(warmed)
	logger.Info("completed balance warmup", slog.Int("scopes", warmed), slog.Duration("duration", j.now().Sub(now)))
	return resultErr
}

func (j *BalanceWarmupJob) warmScope(ctx context.Context, scope string) error {
	scopeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	_, err := j.Balances.ComputeBalance(scopeCtx, ledger.BalanceQuery{ScopeKey: scope})
	return err
}

func (j *BalanceWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerBalanceWarmup))
	}
	return slog.Default().With(slog.String("job", TaskLedgerBalanceWarmup))
}

func (j *BalanceWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BalanceWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
