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

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Verifier checks stored records against their event streams.
type Verifier interface {
	Verify(ctx context.Context, batch int) (ledger.IntegrityReport, error)
}

// LedgerIntegrityJob runs the integrity sweep and exports anomaly counts.
type LedgerIntegrityJob struct {
	Verifier Verifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Timeout  time.Duration
}

// NewLedgerIntegrityJob wires dependencies for the integrity handler.
func NewLedgerIntegrityJob(verifier Verifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Verifier: verifier, Logger: logger, Metrics: metrics, Timeout: 30 * time.Minute}
}

// Handle processes TaskLedgerIntegrity tasks.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Verifier == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}

	tracker := j.metrics().Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	logger := j.logger()
	report, err := j.Verifier.Verify(ctx, payload.Batch)
	if err != nil {
		resultErr = err
		logger.Error("integrity sweep", slog.Any("error", err))
		return resultErr
	}

	tracker.Processed(report.Checked)
	byKind := make(map[ledger.AnomalyKind]int)
	for _, a := range report.Anomalies {
		byKind[a.Kind]++
	}
	for kind, count := range byKind {
		j.metrics().AddAnomalies(string(kind), count)
	}
	for _, a := range report.Anomalies {
		logger.Warn("ledger anomaly",
			slog.Int64("record_id", a.RecordID),
			slog.String("record_no", a.RecordNo),
			slog.String("kind", string(a.Kind)),
			slog.String("detail", a.Detail))
	}
	logger.Info("completed integrity sweep",
		slog.Int("checked", report.Checked),
		slog.Int("anomalies", len(report.Anomalies)),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return resultErr
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
