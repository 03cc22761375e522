package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskLedgerIntegrity replays every record's event stream against its projection.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskLedgerBalanceWarmup recomputes cached balances for recently written scopes.
	TaskLedgerBalanceWarmup = "ledger:balance_warmup"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
)

// LedgerIntegrityPayload configures an integrity sweep.
type LedgerIntegrityPayload struct {
	Batch int `json:"batch"`
}

// BalanceWarmupPayload configures a balance warmup run.
type BalanceWarmupPayload struct {
	LookbackHours int `json:"lookback_hours"`
	Limit         int `json:"limit"`
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewLedgerIntegrityTask builds the integrity sweep task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	return newTask(TaskLedgerIntegrity, payload)
}

// NewBalanceWarmupTask builds the balance warmup task.
func NewBalanceWarmupTask(payload BalanceWarmupPayload) (*asynq.Task, error) {
	return newTask(TaskLedgerBalanceWarmup, payload)
}

// NewIdempotencyCleanupTask builds the idempotency cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, payload)
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

// decodePayload treats an empty payload as the zero value so cron entries and
// CLI triggers can rely on defaults.
func decodePayload(t *asynq.Task, v any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return asynq.SkipRetry
	}
	return nil
}
