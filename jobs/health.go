package jobs

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

// QueueInspector is the read side of *asynq.Inspector used by the health route.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler serves queue health for the ledger worker.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler accepts a nil inspector; health then reports an idle queue.
func NewHandler(inspector QueueInspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue     string   `json:"queue"`
	Tasks     []string `json:"tasks"`
	Pending   int      `json:"pending"`
	Active    int      `json:"active"`
	Scheduled int      `json:"scheduled"`
	Retry     int      `json:"retry"`
	Archived  int      `json:"archived"`
	Failed    int      `json:"failedToday"`
}

var ledgerTasks = []string{TaskLedgerIntegrity, TaskLedgerBalanceWarmup, TaskIdempotencyCleanup}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	out := queueHealth{Queue: QueueDefault, Tasks: ledgerTasks}
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, out)
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.KindProblem(w, http.StatusServiceUnavailable, "Queue unavailable", "job queue could not be inspected", "unavailable")
		return
	}
	if info != nil {
		out.Pending = info.Pending
		out.Active = info.Active
		out.Scheduled = info.Scheduled
		out.Retry = info.Retry
		out.Archived = info.Archived
		out.Failed = info.Failed
	}
	httpx.JSON(w, http.StatusOK, out)
}
