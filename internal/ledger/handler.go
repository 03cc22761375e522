package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/rbac"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const idempotencyModule = "ledger.create"

// IdempotencyGuard remembers Idempotency-Key headers of create requests.
type IdempotencyGuard interface {
	Reserve(ctx context.Context, module, key, fingerprint string) error
	Complete(ctx context.Context, module, key, reference string) error
	Lookup(ctx context.Context, module, key string) (shared.IdempotencyEntry, error)
	Release(ctx context.Context, module, key string) error
}

// HandlerConfig groups optional handler collaborators.
type HandlerConfig struct {
	Idempotency IdempotencyGuard
	// WriteLimit caps write requests per actor per minute; zero disables the limit.
	WriteLimit int
}

// Handler exposes the ledger over JSON HTTP.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	rbac        rbac.Middleware
	validator   *validator.Validate
	idempotency IdempotencyGuard
	writeLimit  int
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, cfg HandlerConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Handler{
		logger:      logger,
		service:     service,
		rbac:        rbac,
		validator:   v,
		idempotency: cfg.Idempotency,
		writeLimit:  cfg.WriteLimit,
	}
}

// MountRoutes registers ledger routes. Each chain runs permission check, then
// rate limit, then the handler.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermLedgerView, rbac.PermLedgerEdit))
		r.Get("/balance", h.handleBalance)
		r.Get("/records/{id}", h.handleGet)
		r.Get("/records/{id}/history", h.handleHistory)
		r.Get("/rates/resolve", h.handleResolveRate)
		r.Get("/terms/{scopeKey}", h.handleGetTerms)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.PermLedgerEdit))
		if h.writeLimit > 0 {
			r.Use(httprate.Limit(h.writeLimit, time.Minute,
				httprate.WithKeyFuncs(keyByActor),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					httpx.KindProblem(w, http.StatusTooManyRequests, "Too Many Requests", "ledger write rate limit exceeded", "rate_limited")
				}),
			))
		}
		r.Post("/records", h.handleCreate)
		r.Patch("/records/{id}", h.handleUpdate)
		r.Post("/records/{id}/delete", h.handleDelete)
		r.Post("/records/{id}/restore", h.handleRestore)
		r.Put("/terms/{scopeKey}", h.handleSetTerms)
	})
}

func keyByActor(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		return "actor:" + actor.ID, nil
	}
	return httprate.KeyByIP(r)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	input, err := req.toInput(actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idempotency != nil {
		key = actor.ID + ":" + key
		fp := req.fingerprint()
		if err := h.idempotency.Reserve(r.Context(), idempotencyModule, key, fp); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				h.replayCreate(w, r, key, fp)
				return
			}
			h.writeError(w, r, err)
			return
		}
	} else {
		key = ""
	}

	res, err := h.service.Create(r.Context(), input)
	if err != nil {
		if key != "" {
			if derr := h.idempotency.Release(r.Context(), idempotencyModule, key); derr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", derr))
			}
		}
		h.writeError(w, r, err)
		return
	}
	if key != "" {
		if err := h.idempotency.Complete(r.Context(), idempotencyModule, key, strconv.FormatInt(res.Record.ID, 10)); err != nil {
			h.logger.Warn("complete idempotency key", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusCreated, newCreateResponse(res.Record, res.RateSource))
}

// replayCreate answers a repeated key. A key whose create committed but was
// never completed (process exit in between) reads as in flight until the
// cleanup job purges it.
func (h *Handler) replayCreate(w http.ResponseWriter, r *http.Request, key, fp string) {
	entry, err := h.idempotency.Lookup(r.Context(), idempotencyModule, key)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		h.writeError(w, r, err)
		return
	}
	if entry.Fingerprint != "" && entry.Fingerprint != fp {
		httpx.KindProblem(w, http.StatusUnprocessableEntity, "Idempotency key reused",
			"idempotency key was used with a different request body", "idempotency_mismatch")
		return
	}
	id, perr := strconv.ParseInt(entry.Reference, 10, 64)
	if entry.Reference == "" || perr != nil {
		httpx.KindProblem(w, http.StatusConflict, "Conflict", "request with this idempotency key is in progress", "idempotency_conflict")
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	httpx.JSON(w, http.StatusOK, newCreateResponse(rec, ""))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	var req patchRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch, err := req.toPatch(actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.service.Update(r.Context(), id, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	var req deleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.SoftDelete(r.Context(), id, DeleteInput{Reason: req.Reason, Operator: actor.ID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	var req restoreRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	rec, err := h.service.Restore(r.Context(), id, RestoreInput{Note: req.Note, Operator: actor.ID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(rec.Version, 10)))
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	hist, err := h.service.AssembleHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, hist)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := parseOptionalDate("from", query.Get("from"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	asOf, err := parseOptionalDate("asOf", query.Get("asOf"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bal, err := h.service.ComputeBalance(r.Context(), BalanceQuery{ScopeKey: query.Get("scopeKey"), From: from, AsOf: asOf})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) handleResolveRate(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := RateMode(strings.ToLower(strings.TrimSpace(query.Get("mode"))))
	if mode == "" {
		mode = RateModeAuto
	}
	var supplied *json.Number
	if raw := strings.TrimSpace(query.Get("rate")); raw != "" {
		n := json.Number(raw)
		supplied = &n
	}
	rate, err := parseOptionalDecimal("rate", supplied)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.service.ResolveRate(r.Context(), mode, rate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleGetTerms(w http.ResponseWriter, r *http.Request) {
	terms, err := h.service.GetTerms(r.Context(), chi.URLParam(r, "scopeKey"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, terms)
}

func (h *Handler) handleSetTerms(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req termsRequest
	if !h.decode(w, r, &req) {
		return
	}
	input, err := req.toInput(actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	terms, err := h.service.SetTerms(r.Context(), chi.URLParam(r, "scopeKey"), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, terms)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, ErrNotFound)
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.decodeBody(w, r, dst, false)
}

// decodeOptional treats a missing body, chunked or not, as the zero request.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.decodeBody(w, r, dst, true)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		if !optional || !errors.Is(err, httpx.ErrEmptyBody) {
			h.writeError(w, r, validationError(err))
			return false
		}
	}
	if err := h.validator.Struct(dst); err != nil {
		h.writeError(w, r, validationError(err))
		return false
	}
	return true
}

var kindStatus = map[Kind]int{
	KindNotFound:               http.StatusNotFound,
	KindAlreadyDeleted:         http.StatusConflict,
	KindNotDeleted:             http.StatusConflict,
	KindSequenceConflict:       http.StatusConflict,
	KindConcurrentModification: http.StatusConflict,
	KindNoChanges:              http.StatusUnprocessableEntity,
	KindValidation:             http.StatusBadRequest,
	KindInvalidRate:            http.StatusBadRequest,
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			httpx.KindProblem(w, http.StatusServiceUnavailable, "Request Cancelled", "", "cancelled")
			return
		}
		h.logger.Error("ledger request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.KindProblem(w, http.StatusInternalServerError, "Internal Error", "", string(KindInternal))
		return
	}
	httpx.KindProblem(w, status, http.StatusText(status), err.Error(), string(kind))
}
