package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRecord(ctx context.Context, id int64) (FinancialRecord, error)
	ListActiveByScope(ctx context.Context, scopeKey string, asOf *time.Time) ([]FinancialRecord, error)
	ListEvents(ctx context.Context, recordID int64) ([]LedgerEvent, error)
	ListTermsEvents(ctx context.Context, scopeKey string) ([]TermsEvent, error)
	GetTerms(ctx context.Context, scopeKey string) (Terms, error)
	ListRecordIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	LatestAutoRate(ctx context.Context) (decimal.Decimal, bool, error)
}

// BalanceCache memoises balances per scope and drops them after the scope changes.
type BalanceCache interface {
	Fetch(ctx context.Context, q BalanceQuery, load func(context.Context) (Balance, error)) (Balance, error)
	Invalidate(ctx context.Context, scopeKey string) error
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	SettlementCurrency string
	Cache              BalanceCache
	Metrics            *Metrics
	Logger             *slog.Logger
	Now                func() time.Time
}

// Service is the ledger writer: it keeps projections and event streams in lockstep.
type Service struct {
	repo               RepositoryPort
	rates              *RateResolver
	alloc              *Allocator
	settlementCurrency string
	cache              BalanceCache
	metrics            *Metrics
	logger             *slog.Logger
	now                func() time.Time
}

// parentTypes lists the record a payment must reference through its scope key.
var parentTypes = map[RecordType]RecordType{
	RecordPOPayment:        RecordPurchaseOrder,
	RecordDepositPayment:   RecordPurchaseOrder,
	RecordLogisticsPayment: RecordShipment,
}

// NewService constructs the ledger writer.
func NewService(repo RepositoryPort, rates *RateResolver, cfg ServiceConfig) *Service {
	svc := &Service{
		repo:               repo,
		rates:              rates,
		alloc:              NewAllocator(),
		settlementCurrency: cfg.SettlementCurrency,
		cache:              cfg.Cache,
		metrics:            cfg.Metrics,
		logger:             cfg.Logger,
		now:                cfg.Now,
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

// CreateResult is the created record plus how its rate was obtained.
type CreateResult struct {
	Record     FinancialRecord
	RateSource RateSource
}

// DeleteInput describes a soft delete request.
type DeleteInput struct {
	Reason   string
	Operator string
}

// RestoreInput describes a restore request.
type RestoreInput struct {
	Note     string
	Operator string
}

// Create validates input, allocates a record number and writes the record with its CREATE event.
// A sequence conflict is retried once in a fresh transaction.
func (s *Service) Create(ctx context.Context, input CreateInput) (CreateResult, error) {
	in, err := s.normalizeCreate(input)
	if err != nil {
		return CreateResult{}, err
	}
	var result CreateResult
	for attempt := 0; ; attempt++ {
		result, err = s.createOnce(ctx, in)
		if errors.Is(err, ErrSequenceConflict) && attempt == 0 {
			s.metrics.sequenceRetry()
			s.logger.Warn("ledger sequence conflict, retrying", slog.String("scope", in.ScopeKey), slog.String("type", string(in.RecordType)))
			continue
		}
		break
	}
	s.metrics.write("create", err)
	if err != nil {
		return CreateResult{}, err
	}
	s.afterWrite(ctx, result.Record, EventCreate)
	return result, nil
}

func (s *Service) createOnce(ctx context.Context, in CreateInput) (CreateResult, error) {
	var result CreateResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := s.rates.Resolve(ctx, tx, in.RateMode, in.ExchangeRate)
		if err != nil {
			return err
		}
		if parent, ok := parentTypes[in.RecordType]; ok {
			if _, err := tx.ActiveRecordByNo(ctx, parent, in.ScopeKey); err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: %s %s does not exist", ErrValidation, parent, in.ScopeKey)
				}
				return err
			}
		}
		recordNo, err := s.alloc.Allocate(ctx, tx, in.RecordType, in.ScopeKey, in.Date)
		if err != nil {
			return err
		}
		now := s.timestamp()
		rec := FinancialRecord{
			RecordNo:           recordNo,
			RecordType:         in.RecordType,
			ScopeKey:           in.ScopeKey,
			Date:               in.Date,
			Amount:             in.Amount,
			RequestedCurrency:  in.RequestedCurrency,
			SettlementCurrency: in.SettlementCurrency,
			ExchangeRate:       res.Rate,
			RateMode:           in.RateMode,
			Note:               in.Note,
			Operator:           in.Operator,
			CreatedAt:          now,
			UpdatedAt:          now,
			Version:            1,
		}
		id, err := tx.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = id
		evt := LedgerEvent{
			ID:        uuid.New(),
			RecordID:  id,
			RecordNo:  recordNo,
			EventType: EventCreate,
			EventSeq:  1,
			Changes:   creationChanges(rec),
			Note:      rec.Note,
			Operator:  in.Operator,
			CreatedAt: now,
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		result = CreateResult{Record: rec, RateSource: res.Source}
		return nil
	})
	return result, err
}

// Update applies a sparse patch to an active record and appends one event holding only the changed fields.
func (s *Service) Update(ctx context.Context, id int64, patch Patch) (FinancialRecord, error) {
	operator := strings.TrimSpace(patch.Operator)
	if operator == "" {
		return FinancialRecord{}, fmt.Errorf("%w: operator required", ErrValidation)
	}
	var updated FinancialRecord
	var eventType EventType
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockRecord(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Active() {
			return ErrNotFound
		}
		if patch.ExpectedVersion != nil && *patch.ExpectedVersion != cur.Version {
			return ErrConcurrentModification
		}
		next, err := s.applyPatch(ctx, tx, cur, patch)
		if err != nil {
			return err
		}
		changes := diffRecords(cur, next)
		if len(changes) == 0 {
			return ErrNoChanges
		}
		eventType = classifyUpdate(changes)
		now := s.timestamp()
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		note := next.Note
		if patch.Note == nil {
			note = fmt.Sprintf("%s by %s", strings.ToLower(strings.ReplaceAll(string(eventType), "_", " ")), operator)
		}
		if err := s.persist(ctx, tx, cur, next, eventType, changes, note, operator, now); err != nil {
			return err
		}
		updated = next
		return nil
	})
	s.metrics.write("update", err)
	if err != nil {
		return FinancialRecord{}, err
	}
	s.afterWrite(ctx, updated, eventType)
	return updated, nil
}

// SoftDelete marks an active record deleted and appends a DELETE event holding a full snapshot.
func (s *Service) SoftDelete(ctx context.Context, id int64, input DeleteInput) (DeleteResult, error) {
	reason := strings.TrimSpace(input.Reason)
	operator := strings.TrimSpace(input.Operator)
	if reason == "" {
		return DeleteResult{}, fmt.Errorf("%w: delete reason required", ErrValidation)
	}
	if operator == "" {
		return DeleteResult{}, fmt.Errorf("%w: operator required", ErrValidation)
	}
	var deleted FinancialRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockRecord(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Active() {
			return ErrAlreadyDeleted
		}
		now := s.timestamp()
		next := cur
		next.DeletedAt = &now
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		changes := append(snapshot(cur), FieldChange{Field: FieldDeletedAt, Old: nil, New: formatTime(&now)})
		note := fmt.Sprintf("deleted by %s on %s: %s", operator, now.Format(dateLayout), reason)
		if err := s.persist(ctx, tx, cur, next, EventDelete, changes, note, operator, now); err != nil {
			return err
		}
		deleted = next
		return nil
	})
	s.metrics.write("delete", err)
	if err != nil {
		return DeleteResult{}, err
	}
	s.afterWrite(ctx, deleted, EventDelete)
	return DeleteResult{RecordNo: deleted.RecordNo, AffectedCount: 1}, nil
}

// Restore reactivates a soft-deleted record and appends a RESTORE event holding the restored snapshot.
func (s *Service) Restore(ctx context.Context, id int64, input RestoreInput) (FinancialRecord, error) {
	operator := strings.TrimSpace(input.Operator)
	if operator == "" {
		return FinancialRecord{}, fmt.Errorf("%w: operator required", ErrValidation)
	}
	var restored FinancialRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockRecord(ctx, id)
		if err != nil {
			return err
		}
		if cur.Active() {
			return ErrNotDeleted
		}
		now := s.timestamp()
		next := cur
		next.DeletedAt = nil
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		changes := append(snapshot(next), FieldChange{Field: FieldDeletedAt, Old: formatTime(cur.DeletedAt), New: nil})
		note := fmt.Sprintf("restored by %s on %s", operator, now.Format(dateLayout))
		if n := strings.TrimSpace(input.Note); n != "" {
			note += ": " + n
		}
		if err := s.persist(ctx, tx, cur, next, EventRestore, changes, note, operator, now); err != nil {
			return err
		}
		restored = next
		return nil
	})
	s.metrics.write("restore", err)
	if err != nil {
		return FinancialRecord{}, err
	}
	s.afterWrite(ctx, restored, EventRestore)
	return restored, nil
}

// Get returns the projection for id, deleted or not.
func (s *Service) Get(ctx context.Context, id int64) (FinancialRecord, error) {
	return s.repo.GetRecord(ctx, id)
}

// ResolveRate exposes the resolver outside of a write.
func (s *Service) ResolveRate(ctx context.Context, mode RateMode, supplied *decimal.Decimal) (Resolution, error) {
	return s.rates.Resolve(ctx, s.repo, mode, supplied)
}

// persist writes next with a version check and appends the matching event.
func (s *Service) persist(ctx context.Context, tx TxRepository, cur, next FinancialRecord, eventType EventType, changes []FieldChange, note, operator string, now time.Time) error {
	if err := tx.UpdateRecord(ctx, next, cur.Version); err != nil {
		return err
	}
	maxSeq, err := tx.MaxEventSeq(ctx, cur.ID)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, LedgerEvent{
		ID:        uuid.New(),
		RecordID:  cur.ID,
		RecordNo:  cur.RecordNo,
		EventType: eventType,
		EventSeq:  maxSeq + 1,
		Changes:   changes,
		Note:      note,
		Operator:  operator,
		CreatedAt: now,
	})
}

func (s *Service) applyPatch(ctx context.Context, tx TxRepository, cur FinancialRecord, patch Patch) (FinancialRecord, error) {
	next := cur
	var err error
	if patch.Date != nil {
		if patch.Date.IsZero() {
			return next, fmt.Errorf("%w: date required", ErrValidation)
		}
		next.Date = truncateDate(*patch.Date)
	}
	if patch.Amount != nil {
		if err := checkAmount(cur.RecordType, *patch.Amount); err != nil {
			return next, err
		}
		next.Amount = *patch.Amount
	}
	if patch.RequestedCurrency != nil {
		if next.RequestedCurrency, err = NormalizeCurrency(*patch.RequestedCurrency); err != nil {
			return next, err
		}
	}
	if patch.SettlementCurrency != nil {
		if next.SettlementCurrency, err = NormalizeCurrency(*patch.SettlementCurrency); err != nil {
			return next, err
		}
	}
	if patch.Note != nil {
		next.Note = strings.TrimSpace(*patch.Note)
		if cur.RecordType.IsPrepayment() && next.Note == "" {
			return next, fmt.Errorf("%w: note required for prepayments", ErrValidation)
		}
	}
	mode := cur.RateMode
	if patch.RateMode != nil {
		mode = *patch.RateMode
		if !mode.Valid() {
			return next, fmt.Errorf("%w: rate mode must be auto or manual", ErrValidation)
		}
	} else if patch.ExchangeRate != nil {
		mode = RateModeManual
	}
	switch {
	case mode == RateModeAuto && patch.ExchangeRate != nil:
		return next, fmt.Errorf("%w: exchange rate cannot be supplied in auto mode", ErrValidation)
	case mode == RateModeManual && patch.ExchangeRate != nil:
		res, err := s.rates.Resolve(ctx, tx, RateModeManual, patch.ExchangeRate)
		if err != nil {
			return next, err
		}
		next.ExchangeRate = res.Rate
	case mode == RateModeAuto && cur.RateMode != RateModeAuto:
		res, err := s.rates.Resolve(ctx, tx, RateModeAuto, nil)
		if err != nil {
			return next, err
		}
		next.ExchangeRate = res.Rate
	}
	next.RateMode = mode
	return next, nil
}

func (s *Service) afterWrite(ctx context.Context, rec FinancialRecord, eventType EventType) {
	s.logger.Info("ledger write",
		slog.Int64("record_id", rec.ID),
		slog.String("record_no", rec.RecordNo),
		slog.String("event", string(eventType)),
		slog.Int64("version", rec.Version),
	)
	s.invalidate(ctx, rec.ScopeKey)
}

func (s *Service) invalidate(ctx context.Context, scopeKey string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, scopeKey); err != nil {
		s.logger.Warn("ledger balance cache invalidate", slog.String("scope", scopeKey), slog.Any("error", err))
	}
}

// timestamp truncates to the storage precision so replayed and stored times compare equal.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
