package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

const (
	recordNoConstraint   = "ledger_records_type_no_key"
	eventSeqConstraint   = "ledger_events_record_seq_key"
	termsSeqConstraint   = "ledger_terms_events_scope_seq_key"
	termsScopeConstraint = "ledger_terms_pkey"
	uniqueViolationCode  = "23505"
)

const recordColumns = `id, record_no, record_type, scope_key, record_date, amount, requested_currency,
	settlement_currency, exchange_rate, rate_mode, note, operator, created_at, updated_at, deleted_at, version`

// TxRepository exposes the operations available inside a ledger write transaction.
type TxRepository interface {
	SequenceStore
	RateLookup
	LockRecord(ctx context.Context, id int64) (FinancialRecord, error)
	ActiveRecordByNo(ctx context.Context, recordType RecordType, recordNo string) (FinancialRecord, error)
	InsertRecord(ctx context.Context, rec FinancialRecord) (int64, error)
	UpdateRecord(ctx context.Context, rec FinancialRecord, expectedVersion int64) error
	MaxEventSeq(ctx context.Context, recordID int64) (int64, error)
	AppendEvent(ctx context.Context, evt LedgerEvent) error

	LockTerms(ctx context.Context, scopeKey string) (Terms, bool, error)
	InsertTerms(ctx context.Context, terms Terms) error
	UpdateTerms(ctx context.Context, terms Terms, expectedVersion int64) error
	MaxTermsSeq(ctx context.Context, scopeKey string) (int64, error)
	AppendTermsEvent(ctx context.Context, evt TermsEvent) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence for projections and event streams.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	q querier
}

// WithTx runs fn inside one read-committed transaction; row locks taken by fn are held until commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

// GetRecord returns the projection for id, including soft-deleted rows.
func (r *Repository) GetRecord(ctx context.Context, id int64) (FinancialRecord, error) {
	return scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE id = $1`, id))
}

// ListActiveByScope returns active records of a scope ordered by (date, recordNo).
func (r *Repository) ListActiveByScope(ctx context.Context, scopeKey string, asOf *time.Time) ([]FinancialRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM ledger_records
		WHERE scope_key = $1 AND deleted_at IS NULL AND ($2::date IS NULL OR record_date <= $2::date)
		ORDER BY record_date ASC, record_no ASC`
	rows, err := r.pool.Query(ctx, query, scopeKey, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []FinancialRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListEvents returns the event stream of a record ordered by seq.
func (r *Repository) ListEvents(ctx context.Context, recordID int64) ([]LedgerEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, record_id, record_no, event_type, event_seq, changes, note, operator, created_at
		FROM ledger_events WHERE record_id = $1 ORDER BY event_seq ASC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []LedgerEvent
	for rows.Next() {
		var evt LedgerEvent
		var raw []byte
		if err := rows.Scan(&evt.ID, &evt.RecordID, &evt.RecordNo, &evt.EventType, &evt.EventSeq, &raw, &evt.Note, &evt.Operator, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &evt.Changes); err != nil {
			return nil, fmt.Errorf("ledger: decode changes of event %s: %w", evt.ID, err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ListTermsEvents returns the contract terms stream of a scope ordered by seq.
func (r *Repository) ListTermsEvents(ctx context.Context, scopeKey string) ([]TermsEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, scope_key, event_type, event_seq, changes, note, operator, created_at
		FROM ledger_terms_events WHERE scope_key = $1 ORDER BY event_seq ASC`, scopeKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []TermsEvent
	for rows.Next() {
		var evt TermsEvent
		var raw []byte
		if err := rows.Scan(&evt.ID, &evt.ScopeKey, &evt.EventType, &evt.EventSeq, &raw, &evt.Note, &evt.Operator, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &evt.Changes); err != nil {
			return nil, fmt.Errorf("ledger: decode changes of terms event %s: %w", evt.ID, err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// GetTerms returns the current contract terms of a scope.
func (r *Repository) GetTerms(ctx context.Context, scopeKey string) (Terms, error) {
	terms, ok, err := lockTerms(ctx, r.pool, scopeKey, false)
	if err != nil {
		return Terms{}, err
	}
	if !ok {
		return Terms{}, ErrNotFound
	}
	return terms, nil
}

// ListRecordIDs pages through every record id in ascending order.
func (r *Repository) ListRecordIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM ledger_records WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRecentScopes returns scope keys with writes since the given time, most recent first.
func (r *Repository) ListRecentScopes(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT scope_key FROM ledger_records WHERE updated_at >= $1
		GROUP BY scope_key ORDER BY MAX(updated_at) DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// LatestAutoRate reads the newest positive auto-mode rate through the partial index.
func (r *Repository) LatestAutoRate(ctx context.Context) (decimal.Decimal, bool, error) {
	return latestAutoRate(ctx, r.pool)
}

func (t *txRepo) LatestAutoRate(ctx context.Context) (decimal.Decimal, bool, error) {
	return latestAutoRate(ctx, t.q)
}

func latestAutoRate(ctx context.Context, q querier) (decimal.Decimal, bool, error) {
	var rate decimal.Decimal
	err := q.QueryRow(ctx, `SELECT exchange_rate FROM ledger_records
		WHERE deleted_at IS NULL AND rate_mode = 'auto' AND exchange_rate > 0
		ORDER BY record_date DESC, record_no DESC LIMIT 1`).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return rate, true, nil
}

func (t *txRepo) LockSequencePrefix(ctx context.Context, prefix string) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, prefix)
	return err
}

func (t *txRepo) HighestRecordNo(ctx context.Context, recordType RecordType, prefix string) (string, bool, error) {
	var recordNo string
	err := t.q.QueryRow(ctx, `SELECT record_no FROM ledger_records
		WHERE record_type = $1 AND left(record_no, length($2)) = $2
			AND substring(record_no FROM length($2) + 1) ~ '^[0-9]+$'
		ORDER BY length(record_no) DESC, record_no DESC LIMIT 1`, recordType, prefix).Scan(&recordNo)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return recordNo, true, nil
}

func (t *txRepo) LockRecord(ctx context.Context, id int64) (FinancialRecord, error) {
	return scanRecord(t.q.QueryRow(ctx, `SELECT `+recordColumns+` FROM ledger_records WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) ActiveRecordByNo(ctx context.Context, recordType RecordType, recordNo string) (FinancialRecord, error) {
	return scanRecord(t.q.QueryRow(ctx, `SELECT `+recordColumns+` FROM ledger_records
		WHERE record_type = $1 AND record_no = $2 AND deleted_at IS NULL`, recordType, recordNo))
}

func (t *txRepo) InsertRecord(ctx context.Context, rec FinancialRecord) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO ledger_records (
			record_no, record_type, scope_key, record_date, amount, requested_currency, settlement_currency,
			exchange_rate, rate_mode, note, operator, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		rec.RecordNo, rec.RecordType, rec.ScopeKey, rec.Date, rec.Amount, rec.RequestedCurrency, rec.SettlementCurrency,
		rec.ExchangeRate, rec.RateMode, rec.Note, rec.Operator, rec.CreatedAt, rec.UpdatedAt, rec.Version,
	).Scan(&id)
	if isUniqueViolation(err, recordNoConstraint) {
		return 0, ErrSequenceConflict
	}
	return id, err
}

func (t *txRepo) UpdateRecord(ctx context.Context, rec FinancialRecord, expectedVersion int64) error {
	tag, err := t.q.Exec(ctx, `UPDATE ledger_records SET
			record_date = $1, amount = $2, requested_currency = $3, settlement_currency = $4,
			exchange_rate = $5, rate_mode = $6, note = $7, deleted_at = $8, version = $9, updated_at = $10
		WHERE id = $11 AND version = $12`,
		rec.Date, rec.Amount, rec.RequestedCurrency, rec.SettlementCurrency,
		rec.ExchangeRate, rec.RateMode, rec.Note, rec.DeletedAt, rec.Version, rec.UpdatedAt,
		rec.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (t *txRepo) MaxEventSeq(ctx context.Context, recordID int64) (int64, error) {
	var seq int64
	err := t.q.QueryRow(ctx, `SELECT COALESCE(MAX(event_seq), 0) FROM ledger_events WHERE record_id = $1`, recordID).Scan(&seq)
	return seq, err
}

func (t *txRepo) AppendEvent(ctx context.Context, evt LedgerEvent) error {
	raw, err := json.Marshal(evt.Changes)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `INSERT INTO ledger_events (id, record_id, record_no, event_type, event_seq, changes, note, operator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		evt.ID, evt.RecordID, evt.RecordNo, evt.EventType, evt.EventSeq, raw, evt.Note, evt.Operator, evt.CreatedAt)
	if isUniqueViolation(err, eventSeqConstraint) {
		return ErrConcurrentModification
	}
	return err
}

func (t *txRepo) LockTerms(ctx context.Context, scopeKey string) (Terms, bool, error) {
	return lockTerms(ctx, t.q, scopeKey, true)
}

func lockTerms(ctx context.Context, q querier, scopeKey string, forUpdate bool) (Terms, bool, error) {
	query := `SELECT scope_key, currency, float_percent, deposit_percent, requires_deposit, updated_at, version
		FROM ledger_terms WHERE scope_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var terms Terms
	err := q.QueryRow(ctx, query, scopeKey).Scan(&terms.ScopeKey, &terms.Currency, &terms.FloatPercent,
		&terms.DepositPercent, &terms.RequiresDeposit, &terms.UpdatedAt, &terms.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Terms{}, false, nil
	}
	if err != nil {
		return Terms{}, false, err
	}
	return terms, true, nil
}

func (t *txRepo) InsertTerms(ctx context.Context, terms Terms) error {
	_, err := t.q.Exec(ctx, `INSERT INTO ledger_terms (scope_key, currency, float_percent, deposit_percent, requires_deposit, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		terms.ScopeKey, terms.Currency, terms.FloatPercent, terms.DepositPercent, terms.RequiresDeposit, terms.UpdatedAt, terms.Version)
	if isUniqueViolation(err, termsScopeConstraint) {
		return ErrConcurrentModification
	}
	return err
}

func (t *txRepo) UpdateTerms(ctx context.Context, terms Terms, expectedVersion int64) error {
	tag, err := t.q.Exec(ctx, `UPDATE ledger_terms SET currency = $1, float_percent = $2, deposit_percent = $3,
			requires_deposit = $4, updated_at = $5, version = $6
		WHERE scope_key = $7 AND version = $8`,
		terms.Currency, terms.FloatPercent, terms.DepositPercent, terms.RequiresDeposit, terms.UpdatedAt, terms.Version,
		terms.ScopeKey, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (t *txRepo) MaxTermsSeq(ctx context.Context, scopeKey string) (int64, error) {
	var seq int64
	err := t.q.QueryRow(ctx, `SELECT COALESCE(MAX(event_seq), 0) FROM ledger_terms_events WHERE scope_key = $1`, scopeKey).Scan(&seq)
	return seq, err
}

func (t *txRepo) AppendTermsEvent(ctx context.Context, evt TermsEvent) error {
	raw, err := json.Marshal(evt.Changes)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `INSERT INTO ledger_terms_events (id, scope_key, event_type, event_seq, changes, note, operator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, evt.ScopeKey, evt.EventType, evt.EventSeq, raw, evt.Note, evt.Operator, evt.CreatedAt)
	if isUniqueViolation(err, termsSeqConstraint) {
		return ErrConcurrentModification
	}
	return err
}

func scanRecord(row pgx.Row) (FinancialRecord, error) {
	var rec FinancialRecord
	err := row.Scan(&rec.ID, &rec.RecordNo, &rec.RecordType, &rec.ScopeKey, &rec.Date, &rec.Amount,
		&rec.RequestedCurrency, &rec.SettlementCurrency, &rec.ExchangeRate, &rec.RateMode, &rec.Note,
		&rec.Operator, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return FinancialRecord{}, ErrNotFound
	}
	if err != nil {
		return FinancialRecord{}, err
	}
	rec.Date = truncateDate(rec.Date)
	return rec, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == constraint
}
