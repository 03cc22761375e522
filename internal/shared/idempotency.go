package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyEntry is a reserved key. Reference is empty while the reserving
// request runs; Fingerprint identifies the request body that reserved it.
type IdempotencyEntry struct {
	Reference   string
	Fingerprint string
}

// IdempotencyStore keeps Idempotency-Key reservations in idempotency_keys.
// Keys are unique per module; a row without a reference is still in flight.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

func checkKey(module, key string) error {
	if strings.TrimSpace(module) == "" || strings.TrimSpace(key) == "" {
		return errors.New("shared: idempotency module and key required")
	}
	return nil
}

// Reserve claims key for module, or returns ErrIdempotencyConflict when another
// request already holds it.
func (s *IdempotencyStore) Reserve(ctx context.Context, module, key, fingerprint string) error {
	if err := checkKey(module, key); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (module, key, fingerprint, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (module, key) DO NOTHING`, module, key, fingerprint, s.now().UTC())
	if err != nil {
		return fmt.Errorf("shared: reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Complete attaches the produced resource to a reserved key.
func (s *IdempotencyStore) Complete(ctx context.Context, module, key, reference string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET reference = $3 WHERE module = $1 AND key = $2`, module, key, reference)
	if err != nil {
		return fmt.Errorf("shared: complete idempotency key: %w", err)
	}
	return nil
}

// Lookup returns the entry reserved under key.
func (s *IdempotencyStore) Lookup(ctx context.Context, module, key string) (IdempotencyEntry, error) {
	var (
		entry IdempotencyEntry
		ref   *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT reference, fingerprint FROM idempotency_keys WHERE module = $1 AND key = $2`, module, key).
		Scan(&ref, &entry.Fingerprint)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return IdempotencyEntry{}, ErrNotFound
	case err != nil:
		return IdempotencyEntry{}, fmt.Errorf("shared: read idempotency key: %w", err)
	}
	if ref != nil {
		entry.Reference = *ref
	}
	return entry, nil
}

// Release drops a reservation whose request failed so the client may retry.
func (s *IdempotencyStore) Release(ctx context.Context, module, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE module = $1 AND key = $2`, module, key)
	if err != nil {
		return fmt.Errorf("shared: release idempotency key: %w", err)
	}
	return nil
}

// Purge deletes reservations older than retention and reports how many went.
func (s *IdempotencyStore) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("shared: purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
