package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SequenceStore exposes the storage reads the allocator needs inside a write transaction.
type SequenceStore interface {
	// LockSequencePrefix serialises allocators working on the same prefix until the transaction ends.
	LockSequencePrefix(ctx context.Context, prefix string) error
	// HighestRecordNo returns the record number with the highest numeric tail for the prefix,
	// including soft-deleted rows.
	HighestRecordNo(ctx context.Context, recordType RecordType, prefix string) (string, bool, error)
}

// Allocator hands out human-readable record numbers.
type Allocator struct {
	width int
}

// NewAllocator builds an allocator padding tails to two digits.
func NewAllocator() *Allocator {
	return &Allocator{width: 2}
}

// Prefix builds the record number prefix for a (type, scope, date) triple.
func Prefix(recordType RecordType, scopeKey string, date time.Time) (string, error) {
	tag, ok := recordTags[recordType]
	if !ok {
		return "", fmt.Errorf("%w: unknown record type %q", ErrValidation, recordType)
	}
	scopeKey = strings.TrimSpace(scopeKey)
	if scopeKey == "" {
		return "", fmt.Errorf("%w: scope key required", ErrValidation)
	}
	return fmt.Sprintf("%s_%s_%s_", scopeKey, date.Format("20060102"), tag), nil
}

// Allocate returns the next free record number. It must run in the same
// transaction as the insert that consumes the number.
func (a *Allocator) Allocate(ctx context.Context, store SequenceStore, recordType RecordType, scopeKey string, date time.Time) (string, error) {
	prefix, err := Prefix(recordType, scopeKey, date)
	if err != nil {
		return "", err
	}
	if err := store.LockSequencePrefix(ctx, prefix); err != nil {
		return "", fmt.Errorf("ledger: lock sequence %s: %w", prefix, err)
	}
	highest, ok, err := store.HighestRecordNo(ctx, recordType, prefix)
	if err != nil {
		return "", fmt.Errorf("ledger: highest record no %s: %w", prefix, err)
	}
	next := 1
	if ok {
		tail, err := sequenceTail(prefix, highest)
		if err != nil {
			return "", err
		}
		next = tail + 1
	}
	return fmt.Sprintf("%s%0*d", prefix, a.width, next), nil
}

func sequenceTail(prefix, recordNo string) (int, error) {
	raw := strings.TrimPrefix(recordNo, prefix)
	if raw == recordNo {
		return 0, fmt.Errorf("ledger: record no %q does not match prefix %q", recordNo, prefix)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ledger: record no %q has non-numeric tail: %w", recordNo, err)
	}
	return n, nil
}
