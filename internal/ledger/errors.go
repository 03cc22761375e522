package ledger

import "errors"

var (
	// ErrNotFound indicates an unknown record id or recordNo.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrAlreadyDeleted occurs when deleting a record that is already soft deleted.
	ErrAlreadyDeleted = errors.New("ledger: record already deleted")
	// ErrNotDeleted occurs when restoring a record that is active.
	ErrNotDeleted = errors.New("ledger: record is not deleted")
	// ErrNoChanges rejects updates that would not change any field.
	ErrNoChanges = errors.New("ledger: no changes")
	// ErrInvalidRate indicates a manual exchange rate that is not positive or exceeds the stored scale.
	ErrInvalidRate = errors.New("ledger: invalid exchange rate")
	// ErrSequenceConflict indicates two writers allocated the same record number.
	ErrSequenceConflict = errors.New("ledger: sequence conflict")
	// ErrConcurrentModification indicates a stale version; reload and retry.
	ErrConcurrentModification = errors.New("ledger: concurrent modification")
	// ErrValidation indicates invalid or missing input.
	ErrValidation = errors.New("ledger: invalid input")
)

// Kind is the machine-readable error category exposed to API callers.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindAlreadyDeleted         Kind = "already_deleted"
	KindNotDeleted             Kind = "not_deleted"
	KindNoChanges              Kind = "no_changes"
	KindInvalidRate            Kind = "invalid_rate"
	KindSequenceConflict       Kind = "sequence_conflict"
	KindConcurrentModification Kind = "concurrent_modification"
	KindValidation             Kind = "validation"
	KindInternal               Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrAlreadyDeleted, KindAlreadyDeleted},
	{ErrNotDeleted, KindNotDeleted},
	{ErrNoChanges, KindNoChanges},
	{ErrInvalidRate, KindInvalidRate},
	{ErrSequenceConflict, KindSequenceConflict},
	{ErrConcurrentModification, KindConcurrentModification},
	{ErrValidation, KindValidation},
}

// KindOf maps err to its Kind. Unknown errors are internal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
