package shared

import "errors"

// Sentinels shared by the access and idempotency stores.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrIdempotencyConflict means the key was already reserved, whether or not
	// the first request has finished.
	ErrIdempotencyConflict = errors.New("idempotency key already reserved")
)
