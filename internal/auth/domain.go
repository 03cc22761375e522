package auth

import "time"

// APIToken is a bearer credential issued to an actor. Only the bcrypt hash of
// the secret is stored.
type APIToken struct {
	ID         string
	Actor      string
	SecretHash string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
