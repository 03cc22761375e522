package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindToken(ctx context.Context, id string) (*APIToken, error)
	CreateToken(ctx context.Context, token APIToken) error
	TouchToken(ctx context.Context, id string, at time.Time) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindToken fetches a token by id.
func (r *PGRepository) FindToken(ctx context.Context, id string) (*APIToken, error) {
	var token APIToken
	err := r.pool.QueryRow(ctx, `SELECT id, actor, secret_hash, is_active, created_at, last_used_at
		FROM api_tokens WHERE id = $1`, id).Scan(
		&token.ID, &token.Actor, &token.SecretHash, &token.IsActive, &token.CreatedAt, &token.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

// CreateToken persists a new token.
func (r *PGRepository) CreateToken(ctx context.Context, token APIToken) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO api_tokens (id, actor, secret_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)`, token.ID, token.Actor, token.SecretHash, token.IsActive, token.CreatedAt)
	return err
}

// TouchToken records the last successful use of a token.
func (r *PGRepository) TouchToken(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

var _ Repository = (*PGRepository)(nil)
