package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PermissionSource resolves the permissions granted to an actor.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, actor string) ([]string, error)
}

// Service orchestrates RBAC operations.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// EffectivePermissions lists the permissions granted to actor.
func (s *Service) EffectivePermissions(ctx context.Context, actor string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT permission FROM actor_permissions WHERE actor = $1 ORDER BY permission`, actor)
	if err != nil {
		return nil, fmt.Errorf("rbac: permissions of %s: %w", actor, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Grant adds a permission to actor; granting twice is a no-op.
func (s *Service) Grant(ctx context.Context, g Grant) error {
	actor := strings.TrimSpace(g.Actor)
	perm := strings.TrimSpace(strings.ToLower(g.Permission))
	if actor == "" || perm == "" {
		return errors.New("rbac: actor and permission required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO actor_permissions (actor, permission) VALUES ($1, $2)
		ON CONFLICT (actor, permission) DO NOTHING`, actor, perm)
	return err
}

var _ PermissionSource = (*Service)(nil)
