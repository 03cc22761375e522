package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo Repository
	cost int
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, cost: bcrypt.DefaultCost}
}

// Authenticate resolves a raw "<tokenID>.<secret>" credential to its actor.
func (s *Service) Authenticate(ctx context.Context, raw string) (shared.Actor, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || secret == "" {
		return shared.Actor{}, shared.ErrInvalidCredentials
	}
	token, err := s.repo.FindToken(ctx, id)
	if err != nil {
		return shared.Actor{}, shared.ErrInvalidCredentials
	}
	if !token.IsActive {
		return shared.Actor{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(token.SecretHash), []byte(secret)); err != nil {
		return shared.Actor{}, shared.ErrInvalidCredentials
	}
	_ = s.repo.TouchToken(ctx, token.ID, time.Now().UTC())
	return shared.Actor{ID: token.Actor, TokenID: token.ID}, nil
}

// IssueToken creates a token for actor and returns the raw credential. The
// secret cannot be recovered afterwards.
func (s *Service) IssueToken(ctx context.Context, actor string) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", fmt.Errorf("auth: actor required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", err
	}
	token := APIToken{
		ID:         uuid.NewString(),
		Actor:      actor,
		SecretHash: string(hash),
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateToken(ctx, token); err != nil {
		return "", err
	}
	return token.ID + "." + secret, nil
}
