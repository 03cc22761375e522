package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/auth"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type stubRepo struct {
	tokens  map[string]auth.APIToken
	touched []string
}

func newStubRepo() *stubRepo {
	return &stubRepo{tokens: map[string]auth.APIToken{}}
}

func (s *stubRepo) FindToken(ctx context.Context, id string) (*auth.APIToken, error) {
	token, ok := s.tokens[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &token, nil
}

func (s *stubRepo) CreateToken(ctx context.Context, token auth.APIToken) error {
	s.tokens[token.ID] = token
	return nil
}

func (s *stubRepo) TouchToken(ctx context.Context, id string, at time.Time) error {
	s.touched = append(s.touched, id)
	return nil
}

func TestIssueAndAuthenticate(t *testing.T) {
	repo := newStubRepo()
	svc := auth.NewService(repo)

	raw, err := svc.IssueToken(context.Background(), "alice")
	require.NoError(t, err)

	actor, err := svc.Authenticate(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "alice", actor.ID)
	require.Len(t, repo.touched, 1)

	_, err = svc.Authenticate(context.Background(), actor.TokenID+".wrong")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	_, err = svc.Authenticate(context.Background(), "no-separator")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	repo := newStubRepo()
	svc := auth.NewService(repo)
	raw, err := svc.IssueToken(context.Background(), "bob")
	require.NoError(t, err)
	for id, token := range repo.tokens {
		token.IsActive = false
		repo.tokens[id] = token
	}

	_, err = svc.Authenticate(context.Background(), raw)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestMiddleware(t *testing.T) {
	repo := newStubRepo()
	svc := auth.NewService(repo)
	raw, err := svc.IssueToken(context.Background(), "carol")
	require.NoError(t, err)

	var seen string
	handler := auth.Middleware(svc, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := shared.ActorFromContext(r.Context())
		require.True(t, ok)
		seen = actor.ID
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ledger/balance", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
	require.Contains(t, res.Body.String(), `"kind":"unauthorized"`)

	req = httptest.NewRequest(http.MethodGet, "/ledger/balance", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "carol", seen)
}
