package rbac

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Middleware gates chi routes on the permissions granted to the request actor.
type Middleware struct {
	Service PermissionSource
	Logger  *slog.Logger
}

// RequireAny passes actors holding at least one of perms.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.guard("any", normalizePermissions(perms), func(granted permissionSet, required []string) bool {
		for _, p := range required {
			if granted.has(p) {
				return true
			}
		}
		return false
	})
}

// RequireAll passes actors holding every one of perms.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.guard("all", normalizePermissions(perms), func(granted permissionSet, required []string) bool {
		for _, p := range required {
			if !granted.has(p) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) guard(mode string, required []string, allowed func(permissionSet, []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(required) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			granted, err := m.Service.EffectivePermissions(r.Context(), actor.ID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac permissions lookup",
						slog.String("actor", actor.ID),
						slog.String("mode", mode),
						slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			if !allowed(newPermissionSet(granted), required) {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type permissionSet map[string]struct{}

func newPermissionSet(perms []string) permissionSet {
	set := make(permissionSet, len(perms))
	for _, p := range perms {
		set[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return set
}

func (s permissionSet) has(perm string) bool {
	_, ok := s[perm]
	return ok
}

// normalizePermissions lower-cases, trims, dedupes and sorts perms.
func normalizePermissions(perms []string) []string {
	set := newPermissionSet(perms)
	delete(set, "")
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
