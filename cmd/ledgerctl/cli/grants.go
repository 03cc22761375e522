package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/rbac"
)

var knownPermissions = map[string]struct{}{
	rbac.PermLedgerView: {},
	rbac.PermLedgerEdit: {},
}

// ParseGrants turns a comma separated permission list into grants for actor.
func ParseGrants(actor, perms string) ([]rbac.Grant, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, errors.New("--actor is required")
	}
	seen := make(map[string]struct{})
	var grants []rbac.Grant
	for _, raw := range strings.Split(perms, ",") {
		perm := strings.ToLower(strings.TrimSpace(raw))
		if perm == "" {
			continue
		}
		if _, ok := knownPermissions[perm]; !ok {
			return nil, fmt.Errorf("unknown permission %q", perm)
		}
		if _, dup := seen[perm]; dup {
			continue
		}
		seen[perm] = struct{}{}
		grants = append(grants, rbac.Grant{Actor: actor, Permission: perm})
	}
	if len(grants) == 0 {
		return nil, errors.New("--perm is required")
	}
	return grants, nil
}
