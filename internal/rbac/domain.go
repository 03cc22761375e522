package rbac

// Permissions guarding the ledger API.
const (
	PermLedgerView = "ledger.view"
	PermLedgerEdit = "ledger.edit"
)

// Grant ties a permission to an actor.
type Grant struct {
	Actor      string
	Permission string
}
