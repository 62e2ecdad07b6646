package permissions

import "context"

// Store is the read side of the permission record repository. Implementations
// must only return records where is_active is true and the soft-delete
// timestamp is unset; filtering is the store's job, not the resolver's.
//
// A missing record is not an error: FindActiveByScope returns (nil, nil).
// A non-nil error always means the store could not answer, and callers must
// not treat it as "no access".
type Store interface {
	// FindActiveByScope returns the single active record for (scope, targetID).
	// At most one such record exists per the store's uniqueness constraint.
	FindActiveByScope(ctx context.Context, scope Scope, targetID string) (*Record, error)

	// FindActiveByScopeAndTargets returns every active record whose target is
	// in targetIDs. Used to batch-fetch a user's team records.
	FindActiveByScopeAndTargets(ctx context.Context, scope Scope, targetIDs []string) ([]Record, error)
}
