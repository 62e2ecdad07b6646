package permissions

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Resolver computes effective inbox access per platform by merging the three
// permission tiers. Priority is individual > team > role. An individual grant
// always wins, including an individual denial, which blocks the platform no
// matter what teams or roles would allow. Within the team tier the most
// permissive non-denied grant wins. Denied team or role grants are skipped,
// they never block.
//
// Resolution is a pure read: same user context against the same store
// snapshot always yields the same result.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveAll resolves every platform and returns the ones the user has any
// grant for, in platform declaration order. A store failure fails the whole
// call; partial results would silently under-report access.
func (r *Resolver) ResolveAll(ctx context.Context, user UserContext) ([]ResolvedPermission, error) {
	tiers, err := r.fetchTiers(ctx, user)
	if err != nil {
		return nil, err
	}

	resolved := make([]ResolvedPermission, 0, len(AllPlatforms()))
	for _, platform := range AllPlatforms() {
		if rp := tiers.resolve(platform); rp != nil {
			resolved = append(resolved, *rp)
		}
	}
	return resolved, nil
}

// ResolveOne resolves a single platform. It returns (nil, nil) when the user
// has no applicable grant at any tier.
func (r *Resolver) ResolveOne(ctx context.Context, user UserContext, platform Platform) (*ResolvedPermission, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}

	tiers, err := r.fetchTiers(ctx, user)
	if err != nil {
		return nil, err
	}
	return tiers.resolve(platform), nil
}

// tierGrants holds the grant lists fetched for one resolution pass.
type tierGrants struct {
	individual []Grant
	teams      [][]Grant
	role       []Grant
}

// fetchTiers issues the three tier lookups concurrently; they have no data
// dependency on each other. Tiers with no identifying key are skipped rather
// than queried with an empty value.
func (r *Resolver) fetchTiers(ctx context.Context, user UserContext) (*tierGrants, error) {
	var tiers tierGrants
	g, gctx := errgroup.WithContext(ctx)

	if user.UserID != "" {
		g.Go(func() error {
			record, err := r.store.FindActiveByScope(gctx, ScopeUser, user.UserID)
			if err != nil {
				return fmt.Errorf("fetching individual permissions: %w", err)
			}
			if record != nil {
				tiers.individual = record.Grants
			}
			return nil
		})
	}

	if len(user.TeamIDs) > 0 {
		g.Go(func() error {
			records, err := r.store.FindActiveByScopeAndTargets(gctx, ScopeTeam, user.TeamIDs)
			if err != nil {
				return fmt.Errorf("fetching team permissions: %w", err)
			}
			tiers.teams = make([][]Grant, 0, len(records))
			for _, record := range records {
				tiers.teams = append(tiers.teams, record.Grants)
			}
			return nil
		})
	}

	if user.Role != "" {
		g.Go(func() error {
			record, err := r.store.FindActiveByScope(gctx, ScopeRole, user.Role)
			if err != nil {
				return fmt.Errorf("fetching role permissions: %w", err)
			}
			if record != nil {
				tiers.role = record.Grants
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &tiers, nil
}

// resolve combines the fetched tiers for one platform. Returns nil when no
// tier has an applicable grant.
func (t *tierGrants) resolve(platform Platform) *ResolvedPermission {
	// Individual grants win outright, denial included. A record that exists
	// but carries no grant for this platform falls through; a missing grant
	// is not a denial.
	if grant := findGrant(t.individual, platform); grant != nil {
		return &ResolvedPermission{
			Platform: platform,
			Level:    grant.Level,
			Denied:   grant.Denied,
			Source:   SourceIndividual,
		}
	}

	// Most permissive non-denied team grant. A denied team grant behaves as
	// if the team had no grant at all.
	var best *Grant
	for _, grants := range t.teams {
		grant := findGrant(grants, platform)
		if grant == nil || grant.Denied {
			continue
		}
		if best == nil || grant.Level.MorePermissiveThan(best.Level) {
			best = grant
		}
	}
	if best != nil {
		return &ResolvedPermission{
			Platform: platform,
			Level:    best.Level,
			Denied:   false,
			Source:   SourceTeam,
		}
	}

	if grant := findGrant(t.role, platform); grant != nil && !grant.Denied {
		return &ResolvedPermission{
			Platform: platform,
			Level:    grant.Level,
			Denied:   false,
			Source:   SourceRole,
		}
	}

	return nil
}

// findGrant returns the first grant for platform. Records should hold at most
// one grant per platform; if a malformed record carries duplicates the first
// entry wins.
func findGrant(grants []Grant, platform Platform) *Grant {
	for i := range grants {
		if grants[i].Platform == platform {
			return &grants[i]
		}
	}
	return nil
}
