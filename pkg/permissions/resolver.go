package permissions

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/schoolworks/aegis/pkg/observability"
)

// Resolver computes effective permission sets. Resolved sets are cached
// briefly; override writes invalidate the affected account so callers never
// act on a stale grant for long.
type Resolver struct {
	store   *Store
	cache   *expirable.LRU[string, []string]
	metrics *observability.Metrics
	now     func() time.Time
}

// cache sizing: effective sets are small and per-account
const (
	cacheSize = 4096
	cacheTTL  = 30 * time.Second
)

// NewResolver creates a permission resolver. metrics may be nil.
func NewResolver(store *Store, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		store:   store,
		cache:   expirable.NewLRU[string, []string](cacheSize, nil, cacheTTL),
		metrics: metrics,
		now:     time.Now,
	}
}

// EffectivePermissions resolves the full permission set for the subject:
// the union of its roles' static sets and live granted overrides, minus
// live revoking overrides. Revocation wins even over a role grant.
func (r *Resolver) EffectivePermissions(ctx context.Context, subject Subject) ([]string, error) {
	if cached, ok := r.cache.Get(subject.AccountID); ok {
		if r.metrics != nil {
			r.metrics.PermissionCacheHits.Inc()
		}
		out := make([]string, len(cached))
		copy(out, cached)
		return out, nil
	}
	if r.metrics != nil {
		r.metrics.PermissionCacheMisses.Inc()
	}

	overrides, err := r.store.ListLiveForAccount(ctx, subject.AccountID, r.now())
	if err != nil {
		return nil, err
	}

	resolved := Resolve(subject, overrides, r.now())
	r.cache.Add(subject.AccountID, resolved)

	out := make([]string, len(resolved))
	copy(out, resolved)
	return out, nil
}

// HasEffectivePermission resolves the subject's set and checks one token
func (r *Resolver) HasEffectivePermission(ctx context.Context, subject Subject, permission string) (bool, error) {
	perms, err := r.EffectivePermissions(ctx, subject)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

// SetOverride writes a grant or revocation for (account, permission),
// replacing any previous override, and invalidates the cached set.
func (r *Resolver) SetOverride(ctx context.Context, o *Override) error {
	if err := r.store.Upsert(ctx, o); err != nil {
		return err
	}
	r.cache.Remove(o.AccountID)
	return nil
}

// ClearOverride removes the override for (account, permission)
func (r *Resolver) ClearOverride(ctx context.Context, accountID, permission string) error {
	if err := r.store.Delete(ctx, accountID, permission); err != nil {
		return err
	}
	r.cache.Remove(accountID)
	return nil
}

// Invalidate drops the cached set for an account. Called when roles change.
func (r *Resolver) Invalidate(accountID string) {
	r.cache.Remove(accountID)
}

// Resolve is the pure resolution function over a subject and its overrides.
// Expired overrides have no effect; liveness is evaluated at the given
// instant.
func Resolve(subject Subject, overrides []Override, now time.Time) []string {
	set := make(map[string]bool)
	for _, p := range RolePermissions(subject.PrimaryRole) {
		set[p] = true
	}
	for _, role := range subject.AdditionalRoles {
		for _, p := range RolePermissions(role) {
			set[p] = true
		}
	}

	for _, o := range overrides {
		if !o.Live(now) {
			continue
		}
		if o.Granted {
			set[o.Permission] = true
		} else {
			delete(set, o.Permission)
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SelfOrPermission implements the standard authorization rule: a caller may
// act on their own resource, otherwise the named permission is required.
func (r *Resolver) SelfOrPermission(ctx context.Context, subject Subject, targetAccountID, permission string) (bool, error) {
	if subject.AccountID == targetAccountID {
		return true, nil
	}
	return r.HasEffectivePermission(ctx, subject, permission)
}
