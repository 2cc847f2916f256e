// Package cache provides the shared organization and role lookup caches used
// during an import.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// ErrRoleNotFound indicates a role slug could not be resolved even after
// warming the cache from the organization's role list.
var ErrRoleNotFound = errors.New("role not found")

// RoleEntry is a cached role resolution.
type RoleEntry struct {
	RoleID      string    `json:"roleId"`
	Slug        string    `json:"slug"`
	Type        string    `json:"type"`
	Permissions []string  `json:"permissions,omitempty"`
	OrgID       string    `json:"orgId,omitempty"`
	CachedAt    time.Time `json:"cachedAt"`
}

// RoleOptions configure a RoleCache.
// A positive TTL expires entries on access; zero leaves expiry off.
type RoleOptions struct {
	Capacity int
	TTL      time.Duration
	DryRun   bool
}

// RoleCache resolves role slugs to role IDs. Environment-scoped roles are
// stored under "env:<slug>" and organization-scoped roles under
// "org:<orgId>:<slug>". A miss warms the cache by listing the organization's
// roles once; the listing is coalesced and remembered per organization.
type RoleCache struct {
	client  *api.RetryableClient
	limiter *api.Limiter
	opts    RoleOptions

	entries *lru.Cache[string, RoleEntry]
	group   singleflight.Group

	warmedMu sync.Mutex
	warmed   map[string]bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewRoleCache creates a role cache.
// The client and limiter may be nil only when opts.DryRun is set.
func NewRoleCache(client *api.RetryableClient, limiter *api.Limiter, opts RoleOptions) (*RoleCache, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	entries, err := lru.New[string, RoleEntry](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create role cache: %w", err)
	}
	return &RoleCache{
		client:  client,
		limiter: limiter,
		opts:    opts,
		entries: entries,
		warmed:  make(map[string]bool),
	}, nil
}

// Resolve maps a role slug to its role ID, preferring an organization-scoped
// role over an environment-scoped one with the same slug. On a miss with an
// organization in scope, the organization's role list is fetched once and
// every returned role is cached before re-checking. A slug that is still
// unknown resolves to ErrRoleNotFound.
func (c *RoleCache) Resolve(ctx context.Context, slug, orgID string) (string, error) {
	if slug == "" {
		return "", nil
	}

	if entry, ok := c.lookup(slug, orgID); ok {
		return entry.RoleID, nil
	}

	if c.opts.DryRun {
		entry := RoleEntry{RoleID: "role_dryrun_" + slug, Slug: slug}
		key := "env:" + slug
		if orgID != "" {
			entry.Type = api.RoleTypeOrganization
			entry.OrgID = orgID
			key = "org:" + orgID + ":" + slug
		} else {
			entry.Type = api.RoleTypeEnvironment
		}
		c.insertEntry(key, entry)
		return entry.RoleID, nil
	}

	if orgID == "" {
		return "", fmt.Errorf("role %q: %w", slug, ErrRoleNotFound)
	}

	if err := c.WarmOrganization(ctx, orgID); err != nil {
		return "", err
	}

	if entry, ok := c.peekKeys(slug, orgID); ok {
		return entry.RoleID, nil
	}
	return "", fmt.Errorf("role %q not found in organization %q: %w", slug, orgID, ErrRoleNotFound)
}

// WarmOrganization lists the organization's roles (environment and
// organization scoped) and caches each one. The listing happens at most once
// per organization per cache; concurrent warms are coalesced.
func (c *RoleCache) WarmOrganization(ctx context.Context, orgID string) error {
	if c.opts.DryRun {
		return nil
	}

	c.warmedMu.Lock()
	already := c.warmed[orgID]
	c.warmedMu.Unlock()
	if already {
		return nil
	}

	_, err, _ := c.group.Do("warm:"+orgID, func() (any, error) {
		c.warmedMu.Lock()
		already := c.warmed[orgID]
		c.warmedMu.Unlock()
		if already {
			return nil, nil
		}

		var roles []*api.Role
		err := c.execute(ctx, func() error {
			var err error
			roles, err = c.client.Client.ListOrganizationRoles(ctx, orgID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("warming role cache for organization %q failed: %w", orgID, err)
		}

		for _, role := range roles {
			c.insertRole(role, orgID)
		}

		c.warmedMu.Lock()
		c.warmed[orgID] = true
		c.warmedMu.Unlock()
		return nil, nil
	})
	return err
}

// WarmEnvironment lists the environment-scoped roles and caches each one.
// Used by the role-definitions processor, which must check environment roles
// without an organization in scope. Coalesced and remembered like an
// organization warm.
func (c *RoleCache) WarmEnvironment(ctx context.Context) error {
	if c.opts.DryRun {
		return nil
	}

	c.warmedMu.Lock()
	already := c.warmed["env"]
	c.warmedMu.Unlock()
	if already {
		return nil
	}

	_, err, _ := c.group.Do("warm:env", func() (any, error) {
		c.warmedMu.Lock()
		already := c.warmed["env"]
		c.warmedMu.Unlock()
		if already {
			return nil, nil
		}

		var roles []*api.Role
		err := c.execute(ctx, func() error {
			var err error
			roles, err = c.client.Client.ListEnvironmentRoles(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("warming role cache for environment roles failed: %w", err)
		}

		for _, role := range roles {
			c.insertRole(role, "")
		}

		c.warmedMu.Lock()
		c.warmed["env"] = true
		c.warmedMu.Unlock()
		return nil, nil
	})
	return err
}

// Lookup returns the cached entry for a slug without triggering any warm,
// preferring the organization-scoped key.
func (c *RoleCache) Lookup(slug, orgID string) (RoleEntry, bool) {
	return c.peekKeys(slug, orgID)
}

// Insert caches a role record directly, as when the caller just created it.
func (c *RoleCache) Insert(role *api.Role, orgID string) {
	c.insertRole(role, orgID)
}

// execute runs an API call through the shared rate limiter and retry wrapper.
func (c *RoleCache) execute(ctx context.Context, fn func() error) error {
	return c.client.ExecuteWithRetry(ctx, func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return utils.NewAppError(utils.ErrorTypeGeneral,
				"context canceled while waiting for rate limiter", err).WithRetry(false)
		}
		return fn()
	})
}

// lookup checks the organization-scoped key then the environment key,
// counting a single hit or miss for the pair.
func (c *RoleCache) lookup(slug, orgID string) (RoleEntry, bool) {
	if entry, ok := c.peekKeys(slug, orgID); ok {
		c.hits.Add(1)
		return entry, true
	}
	c.misses.Add(1)
	return RoleEntry{}, false
}

// peekKeys checks both candidate keys without counting stats.
func (c *RoleCache) peekKeys(slug, orgID string) (RoleEntry, bool) {
	if orgID != "" {
		if entry, ok := c.get("org:" + orgID + ":" + slug); ok {
			return entry, true
		}
	}
	return c.get("env:" + slug)
}

// get fetches a single key, enforcing TTL expiry.
func (c *RoleCache) get(key string) (RoleEntry, bool) {
	entry, ok := c.entries.Get(key)
	if ok && c.expired(entry) {
		c.entries.Remove(key)
		return RoleEntry{}, false
	}
	return entry, ok
}

func (c *RoleCache) expired(entry RoleEntry) bool {
	return c.opts.TTL > 0 && time.Since(entry.CachedAt) > c.opts.TTL
}

func (c *RoleCache) insertRole(role *api.Role, orgID string) {
	entry := RoleEntry{
		RoleID:      role.ID,
		Slug:        role.Slug,
		Type:        role.Type,
		Permissions: role.Permissions,
		CachedAt:    time.Now().UTC(),
	}
	key := "env:" + role.Slug
	if role.Type == api.RoleTypeOrganization {
		entry.OrgID = orgID
		key = "org:" + orgID + ":" + role.Slug
	}
	c.insertEntry(key, entry)
}

func (c *RoleCache) insertEntry(key string, entry RoleEntry) {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	if evicted := c.entries.Add(key, entry); evicted {
		c.evictions.Add(1)
	}
}

// Snapshot returns a copy of all live entries keyed by cache key.
func (c *RoleCache) Snapshot() map[string]RoleEntry {
	out := make(map[string]RoleEntry, c.entries.Len())
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok && !c.expired(entry) {
			out[key] = entry
		}
	}
	return out
}

// Seed loads entries from a snapshot with a fresh CachedAt, add-only.
// Returns the number of entries added.
func (c *RoleCache) Seed(entries map[string]RoleEntry) int {
	now := time.Now().UTC()
	added := 0
	for key, entry := range entries {
		if _, ok := c.entries.Peek(key); ok {
			continue
		}
		entry.CachedAt = now
		if evicted := c.entries.Add(key, entry); evicted {
			c.evictions.Add(1)
		}
		added++
	}
	return added
}

// Merge adds entries that are not already present; existing keys win.
// Returns the number of entries added.
func (c *RoleCache) Merge(entries map[string]RoleEntry) int {
	added := 0
	for key, entry := range entries {
		if _, ok := c.entries.Peek(key); ok {
			continue
		}
		if evicted := c.entries.Add(key, entry); evicted {
			c.evictions.Add(1)
		}
		added++
	}
	return added
}

// Len returns the number of cached entries.
func (c *RoleCache) Len() int {
	return c.entries.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *RoleCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
