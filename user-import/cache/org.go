// Package cache provides the shared organization and role lookup caches used
// during an import. Both caches are LRU-bounded with optional TTL expiry,
// coalesce concurrent lookups for the same key, and support snapshot/merge so
// worker caches can be seeded from the coordinator and folded back after each
// chunk.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

const (
	// DefaultCapacity is the default maximum number of cache entries.
	DefaultCapacity = 10000

	// createRaceRetries is how many times a lost create race is re-fetched.
	createRaceRetries = 3

	// createRaceBackoff is the base delay between create-race re-fetches.
	createRaceBackoff = 500 * time.Millisecond
)

// OrgEntry is a cached organization resolution. The same entry may be stored
// under both its "id:" and "ext:" keys.
type OrgEntry struct {
	OrgID      string    `json:"orgId"`
	ExternalID string    `json:"externalId,omitempty"`
	Name       string    `json:"name,omitempty"`
	CachedAt   time.Time `json:"cachedAt"`
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
}

// ResolveRequest identifies the organization a CSV row refers to.
// At most one of OrgID and ExternalID may be set. CreateMissing permits
// creating the organization when an external-id lookup misses; rows carrying
// an org_name set it per call.
type ResolveRequest struct {
	OrgID         string
	ExternalID    string
	Name          string
	CreateMissing bool
}

// OrgOptions configure an OrganizationCache. CreateMissing here is the
// job-level default; a ResolveRequest can enable creation per call.
// A positive TTL expires entries on access; zero leaves expiry off.
type OrgOptions struct {
	Capacity      int
	TTL           time.Duration
	CreateMissing bool
	DryRun        bool
}

// OrganizationCache resolves organization references to WorkOS organization
// IDs, caching successful resolutions. Concurrent misses for the same key are
// coalesced into a single API call.
type OrganizationCache struct {
	client  *api.RetryableClient
	limiter *api.Limiter
	opts    OrgOptions

	entries *lru.Cache[string, OrgEntry]
	group   singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewOrganizationCache creates an organization cache.
// The client and limiter may be nil only when opts.DryRun is set.
func NewOrganizationCache(client *api.RetryableClient, limiter *api.Limiter, opts OrgOptions) (*OrganizationCache, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	entries, err := lru.New[string, OrgEntry](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization cache: %w", err)
	}
	return &OrganizationCache{
		client:  client,
		limiter: limiter,
		opts:    opts,
		entries: entries,
	}, nil
}

// Resolve maps an organization reference to its WorkOS organization ID.
// A request with neither an ID nor an external ID resolves to the empty
// string; a request with both is rejected. Only successful resolutions are
// cached, so transient failures are retried on the next row that needs the
// same organization.
func (c *OrganizationCache) Resolve(ctx context.Context, req ResolveRequest) (string, error) {
	switch {
	case req.OrgID != "" && req.ExternalID != "":
		return "", utils.NewAppError(utils.ErrorTypeValidation,
			"row specifies both org_id and org_external_id", nil).WithRetry(false)
	case req.OrgID == "" && req.ExternalID == "":
		return "", nil
	case req.OrgID != "":
		return c.resolveByID(ctx, req.OrgID)
	default:
		return c.resolveByExternalID(ctx, req)
	}
}

func (c *OrganizationCache) resolveByID(ctx context.Context, orgID string) (string, error) {
	key := "id:" + orgID
	if entry, ok := c.lookup(key); ok {
		return entry.OrgID, nil
	}

	if c.opts.DryRun {
		c.insert(OrgEntry{OrgID: orgID})
		return orgID, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if entry, ok := c.peek(key); ok {
			return entry.OrgID, nil
		}

		var org *api.Organization
		err := c.execute(ctx, func() error {
			var err error
			org, err = c.client.Client.GetOrganization(ctx, orgID)
			return err
		})
		if err != nil {
			if isNotFound(err) {
				return nil, utils.NewAppError(utils.ErrorTypeValidation,
					fmt.Sprintf("organization %q not found", orgID), err).WithRetry(false)
			}
			return nil, err
		}

		c.insert(entryFromOrganization(org))
		return org.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *OrganizationCache) resolveByExternalID(ctx context.Context, req ResolveRequest) (string, error) {
	key := "ext:" + req.ExternalID
	if entry, ok := c.lookup(key); ok {
		return entry.OrgID, nil
	}

	if c.opts.DryRun {
		entry := OrgEntry{
			OrgID:      "org_dryrun_" + req.ExternalID,
			ExternalID: req.ExternalID,
			Name:       req.Name,
		}
		c.insert(entry)
		return entry.OrgID, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if entry, ok := c.peek(key); ok {
			return entry.OrgID, nil
		}

		org, err := c.fetchByExternalID(ctx, req.ExternalID)
		if err == nil {
			c.insert(entryFromOrganization(org))
			return org.ID, nil
		}
		if !isNotFound(err) {
			return nil, err
		}

		if !c.opts.CreateMissing && !req.CreateMissing {
			return nil, utils.NewAppError(utils.ErrorTypeValidation,
				fmt.Sprintf("organization with external id %q not found", req.ExternalID), err).WithRetry(false)
		}

		org, err = c.createOrganization(ctx, req)
		if err != nil {
			return nil, err
		}
		c.insert(entryFromOrganization(org))
		return org.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// createOrganization creates the missing organization. Losing a create race
// to another worker surfaces as a conflict; the winner's organization becomes
// visible shortly after, so the loser re-fetches with backoff.
func (c *OrganizationCache) createOrganization(ctx context.Context, req ResolveRequest) (*api.Organization, error) {
	name := req.Name
	if name == "" {
		name = req.ExternalID
	}

	var org *api.Organization
	err := c.execute(ctx, func() error {
		var err error
		org, err = c.client.Client.CreateOrganization(ctx, api.CreateOrganizationRequest{
			Name:       name,
			ExternalID: req.ExternalID,
		})
		return err
	})
	if err == nil {
		return org, nil
	}

	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		return nil, fmt.Errorf("create organization %q failed: %w", req.ExternalID, err)
	}

	err = utils.RetryWithBackoff(createRaceRetries, createRaceBackoff, func() error {
		var fetchErr error
		org, fetchErr = c.fetchByExternalID(ctx, req.ExternalID)
		if fetchErr != nil && isNotFound(fetchErr) {
			// Not visible yet; retryable until the attempts run out.
			return utils.NewAppError(utils.ErrorTypeAPI,
				fmt.Sprintf("organization %q not visible after create conflict", req.ExternalID), fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (c *OrganizationCache) fetchByExternalID(ctx context.Context, externalID string) (*api.Organization, error) {
	var org *api.Organization
	err := c.execute(ctx, func() error {
		var err error
		org, err = c.client.Client.GetOrganizationByExternalID(ctx, externalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// execute runs an API call through the shared rate limiter and retry wrapper.
// Each retry attempt acquires a fresh permit.
func (c *OrganizationCache) execute(ctx context.Context, fn func() error) error {
	return c.client.ExecuteWithRetry(ctx, func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return utils.NewAppError(utils.ErrorTypeGeneral,
				"context canceled while waiting for rate limiter", err).WithRetry(false)
		}
		return fn()
	})
}

// lookup fetches a key, enforcing TTL expiry, and counts a hit or miss.
func (c *OrganizationCache) lookup(key string) (OrgEntry, bool) {
	entry, ok := c.entries.Get(key)
	if ok && c.expired(entry) {
		c.entries.Remove(key)
		ok = false
	}
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return entry, ok
}

// peek re-checks a key without touching recency or counters. Used inside the
// coalescing group to catch entries inserted while waiting.
func (c *OrganizationCache) peek(key string) (OrgEntry, bool) {
	entry, ok := c.entries.Peek(key)
	if ok && c.expired(entry) {
		return OrgEntry{}, false
	}
	return entry, ok
}

func (c *OrganizationCache) expired(entry OrgEntry) bool {
	return c.opts.TTL > 0 && time.Since(entry.CachedAt) > c.opts.TTL
}

// insert stores an entry under its ID key and, when the organization carries
// an external ID, under the external-ID key as well.
func (c *OrganizationCache) insert(entry OrgEntry) {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	if evicted := c.entries.Add("id:"+entry.OrgID, entry); evicted {
		c.evictions.Add(1)
	}
	if entry.ExternalID != "" {
		if evicted := c.entries.Add("ext:"+entry.ExternalID, entry); evicted {
			c.evictions.Add(1)
		}
	}
}

// Snapshot returns a copy of all live entries keyed by cache key.
func (c *OrganizationCache) Snapshot() map[string]OrgEntry {
	out := make(map[string]OrgEntry, c.entries.Len())
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok && !c.expired(entry) {
			out[key] = entry
		}
	}
	return out
}

// Seed loads entries from a deserialized snapshot, stamping a fresh CachedAt
// so a resumed job does not immediately expire its warm entries. Add-only
// like Merge. Returns the number of entries added.
func (c *OrganizationCache) Seed(entries map[string]OrgEntry) int {
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

// Merge adds entries that are not already present. Existing keys win, so a
// worker folding its delta back into the coordinator never clobbers fresher
// resolutions. Returns the number of entries added.
func (c *OrganizationCache) Merge(entries map[string]OrgEntry) int {
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
func (c *OrganizationCache) Len() int {
	return c.entries.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *OrganizationCache) Stats() Stats {
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

func entryFromOrganization(org *api.Organization) OrgEntry {
	return OrgEntry{
		OrgID:      org.ID,
		ExternalID: org.ExternalID,
		Name:       org.Name,
		CachedAt:   time.Now().UTC(),
	}
}

func isNotFound(err error) bool {
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}
