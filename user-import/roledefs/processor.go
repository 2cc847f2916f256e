package roledefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/cache"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// Row outcomes.
const (
	StatusCreated = "created"
	StatusExists  = "exists"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// WarningPermissionMismatch marks an existing role whose permission set
// differs from the definition. The role is never overwritten.
const WarningPermissionMismatch = "permission_mismatch"

// Result is the outcome of processing one definition.
type Result struct {
	Definition Definition
	Status     string
	RoleID     string
	Err        error

	// Warning, Missing, and Extra are set for permission mismatches: Missing
	// lists defined permissions the existing role lacks, Extra lists
	// permissions the role has beyond the definition.
	Warning string
	Missing []string
	Extra   []string
}

// Options configure a role-definitions run.
type Options struct {
	// OrgID is the fallback organization for org-scoped rows that carry no
	// organization reference of their own.
	OrgID  string
	DryRun bool
}

// Processor runs role definitions against the API, reusing the organization
// cache for org resolution and the role cache for existence checks.
type Processor struct {
	client  *api.RetryableClient
	limiter *api.Limiter
	orgs    *cache.OrganizationCache
	roles   *cache.RoleCache
	opts    Options

	// failedPermissions remembers permission slugs that could not be
	// ensured; rows referencing them fail instead of creating broken roles.
	failedPermissions map[string]error
}

// NewProcessor creates a role-definitions processor. The client and limiter
// may be nil only in dry-run mode.
func NewProcessor(client *api.RetryableClient, limiter *api.Limiter, orgs *cache.OrganizationCache, roles *cache.RoleCache, opts Options) *Processor {
	return &Processor{
		client:            client,
		limiter:           limiter,
		orgs:              orgs,
		roles:             roles,
		opts:              opts,
		failedPermissions: map[string]error{},
	}
}

// Run processes every definition in order: permissions are ensured first in
// one pass, then each role is checked against the cache and created when
// missing. The returned results parallel the input.
func (p *Processor) Run(ctx context.Context, defs []Definition) ([]Result, error) {
	if err := p.ensurePermissions(ctx, defs); err != nil {
		return nil, err
	}
	if !p.opts.DryRun {
		if err := p.roles.WarmEnvironment(ctx); err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(defs))
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result := p.processDefinition(ctx, def)
		p.logResult(result)
		results = append(results, result)
	}
	return results, nil
}

// ensurePermissions makes every referenced permission slug exist, listing the
// environment's permissions once and creating the missing ones.
func (p *Processor) ensurePermissions(ctx context.Context, defs []Definition) error {
	referenced := map[string]bool{}
	for _, def := range defs {
		for _, slug := range def.Permissions {
			referenced[slug] = true
		}
	}
	if len(referenced) == 0 || p.opts.DryRun {
		return nil
	}

	var existing []*api.Permission
	err := p.execute(ctx, func() error {
		var err error
		existing, err = p.client.Client.ListPermissions(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing permissions failed: %w", err)
	}

	known := map[string]bool{}
	for _, perm := range existing {
		known[perm.Slug] = true
	}

	slugs := make([]string, 0, len(referenced))
	for slug := range referenced {
		if !known[slug] {
			slugs = append(slugs, slug)
		}
	}
	sort.Strings(slugs)

	for _, slug := range slugs {
		err := p.execute(ctx, func() error {
			_, err := p.client.Client.CreatePermission(ctx, api.CreatePermissionRequest{
				Name: slug,
				Slug: slug,
			})
			return err
		})
		if err != nil {
			if isDuplicate(err) {
				continue
			}
			slog.Warn("failed to create permission", "slug", slug, "error", err)
			p.failedPermissions[slug] = err
			continue
		}
		slog.Info("permission created", "slug", slug)
	}
	return nil
}

func (p *Processor) processDefinition(ctx context.Context, def Definition) Result {
	result := Result{Definition: def}

	if def.Slug == "" {
		result.Status = StatusFailed
		result.Err = utils.NewAppError(utils.ErrorTypeValidation,
			fmt.Sprintf("row %d has no role_slug", def.RecordNumber), nil).WithRetry(false)
		return result
	}
	if !validType(def.Type) {
		result.Status = StatusFailed
		result.Err = utils.NewAppError(utils.ErrorTypeValidation,
			fmt.Sprintf("row %d has unknown role_type %q", def.RecordNumber, def.Type), nil).WithRetry(false)
		return result
	}
	for _, slug := range def.Permissions {
		if err, failed := p.failedPermissions[slug]; failed {
			result.Status = StatusFailed
			result.Err = fmt.Errorf("permission %q could not be ensured: %w", slug, err)
			return result
		}
	}

	orgID, skip, err := p.resolveOrg(ctx, def)
	if err != nil {
		result.Status = StatusFailed
		result.Err = err
		return result
	}
	if skip {
		result.Status = StatusSkipped
		return result
	}

	if orgID != "" && !p.opts.DryRun {
		if err := p.roles.WarmOrganization(ctx, orgID); err != nil {
			result.Status = StatusFailed
			result.Err = err
			return result
		}
	}

	lookupOrg := ""
	if def.Type == api.RoleTypeOrganization {
		lookupOrg = orgID
	}
	if entry, ok := p.roles.Lookup(def.Slug, lookupOrg); ok {
		result.Status = StatusExists
		result.RoleID = entry.RoleID
		result.Missing, result.Extra = diffPermissions(def.Permissions, entry.Permissions)
		if len(result.Missing) > 0 || len(result.Extra) > 0 {
			result.Warning = WarningPermissionMismatch
		}
		return result
	}

	roleID, err := p.createRole(ctx, def, orgID)
	if err != nil {
		result.Status = StatusFailed
		result.Err = err
		return result
	}
	result.Status = StatusCreated
	result.RoleID = roleID
	return result
}

// resolveOrg finds the organization an org-scoped definition applies to.
// Environment-scoped rows need none; org-scoped rows without any reference
// are skipped.
func (p *Processor) resolveOrg(ctx context.Context, def Definition) (orgID string, skip bool, err error) {
	if def.Type != api.RoleTypeOrganization {
		return "", false, nil
	}
	if def.OrgID == "" && def.OrgExternalID == "" {
		if p.opts.OrgID != "" {
			return p.opts.OrgID, false, nil
		}
		return "", true, nil
	}

	orgID, err = p.orgs.Resolve(ctx, cache.ResolveRequest{
		OrgID:      def.OrgID,
		ExternalID: def.OrgExternalID,
	})
	if err != nil {
		return "", false, err
	}
	return orgID, false, nil
}

// createRole creates the role and assigns its permissions in a second call.
func (p *Processor) createRole(ctx context.Context, def Definition, orgID string) (string, error) {
	if p.opts.DryRun {
		role := &api.Role{
			ID:          "role_dryrun_" + def.Slug,
			Name:        def.Name,
			Slug:        def.Slug,
			Type:        def.Type,
			Permissions: def.Permissions,
		}
		p.roles.Insert(role, orgID)
		return role.ID, nil
	}

	req := api.CreateRoleRequest{Name: def.Name, Slug: def.Slug}
	var role *api.Role
	err := p.execute(ctx, func() error {
		var err error
		if def.Type == api.RoleTypeOrganization {
			role, err = p.client.Client.CreateOrganizationRole(ctx, orgID, req)
		} else {
			role, err = p.client.Client.CreateEnvironmentRole(ctx, req)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("creating role %q failed: %w", def.Slug, err)
	}

	if len(def.Permissions) > 0 {
		err := p.execute(ctx, func() error {
			return p.client.Client.AssignPermissionsToRole(ctx, role.ID, def.Permissions)
		})
		if err != nil {
			return "", fmt.Errorf("assigning permissions to role %q failed: %w", def.Slug, err)
		}
		role.Permissions = def.Permissions
	}

	p.roles.Insert(role, orgID)
	return role.ID, nil
}

func (p *Processor) logResult(result Result) {
	attrs := []any{
		"record", result.Definition.RecordNumber,
		"slug", result.Definition.Slug,
		"type", result.Definition.Type,
		"status", result.Status,
	}
	if result.RoleID != "" {
		attrs = append(attrs, "role_id", result.RoleID)
	}
	switch {
	case result.Err != nil:
		attrs = append(attrs, "error", result.Err)
		slog.Error("role definition failed", attrs...)
	case result.Warning != "":
		attrs = append(attrs, "warning", result.Warning, "missing", result.Missing, "extra", result.Extra)
		slog.Warn("role permissions differ from definition", attrs...)
	default:
		slog.Info("role definition processed", attrs...)
	}
}

// execute runs an API call through the shared rate limiter and retry wrapper.
func (p *Processor) execute(ctx context.Context, fn func() error) error {
	return p.client.ExecuteWithRetry(ctx, func() error {
		if err := p.limiter.Acquire(ctx); err != nil {
			return utils.NewAppError(utils.ErrorTypeGeneral,
				"context canceled while waiting for rate limiter", err).WithRetry(false)
		}
		return fn()
	})
}

// diffPermissions compares a definition's permission set against an existing
// role's, returning both sides of the difference sorted.
func diffPermissions(defined, existing []string) (missing, extra []string) {
	definedSet := map[string]bool{}
	for _, slug := range defined {
		definedSet[slug] = true
	}
	existingSet := map[string]bool{}
	for _, slug := range existing {
		existingSet[slug] = true
	}

	for slug := range definedSet {
		if !existingSet[slug] {
			missing = append(missing, slug)
		}
	}
	for slug := range existingSet {
		if !definedSet[slug] {
			extra = append(extra, slug)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// Counts tallies results by status.
type Counts struct {
	Created int
	Exists  int
	Skipped int
	Failed  int
}

// Summarize folds a result list into per-status counts.
func Summarize(results []Result) Counts {
	var c Counts
	for _, r := range results {
		switch r.Status {
		case StatusCreated:
			c.Created++
		case StatusExists:
			c.Exists++
		case StatusSkipped:
			c.Skipped++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

func isDuplicate(err error) bool {
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.IsDuplicate()
}
