package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/cache"
	"github.com/kuhlman-labs/workos-user-import/user-import/checkpoint"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// ProcessorOptions configure row processing for one job.
type ProcessorOptions struct {
	// Mode is one of the checkpoint import modes.
	Mode string

	// OrgID is the fixed organization for single-org mode.
	OrgID string

	// RequireMembership rolls back a created user when its membership fails.
	RequireMembership bool

	// DryRun short-circuits every API call with synthesized identifiers.
	DryRun bool

	// UserRoleMapping supplies extra role slugs per external_id.
	UserRoleMapping UserRoleMapping
}

// RowResult reports what one row contributed to the chunk counters.
type RowResult struct {
	Success                bool
	UserCreated            bool
	MembershipCreated      bool
	DuplicateUser          bool
	DuplicateMembership    bool
	RolesAssigned          int
	RoleAssignmentFailures int
}

// RowProcessor drives one CSV row through the import pipeline: build the
// user payload, resolve the organization, create the user, create the
// membership, and assign roles. Every failure is recovered locally: written
// to the error log and reflected in the counters, never propagated.
type RowProcessor struct {
	client   *api.RetryableClient
	limiter  *api.Limiter
	orgs     *cache.OrganizationCache
	roles    *cache.RoleCache
	errorLog *ErrorLog
	opts     ProcessorOptions
}

// NewRowProcessor creates a row processor. The client and limiter may be nil
// only in dry-run mode.
func NewRowProcessor(client *api.RetryableClient, limiter *api.Limiter, orgs *cache.OrganizationCache, roles *cache.RoleCache, errorLog *ErrorLog, opts ProcessorOptions) *RowProcessor {
	return &RowProcessor{
		client:   client,
		limiter:  limiter,
		orgs:     orgs,
		roles:    roles,
		errorLog: errorLog,
		opts:     opts,
	}
}

// Process runs the pipeline for one parsed row. rowErr carries a validation
// error detected while parsing the row; the row is then failed without any
// API traffic. A canceled context aborts without recording an error: the
// chunk is marked failed and the row re-attempted on resume.
func (p *RowProcessor) Process(ctx context.Context, row *Row, rowErr error) RowResult {
	var result RowResult

	if rowErr != nil {
		p.fail(row, ErrorTypeUserCreate, rowErr, "")
		return result
	}
	if row.Email == "" {
		p.fail(row, ErrorTypeUserCreate,
			utils.NewAppError(utils.ErrorTypeValidation, "Missing required email", nil).WithRetry(false), "")
		return result
	}

	orgID, ok := p.resolveOrg(ctx, row)
	if !ok {
		return result
	}

	userID, outcome := p.createUser(ctx, row)
	switch outcome {
	case userFailed:
		return result
	case userDuplicate:
		// The create response carries no user id, so there is nothing to
		// attach a membership or roles to. The row still succeeds.
		result.DuplicateUser = true
		result.Success = true
		return result
	}
	result.UserCreated = true

	if orgID != "" {
		membershipID, outcome := p.createMembership(ctx, row, userID, orgID)
		switch outcome {
		case membershipFailed:
			if p.opts.RequireMembership {
				return result
			}
			// The user is kept; the membership failure is already logged.
			result.Success = true
			return result
		case membershipDuplicate:
			result.DuplicateMembership = true
			// The existing membership's id is unknown, so requested roles
			// cannot be attached to it.
			if slugs := row.MergedRoleSlugs(p.opts.UserRoleMapping); len(slugs) > 0 {
				slog.Warn("membership already exists; requested roles were not applied",
					"email", row.Email,
					"record", row.RecordNumber,
					"org_id", orgID,
					"role_slugs", slugs)
			}
		default:
			result.MembershipCreated = true
		}

		if membershipID != "" {
			assigned, failed := p.assignRoles(ctx, row, userID, orgID, membershipID)
			result.RolesAssigned = assigned
			result.RoleAssignmentFailures = failed
		}
	}

	result.Success = true
	return result
}

// resolveOrg determines the organization for the row. Single-org mode uses
// the configured organization; user-only mode never resolves one. In
// multi-org mode a row without organization columns proceeds without a
// membership unless memberships are required.
func (p *RowProcessor) resolveOrg(ctx context.Context, row *Row) (string, bool) {
	switch p.opts.Mode {
	case checkpoint.ModeSingleOrg:
		return p.opts.OrgID, true
	case checkpoint.ModeUserOnly:
		return "", true
	}

	if row.OrgID == "" && row.OrgExternalID == "" {
		if p.opts.RequireMembership {
			p.fail(row, ErrorTypeOrgResolution,
				utils.NewAppError(utils.ErrorTypeValidation,
					"row has no org_id or org_external_id but memberships are required", nil).WithRetry(false), "")
			return "", false
		}
		return "", true
	}

	orgID, err := p.orgs.Resolve(ctx, cache.ResolveRequest{
		OrgID:         row.OrgID,
		ExternalID:    row.OrgExternalID,
		Name:          row.OrgName,
		CreateMissing: row.OrgName != "",
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", false
		}
		p.fail(row, ErrorTypeOrgResolution, err, "")
		return "", false
	}
	return orgID, true
}

type userOutcome int

const (
	userCreated userOutcome = iota
	userDuplicate
	userFailed
)

func (p *RowProcessor) createUser(ctx context.Context, row *Row) (string, userOutcome) {
	if p.opts.DryRun {
		return fmt.Sprintf("user_dryrun_%d", row.RecordNumber), userCreated
	}

	req := api.CreateUserRequest{
		Email:            row.Email,
		Password:         row.Password,
		PasswordHash:     row.PasswordHash,
		PasswordHashType: row.PasswordHashType,
		FirstName:        row.FirstName,
		LastName:         row.LastName,
		ExternalID:       row.ExternalID,
		Metadata:         row.Metadata,
	}
	if row.EmailVerified != nil {
		req.EmailVerified = *row.EmailVerified
	}

	var user *api.User
	err := p.execute(ctx, func() error {
		var err error
		user, err = p.client.Client.CreateUser(ctx, req)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", userFailed
		}
		if isDuplicate(err) {
			slog.Debug("user already exists", "email", row.Email, "record", row.RecordNumber)
			return "", userDuplicate
		}
		p.fail(row, ErrorTypeUserCreate, err, "")
		return "", userFailed
	}
	return user.ID, userCreated
}

type membershipOutcome int

const (
	membershipCreated membershipOutcome = iota
	membershipDuplicate
	membershipFailed
)

// createMembership attaches the user to the organization. When memberships
// are required and the call fails, the just-created user is deleted
// best-effort so a retry of the row starts clean.
func (p *RowProcessor) createMembership(ctx context.Context, row *Row, userID, orgID string) (string, membershipOutcome) {
	if p.opts.DryRun {
		return fmt.Sprintf("om_dryrun_%d", row.RecordNumber), membershipCreated
	}

	var membership *api.Membership
	err := p.execute(ctx, func() error {
		var err error
		membership, err = p.client.Client.CreateMembership(ctx, api.CreateMembershipRequest{
			UserID:         userID,
			OrganizationID: orgID,
		})
		return err
	})
	if err == nil {
		return membership.ID, membershipCreated
	}
	if ctx.Err() != nil {
		return "", membershipFailed
	}
	if isDuplicate(err) {
		slog.Debug("membership already exists", "email", row.Email, "org_id", orgID)
		return "", membershipDuplicate
	}

	if p.opts.RequireMembership {
		p.deleteUserQuietly(ctx, userID, row.Email)
		p.fail(row, ErrorTypeMembershipCreate, err, "")
		return "", membershipFailed
	}

	p.fail(row, ErrorTypeMembershipCreate, err, userID)
	return "", membershipFailed
}

// deleteUserQuietly rolls back a created user. Failure to delete is logged
// but does not change the row outcome: the membership error is what the
// operator needs to act on.
func (p *RowProcessor) deleteUserQuietly(ctx context.Context, userID, email string) {
	err := p.execute(ctx, func() error {
		return p.client.Client.DeleteUser(ctx, userID)
	})
	if err != nil {
		slog.Warn("failed to delete user after membership failure",
			"user_id", userID, "email", email, "error", err)
	}
}

// assignRoles resolves and assigns each merged role slug. Failures are soft:
// the user and membership are kept and the row stays successful.
func (p *RowProcessor) assignRoles(ctx context.Context, row *Row, userID, orgID, membershipID string) (assigned, failed int) {
	slugs := row.MergedRoleSlugs(p.opts.UserRoleMapping)
	for _, slug := range slugs {
		if ctx.Err() != nil {
			return assigned, failed
		}

		roleID, err := p.roles.Resolve(ctx, slug, orgID)
		if err != nil {
			p.fail(row, ErrorTypeRoleAssignment,
				fmt.Errorf("resolving role %q failed: %w", slug, err), userID)
			failed++
			continue
		}

		if p.opts.DryRun {
			assigned++
			continue
		}

		err = p.execute(ctx, func() error {
			return p.client.Client.AssignRoleToMembership(ctx, membershipID, roleID)
		})
		if err != nil {
			if ctx.Err() != nil {
				return assigned, failed
			}
			p.fail(row, ErrorTypeRoleAssignment,
				fmt.Errorf("assigning role %q failed: %w", slug, err), userID)
			failed++
			continue
		}
		assigned++
	}
	return assigned, failed
}

// execute runs an API call through the shared rate limiter and retry wrapper.
// Each retry attempt acquires a fresh permit.
func (p *RowProcessor) execute(ctx context.Context, fn func() error) error {
	return p.client.ExecuteWithRetry(ctx, func() error {
		if err := p.limiter.Acquire(ctx); err != nil {
			return utils.NewAppError(utils.ErrorTypeGeneral,
				"context canceled while waiting for rate limiter", err).WithRetry(false)
		}
		return fn()
	})
}

// fail writes one error record for the row. The record propagates the API's
// HTTP status, vendor code, and request id verbatim when present.
func (p *RowProcessor) fail(row *Row, errorType string, err error, userID string) {
	rec := ErrorRecord{
		RecordNumber:  row.RecordNumber,
		Email:         row.Email,
		UserID:        userID,
		ErrorType:     errorType,
		ErrorMessage:  err.Error(),
		RawRow:        row.Raw,
		OrgID:         row.OrgID,
		OrgExternalID: row.OrgExternalID,
		RoleSlugs:     row.RoleSlugs,
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		rec.HTTPStatus = apiErr.Status
		rec.WorkOSCode = apiErr.Code
		rec.WorkOSRequestID = apiErr.RequestID
		rec.ErrorMessage = apiErr.Message
	}

	if logErr := p.errorLog.Record(rec); logErr != nil {
		slog.Error("failed to write error record", "record", row.RecordNumber, "error", logErr)
	}
}

func isDuplicate(err error) bool {
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.IsDuplicate()
}
