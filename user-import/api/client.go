// Package api provides functionality for interacting with the WorkOS User Management REST API.
// It includes rate limiting, a typed client with retry support, and utilities for efficient API consumption.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBaseURL is the production WorkOS API endpoint.
const DefaultBaseURL = "https://api.workos.com"

// listPageSize is the page size used for paginated list endpoints.
const listPageSize = 100

// Client is a typed HTTP client for the WorkOS User Management API.
// Authentication is carried by the underlying http.Client transport
// (an oauth2 static bearer token in production).
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Client backed by the given http.Client and base URL.
// A nil httpClient falls back to http.DefaultClient; an empty baseURL falls
// back to DefaultBaseURL.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the base URL the client sends requests to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do executes a single API request and decodes the JSON response into out.
// Non-2xx responses are returned as *Error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Error("failed to close response body", "error", cerr)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return newError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response for %s %s: %w", method, path, err)
	}
	return nil
}

// GetOrganization fetches an organization by its WorkOS ID.
func (c *Client) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	slog.Debug("fetching organization", "org_id", orgID)

	var org Organization
	if err := c.do(ctx, http.MethodGet, "/organizations/"+url.PathEscape(orgID), nil, nil, &org); err != nil {
		return nil, fmt.Errorf("get organization %q failed: %w", orgID, err)
	}
	return &org, nil
}

// GetOrganizationByExternalID fetches an organization by the external ID it
// was created with.
func (c *Client) GetOrganizationByExternalID(ctx context.Context, externalID string) (*Organization, error) {
	slog.Debug("fetching organization by external id", "external_id", externalID)

	var org Organization
	if err := c.do(ctx, http.MethodGet, "/organizations/external_id/"+url.PathEscape(externalID), nil, nil, &org); err != nil {
		return nil, fmt.Errorf("get organization by external id %q failed: %w", externalID, err)
	}
	return &org, nil
}

// CreateOrganization creates a new organization.
func (c *Client) CreateOrganization(ctx context.Context, req CreateOrganizationRequest) (*Organization, error) {
	slog.Debug("creating organization", "name", req.Name, "external_id", req.ExternalID)

	var org Organization
	if err := c.do(ctx, http.MethodPost, "/organizations", nil, req, &org); err != nil {
		return nil, fmt.Errorf("create organization %q failed: %w", req.Name, err)
	}
	return &org, nil
}

// CreateUser creates a new user.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	slog.Debug("creating user", "email", req.Email)

	var user User
	if err := c.do(ctx, http.MethodPost, "/user_management/users", nil, req, &user); err != nil {
		return nil, fmt.Errorf("create user %q failed: %w", req.Email, err)
	}
	return &user, nil
}

// DeleteUser deletes a user by ID. Used to roll back a created user when a
// required membership could not be established.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	slog.Debug("deleting user", "user_id", userID)

	if err := c.do(ctx, http.MethodDelete, "/user_management/users/"+url.PathEscape(userID), nil, nil, nil); err != nil {
		return fmt.Errorf("delete user %q failed: %w", userID, err)
	}
	return nil
}

// CreateMembership adds a user to an organization.
func (c *Client) CreateMembership(ctx context.Context, req CreateMembershipRequest) (*Membership, error) {
	slog.Debug("creating membership", "user_id", req.UserID, "org_id", req.OrganizationID)

	var membership Membership
	if err := c.do(ctx, http.MethodPost, "/user_management/organization_memberships", nil, req, &membership); err != nil {
		return nil, fmt.Errorf("create membership for user %q in organization %q failed: %w", req.UserID, req.OrganizationID, err)
	}
	return &membership, nil
}

// AssignRoleToMembership attaches an additional role to an organization membership.
func (c *Client) AssignRoleToMembership(ctx context.Context, membershipID, roleID string) error {
	slog.Debug("assigning role to membership", "membership_id", membershipID, "role_id", roleID)

	body := map[string]string{"role_id": roleID}
	path := "/user_management/organization_memberships/" + url.PathEscape(membershipID) + "/roles"
	if err := c.do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return fmt.Errorf("assign role %q to membership %q failed: %w", roleID, membershipID, err)
	}
	return nil
}

// ListOrganizationRoles retrieves all roles visible to the given organization,
// which includes both environment-scoped and organization-scoped roles.
// Results are paginated and combined.
func (c *Client) ListOrganizationRoles(ctx context.Context, orgID string) ([]*Role, error) {
	slog.Debug("listing organization roles", "org_id", orgID)

	return c.listRoles(ctx, "/organizations/"+url.PathEscape(orgID)+"/roles")
}

// ListEnvironmentRoles retrieves all environment-scoped roles.
func (c *Client) ListEnvironmentRoles(ctx context.Context) ([]*Role, error) {
	slog.Debug("listing environment roles")

	return c.listRoles(ctx, "/roles")
}

// listRoles pages through a role list endpoint using the after cursor.
func (c *Client) listRoles(ctx context.Context, path string) ([]*Role, error) {
	var allRoles []*Role
	after := ""

	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprintf("%d", listPageSize))
		if after != "" {
			query.Set("after", after)
		}

		var page roleList
		if err := c.do(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return nil, fmt.Errorf("list roles at %q failed: %w", path, err)
		}
		slog.Debug("fetched roles page", "count", len(page.Data), "after_cursor", page.ListMetadata.After)
		allRoles = append(allRoles, page.Data...)

		if page.ListMetadata.After == "" {
			break
		}
		after = page.ListMetadata.After
	}

	slog.Debug("found roles", "count", len(allRoles))
	return allRoles, nil
}

// CreateEnvironmentRole creates an environment-scoped role.
func (c *Client) CreateEnvironmentRole(ctx context.Context, req CreateRoleRequest) (*Role, error) {
	slog.Debug("creating environment role", "slug", req.Slug)

	var role Role
	if err := c.do(ctx, http.MethodPost, "/roles", nil, req, &role); err != nil {
		return nil, fmt.Errorf("create environment role %q failed: %w", req.Slug, err)
	}
	return &role, nil
}

// CreateOrganizationRole creates a role scoped to a single organization.
func (c *Client) CreateOrganizationRole(ctx context.Context, orgID string, req CreateRoleRequest) (*Role, error) {
	slog.Debug("creating organization role", "org_id", orgID, "slug", req.Slug)

	var role Role
	path := "/organizations/" + url.PathEscape(orgID) + "/roles"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &role); err != nil {
		return nil, fmt.Errorf("create organization role %q in organization %q failed: %w", req.Slug, orgID, err)
	}
	return &role, nil
}

// ListPermissions retrieves all permissions in the environment with pagination.
func (c *Client) ListPermissions(ctx context.Context) ([]*Permission, error) {
	slog.Debug("listing permissions")

	var allPermissions []*Permission
	after := ""

	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprintf("%d", listPageSize))
		if after != "" {
			query.Set("after", after)
		}

		var page permissionList
		if err := c.do(ctx, http.MethodGet, "/permissions", query, nil, &page); err != nil {
			return nil, fmt.Errorf("list permissions failed: %w", err)
		}
		slog.Debug("fetched permissions page", "count", len(page.Data), "after_cursor", page.ListMetadata.After)
		allPermissions = append(allPermissions, page.Data...)

		if page.ListMetadata.After == "" {
			break
		}
		after = page.ListMetadata.After
	}

	slog.Debug("found permissions", "count", len(allPermissions))
	return allPermissions, nil
}

// CreatePermission creates a new permission.
func (c *Client) CreatePermission(ctx context.Context, req CreatePermissionRequest) (*Permission, error) {
	slog.Debug("creating permission", "slug", req.Slug)

	var permission Permission
	if err := c.do(ctx, http.MethodPost, "/permissions", nil, req, &permission); err != nil {
		return nil, fmt.Errorf("create permission %q failed: %w", req.Slug, err)
	}
	return &permission, nil
}

// AssignPermissionsToRole replaces the permission set attached to a role.
func (c *Client) AssignPermissionsToRole(ctx context.Context, roleID string, permissionSlugs []string) error {
	slog.Debug("assigning permissions to role", "role_id", roleID, "permissions", len(permissionSlugs))

	body := map[string][]string{"permission_slugs": permissionSlugs}
	if err := c.do(ctx, http.MethodPut, "/roles/"+url.PathEscape(roleID)+"/permissions", nil, body, nil); err != nil {
		return fmt.Errorf("assign permissions to role %q failed: %w", roleID, err)
	}
	return nil
}
