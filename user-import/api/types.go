// Package api provides functionality for interacting with the WorkOS User Management REST API.
// It includes rate limiting, a typed client with retry support, and utilities for efficient API consumption.
package api

import "time"

// User represents a WorkOS user record.
type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	FirstName     string         `json:"first_name,omitempty"`
	LastName      string         `json:"last_name,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	ExternalID    string         `json:"external_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Organization represents a WorkOS organization record.
type Organization struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Membership represents a user's membership in an organization.
type Membership struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	RoleSlug       string    `json:"role_slug,omitempty"`
	Status         string    `json:"status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Role type values returned by the roles endpoints.
const (
	RoleTypeEnvironment  = "environment"
	RoleTypeOrganization = "organization"
)

// Role represents an environment- or organization-scoped role.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Type        string    `json:"type"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents a permission that can be attached to roles.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateUserRequest is the payload for creating a user.
// Exactly one of Password or PasswordHash may be set; PasswordHashType
// accompanies PasswordHash (bcrypt, firebase-scrypt, ssha, or pbkdf2).
type CreateUserRequest struct {
	Email            string         `json:"email"`
	Password         string         `json:"password,omitempty"`
	PasswordHash     string         `json:"password_hash,omitempty"`
	PasswordHashType string         `json:"password_hash_type,omitempty"`
	FirstName        string         `json:"first_name,omitempty"`
	LastName         string         `json:"last_name,omitempty"`
	EmailVerified    bool           `json:"email_verified,omitempty"`
	ExternalID       string         `json:"external_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// CreateOrganizationRequest is the payload for creating an organization.
type CreateOrganizationRequest struct {
	Name       string `json:"name"`
	ExternalID string `json:"external_id,omitempty"`
}

// CreateMembershipRequest is the payload for creating an organization membership.
type CreateMembershipRequest struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	RoleSlug       string `json:"role_slug,omitempty"`
}

// CreateRoleRequest is the payload for creating a role.
type CreateRoleRequest struct {
	Name            string   `json:"name"`
	Slug            string   `json:"slug"`
	PermissionSlugs []string `json:"permission_slugs,omitempty"`
}

// CreatePermissionRequest is the payload for creating a permission.
type CreatePermissionRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
}

// ListMetadata carries the pagination cursors returned by list endpoints.
type ListMetadata struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// roleList is the envelope returned by the role list endpoints.
type roleList struct {
	Data         []*Role      `json:"data"`
	ListMetadata ListMetadata `json:"list_metadata"`
}

// permissionList is the envelope returned by the permission list endpoint.
type permissionList struct {
	Data         []*Permission `json:"data"`
	ListMetadata ListMetadata  `json:"list_metadata"`
}
