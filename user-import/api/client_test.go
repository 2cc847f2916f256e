package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient starts an httptest server with the given handler and returns
// a Client pointed at it.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL)
}

func TestCreateUser(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/user_management/users", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CreateUserRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "jane@example.com", req.Email)
		assert.Equal(t, "ext-42", req.ExternalID)
		assert.True(t, req.EmailVerified)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(User{
			ID:            "user_01HXExample",
			Email:         req.Email,
			FirstName:     req.FirstName,
			ExternalID:    req.ExternalID,
			EmailVerified: req.EmailVerified,
		})
	}))

	user, err := client.CreateUser(context.Background(), CreateUserRequest{
		Email:         "jane@example.com",
		FirstName:     "Jane",
		EmailVerified: true,
		ExternalID:    "ext-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "user_01HXExample", user.ID)
	assert.Equal(t, "jane@example.com", user.Email)
}

func TestCreateUserValidationError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-ID", "req_123abc")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_email","message":"Email is not a valid email address."}`))
	}))

	_, err := client.CreateUser(context.Background(), CreateUserRequest{Email: "not-an-email"})
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr), "error should unwrap to *Error")
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "invalid_email", apiErr.Code)
	assert.Equal(t, "Email is not a valid email address.", apiErr.Message)
	assert.Equal(t, "req_123abc", apiErr.RequestID)
	assert.False(t, apiErr.IsRateLimit())
	assert.False(t, apiErr.IsDuplicate())
}

func TestGetOrganization(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/organizations/org_01HXAcme", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Organization{ID: "org_01HXAcme", Name: "Acme", ExternalID: "acme-ext"})
	}))

	org, err := client.GetOrganization(context.Background(), "org_01HXAcme")
	require.NoError(t, err)
	assert.Equal(t, "org_01HXAcme", org.ID)
	assert.Equal(t, "Acme", org.Name)
}

func TestGetOrganizationNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"entity_not_found","message":"Organization not found."}`))
	}))

	_, err := client.GetOrganization(context.Background(), "org_missing")
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsNotFound())
}

func TestGetOrganizationByExternalID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/organizations/external_id/acme-ext", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Organization{ID: "org_01HXAcme", Name: "Acme", ExternalID: "acme-ext"})
	}))

	org, err := client.GetOrganizationByExternalID(context.Background(), "acme-ext")
	require.NoError(t, err)
	assert.Equal(t, "acme-ext", org.ExternalID)
}

func TestCreateMembershipDuplicate(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"user_already_member","message":"User is already a member of this organization."}`))
	}))

	_, err := client.CreateMembership(context.Background(), CreateMembershipRequest{
		UserID:         "user_01HX",
		OrganizationID: "org_01HX",
	})
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsDuplicate())
}

func TestRateLimitWithRetryAfter(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limit_exceeded","message":"Too many requests."}`))
	}))

	_, err := client.CreateUser(context.Background(), CreateUserRequest{Email: "a@b.com"})
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsRateLimit())
	assert.Equal(t, 2*time.Second, apiErr.RetryAfter)
}

func TestDeleteUser(t *testing.T) {
	deleted := false
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/user_management/users/user_01HXGone", r.URL.Path)
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.DeleteUser(context.Background(), "user_01HXGone"))
	assert.True(t, deleted)
}

func TestListOrganizationRolesPagination(t *testing.T) {
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/organizations/org_01HX/roles", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("after") {
		case "":
			_ = json.NewEncoder(w).Encode(roleList{
				Data: []*Role{
					{ID: "role_1", Slug: "admin", Type: RoleTypeEnvironment},
					{ID: "role_2", Slug: "member", Type: RoleTypeEnvironment},
				},
				ListMetadata: ListMetadata{After: "role_2"},
			})
		case "role_2":
			_ = json.NewEncoder(w).Encode(roleList{
				Data: []*Role{
					{ID: "role_3", Slug: "billing-admin", Type: RoleTypeOrganization},
				},
			})
		default:
			t.Errorf("unexpected after cursor %q", r.URL.Query().Get("after"))
		}
	}))

	roles, err := client.ListOrganizationRoles(context.Background(), "org_01HX")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "should fetch both pages")
	require.Len(t, roles, 3)
	assert.Equal(t, "billing-admin", roles[2].Slug)
	assert.Equal(t, RoleTypeOrganization, roles[2].Type)
}

func TestAssignPermissionsToRole(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/roles/role_01HX/permissions", r.URL.Path)

		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"reports:read", "reports:write"}, body["permission_slugs"])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))

	err := client.AssignPermissionsToRole(context.Background(), "role_01HX", []string{"reports:read", "reports:write"})
	require.NoError(t, err)
}

func TestErrorFallbackShapes(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantCode    string
		wantMessage string
	}{
		{
			name:        "OAuthStyleBody",
			status:      http.StatusUnauthorized,
			body:        `{"error":"invalid_api_key","error_description":"API key is invalid."}`,
			wantCode:    "invalid_api_key",
			wantMessage: "API key is invalid.",
		},
		{
			name:        "NonJSONBody",
			status:      http.StatusBadGateway,
			body:        "upstream exploded",
			wantCode:    "",
			wantMessage: "upstream exploded",
		},
		{
			name:        "EmptyBody",
			status:      http.StatusInternalServerError,
			body:        "",
			wantCode:    "",
			wantMessage: "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := client.GetOrganization(context.Background(), "org_x")
			require.Error(t, err)

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
		})
	}
}
