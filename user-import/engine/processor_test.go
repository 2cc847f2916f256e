package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/cache"
	"github.com/kuhlman-labs/workos-user-import/user-import/checkpoint"
)

// fakeTarget is a minimal in-memory rendition of the WorkOS endpoints the
// engine drives. Behavior knobs let individual tests inject failures.
type fakeTarget struct {
	mu          sync.Mutex
	users       []api.CreateUserRequest
	memberships []api.CreateMembershipRequest
	deletes     []string
	roleAssigns []string
	orgCreates  int

	// orgsByExternalID backs the organization lookup endpoints.
	orgsByExternalID map[string]api.Organization

	// rolesByOrg backs the role listing endpoint.
	rolesByOrg map[string][]*api.Role

	// userStatus, if set, decides the status for the next user create per
	// email. A zero or missing value means 201.
	userStatus map[string][]int

	// membershipStatus queues status codes for membership creates.
	membershipStatus []int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		orgsByExternalID: map[string]api.Organization{},
		rolesByOrg:       map[string][]*api.Role{},
		userStatus:       map[string][]int{},
	}
}

func (f *fakeTarget) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /user_management/users", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateUserRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		status := 0
		if queue := f.userStatus[req.Email]; len(queue) > 0 {
			status, f.userStatus[req.Email] = queue[0], queue[1:]
		}
		if status == 0 || status == http.StatusCreated {
			f.users = append(f.users, req)
		}
		n := len(f.users)
		f.mu.Unlock()

		switch status {
		case 0, http.StatusCreated:
			writeTestJSON(t, w, http.StatusCreated, api.User{ID: fmt.Sprintf("user_%08d", n), Email: req.Email})
		case http.StatusTooManyRequests:
			w.Header().Set("Retry-After", "0")
			writeTestJSON(t, w, status, map[string]string{"code": "rate_limit_exceeded", "message": "Rate limit exceeded"})
		case http.StatusConflict:
			writeTestJSON(t, w, status, map[string]string{"code": "user_already_exists", "message": "User already exists."})
		default:
			writeTestJSON(t, w, status, map[string]string{"code": "invalid_request", "message": "Invalid request."})
		}
	})

	mux.HandleFunc("DELETE /user_management/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deletes = append(f.deletes, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /user_management/organization_memberships", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateMembershipRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		status := 0
		if len(f.membershipStatus) > 0 {
			status, f.membershipStatus = f.membershipStatus[0], f.membershipStatus[1:]
		}
		if status == 0 || status == http.StatusCreated {
			f.memberships = append(f.memberships, req)
		}
		n := len(f.memberships)
		f.mu.Unlock()

		switch status {
		case 0, http.StatusCreated:
			writeTestJSON(t, w, http.StatusCreated, api.Membership{
				ID:             fmt.Sprintf("om_%08d", n),
				UserID:         req.UserID,
				OrganizationID: req.OrganizationID,
			})
		case http.StatusConflict:
			writeTestJSON(t, w, status, map[string]string{"code": "organization_membership_already_exists", "message": "User is already a member."})
		default:
			writeTestJSON(t, w, status, map[string]string{"code": "invalid_request", "message": "Membership rejected."})
		}
	})

	mux.HandleFunc("POST /user_management/organization_memberships/{id}/roles", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.roleAssigns = append(f.roleAssigns, body["role_id"])
		f.mu.Unlock()
		writeTestJSON(t, w, http.StatusCreated, map[string]string{"object": "role_assignment"})
	})

	mux.HandleFunc("GET /organizations/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		writeTestJSON(t, w, http.StatusOK, api.Organization{ID: id, Name: "Org " + id})
	})

	mux.HandleFunc("GET /organizations/external_id/{ext}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		org, ok := f.orgsByExternalID[r.PathValue("ext")]
		f.mu.Unlock()
		if !ok {
			writeTestJSON(t, w, http.StatusNotFound, map[string]string{"code": "entity_not_found", "message": "Organization not found."})
			return
		}
		writeTestJSON(t, w, http.StatusOK, org)
	})

	mux.HandleFunc("POST /organizations", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateOrganizationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		f.orgCreates++
		org := api.Organization{
			ID:         fmt.Sprintf("org_created_%s", req.ExternalID),
			Name:       req.Name,
			ExternalID: req.ExternalID,
		}
		f.orgsByExternalID[req.ExternalID] = org
		f.mu.Unlock()
		writeTestJSON(t, w, http.StatusCreated, org)
	})

	// A literal "roles" segment here would conflict with the external-id
	// wildcard above, so the role listing matches the wider shape and checks
	// the segment itself.
	mux.HandleFunc("GET /organizations/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("action") != "roles" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		roles := f.rolesByOrg[r.PathValue("id")]
		f.mu.Unlock()
		writeTestJSON(t, w, http.StatusOK, map[string]any{
			"data":          roles,
			"list_metadata": api.ListMetadata{},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTestJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// newTestProcessor wires a processor against the fake target with a fast
// retry clock and a generous limiter.
func newTestProcessor(t *testing.T, srv *httptest.Server, opts ProcessorOptions) (*RowProcessor, *ErrorLog) {
	t.Helper()

	var client *api.RetryableClient
	var limiter *api.Limiter
	if srv != nil {
		client = api.NewRetryableClient(api.NewClient(srv.Client(), srv.URL), 3, time.Millisecond)
		limiter = api.NewLimiter(1000, 100)
	}

	orgs, err := cache.NewOrganizationCache(client, limiter, cache.OrgOptions{
		CreateMissing: true,
		DryRun:        opts.DryRun,
	})
	require.NoError(t, err)
	roles, err := cache.NewRoleCache(client, limiter, cache.RoleOptions{DryRun: opts.DryRun})
	require.NoError(t, err)

	errorLog, err := OpenErrorLog(filepath.Join(t.TempDir(), "errors.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = errorLog.Close() })

	return NewRowProcessor(client, limiter, orgs, roles, errorLog, opts), errorLog
}

func readErrorRecords(t *testing.T, errorLog *ErrorLog) []ErrorRecord {
	t.Helper()
	require.NoError(t, errorLog.Close())

	data, err := os.ReadFile(errorLog.Path())
	require.NoError(t, err)

	var records []ErrorRecord
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec ErrorRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func testRow(number int, email string) *Row {
	return &Row{
		RecordNumber: number,
		Email:        email,
		Raw:          map[string]string{"email": email},
	}
}

func TestProcessRowSingleOrgHappyPath(t *testing.T) {
	target := newFakeTarget()
	srv := target.server(t)
	proc, _ := newTestProcessor(t, srv, ProcessorOptions{
		Mode:  checkpoint.ModeSingleOrg,
		OrgID: "org_A",
	})

	result := proc.Process(context.Background(), testRow(1, "alice@example.com"), nil)

	assert.True(t, result.Success)
	assert.True(t, result.UserCreated)
	assert.True(t, result.MembershipCreated)
	require.Len(t, target.memberships, 1)
	assert.Equal(t, "org_A", target.memberships[0].OrganizationID)
}

func TestProcessRowMissingEmail(t *testing.T) {
	proc, errorLog := newTestProcessor(t, nil, ProcessorOptions{Mode: checkpoint.ModeUserOnly, DryRun: true})

	result := proc.Process(context.Background(), testRow(1, ""), nil)

	assert.False(t, result.Success)
	records := readErrorRecords(t, errorLog)
	require.Len(t, records, 1)
	assert.Equal(t, ErrorTypeUserCreate, records[0].ErrorType)
	assert.Equal(t, "Missing required email", records[0].ErrorMessage)
	assert.Equal(t, 1, records[0].RecordNumber)
}

func TestProcessRowRateLimitThenRecover(t *testing.T) {
	target := newFakeTarget()
	target.userStatus["alice@example.com"] = []int{http.StatusTooManyRequests}
	srv := target.server(t)
	proc, errorLog := newTestProcessor(t, srv, ProcessorOptions{Mode: checkpoint.ModeUserOnly})

	result := proc.Process(context.Background(), testRow(1, "alice@example.com"), nil)

	assert.True(t, result.Success, "the retry after a 429 must succeed")
	assert.True(t, result.UserCreated)
	require.Len(t, target.users, 1)
	assert.Empty(t, readErrorRecords(t, errorLog), "a recovered rate limit leaves no error record")
}

func TestProcessRowDuplicateUser(t *testing.T) {
	target := newFakeTarget()
	target.userStatus["alice@example.com"] = []int{http.StatusConflict}
	srv := target.server(t)
	proc, errorLog := newTestProcessor(t, srv, ProcessorOptions{
		Mode:  checkpoint.ModeSingleOrg,
		OrgID: "org_A",
	})

	result := proc.Process(context.Background(), testRow(1, "alice@example.com"), nil)

	assert.True(t, result.Success)
	assert.True(t, result.DuplicateUser)
	assert.False(t, result.UserCreated)
	assert.Empty(t, target.memberships, "no membership without a user id")
	assert.Empty(t, readErrorRecords(t, errorLog))
}

func TestProcessRowMembershipFailureRequireMembership(t *testing.T) {
	target := newFakeTarget()
	target.membershipStatus = []int{http.StatusUnprocessableEntity}
	srv := target.server(t)
	proc, errorLog := newTestProcessor(t, srv, ProcessorOptions{
		Mode:              checkpoint.ModeSingleOrg,
		OrgID:             "org_A",
		RequireMembership: true,
	})

	result := proc.Process(context.Background(), testRow(1, "alice@example.com"), nil)

	assert.False(t, result.Success)
	assert.Len(t, target.deletes, 1, "the created user must be rolled back")

	records := readErrorRecords(t, errorLog)
	require.Len(t, records, 1)
	assert.Equal(t, ErrorTypeMembershipCreate, records[0].ErrorType)
	assert.Equal(t, http.StatusUnprocessableEntity, records[0].HTTPStatus)
	assert.Empty(t, records[0].UserID, "a rolled-back user id must not be recorded")
}

func TestProcessRowMembershipFailureKeepsUser(t *testing.T) {
	target := newFakeTarget()
	target.membershipStatus = []int{http.StatusUnprocessableEntity}
	srv := target.server(t)
	proc, errorLog := newTestProcessor(t, srv, ProcessorOptions{
		Mode:  checkpoint.ModeSingleOrg,
		OrgID: "org_A",
	})

	result := proc.Process(context.Background(), testRow(1, "alice@example.com"), nil)

	assert.True(t, result.Success, "without require-membership the row still succeeds")
	assert.True(t, result.UserCreated)
	assert.False(t, result.MembershipCreated)
	assert.Empty(t, target.deletes)

	records := readErrorRecords(t, errorLog)
	require.Len(t, records, 1)
	assert.Equal(t, ErrorTypeMembershipCreate, records[0].ErrorType)
	assert.NotEmpty(t, records[0].UserID, "the kept user id travels with the record")
}

func TestProcessRowDuplicateMembership(t *testing.T) {
	target := newFakeTarget()
	target.membershipStatus = []int{http.StatusConflict}
	srv := target.server(t)
	proc, errorLog := newTestProcessor(t, srv, ProcessorOptions{
		Mode:  checkpoint.ModeSingleOrg,
		OrgID: "org_A",
	})

	result := proc.Process(context.Background(), testRow(1, "alice@example.com"), nil)

	assert.True(t, result.Success)
	assert.True(t, result.DuplicateMembership)
	assert.False(t, result.MembershipCreated)
	assert.Empty(t, readErrorRecords(t, errorLog))
}

func TestProcessRowDuplicateMembershipSkipsRolesWithWarning(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	target := newFakeTarget()
	target.membershipStatus = []int{http.StatusConflict}
	srv := target.server(t)
	proc, errorLog := newTestProcessor(t, srv, ProcessorOptions{
		Mode:  checkpoint.ModeSingleOrg,
		OrgID: "org_A",
	})

	row := testRow(1, "alice@example.com")
	row.RoleSlugs = []string{"admin"}

	result := proc.Process(context.Background(), row, nil)

	assert.True(t, result.Success)
	assert.True(t, result.DuplicateMembership)
	assert.Zero(t, result.RolesAssigned)
	assert.Empty(t, target.roleAssigns, "roles cannot attach to an unknown membership id")
	assert.Empty(t, readErrorRecords(t, errorLog))

	assert.Contains(t, buf.String(), "requested roles were not applied")
	assert.Contains(t, buf.String(), "admin")
}

func TestProcessRowAssignsRoles(t *testing.T) {
	target := newFakeTarget()
	target.rolesByOrg["org_A"] = []*api.Role{
		{ID: "role_admin", Slug: "admin", Type: api.RoleTypeOrganization},
	}
	srv := target.server(t)
	proc, errorLog := newTestProcessor(t, srv, ProcessorOptions{
		Mode:  checkpoint.ModeSingleOrg,
		OrgID: "org_A",
	})

	row := testRow(1, "alice@example.com")
	row.RoleSlugs = []string{"admin", "ghost"}

	result := proc.Process(context.Background(), row, nil)

	assert.True(t, result.Success, "role failures never fail the row")
	assert.Equal(t, 1, result.RolesAssigned)
	assert.Equal(t, 1, result.RoleAssignmentFailures)
	assert.Equal(t, []string{"role_admin"}, target.roleAssigns)

	records := readErrorRecords(t, errorLog)
	require.Len(t, records, 1)
	assert.Equal(t, ErrorTypeRoleAssignment, records[0].ErrorType)
	assert.Contains(t, records[0].ErrorMessage, "ghost")
}

func TestProcessRowMultiOrgResolvesAndCreates(t *testing.T) {
	target := newFakeTarget()
	srv := target.server(t)
	proc, _ := newTestProcessor(t, srv, ProcessorOptions{Mode: checkpoint.ModeMultiOrg})

	row := testRow(1, "alice@example.com")
	row.OrgExternalID = "ext_1"
	row.OrgName = "Acme"

	result := proc.Process(context.Background(), row, nil)

	assert.True(t, result.Success)
	assert.Equal(t, 1, target.orgCreates)
	require.Len(t, target.memberships, 1)
	assert.Equal(t, "org_created_ext_1", target.memberships[0].OrganizationID)
}

func TestProcessRowMultiOrgAssignsRoles(t *testing.T) {
	target := newFakeTarget()
	target.orgsByExternalID["ext_1"] = api.Organization{ID: "org_X", ExternalID: "ext_1"}
	target.rolesByOrg["org_X"] = []*api.Role{
		{ID: "role_admin", Slug: "admin", Type: api.RoleTypeOrganization},
	}
	srv := target.server(t)
	proc, _ := newTestProcessor(t, srv, ProcessorOptions{Mode: checkpoint.ModeMultiOrg})

	// One row drives both organization lookups: resolve by external id, then
	// list the resolved organization's roles.
	row := testRow(1, "alice@example.com")
	row.OrgExternalID = "ext_1"
	row.RoleSlugs = []string{"admin"}

	result := proc.Process(context.Background(), row, nil)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.RolesAssigned)
	require.Len(t, target.memberships, 1)
	assert.Equal(t, "org_X", target.memberships[0].OrganizationID)
	assert.Equal(t, []string{"role_admin"}, target.roleAssigns)
}

func TestProcessRowBothOrgColumnsFails(t *testing.T) {
	proc, errorLog := newTestProcessor(t, nil, ProcessorOptions{Mode: checkpoint.ModeMultiOrg, DryRun: true})

	row := testRow(1, "alice@example.com")
	row.OrgID = "org_A"
	row.OrgExternalID = "ext_1"

	result := proc.Process(context.Background(), row, nil)

	assert.False(t, result.Success)
	records := readErrorRecords(t, errorLog)
	require.Len(t, records, 1)
	assert.Equal(t, ErrorTypeOrgResolution, records[0].ErrorType)
	assert.Contains(t, records[0].ErrorMessage, "both org_id and org_external_id")
}

func TestProcessRowDryRun(t *testing.T) {
	proc, errorLog := newTestProcessor(t, nil, ProcessorOptions{Mode: checkpoint.ModeMultiOrg, DryRun: true})

	row := testRow(1, "alice@example.com")
	row.OrgExternalID = "ext_1"
	row.RoleSlugs = []string{"admin"}

	result := proc.Process(context.Background(), row, nil)

	assert.True(t, result.Success)
	assert.True(t, result.UserCreated)
	assert.True(t, result.MembershipCreated)
	assert.Equal(t, 1, result.RolesAssigned)
	assert.Empty(t, readErrorRecords(t, errorLog))
}
