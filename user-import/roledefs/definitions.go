// Package roledefs implements the role-definitions pre-import step: it reads
// a role-definitions CSV, makes sure the referenced permissions exist, and
// creates missing environment- and organization-scoped roles before a user
// import assigns them.
package roledefs

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// Definition is one row of the role-definitions CSV.
type Definition struct {
	RecordNumber  int
	Slug          string
	Name          string
	Type          string
	Permissions   []string
	OrgID         string
	OrgExternalID string
}

// LoadDefinitions reads a role-definitions CSV. Required columns are
// role_slug and role_type; role_name defaults to the slug. The permissions
// column accepts a JSON string array or a comma-separated list.
func LoadDefinitions(path string) ([]Definition, error) {
	// #nosec G304  // the path comes from operator-supplied configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("opening role definitions %q failed", path), err).WithRetry(false)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Error("failed to close role definitions file", "path", path, "error", cerr)
		}
	}()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
			fmt.Sprintf("role definitions %q has no header", path), err).WithRetry(false)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	columns := map[string]int{}
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"role_slug", "role_type"} {
		if _, ok := columns[required]; !ok {
			return nil, utils.NewAppError(utils.ErrorTypeValidation,
				fmt.Sprintf("role definitions %q is missing the %s column", path, required), nil).WithRetry(false)
		}
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var defs []Definition
	recordNumber := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
				fmt.Sprintf("parsing role definitions %q failed", path), err).WithRetry(false)
		}
		recordNumber++

		perms, err := parsePermissions(field(record, "permissions"))
		if err != nil {
			return nil, utils.NewAppError(utils.ErrorTypeValidation,
				fmt.Sprintf("row %d of %q has invalid permissions", recordNumber, path), err).WithRetry(false)
		}

		def := Definition{
			RecordNumber:  recordNumber,
			Slug:          field(record, "role_slug"),
			Name:          field(record, "role_name"),
			Type:          strings.ToLower(field(record, "role_type")),
			Permissions:   perms,
			OrgID:         field(record, "org_id"),
			OrgExternalID: field(record, "org_external_id"),
		}
		if def.Name == "" {
			def.Name = def.Slug
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// parsePermissions accepts a JSON string array or a comma-separated list.
func parsePermissions(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "[") {
		var slugs []string
		if err := json.Unmarshal([]byte(value), &slugs); err != nil {
			return nil, fmt.Errorf("invalid JSON permission list: %w", err)
		}
		return slugs, nil
	}
	var slugs []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			slugs = append(slugs, part)
		}
	}
	return slugs, nil
}

// validType reports whether the role_type value is recognized.
func validType(roleType string) bool {
	return roleType == api.RoleTypeEnvironment || roleType == api.RoleTypeOrganization
}
