// Package engine implements the import pipeline: CSV streaming, row
// processing against the WorkOS API, chunked execution with a local
// concurrency semaphore, the JSONL error log, and the coordinator that
// drives the worker pool over the checkpoint's pending chunks.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// Row is one parsed CSV data row. Known columns land in typed fields; every
// column the header carried, known or not, stays verbatim in Raw so error
// records and the retry CSV can reproduce the original row.
type Row struct {
	RecordNumber int

	Email            string
	FirstName        string
	LastName         string
	EmailVerified    *bool
	ExternalID       string
	Password         string
	PasswordHash     string
	PasswordHashType string
	Metadata         map[string]any

	OrgID         string
	OrgExternalID string
	OrgName       string

	RoleSlugs []string

	Raw map[string]string
}

// UserRoleMapping maps a user's external_id to extra role slugs, typically
// produced by a provider transformer alongside the user CSV.
type UserRoleMapping map[string][]string

// MergedRoleSlugs combines the row's role_slugs column with any mapping
// entry for the row's external_id, deduplicated in first-occurrence order.
func (r *Row) MergedRoleSlugs(mapping UserRoleMapping) []string {
	extra := mapping[r.ExternalID]
	if len(r.RoleSlugs) == 0 && len(extra) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(r.RoleSlugs)+len(extra))
	merged := make([]string, 0, len(r.RoleSlugs)+len(extra))
	for _, slug := range r.RoleSlugs {
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		merged = append(merged, slug)
	}
	for _, slug := range extra {
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		merged = append(merged, slug)
	}
	return merged
}

// buildRow maps a CSV record onto a Row. The raw map is always fully
// populated; a value that fails to parse returns the partial row together
// with a validation error so the failure can be logged with full context.
func buildRow(columns, record []string, number int) (*Row, error) {
	row := &Row{
		RecordNumber: number,
		Raw:          make(map[string]string, len(columns)),
	}

	for i, col := range columns {
		if i >= len(record) {
			break
		}
		value := strings.TrimSpace(record[i])
		row.Raw[col] = value

		switch col {
		case "email":
			row.Email = value
		case "first_name":
			row.FirstName = value
		case "last_name":
			row.LastName = value
		case "external_id":
			row.ExternalID = value
		case "password":
			row.Password = value
		case "password_hash":
			row.PasswordHash = value
		case "password_hash_type":
			row.PasswordHashType = value
		case "org_id":
			row.OrgID = value
		case "org_external_id":
			row.OrgExternalID = value
		case "org_name":
			row.OrgName = value
		}
	}

	verified, err := parseBoolish(row.Raw["email_verified"])
	if err != nil {
		return row, err
	}
	row.EmailVerified = verified

	metadata, err := parseMetadata(row.Raw["metadata"])
	if err != nil {
		return row, err
	}
	row.Metadata = metadata

	slugs, err := parseRoleSlugs(row.Raw["role_slugs"])
	if err != nil {
		return row, err
	}
	row.RoleSlugs = slugs

	return row, nil
}

// parseBoolish interprets the accepted truthy/falsy spellings. A blank value
// means undefined.
func parseBoolish(value string) (*bool, error) {
	if value == "" {
		return nil, nil
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "y":
		v := true
		return &v, nil
	case "false", "0", "no", "n":
		v := false
		return &v, nil
	}
	return nil, utils.NewAppError(utils.ErrorTypeValidation,
		fmt.Sprintf("Invalid boolean value %q in email_verified", value), nil).WithRetry(false)
}

// parseMetadata decodes the metadata column as a JSON object.
func parseMetadata(value string) (map[string]any, error) {
	if value == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(value), &metadata); err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeValidation, "Invalid JSON in metadata", err).WithRetry(false)
	}
	return metadata, nil
}

// parseRoleSlugs accepts either a JSON array of strings or a comma-separated
// list.
func parseRoleSlugs(value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}

	if strings.HasPrefix(value, "[") {
		var slugs []string
		if err := json.Unmarshal([]byte(value), &slugs); err != nil {
			return nil, utils.NewAppError(utils.ErrorTypeValidation, "Invalid JSON in role_slugs", err).WithRetry(false)
		}
		for i := range slugs {
			slugs[i] = strings.TrimSpace(slugs[i])
		}
		return slugs, nil
	}

	parts := strings.Split(value, ",")
	slugs := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			slugs = append(slugs, part)
		}
	}
	return slugs, nil
}
