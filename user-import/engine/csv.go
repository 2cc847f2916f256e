package engine

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// knownColumns are the CSV columns the importer understands. Anything else
// is carried through Raw untouched and warned about once.
var knownColumns = map[string]bool{
	"email":              true,
	"first_name":         true,
	"last_name":          true,
	"email_verified":     true,
	"external_id":        true,
	"password":           true,
	"password_hash":      true,
	"password_hash_type": true,
	"metadata":           true,
	"org_id":             true,
	"org_external_id":    true,
	"org_name":           true,
	"role_slugs":         true,
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// warnedColumns remembers unknown column names already warned about. Every
// chunk reopens the CSV, so without it the warning would repeat per chunk
// per worker.
var warnedColumns sync.Map

// Reader streams data rows from an import CSV. The header is validated at
// open time: email must be present and unknown columns are warned about once.
type Reader struct {
	file         *os.File
	csv          *csv.Reader
	columns      []string
	recordNumber int
}

// OpenCSV opens the import CSV and reads its header.
func OpenCSV(path string) (*Reader, error) {
	// #nosec G304  // the path comes from operator-supplied configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("opening csv file %q failed", path), err).WithRetry(false)
	}

	br := bufio.NewReader(f)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(bom, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			closeQuietly(f)
			return nil, utils.NewAppError(utils.ErrorTypeIO,
				fmt.Sprintf("reading csv file %q failed", path), err).WithRetry(false)
		}
	}

	r := csv.NewReader(br)
	header, err := r.Read()
	if err != nil {
		closeQuietly(f)
		if errors.Is(err, io.EOF) {
			return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
				fmt.Sprintf("csv file %q is empty", path), nil).WithRetry(false)
		}
		return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
			fmt.Sprintf("reading csv header from %q failed", path), err).WithRetry(false)
	}

	columns := make([]string, len(header))
	hasEmail := false
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		columns[i] = name
		if name == "email" {
			hasEmail = true
		} else if !knownColumns[name] {
			if _, seen := warnedColumns.LoadOrStore(name, true); !seen {
				slog.Warn("ignoring unknown csv column", "column", name)
			}
		}
	}
	if !hasEmail {
		closeQuietly(f)
		return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
			fmt.Sprintf("csv file %q has no email column", path), nil).WithRetry(false)
	}

	return &Reader{file: f, csv: r, columns: columns}, nil
}

// Columns returns the normalized header column names.
func (r *Reader) Columns() []string {
	return r.columns
}

// Next returns the next data row. Structural CSV damage (bad quoting, field
// count drift) is a CSVParse error, fatal for the chunk reading it. A value
// that fails validation returns the partial row together with a Validation
// error so the row can be failed individually. io.EOF signals the end.
func (r *Reader) Next() (*Row, error) {
	record, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
			fmt.Sprintf("csv parse error after record %d", r.recordNumber), err).WithRetry(false)
	}
	r.recordNumber++
	return buildRow(r.columns, record, r.recordNumber)
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

func closeQuietly(f *os.File) {
	if err := f.Close(); err != nil {
		slog.Error("failed to close csv file", "error", err)
	}
}

// CountRows returns the number of data rows in the CSV (header excluded).
// The whole file is scanned, so structural damage anywhere surfaces here,
// before any chunk is planned on top of it.
func CountRows(path string) (int, error) {
	r, err := OpenCSV(path)
	if err != nil {
		return 0, err
	}
	defer closeQuietly(r.file)

	count := 0
	for {
		_, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, utils.NewAppError(utils.ErrorTypeCSVParse,
				fmt.Sprintf("csv parse error after record %d of %q", count, path), err).WithRetry(false)
		}
		count++
	}
}

// OrgRef is one unique organization reference found during the pre-scan.
type OrgRef struct {
	ExternalID string
	Name       string
}

// ScanOrganizations extracts the unique (org_external_id, org_name) pairs
// from the CSV in first-seen order. The coordinator resolves these before
// the workers start so concurrent workers never race to create the same
// organization.
func ScanOrganizations(path string) ([]OrgRef, error) {
	r, err := OpenCSV(path)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(r.file)

	extIdx, nameIdx := -1, -1
	for i, col := range r.columns {
		switch col {
		case "org_external_id":
			extIdx = i
		case "org_name":
			nameIdx = i
		}
	}
	if extIdx == -1 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var refs []OrgRef
	for {
		record, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			return refs, nil
		}
		if err != nil {
			return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
				fmt.Sprintf("csv parse error while scanning organizations in %q", path), err).WithRetry(false)
		}
		if extIdx >= len(record) {
			continue
		}
		ext := strings.TrimSpace(record[extIdx])
		if ext == "" || seen[ext] {
			continue
		}
		seen[ext] = true
		ref := OrgRef{ExternalID: ext}
		if nameIdx >= 0 && nameIdx < len(record) {
			ref.Name = strings.TrimSpace(record[nameIdx])
		}
		refs = append(refs, ref)
	}
}

// LoadUserRoleMapping reads an external_id -> role_slugs CSV, the artifact
// provider transformers emit alongside the user CSV. Repeated external ids
// accumulate slugs.
func LoadUserRoleMapping(path string) (UserRoleMapping, error) {
	// #nosec G304  // the path comes from operator-supplied configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("opening user roles csv %q failed", path), err).WithRetry(false)
	}
	defer closeQuietly(f)

	br := bufio.NewReader(f)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(bom, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, utils.NewAppError(utils.ErrorTypeIO,
				fmt.Sprintf("reading user roles csv %q failed", path), err).WithRetry(false)
		}
	}

	r := csv.NewReader(br)
	header, err := r.Read()
	if err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
			fmt.Sprintf("reading header of user roles csv %q failed", path), err).WithRetry(false)
	}

	extIdx, slugIdx := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "external_id":
			extIdx = i
		case "role_slugs":
			slugIdx = i
		}
	}
	if extIdx == -1 || slugIdx == -1 {
		return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
			fmt.Sprintf("user roles csv %q must have external_id and role_slugs columns", path), nil).WithRetry(false)
	}

	mapping := make(UserRoleMapping)
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return mapping, nil
		}
		if err != nil {
			return nil, utils.NewAppError(utils.ErrorTypeCSVParse,
				fmt.Sprintf("csv parse error in user roles csv %q", path), err).WithRetry(false)
		}
		if extIdx >= len(record) || slugIdx >= len(record) {
			continue
		}
		ext := strings.TrimSpace(record[extIdx])
		if ext == "" {
			continue
		}
		slugs, err := parseRoleSlugs(strings.TrimSpace(record[slugIdx]))
		if err != nil {
			return nil, fmt.Errorf("user roles csv %q entry for %q: %w", path, ext, err)
		}
		mapping[ext] = append(mapping[ext], slugs...)
	}
}
