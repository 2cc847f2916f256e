package analyzer

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kuhlman-labs/workos-user-import/user-import/engine"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// standardColumns is the fixed leading column order of the retry CSV. Custom
// columns follow, sorted by name.
var standardColumns = []string{
	"email", "password", "password_hash", "password_hash_type",
	"first_name", "last_name", "email_verified", "external_id",
	"metadata", "org_id", "org_external_id", "org_name",
}

// RetryCSVOptions configure retry CSV generation.
type RetryCSVOptions struct {
	// IncludeDuplicates keeps every retryable record; by default records are
	// deduplicated by lowercased email.
	IncludeDuplicates bool
}

// WriteRetryCSV writes the retryable records to a CSV the importer accepts
// back. Row values are recovered verbatim from each record's rawRow. When no
// retryable records exist the file is not created and the returned count is
// zero.
func WriteRetryCSV(records []engine.ErrorRecord, path string, opts RetryCSVOptions) (int, error) {
	rows := selectRows(records, opts.IncludeDuplicates)
	if len(rows) == 0 {
		slog.Info("no retryable rows, skipping retry csv", "path", path)
		return 0, nil
	}

	header := buildHeader(rows)
	f, w, err := utils.CreateCSVFileWithHeader(path, header)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Error("failed to close retry csv", "path", path, "error", cerr)
		}
	}()

	for _, rec := range rows {
		line := make([]string, len(header))
		for i, col := range header {
			line[i] = rec.RawRow[col]
		}
		if line[0] == "" {
			line[0] = rec.Email
		}
		if err := w.Write(line); err != nil {
			return 0, utils.NewAppError(utils.ErrorTypeIO,
				fmt.Sprintf("writing retry csv %q failed", path), err).WithRetry(false)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("flushing retry csv %q failed", path), err).WithRetry(false)
	}

	slog.Info("retry csv written", "path", path, "rows", len(rows))
	return len(rows), nil
}

// selectRows filters retryable records down to the rows to emit, preserving
// arrival order. Records without an email are never deduplicated.
func selectRows(records []engine.ErrorRecord, includeDuplicates bool) []engine.ErrorRecord {
	if includeDuplicates {
		return records
	}
	seen := map[string]bool{}
	out := make([]engine.ErrorRecord, 0, len(records))
	for _, rec := range records {
		key := strings.ToLower(rec.Email)
		if key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, rec)
	}
	return out
}

// buildHeader assembles the output columns: the standard columns that appear
// in any row (email always), then the remaining columns sorted.
func buildHeader(rows []engine.ErrorRecord) []string {
	present := map[string]bool{}
	for _, rec := range rows {
		for col := range rec.RawRow {
			present[col] = true
		}
	}

	header := []string{"email"}
	standard := map[string]bool{"email": true}
	for _, col := range standardColumns[1:] {
		standard[col] = true
		if present[col] {
			header = append(header, col)
		}
	}

	var custom []string
	for col := range present {
		if !standard[col] {
			custom = append(custom, col)
		}
	}
	sort.Strings(custom)
	return append(header, custom...)
}
