package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// Error types persisted in error records. These identify which stage of the
// row pipeline failed and drive the analyzer's retryability classification.
const (
	ErrorTypeUserCreate       = "user_create"
	ErrorTypeMembershipCreate = "membership_create"
	ErrorTypeOrgResolution    = "org_resolution"
	ErrorTypeRoleAssignment   = "role_assignment"
)

// ErrorRecord is one line of the JSONL error log: a single failed row stage
// with enough context to classify, group, and rebuild the row for a retry.
// RawRow carries the row's original columns verbatim.
type ErrorRecord struct {
	RecordNumber    int               `json:"recordNumber"`
	Email           string            `json:"email,omitempty"`
	UserID          string            `json:"userId,omitempty"`
	ErrorType       string            `json:"errorType"`
	ErrorMessage    string            `json:"errorMessage"`
	HTTPStatus      int               `json:"httpStatus,omitempty"`
	WorkOSCode      string            `json:"workosCode,omitempty"`
	WorkOSRequestID string            `json:"workosRequestId,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	RawRow          map[string]string `json:"rawRow,omitempty"`
	OrgID           string            `json:"orgId,omitempty"`
	OrgExternalID   string            `json:"orgExternalId,omitempty"`
	RoleSlugs       []string          `json:"roleSlugs,omitempty"`
}

// ErrorLog is an append-only JSONL writer for failed rows. Records are
// written as single whole-line writes in append mode, so concurrent writers
// on the same path never interleave within a line.
type ErrorLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenErrorLog opens the error log at path for appending, creating it if
// needed.
func OpenErrorLog(path string) (*ErrorLog, error) {
	// #nosec G304  // the path is derived from the job's checkpoint directory
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("opening error log %q failed", path), err).WithRetry(false)
	}
	return &ErrorLog{file: f, path: path}, nil
}

// Record appends one error record as a single JSON line.
func (l *ErrorLog) Record(rec ErrorRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return utils.NewAppError(utils.ErrorTypeIO, "serializing error record failed", err).WithRetry(false)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("appending to error log %q failed", l.path), err).WithRetry(false)
	}
	return nil
}

// Path returns the log file path.
func (l *ErrorLog) Path() string {
	return l.path
}

// Close flushes and closes the underlying file.
func (l *ErrorLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("flushing error log %q failed", l.path), err).WithRetry(false)
	}
	if err := l.file.Close(); err != nil {
		return utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("closing error log %q failed", l.path), err).WithRetry(false)
	}
	return nil
}
