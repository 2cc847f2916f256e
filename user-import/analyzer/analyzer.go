// Package analyzer classifies the JSONL error log a finished import leaves
// behind. It groups errors by normalized message pattern, decides which rows
// can be retried as-is, writes a retry CSV for those rows, and produces a
// report with fix suggestions for the rest.
package analyzer

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/kuhlman-labs/workos-user-import/user-import/engine"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// maxLineSize bounds a single error-log line during scanning.
const maxLineSize = 1 << 20

// Per-group caps on retained context.
const (
	maxExamples       = 3
	maxAffectedEmails = 10
)

// Severity levels, ordered from worst to mildest.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Retry strategy types.
const (
	StrategyImmediate   = "immediate"
	StrategyWithBackoff = "with_backoff"
	StrategyAfterFix    = "after_fix"
)

// Classification reasons. These become the byReason keys in the report.
const (
	ReasonRateLimit            = "rate_limit"
	ReasonServerError          = "server_error"
	ReasonConflictDuplicate    = "conflict_duplicate"
	ReasonUserCreateValidation = "user_create_validation_error"
	ReasonValidation           = "validation_error"
	ReasonMembershipValidation = "membership_validation_error"
	ReasonOrgNotFound          = "org_not_found"
	ReasonOrgLookup            = "org_lookup_error"
	ReasonMembershipDuplicate  = "membership_duplicate"
	ReasonMembershipUserExists = "membership_error_user_exists"
	ReasonUnknown              = "unknown_error"
)

// RetryStrategy describes how a retryable group should be re-attempted.
type RetryStrategy struct {
	Type        string `json:"type"`
	DelayMs     int    `json:"delayMs,omitempty"`
	FixRequired string `json:"fixRequired,omitempty"`
}

// Classification is the retryability decision for a single error record.
type Classification struct {
	Retryable bool
	Reason    string
	Severity  string
	Strategy  *RetryStrategy
}

// Group aggregates error records sharing a normalized message pattern,
// error type, and HTTP status.
type Group struct {
	ID             string               `json:"id"`
	Pattern        string               `json:"pattern"`
	ErrorType      string               `json:"errorType,omitempty"`
	HTTPStatus     int                  `json:"httpStatus,omitempty"`
	Count          int                  `json:"count"`
	Severity       string               `json:"severity"`
	Retryable      bool                 `json:"retryable"`
	Reason         string               `json:"reason"`
	RetryStrategy  *RetryStrategy       `json:"retryStrategy,omitempty"`
	Examples       []engine.ErrorRecord `json:"examples"`
	AffectedEmails []string             `json:"affectedEmails"`

	emailSeen map[string]bool
}

// Analysis is the outcome of scanning one error log.
type Analysis struct {
	Total          int
	Retryable      int
	NonRetryable   int
	MalformedLines int
	Groups         []*Group

	// RetryRecords holds every retryable record in arrival order, feeding
	// the retry CSV.
	RetryRecords []engine.ErrorRecord
}

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	userIDPattern = regexp.MustCompile(`\buser_[0-9A-Za-z_]{10,}\b`)
	orgIDPattern  = regexp.MustCompile(`\borg_[0-9A-Za-z_]{10,}\b`)
	uuidPattern   = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	numberPattern = regexp.MustCompile(`\b[0-9]{5,}\b`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Normalize collapses the volatile tokens of an error message into
// placeholders so messages differing only in identifiers group together.
func Normalize(message string) string {
	out := emailPattern.ReplaceAllString(message, "<EMAIL>")
	out = uuidPattern.ReplaceAllString(out, "<UUID>")
	out = userIDPattern.ReplaceAllString(out, "<USER_ID>")
	out = orgIDPattern.ReplaceAllString(out, "<ORG_ID>")
	out = numberPattern.ReplaceAllString(out, "<NUMBER>")
	out = spacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

var notFoundPattern = regexp.MustCompile(`(?i)not found`)
var alreadyExistsPattern = regexp.MustCompile(`(?i)already[ _-]?exists`)

// Classify runs the retryability decision tree over a single record. Rules
// are evaluated in order; the first match wins.
func Classify(rec *engine.ErrorRecord) Classification {
	c := classifyRetryability(rec)
	c.Severity = severityFor(rec, c)
	return c
}

func classifyRetryability(rec *engine.ErrorRecord) Classification {
	switch {
	case rec.HTTPStatus == http.StatusTooManyRequests:
		return Classification{
			Retryable: true,
			Reason:    ReasonRateLimit,
			Strategy:  &RetryStrategy{Type: StrategyWithBackoff, DelayMs: 5000},
		}

	case rec.HTTPStatus >= 500:
		return Classification{
			Retryable: true,
			Reason:    ReasonServerError,
			Strategy:  &RetryStrategy{Type: StrategyImmediate},
		}

	case rec.ErrorType == engine.ErrorTypeUserCreate && rec.HTTPStatus == http.StatusConflict:
		reason := ReasonUserCreateValidation
		fix := "correct the conflicting user fields"
		if alreadyExistsPattern.MatchString(rec.ErrorMessage) || alreadyExistsPattern.MatchString(rec.WorkOSCode) {
			reason = ReasonConflictDuplicate
			fix = "remove or deduplicate the conflicting rows"
		}
		return Classification{
			Reason:   reason,
			Strategy: &RetryStrategy{Type: StrategyAfterFix, FixRequired: fix},
		}

	case rec.HTTPStatus == http.StatusBadRequest || rec.HTTPStatus == http.StatusUnprocessableEntity:
		reason := ReasonValidation
		if rec.ErrorType == engine.ErrorTypeMembershipCreate && rec.UserID != "" {
			reason = ReasonMembershipValidation
		}
		return Classification{
			Reason:   reason,
			Strategy: &RetryStrategy{Type: StrategyAfterFix, FixRequired: "fix the rejected field values"},
		}

	case rec.ErrorType == engine.ErrorTypeOrgResolution && notFoundPattern.MatchString(rec.ErrorMessage):
		return Classification{
			Reason:   ReasonOrgNotFound,
			Strategy: &RetryStrategy{Type: StrategyAfterFix, FixRequired: "create the organization or fix its reference"},
		}

	case rec.ErrorType == engine.ErrorTypeOrgResolution:
		return Classification{
			Retryable: true,
			Reason:    ReasonOrgLookup,
			Strategy:  &RetryStrategy{Type: StrategyImmediate},
		}

	case rec.ErrorType == engine.ErrorTypeMembershipCreate && rec.UserID != "":
		if rec.HTTPStatus == http.StatusConflict {
			return Classification{
				Reason:   ReasonMembershipDuplicate,
				Strategy: &RetryStrategy{Type: StrategyAfterFix, FixRequired: "remove rows for existing members"},
			}
		}
		return Classification{
			Retryable: true,
			Reason:    ReasonMembershipUserExists,
			Strategy:  &RetryStrategy{Type: StrategyImmediate},
		}

	default:
		// Covers records without an HTTP status and statuses no rule names.
		return Classification{
			Retryable: true,
			Reason:    ReasonUnknown,
			Strategy:  &RetryStrategy{Type: StrategyImmediate},
		}
	}
}

func severityFor(rec *engine.ErrorRecord, c Classification) string {
	switch {
	case rec.ErrorType == engine.ErrorTypeOrgResolution:
		return SeverityCritical
	case !c.Retryable && (rec.HTTPStatus == http.StatusBadRequest || rec.HTTPStatus == http.StatusUnprocessableEntity):
		return SeverityCritical
	case rec.HTTPStatus == http.StatusConflict:
		return SeverityHigh
	case c.Retryable && rec.HTTPStatus != 0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// GroupID derives the stable 12-hex-character group identifier.
func GroupID(pattern, errorType string, httpStatus int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", pattern, errorType, httpStatus)))
	return hex.EncodeToString(sum[:])[:12]
}

// Analyze streams the error log at path, classifying and grouping every
// record. Lines that are not valid JSON are counted and skipped.
func Analyze(path string) (*Analysis, error) {
	// #nosec G304  // the path comes from operator-supplied configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("opening error log %q failed", path), err).WithRetry(false)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Error("failed to close error log", "path", path, "error", cerr)
		}
	}()

	analysis := &Analysis{}
	groups := map[string]*Group{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec engine.ErrorRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			analysis.MalformedLines++
			slog.Warn("skipping malformed error log line", "line", lineNumber, "error", err)
			continue
		}

		analysis.Total++
		c := Classify(&rec)
		if c.Retryable {
			analysis.Retryable++
			analysis.RetryRecords = append(analysis.RetryRecords, rec)
		} else {
			analysis.NonRetryable++
		}

		pattern := Normalize(rec.ErrorMessage)
		id := GroupID(pattern, rec.ErrorType, rec.HTTPStatus)
		g, ok := groups[id]
		if !ok {
			g = &Group{
				ID:            id,
				Pattern:       pattern,
				ErrorType:     rec.ErrorType,
				HTTPStatus:    rec.HTTPStatus,
				Severity:      c.Severity,
				Retryable:     c.Retryable,
				Reason:        c.Reason,
				RetryStrategy: c.Strategy,
				emailSeen:     map[string]bool{},
			}
			groups[id] = g
			analysis.Groups = append(analysis.Groups, g)
		}

		g.Count++
		if len(g.Examples) < maxExamples {
			g.Examples = append(g.Examples, rec)
		}
		if rec.Email != "" && !g.emailSeen[rec.Email] && len(g.AffectedEmails) < maxAffectedEmails {
			g.emailSeen[rec.Email] = true
			g.AffectedEmails = append(g.AffectedEmails, rec.Email)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("reading error log %q failed", path), err).WithRetry(false)
	}

	slog.Info("error log analyzed",
		"path", path,
		"errors", analysis.Total,
		"retryable", analysis.Retryable,
		"non_retryable", analysis.NonRetryable,
		"groups", len(analysis.Groups),
		"malformed_lines", analysis.MalformedLines)
	return analysis, nil
}
