package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// Summary is the report's headline counters.
type Summary struct {
	TotalErrors    int `json:"totalErrors"`
	Groups         int `json:"groups"`
	MalformedLines int `json:"malformedLines,omitempty"`
}

// Bucket describes one side of the retryability split.
type Bucket struct {
	Count      int            `json:"count"`
	Percentage float64        `json:"percentage"`
	ByReason   map[string]int `json:"byReason"`
}

// Retryability splits the analyzed errors into retryable and non-retryable
// buckets.
type Retryability struct {
	Retryable    Bucket `json:"retryable"`
	NonRetryable Bucket `json:"nonRetryable"`
}

// Suggestion is a per-group remediation hint. Actionable suggestions can be
// resolved by editing the input CSV; the rest need a re-run or operator
// investigation.
type Suggestion struct {
	GroupID    string `json:"groupId"`
	Suggestion string `json:"suggestion"`
	Actionable bool   `json:"actionable"`
}

// Report is the analyzer's JSON artifact.
type Report struct {
	Summary        Summary      `json:"summary"`
	Groups         []*Group     `json:"groups"`
	Retryability   Retryability `json:"retryability"`
	Suggestions    []Suggestion `json:"suggestions"`
	Timestamp      time.Time    `json:"timestamp"`
	ErrorsFile     string       `json:"errorsFile"`
	ErrorsFileHash string       `json:"errorsFileHash"`
}

// BuildReport assembles the report from an analysis. Groups are ordered by
// descending count, ties broken by group id for stable output.
func BuildReport(analysis *Analysis, errorsFile string) (*Report, error) {
	hash, err := utils.HashFileSHA256(errorsFile)
	if err != nil {
		return nil, err
	}

	groups := make([]*Group, len(analysis.Groups))
	copy(groups, analysis.Groups)
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].ID < groups[j].ID
	})

	report := &Report{
		Summary: Summary{
			TotalErrors:    analysis.Total,
			Groups:         len(groups),
			MalformedLines: analysis.MalformedLines,
		},
		Groups:         groups,
		Retryability:   buildRetryability(analysis, groups),
		Timestamp:      time.Now().UTC(),
		ErrorsFile:     errorsFile,
		ErrorsFileHash: hash,
	}
	for _, g := range groups {
		report.Suggestions = append(report.Suggestions, suggestionFor(g))
	}
	return report, nil
}

func buildRetryability(analysis *Analysis, groups []*Group) Retryability {
	r := Retryability{
		Retryable:    Bucket{Count: analysis.Retryable, ByReason: map[string]int{}},
		NonRetryable: Bucket{Count: analysis.NonRetryable, ByReason: map[string]int{}},
	}
	for _, g := range groups {
		if g.Retryable {
			r.Retryable.ByReason[g.Reason] += g.Count
		} else {
			r.NonRetryable.ByReason[g.Reason] += g.Count
		}
	}
	if analysis.Total > 0 {
		r.Retryable.Percentage = percentage(analysis.Retryable, analysis.Total)
		r.NonRetryable.Percentage = percentage(analysis.NonRetryable, analysis.Total)
	}
	return r
}

func percentage(part, total int) float64 {
	return float64(int(float64(part)/float64(total)*10000+0.5)) / 100
}

// suggestionFor maps a group's classification reason to a remediation hint.
func suggestionFor(g *Group) Suggestion {
	s := Suggestion{GroupID: g.ID}
	switch g.Reason {
	case ReasonRateLimit:
		s.Suggestion = "Re-run the retry CSV with a lower --rate; these requests were throttled."
	case ReasonServerError:
		s.Suggestion = "Re-run the retry CSV; the API returned transient server errors."
	case ReasonConflictDuplicate:
		s.Suggestion = "Remove rows for users that already exist, or re-run if duplicates are expected."
		s.Actionable = true
	case ReasonUserCreateValidation:
		s.Suggestion = "Fix the conflicting user fields in the CSV before re-importing."
		s.Actionable = true
	case ReasonValidation:
		s.Suggestion = "Fix the rejected field values in the CSV before re-importing."
		s.Actionable = true
	case ReasonMembershipValidation:
		s.Suggestion = "Fix the membership fields (org reference, role slugs) in the CSV before re-importing."
		s.Actionable = true
	case ReasonOrgNotFound:
		s.Suggestion = "Create the referenced organizations or fix org_id/org_external_id values in the CSV."
		s.Actionable = true
	case ReasonOrgLookup:
		s.Suggestion = "Re-run the retry CSV; organization lookups failed transiently."
	case ReasonMembershipDuplicate:
		s.Suggestion = "These users are already members; remove the rows or re-run if duplicates are expected."
		s.Actionable = true
	case ReasonMembershipUserExists:
		s.Suggestion = "Re-run the retry CSV; the users exist but membership creation failed transiently."
	default:
		s.Suggestion = "Inspect the example errors for this group; no classification rule matched."
	}
	return s
}

// WriteJSON writes the full report as pretty-printed JSON.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return utils.NewAppError(utils.ErrorTypeIO, "serializing report failed", err).WithRetry(false)
	}
	data = append(data, '\n')
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return utils.NewAppError(utils.ErrorTypeIO,
			fmt.Sprintf("writing report %q failed", path), err).WithRetry(false)
	}
	return nil
}

// groupTableHeader is the column layout of the exported group table.
var groupTableHeader = []string{
	"group_id", "pattern", "error_type", "http_status", "count",
	"severity", "retryable", "reason", "retry_strategy", "delay_ms",
	"affected_emails",
}

// WriteGroupTable exports the group table through a ReportWriter, one row per
// group in report order.
func (r *Report) WriteGroupTable(w ReportWriter) error {
	if err := w.WriteHeader(groupTableHeader); err != nil {
		return err
	}
	for _, g := range r.Groups {
		status := ""
		if g.HTTPStatus != 0 {
			status = strconv.Itoa(g.HTTPStatus)
		}
		strategy, delay := "", ""
		if g.RetryStrategy != nil {
			strategy = g.RetryStrategy.Type
			if g.RetryStrategy.DelayMs > 0 {
				delay = strconv.Itoa(g.RetryStrategy.DelayMs)
			}
		}
		row := []string{
			g.ID,
			g.Pattern,
			g.ErrorType,
			status,
			strconv.Itoa(g.Count),
			g.Severity,
			strconv.FormatBool(g.Retryable),
			g.Reason,
			strategy,
			delay,
			strings.Join(g.AffectedEmails, "; "),
		}
		if err := w.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}
