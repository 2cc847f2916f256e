// Package checkpoint owns the persistent job state for an import run: the
// chunk ledger, the cumulative summary, and the serialized organization cache.
// The state lives in a single pretty-printed JSON document per job, written
// atomically so a crash never leaves a half-written checkpoint behind.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/kuhlman-labs/workos-user-import/user-import/cache"
)

// Job status values.
const (
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Chunk status values. A chunk moves pending -> in-progress -> completed, or
// to failed when its worker gives up or is interrupted. Resume flips
// in-progress and failed chunks back to pending so their rows are
// re-attempted in full.
const (
	ChunkPending    = "pending"
	ChunkInProgress = "in-progress"
	ChunkCompleted  = "completed"
	ChunkFailed     = "failed"
)

// Import modes.
const (
	ModeSingleOrg = "single-org"
	ModeMultiOrg  = "multi-org"
	ModeUserOnly  = "user-only"
)

// ChunkResult carries the counters a chunk processor reports on completion.
type ChunkResult struct {
	Successes              int   `json:"successes"`
	Failures               int   `json:"failures"`
	UsersCreated           int   `json:"usersCreated"`
	MembershipsCreated     int   `json:"membershipsCreated"`
	DuplicateUsers         int   `json:"duplicateUsers"`
	DuplicateMemberships   int   `json:"duplicateMemberships"`
	RolesAssigned          int   `json:"rolesAssigned"`
	RoleAssignmentFailures int   `json:"roleAssignmentFailures"`
	DurationMs             int64 `json:"durationMs"`
}

// Chunk is one contiguous slice of the CSV and the unit of checkpoint
// progress. Rows are 1-indexed and inclusive on both ends.
type Chunk struct {
	ChunkID  int    `json:"chunkId"`
	StartRow int    `json:"startRow"`
	EndRow   int    `json:"endRow"`
	Status   string `json:"status"`

	Successes              int `json:"successes"`
	Failures               int `json:"failures"`
	UsersCreated           int `json:"usersCreated"`
	MembershipsCreated     int `json:"membershipsCreated"`
	DuplicateUsers         int `json:"duplicateUsers"`
	DuplicateMemberships   int `json:"duplicateMemberships"`
	RolesAssigned          int `json:"rolesAssigned"`
	RoleAssignmentFailures int `json:"roleAssignmentFailures"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
}

// Rows returns the number of rows the chunk covers.
func (c *Chunk) Rows() int {
	return c.EndRow - c.StartRow + 1
}

// Summary is the cumulative progress across all completed chunks.
type Summary struct {
	Total                  int        `json:"total"`
	Successes              int        `json:"successes"`
	Failures               int        `json:"failures"`
	UsersCreated           int        `json:"usersCreated"`
	MembershipsCreated     int        `json:"membershipsCreated"`
	DuplicateUsers         int        `json:"duplicateUsers"`
	DuplicateMemberships   int        `json:"duplicateMemberships"`
	RolesAssigned          int        `json:"rolesAssigned"`
	RoleAssignmentFailures int        `json:"roleAssignmentFailures"`
	StartedAt              time.Time  `json:"startedAt"`
	EndedAt                *time.Time `json:"endedAt,omitempty"`
	Warnings               []string   `json:"warnings,omitempty"`
}

// CacheSnapshot is the serialized organization cache stored in the
// checkpoint for warm starts on resume.
type CacheSnapshot struct {
	Entries map[string]cache.OrgEntry `json:"entries"`
	Stats   cache.Stats               `json:"stats"`
}

// State is the checkpoint document for one import job.
type State struct {
	JobID     string    `json:"jobId"`
	CSVPath   string    `json:"csvPath"`
	CSVHash   string    `json:"csvHash"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ChunkSize   int    `json:"chunkSize"`
	Concurrency int    `json:"concurrency"`
	TotalRows   int    `json:"totalRows"`
	Mode        string `json:"mode"`
	OrgID       string `json:"orgId,omitempty"`

	Chunks   []Chunk       `json:"chunks"`
	Summary  Summary       `json:"summary"`
	OrgCache CacheSnapshot `json:"orgCache"`
	Status   string        `json:"status"`
}

// PlanChunks partitions [1..totalRows] into contiguous inclusive ranges of at
// most chunkSize rows. An empty CSV plans zero chunks.
func PlanChunks(totalRows, chunkSize int) []Chunk {
	if totalRows <= 0 || chunkSize <= 0 {
		return nil
	}

	count := (totalRows + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i*chunkSize + 1
		end := start + chunkSize - 1
		if end > totalRows {
			end = totalRows
		}
		chunks = append(chunks, Chunk{
			ChunkID:  i,
			StartRow: start,
			EndRow:   end,
			Status:   ChunkPending,
		})
	}
	return chunks
}

// Validate checks the structural invariants of the checkpoint document:
// chunk ranges partition [1..totalRows] without gap or overlap, no chunk
// exceeds chunkSize, statuses are known values, and the cumulative summary
// matches the completed chunks.
func (s *State) Validate() error {
	if s.JobID == "" {
		return fmt.Errorf("checkpoint has no job id")
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("checkpoint chunk size %d is invalid", s.ChunkSize)
	}
	if s.TotalRows < 0 {
		return fmt.Errorf("checkpoint total rows %d is invalid", s.TotalRows)
	}
	switch s.Mode {
	case ModeSingleOrg, ModeMultiOrg, ModeUserOnly:
	default:
		return fmt.Errorf("checkpoint mode %q is unknown", s.Mode)
	}
	switch s.Status {
	case StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("checkpoint status %q is unknown", s.Status)
	}

	expectedStart := 1
	var completed Summary
	for i := range s.Chunks {
		c := &s.Chunks[i]
		if c.ChunkID != i {
			return fmt.Errorf("chunk at index %d has id %d", i, c.ChunkID)
		}
		if c.StartRow != expectedStart {
			return fmt.Errorf("chunk %d starts at row %d, expected %d", c.ChunkID, c.StartRow, expectedStart)
		}
		if c.EndRow < c.StartRow {
			return fmt.Errorf("chunk %d has end row %d before start row %d", c.ChunkID, c.EndRow, c.StartRow)
		}
		if c.Rows() > s.ChunkSize {
			return fmt.Errorf("chunk %d covers %d rows, exceeding chunk size %d", c.ChunkID, c.Rows(), s.ChunkSize)
		}
		switch c.Status {
		case ChunkPending, ChunkInProgress, ChunkCompleted, ChunkFailed:
		default:
			return fmt.Errorf("chunk %d status %q is unknown", c.ChunkID, c.Status)
		}
		if c.Status == ChunkCompleted {
			completed.Successes += c.Successes
			completed.Failures += c.Failures
		}
		expectedStart = c.EndRow + 1
	}
	if expectedStart != s.TotalRows+1 {
		return fmt.Errorf("chunks cover rows 1..%d, expected 1..%d", expectedStart-1, s.TotalRows)
	}

	if got := completed.Successes + completed.Failures; got != s.Summary.Total {
		return fmt.Errorf("summary total %d does not match completed chunk counts %d", s.Summary.Total, got)
	}
	if s.Summary.Total != s.Summary.Successes+s.Summary.Failures {
		return fmt.Errorf("summary total %d does not equal successes %d + failures %d",
			s.Summary.Total, s.Summary.Successes, s.Summary.Failures)
	}

	return nil
}

// recomputeSummary rebuilds the cumulative counters from completed chunk
// results so a resume is idempotent. StartedAt, EndedAt, and warnings are
// preserved.
func (s *State) recomputeSummary() {
	next := Summary{
		StartedAt: s.Summary.StartedAt,
		EndedAt:   s.Summary.EndedAt,
		Warnings:  s.Summary.Warnings,
	}
	for i := range s.Chunks {
		c := &s.Chunks[i]
		if c.Status != ChunkCompleted {
			continue
		}
		next.Successes += c.Successes
		next.Failures += c.Failures
		next.UsersCreated += c.UsersCreated
		next.MembershipsCreated += c.MembershipsCreated
		next.DuplicateUsers += c.DuplicateUsers
		next.DuplicateMemberships += c.DuplicateMemberships
		next.RolesAssigned += c.RolesAssigned
		next.RoleAssignmentFailures += c.RoleAssignmentFailures
	}
	next.Total = next.Successes + next.Failures
	s.Summary = next
}
