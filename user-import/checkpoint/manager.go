package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuhlman-labs/workos-user-import/user-import/cache"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

const (
	checkpointFileName = "checkpoint.json"
	errorLogFileName   = "errors.jsonl"
)

// NewJobID generates a fresh job identifier.
func NewJobID() string {
	return "job_" + uuid.NewString()
}

// Exists reports whether a checkpoint for the given job is present under dir.
func Exists(dir, jobID string) bool {
	_, err := os.Stat(filepath.Join(dir, jobID, checkpointFileName))
	return err == nil
}

// Manager owns a job's checkpoint document. It is the single writer of the
// checkpoint file; every mutation persists the document atomically before
// returning.
type Manager struct {
	mu     sync.Mutex
	jobDir string
	state  *State
}

// CreateOptions configures a new checkpoint.
type CreateOptions struct {
	JobID       string
	Dir         string
	CSVPath     string
	CSVHash     string
	ChunkSize   int
	Concurrency int
	TotalRows   int
	Mode        string
	OrgID       string
}

// Create builds the initial checkpoint: chunk ranges planned from
// totalRows/chunkSize, every chunk pending, and writes it to
// <dir>/<jobId>/checkpoint.json.
func Create(opts CreateOptions) (*Manager, error) {
	if opts.JobID == "" {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint, "job id is required", nil).WithRetry(false)
	}
	if opts.Dir == "" {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint, "checkpoint directory is required", nil).WithRetry(false)
	}
	if opts.ChunkSize <= 0 {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("chunk size %d is invalid", opts.ChunkSize), nil).WithRetry(false)
	}
	switch opts.Mode {
	case ModeSingleOrg, ModeMultiOrg, ModeUserOnly:
	default:
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("import mode %q is unknown", opts.Mode), nil).WithRetry(false)
	}

	now := time.Now().UTC()
	state := &State{
		JobID:       opts.JobID,
		CSVPath:     opts.CSVPath,
		CSVHash:     opts.CSVHash,
		CreatedAt:   now,
		UpdatedAt:   now,
		ChunkSize:   opts.ChunkSize,
		Concurrency: opts.Concurrency,
		TotalRows:   opts.TotalRows,
		Mode:        opts.Mode,
		OrgID:       opts.OrgID,
		Chunks:      PlanChunks(opts.TotalRows, opts.ChunkSize),
		Summary:     Summary{StartedAt: now},
		OrgCache:    CacheSnapshot{Entries: map[string]cache.OrgEntry{}},
		Status:      StatusInProgress,
	}

	m := &Manager{
		jobDir: filepath.Join(opts.Dir, opts.JobID),
		state:  state,
	}
	if err := os.MkdirAll(m.jobDir, 0o755); err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("creating checkpoint directory %q failed", m.jobDir), err).WithRetry(false)
	}
	if err := m.save(); err != nil {
		return nil, err
	}

	slog.Info("checkpoint created",
		"job_id", opts.JobID,
		"total_rows", opts.TotalRows,
		"chunks", len(state.Chunks),
		"mode", opts.Mode)
	return m, nil
}

// Resume loads an existing checkpoint, validates the document against the
// embedded schema and the structural invariants, and flips interrupted
// chunks back to pending. The cumulative summary is recomputed from
// completed chunk results so resuming is idempotent. Resuming a completed
// job leaves it untouched.
func Resume(dir, jobID string) (*Manager, error) {
	jobDir := filepath.Join(dir, jobID)
	path := filepath.Join(jobDir, checkpointFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("reading checkpoint %q failed", path), err).WithRetry(false)
	}

	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("parsing checkpoint %q failed", path), err).WithRetry(false)
	}
	if err := state.Validate(); err != nil {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint, "checkpoint failed validation", err).WithRetry(false)
	}
	if state.JobID != jobID {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("checkpoint belongs to job %q, not %q", state.JobID, jobID), nil).WithRetry(false)
	}

	m := &Manager{jobDir: jobDir, state: state}

	if state.Status == StatusCompleted {
		slog.Info("checkpoint already completed", "job_id", jobID)
		return m, nil
	}

	retried := 0
	for i := range state.Chunks {
		c := &state.Chunks[i]
		if c.Status == ChunkInProgress || c.Status == ChunkFailed {
			c.Status = ChunkPending
			c.StartedAt = nil
			c.CompletedAt = nil
			retried++
		}
	}
	state.Status = StatusInProgress
	state.recomputeSummary()

	if err := m.save(); err != nil {
		return nil, err
	}

	pending, _, completed, _ := m.Counts()
	slog.Info("checkpoint resumed",
		"job_id", jobID,
		"completed_chunks", completed,
		"pending_chunks", pending,
		"retried_chunks", retried)
	return m, nil
}

// ValidateAgainst compares the checkpoint against the CSV being imported. A
// changed file hash is recorded as a warning; a changed row count or chunk
// size would desynchronize chunk ranges from the file and is fatal.
func (m *Manager) ValidateAgainst(csvHash string, totalRows, chunkSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if totalRows != m.state.TotalRows {
		return utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("csv has %d rows but checkpoint was created for %d", totalRows, m.state.TotalRows), nil).WithRetry(false)
	}
	if chunkSize != m.state.ChunkSize {
		return utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("chunk size %d does not match checkpoint chunk size %d", chunkSize, m.state.ChunkSize), nil).WithRetry(false)
	}
	if csvHash != m.state.CSVHash {
		warning := fmt.Sprintf("csv file hash changed since checkpoint creation (was %s, now %s)", m.state.CSVHash, csvHash)
		slog.Warn("csv file changed since checkpoint creation", "job_id", m.state.JobID)
		m.state.Summary.Warnings = append(m.state.Summary.Warnings, warning)
		return m.save()
	}
	return nil
}

// NextPending returns the lowest-numbered pending chunk, or false when no
// pending chunks remain.
func (m *Manager) NextPending() (Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.state.Chunks {
		if m.state.Chunks[i].Status == ChunkPending {
			return m.state.Chunks[i], true
		}
	}
	return Chunk{}, false
}

// MarkChunkStarted transitions a pending chunk to in-progress.
func (m *Manager) MarkChunkStarted(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.chunk(id)
	if err != nil {
		return err
	}
	if c.Status != ChunkPending {
		return utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("chunk %d is %s, not pending", id, c.Status), nil).WithRetry(false)
	}
	now := time.Now().UTC()
	c.Status = ChunkInProgress
	c.StartedAt = &now
	return m.save()
}

// MarkChunkCompleted records a chunk result and folds it into the cumulative
// summary.
func (m *Manager) MarkChunkCompleted(id int, result ChunkResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.chunk(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.Status = ChunkCompleted
	c.Successes = result.Successes
	c.Failures = result.Failures
	c.UsersCreated = result.UsersCreated
	c.MembershipsCreated = result.MembershipsCreated
	c.DuplicateUsers = result.DuplicateUsers
	c.DuplicateMemberships = result.DuplicateMemberships
	c.RolesAssigned = result.RolesAssigned
	c.RoleAssignmentFailures = result.RoleAssignmentFailures
	c.CompletedAt = &now
	c.DurationMs = result.DurationMs

	m.state.recomputeSummary()
	return m.save()
}

// MarkChunkFailed transitions a chunk to failed. Its counters are zeroed:
// the chunk will be re-attempted in full on resume, so partial counts must
// not leak into the cumulative summary.
func (m *Manager) MarkChunkFailed(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.chunk(id)
	if err != nil {
		return err
	}
	c.Status = ChunkFailed
	c.Successes = 0
	c.Failures = 0
	c.UsersCreated = 0
	c.MembershipsCreated = 0
	c.DuplicateUsers = 0
	c.DuplicateMemberships = 0
	c.RolesAssigned = 0
	c.RoleAssignmentFailures = 0
	c.CompletedAt = nil
	c.DurationMs = 0

	m.state.recomputeSummary()
	return m.save()
}

// SaveCache replaces the serialized organization cache.
func (m *Manager) SaveCache(snapshot CacheSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snapshot.Entries == nil {
		snapshot.Entries = map[string]cache.OrgEntry{}
	}
	m.state.OrgCache = snapshot
	return m.save()
}

// RestoreCache returns a copy of the serialized organization cache.
func (m *Manager) RestoreCache() CacheSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make(map[string]cache.OrgEntry, len(m.state.OrgCache.Entries))
	for k, v := range m.state.OrgCache.Entries {
		entries[k] = v
	}
	return CacheSnapshot{Entries: entries, Stats: m.state.OrgCache.Stats}
}

// MergeCacheEntries folds a worker's cache delta into the checkpoint.
// Existing keys win. Returns the number of entries added.
func (m *Manager) MergeCacheEntries(entries map[string]cache.OrgEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.OrgCache.Entries == nil {
		m.state.OrgCache.Entries = map[string]cache.OrgEntry{}
	}
	added := 0
	for k, v := range entries {
		if _, ok := m.state.OrgCache.Entries[k]; ok {
			continue
		}
		m.state.OrgCache.Entries[k] = v
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, m.save()
}

// AppendWarning records a non-fatal condition in the cumulative summary.
func (m *Manager) AppendWarning(warning string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Summary.Warnings = append(m.state.Summary.Warnings, warning)
	return m.save()
}

// Finalize derives the terminal job status: completed when every chunk
// completed, failed otherwise. Returns the final status.
func (m *Manager) Finalize() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := StatusCompleted
	for i := range m.state.Chunks {
		if m.state.Chunks[i].Status != ChunkCompleted {
			status = StatusFailed
			break
		}
	}
	now := time.Now().UTC()
	m.state.Status = status
	m.state.Summary.EndedAt = &now
	if err := m.save(); err != nil {
		return "", err
	}
	return status, nil
}

// Counts returns the number of chunks in each state.
func (m *Manager) Counts() (pending, inProgress, completed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.state.Chunks {
		switch m.state.Chunks[i].Status {
		case ChunkPending:
			pending++
		case ChunkInProgress:
			inProgress++
		case ChunkCompleted:
			completed++
		case ChunkFailed:
			failed++
		}
	}
	return pending, inProgress, completed, failed
}

// State returns a copy of the checkpoint document for reporting.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := *m.state
	out.Chunks = make([]Chunk, len(m.state.Chunks))
	copy(out.Chunks, m.state.Chunks)
	out.Summary.Warnings = append([]string(nil), m.state.Summary.Warnings...)
	out.OrgCache.Entries = make(map[string]cache.OrgEntry, len(m.state.OrgCache.Entries))
	for k, v := range m.state.OrgCache.Entries {
		out.OrgCache.Entries[k] = v
	}
	return out
}

// Summary returns a copy of the cumulative summary.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.state.Summary
	out.Warnings = append([]string(nil), m.state.Summary.Warnings...)
	return out
}

// JobDir returns the directory holding this job's checkpoint and error log.
func (m *Manager) JobDir() string {
	return m.jobDir
}

// CheckpointPath returns the path of the checkpoint document.
func (m *Manager) CheckpointPath() string {
	return filepath.Join(m.jobDir, checkpointFileName)
}

// ErrorLogPath returns the path of the job's JSONL error log.
func (m *Manager) ErrorLogPath() string {
	return filepath.Join(m.jobDir, errorLogFileName)
}

// chunk returns a pointer into the chunk slice. Callers hold the mutex.
func (m *Manager) chunk(id int) (*Chunk, error) {
	if id < 0 || id >= len(m.state.Chunks) {
		return nil, utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("chunk %d does not exist", id), nil).WithRetry(false)
	}
	return &m.state.Chunks[id], nil
}

// save persists the document atomically. Callers hold the mutex.
func (m *Manager) save() error {
	m.state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return utils.NewAppError(utils.ErrorTypeCheckpoint, "serializing checkpoint failed", err).WithRetry(false)
	}

	path := filepath.Join(m.jobDir, checkpointFileName)
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return utils.NewAppError(utils.ErrorTypeCheckpoint,
			fmt.Sprintf("writing checkpoint %q failed", path), err).WithRetry(false)
	}
	return nil
}
