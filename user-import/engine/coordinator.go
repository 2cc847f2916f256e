package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/cache"
	"github.com/kuhlman-labs/workos-user-import/user-import/checkpoint"
)

// Coordinator states, logged as the run progresses.
const (
	stateLoading    = "loading"
	stateRunning    = "running"
	stateDraining   = "draining"
	stateTerminated = "terminated"
)

// CoordinatorOptions configure an import run.
type CoordinatorOptions struct {
	CSVPath           string
	Workers           int
	Concurrency       int
	Mode              string
	OrgID             string
	RequireMembership bool
	CreateMissingOrgs bool
	DryRun            bool
	UserRoleMapping   UserRoleMapping

	// PrewarmRoles lists each resolved organization's roles before workers
	// start, so role assignment never pays the listing cost mid-chunk.
	PrewarmRoles bool

	// MonitorInterval is how often throughput stats are logged. Zero
	// disables the monitor.
	MonitorInterval time.Duration
}

// Coordinator owns an import run: it pre-warms the shared caches, dispatches
// pending chunks to a bounded worker pool, folds worker cache deltas back,
// and persists every chunk transition through the checkpoint manager. The
// checkpoint manager is the single writer of the checkpoint file; workers
// only report results back.
type Coordinator struct {
	manager *checkpoint.Manager
	client  *api.RetryableClient
	limiter *api.Limiter
	orgs    *cache.OrganizationCache
	roles   *cache.RoleCache
	opts    CoordinatorOptions
}

// NewCoordinator creates a coordinator with fresh coordinator-level caches.
// The client and limiter may be nil only in dry-run mode.
func NewCoordinator(manager *checkpoint.Manager, client *api.RetryableClient, limiter *api.Limiter, opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	orgs, err := cache.NewOrganizationCache(client, limiter, cache.OrgOptions{
		CreateMissing: opts.CreateMissingOrgs,
		DryRun:        opts.DryRun,
	})
	if err != nil {
		return nil, err
	}
	roles, err := cache.NewRoleCache(client, limiter, cache.RoleOptions{DryRun: opts.DryRun})
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		manager: manager,
		client:  client,
		limiter: limiter,
		orgs:    orgs,
		roles:   roles,
		opts:    opts,
	}, nil
}

// Run executes the import until no pending chunks remain, the context is
// canceled, or a checkpoint write fails. It returns the cumulative summary
// in every case; the error is non-nil only for fatal conditions.
func (c *Coordinator) Run(ctx context.Context) (checkpoint.Summary, error) {
	c.setState(stateLoading)

	if restored := c.orgs.Seed(c.manager.RestoreCache().Entries); restored > 0 {
		slog.Info("organization cache restored from checkpoint", "entries", restored)
	}

	if err := c.prewarm(ctx); err != nil {
		return c.manager.Summary(), err
	}
	if err := c.saveCacheSnapshot(); err != nil {
		return c.manager.Summary(), err
	}

	c.setState(stateRunning)

	runCtx := ctx
	var stopMonitor context.CancelFunc
	if c.opts.MonitorInterval > 0 && c.limiter != nil {
		var monitorCtx context.Context
		monitorCtx, stopMonitor = context.WithCancel(ctx)
		go api.MonitorStats(monitorCtx, c.limiter, c.opts.MonitorInterval, c.statsExtra)
	}

	err := c.runWorkers(runCtx)

	c.setState(stateDraining)
	if stopMonitor != nil {
		stopMonitor()
	}

	if saveErr := c.saveCacheSnapshot(); saveErr != nil && err == nil {
		err = saveErr
	}

	status, finErr := c.manager.Finalize()
	if finErr != nil && err == nil {
		err = finErr
	}

	c.setState(stateTerminated)
	summary := c.manager.Summary()
	slog.Info("import run finished",
		"status", status,
		"total", summary.Total,
		"successes", summary.Successes,
		"failures", summary.Failures,
		"users_created", summary.UsersCreated,
		"memberships_created", summary.MembershipsCreated,
		"duplicate_users", summary.DuplicateUsers,
		"duplicate_memberships", summary.DuplicateMemberships,
		"roles_assigned", summary.RolesAssigned)
	return summary, err
}

// prewarm resolves the organizations the CSV references before any worker
// starts, so concurrent workers never race to create the same organization.
// Prewarm failures are warnings: the affected rows fail individually later
// with full error records.
func (c *Coordinator) prewarm(ctx context.Context) error {
	switch c.opts.Mode {
	case checkpoint.ModeSingleOrg:
		if _, err := c.orgs.Resolve(ctx, cache.ResolveRequest{OrgID: c.opts.OrgID}); err != nil {
			return fmt.Errorf("resolving organization %q failed: %w", c.opts.OrgID, err)
		}
		if c.opts.PrewarmRoles {
			if err := c.roles.WarmOrganization(ctx, c.opts.OrgID); err != nil {
				slog.Warn("failed to pre-warm role cache", "org_id", c.opts.OrgID, "error", err)
			}
		}
		return nil

	case checkpoint.ModeUserOnly:
		return nil
	}

	refs, err := ScanOrganizations(c.opts.CSVPath)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	slog.Info("pre-warming organization cache", "organizations", len(refs))
	warmed := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		orgID, err := c.orgs.Resolve(ctx, cache.ResolveRequest{
			ExternalID:    ref.ExternalID,
			Name:          ref.Name,
			CreateMissing: ref.Name != "",
		})
		if err != nil {
			slog.Warn("organization pre-warm failed",
				"org_external_id", ref.ExternalID, "error", err)
			continue
		}
		warmed++

		if c.opts.PrewarmRoles && orgID != "" {
			if err := c.roles.WarmOrganization(ctx, orgID); err != nil {
				slog.Warn("failed to pre-warm role cache", "org_id", orgID, "error", err)
			}
		}
	}
	slog.Info("organization cache pre-warmed", "resolved", warmed, "total", len(refs))
	return nil
}

// runWorkers dispatches pending chunks in chunkId order to a pool of
// workers. Each worker processes one chunk at a time with its own
// worker-local caches, seeded from the coordinator and merged back on
// completion.
func (c *Coordinator) runWorkers(ctx context.Context) error {
	assignments := make(chan checkpoint.Chunk)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < c.opts.Workers; i++ {
		workerID := i
		g.Go(func() error {
			for chunk := range assignments {
				if err := c.runChunk(gctx, workerID, chunk); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(assignments)
		for {
			chunk, ok := c.manager.NextPending()
			if !ok {
				return nil
			}
			if err := c.manager.MarkChunkStarted(chunk.ChunkID); err != nil {
				return err
			}
			select {
			case assignments <- chunk:
			case <-gctx.Done():
				// The chunk never reached a worker; flip it to failed so
				// resume re-attempts it.
				if err := c.manager.MarkChunkFailed(chunk.ChunkID); err != nil {
					return err
				}
				return gctx.Err()
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		slog.Warn("import interrupted", "error", ctx.Err())
		return nil
	}
	return err
}

// runChunk processes one chunk on one worker. Row failures stay inside the
// chunk; a chunk-level failure (CSV damage, cancellation, panic) marks the
// chunk failed for re-attempt on resume. Only checkpoint write errors
// propagate and abort the run.
func (c *Coordinator) runChunk(ctx context.Context, workerID int, chunk checkpoint.Chunk) (err error) {
	slog.Info("chunk assigned",
		"worker", workerID,
		"chunk_id", chunk.ChunkID,
		"rows", chunk.Rows())

	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic while processing chunk",
				"worker", workerID, "chunk_id", chunk.ChunkID, "panic", r)
			err = c.manager.MarkChunkFailed(chunk.ChunkID)
		}
	}()

	errorLog, err := OpenErrorLog(c.manager.ErrorLogPath())
	if err != nil {
		if markErr := c.manager.MarkChunkFailed(chunk.ChunkID); markErr != nil {
			return markErr
		}
		return err
	}
	defer func() {
		if cerr := errorLog.Close(); cerr != nil {
			slog.Error("failed to close error log", "chunk_id", chunk.ChunkID, "error", cerr)
		}
	}()

	workerOrgs, err := cache.NewOrganizationCache(c.client, c.limiter, cache.OrgOptions{
		CreateMissing: c.opts.CreateMissingOrgs,
		DryRun:        c.opts.DryRun,
	})
	if err != nil {
		return err
	}
	workerRoles, err := cache.NewRoleCache(c.client, c.limiter, cache.RoleOptions{DryRun: c.opts.DryRun})
	if err != nil {
		return err
	}
	workerOrgs.Seed(c.orgs.Snapshot())
	workerRoles.Seed(c.roles.Snapshot())

	proc := NewRowProcessor(c.client, c.limiter, workerOrgs, workerRoles, errorLog, ProcessorOptions{
		Mode:              c.opts.Mode,
		OrgID:             c.opts.OrgID,
		RequireMembership: c.opts.RequireMembership,
		DryRun:            c.opts.DryRun,
		UserRoleMapping:   c.opts.UserRoleMapping,
	})

	result, chunkErr := ProcessChunk(ctx, chunk, c.opts.CSVPath, c.opts.Concurrency, proc)

	// Fold the worker's resolutions back regardless of outcome: they are
	// real API side effects worth keeping warm.
	orgDelta := workerOrgs.Snapshot()
	c.orgs.Merge(orgDelta)
	c.roles.Merge(workerRoles.Snapshot())
	if _, err := c.manager.MergeCacheEntries(orgDelta); err != nil {
		return err
	}

	if chunkErr != nil {
		slog.Warn("chunk failed",
			"worker", workerID, "chunk_id", chunk.ChunkID, "error", chunkErr)
		return c.manager.MarkChunkFailed(chunk.ChunkID)
	}
	return c.manager.MarkChunkCompleted(chunk.ChunkID, result)
}

func (c *Coordinator) saveCacheSnapshot() error {
	return c.manager.SaveCache(checkpoint.CacheSnapshot{
		Entries: c.orgs.Snapshot(),
		Stats:   c.orgs.Stats(),
	})
}

// statsExtra contributes cache and progress counters to the periodic
// throughput log line.
func (c *Coordinator) statsExtra() []any {
	orgStats := c.orgs.Stats()
	pending, inProgress, completed, failed := c.manager.Counts()
	return []any{
		"org_cache_hit_rate", fmt.Sprintf("%.2f", orgStats.HitRate),
		"chunks_completed", completed,
		"chunks_in_progress", inProgress,
		"chunks_pending", pending,
		"chunks_failed", failed,
	}
}

func (c *Coordinator) setState(state string) {
	slog.Debug("coordinator state", "state", state)
}
