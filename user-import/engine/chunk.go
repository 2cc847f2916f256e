package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuhlman-labs/workos-user-import/user-import/checkpoint"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

// ProcessChunk streams the CSV from the top, discards rows outside the
// chunk's [StartRow, EndRow] range, and dispatches in-range rows to the row
// processor under a semaphore of concurrency permits. Row failures surface
// only through the counters and the error log; the chunk itself fails only
// on structural CSV damage or cancellation.
func ProcessChunk(ctx context.Context, chunk checkpoint.Chunk, csvPath string, concurrency int, proc *RowProcessor) (checkpoint.ChunkResult, error) {
	start := time.Now()
	if concurrency <= 0 {
		concurrency = 1
	}

	reader, err := OpenCSV(csvPath)
	if err != nil {
		return checkpoint.ChunkResult{}, err
	}
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			slog.Error("failed to close csv file", "error", cerr)
		}
	}()

	slog.Debug("processing chunk",
		"chunk_id", chunk.ChunkID,
		"start_row", chunk.StartRow,
		"end_row", chunk.EndRow,
		"concurrency", concurrency)

	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)

		successes              atomic.Int64
		failures               atomic.Int64
		usersCreated           atomic.Int64
		membershipsCreated     atomic.Int64
		duplicateUsers         atomic.Int64
		duplicateMemberships   atomic.Int64
		rolesAssigned          atomic.Int64
		roleAssignmentFailures atomic.Int64
	)

	var chunkErr error
	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if row == nil {
				// Structural CSV damage is fatal for the chunk.
				chunkErr = err
				break
			}
			// Validation errors travel with the partial row and fail that
			// row alone.
		}
		if row.RecordNumber < chunk.StartRow {
			continue
		}
		if row.RecordNumber > chunk.EndRow {
			break
		}

		select {
		case <-ctx.Done():
			chunkErr = utils.NewAppError(utils.ErrorTypeGeneral, "chunk processing canceled", ctx.Err()).WithRetry(false)
		case sem <- struct{}{}:
			wg.Add(1)
			go func(row *Row, rowErr error) {
				defer wg.Done()
				defer func() { <-sem }()

				result := proc.Process(ctx, row, rowErr)
				if ctx.Err() != nil && !result.Success {
					// Cancellation mid-row: no error is recorded and no
					// counter moves; the chunk fails and the row is
					// re-attempted on resume.
					return
				}
				if result.Success {
					successes.Add(1)
				} else {
					failures.Add(1)
				}
				if result.UserCreated {
					usersCreated.Add(1)
				}
				if result.MembershipCreated {
					membershipsCreated.Add(1)
				}
				if result.DuplicateUser {
					duplicateUsers.Add(1)
				}
				if result.DuplicateMembership {
					duplicateMemberships.Add(1)
				}
				rolesAssigned.Add(int64(result.RolesAssigned))
				roleAssignmentFailures.Add(int64(result.RoleAssignmentFailures))
			}(row, err)
		}
		if chunkErr != nil {
			break
		}
	}

	wg.Wait()

	if chunkErr == nil && ctx.Err() != nil {
		chunkErr = utils.NewAppError(utils.ErrorTypeGeneral, "chunk processing canceled", ctx.Err()).WithRetry(false)
	}

	result := checkpoint.ChunkResult{
		Successes:              int(successes.Load()),
		Failures:               int(failures.Load()),
		UsersCreated:           int(usersCreated.Load()),
		MembershipsCreated:     int(membershipsCreated.Load()),
		DuplicateUsers:         int(duplicateUsers.Load()),
		DuplicateMemberships:   int(duplicateMemberships.Load()),
		RolesAssigned:          int(rolesAssigned.Load()),
		RoleAssignmentFailures: int(roleAssignmentFailures.Load()),
		DurationMs:             time.Since(start).Milliseconds(),
	}
	if chunkErr != nil {
		return result, chunkErr
	}

	slog.Debug("chunk complete",
		"chunk_id", chunk.ChunkID,
		"successes", result.Successes,
		"failures", result.Failures,
		"duration_ms", result.DurationMs)
	return result, nil
}
