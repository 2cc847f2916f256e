// Package api provides functionality for interacting with the WorkOS User Management REST API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

const (
	// DefaultRetryCount is the default number of retries for API calls.
	DefaultRetryCount = 3

	// DefaultInitialBackoff is the default initial backoff duration.
	DefaultInitialBackoff = 500 * time.Millisecond
)

// RetryableClient wraps the WorkOS client with retry functionality.
// Only rate-limit responses and network timeouts are retried in-flight;
// other failures are reported immediately so the error log and the
// analyzer's retry CSV can deal with them.
type RetryableClient struct {
	Client         *Client
	MaxRetries     int
	InitialBackoff time.Duration
}

// NewRetryableClient creates a new retryable WorkOS client.
func NewRetryableClient(client *Client, maxRetries int, initialBackoff time.Duration) *RetryableClient {
	if maxRetries <= 0 {
		maxRetries = DefaultRetryCount
	}
	if initialBackoff <= 0 {
		initialBackoff = DefaultInitialBackoff
	}
	return &RetryableClient{
		Client:         client,
		MaxRetries:     maxRetries,
		InitialBackoff: initialBackoff,
	}
}

// ExecuteWithRetry executes an API call with retry logic.
func (c *RetryableClient) ExecuteWithRetry(ctx context.Context, fn func() error) error {
	var currentErr error

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			return utils.NewAppError(utils.ErrorTypeGeneral, "Context canceled", ctx.Err()).WithRetry(false)
		default:
			// Continue with the retry
		}

		// Execute the function
		err := fn()
		if err == nil {
			return nil
		}

		// Process the error to determine if it's retryable
		var processedErr error
		var retryable bool
		var retryAfter time.Duration

		var apiErr *Error
		var netErr net.Error
		switch {
		case errors.As(err, &apiErr):
			switch {
			case apiErr.IsAuth():
				slog.Warn("authentication error", "error", err)
				return utils.NewAppError(utils.ErrorTypeAuth, "WorkOS API authentication error", err).WithRetry(false)
			case apiErr.IsRateLimit(), apiErr.Status == http.StatusServiceUnavailable:
				retryAfter = apiErr.RetryAfter
				slog.Warn("rate limited by WorkOS API", "retry_after", retryAfter)
				processedErr = utils.NewAppError(utils.ErrorTypeRateLimit, "WorkOS API rate limit exceeded", err)
				retryable = true
			default:
				// Validation failures, conflicts, and server errors land in the
				// error log for the analyzer rather than burning retries here.
				processedErr = utils.NewAppError(utils.ErrorTypeAPI, "Error during API call", err).WithRetry(false)
				retryable = false
			}
		case errors.As(err, &netErr) && netErr.Timeout():
			processedErr = utils.NewAppError(utils.ErrorTypeAPI, "WorkOS API request timed out", err)
			retryable = true
		default:
			if appErr, ok := utils.AsAppError(err); ok {
				processedErr = appErr
				retryable = appErr.Retryable
			} else {
				processedErr = utils.NewAppError(utils.ErrorTypeGeneral, "Error during API call", err).WithRetry(false)
				retryable = false
			}
		}

		// Store the current error for potential return
		currentErr = processedErr

		// If error is not retryable or this was our last attempt, return
		if !retryable || attempt >= c.MaxRetries {
			if retryable && attempt >= c.MaxRetries {
				return fmt.Errorf("max retries reached: %w", currentErr)
			}
			return currentErr
		}

		// Calculate backoff for next retry; a server-provided Retry-After wins.
		backoff := c.InitialBackoff * (1 << attempt)
		jitter := time.Duration(float64(backoff) * (0.5 + 0.5*float64(time.Now().Nanosecond())/float64(1e9)))
		wait := backoff + jitter
		if retryAfter > 0 {
			wait = retryAfter
		}

		slog.Warn("retrying API call", "error", currentErr, "attempt", attempt, "backoff", wait)

		// Wait before retrying
		select {
		case <-ctx.Done():
			return utils.NewAppError(utils.ErrorTypeGeneral, "Context canceled during backoff", ctx.Err()).WithRetry(false)
		case <-time.After(wait):
			// Continue to next attempt
		}
	}

	return fmt.Errorf("max retries reached: %w", currentErr)
}
