// Package api provides functionality for interacting with the WorkOS User Management REST API.
// It includes rate limiting, a typed client with retry support, and utilities for efficient API consumption.
package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond is the default sustained request rate against the API.
const DefaultRequestsPerSecond = 10

// Limiter is a token-bucket rate limiter shared by every worker in a job.
// One Limiter exists per import run; all API calls acquire a permit first so
// the aggregate request rate stays below the account's limit regardless of
// how many workers are running.
type Limiter struct {
	limiter  *rate.Limiter
	granted  atomic.Int64
	waited   atomic.Int64
	waitTime atomic.Int64 // nanoseconds spent blocked in Acquire
}

// LimiterStats is a snapshot of limiter counters.
type LimiterStats struct {
	Granted   int64
	Waited    int64
	TotalWait time.Duration
}

// NewLimiter creates a limiter allowing requestsPerSecond sustained requests
// with the given burst. Burst is typically set to the worker count.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Acquire blocks until a permit is available or the context is canceled.
// Acquisitions that found a token immediately are counted as granted;
// those that had to block are additionally counted as waited.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.limiter.Allow() {
		l.granted.Add(1)
		return nil
	}

	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.waited.Add(1)
	l.waitTime.Add(int64(time.Since(start)))
	l.granted.Add(1)
	return nil
}

// Limit returns the configured sustained rate in requests per second.
func (l *Limiter) Limit() float64 {
	return float64(l.limiter.Limit())
}

// Burst returns the configured burst size.
func (l *Limiter) Burst() int {
	return l.limiter.Burst()
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		Granted:   l.granted.Load(),
		Waited:    l.waited.Load(),
		TotalWait: time.Duration(l.waitTime.Load()),
	}
}

// StatsFunc supplies extra key/value pairs for the periodic stats log line.
type StatsFunc func() []any

// MonitorStats periodically logs limiter throughput during a run.
// The optional extra function contributes additional key/value pairs,
// such as cache hit rates or processed row counts.
func MonitorStats(ctx context.Context, limiter *Limiter, interval time.Duration, extra StatsFunc) {
	slog.Info("starting limiter monitoring", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("limiter monitoring stopped")
			return
		case <-ticker.C:
			stats := limiter.Stats()
			kv := []any{
				"granted", stats.Granted,
				"waited", stats.Waited,
				"total_wait", stats.TotalWait.Truncate(time.Millisecond).String(),
			}
			if extra != nil {
				kv = append(kv, extra()...)
			}
			slog.Info("throughput", kv...)
		}
	}
}
