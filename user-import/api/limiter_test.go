// Package api provides functionality for interacting with the WorkOS User Management REST API.
// This file contains tests for the shared rate limiter.
package api

import (
	"context"
	"testing"
	"time"
)

// TestLimiterImmediateGrant tests that Acquire returns without blocking while
// burst tokens are available and counts the acquisition as granted.
func TestLimiterImmediateGrant(t *testing.T) {
	l := NewLimiter(100, 5)

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Acquire() with available burst should not block; took %v", elapsed)
	}

	stats := l.Stats()
	if stats.Granted != 1 {
		t.Errorf("Stats().Granted = %d; want 1", stats.Granted)
	}
	if stats.Waited != 0 {
		t.Errorf("Stats().Waited = %d; want 0", stats.Waited)
	}
}

// TestLimiterBlocksWhenDrained tests that Acquire blocks once the burst is
// consumed and counts the acquisition as waited.
func TestLimiterBlocksWhenDrained(t *testing.T) {
	// 20 req/s with burst 1: the second acquire must wait ~50ms for a token.
	l := NewLimiter(20, 1)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() unexpected error: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire() unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("second Acquire() should block for a token; returned after %v", elapsed)
	}

	stats := l.Stats()
	if stats.Granted != 2 {
		t.Errorf("Stats().Granted = %d; want 2", stats.Granted)
	}
	if stats.Waited != 1 {
		t.Errorf("Stats().Waited = %d; want 1", stats.Waited)
	}
	if stats.TotalWait <= 0 {
		t.Errorf("Stats().TotalWait = %v; want > 0", stats.TotalWait)
	}
}

// TestLimiterAcquireCanceled tests that a blocked Acquire returns promptly
// when the context is canceled and does not count a grant.
func TestLimiterAcquireCanceled(t *testing.T) {
	// One token every 10 seconds so the second acquire must block.
	l := NewLimiter(0.1, 1)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := l.Acquire(ctx)
	if err == nil {
		t.Fatal("Acquire() expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Acquire() did not cancel promptly; elapsed %v", elapsed)
	}

	if got := l.Stats().Granted; got != 1 {
		t.Errorf("Stats().Granted = %d after canceled acquire; want 1", got)
	}
}

// TestLimiterDefaults tests that non-positive constructor arguments fall back
// to sane defaults.
func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(0, 0)
	if got := l.Limit(); got != DefaultRequestsPerSecond {
		t.Errorf("Limit() = %v; want %v", got, DefaultRequestsPerSecond)
	}
	if got := l.Burst(); got != 1 {
		t.Errorf("Burst() = %d; want 1", got)
	}
}

// TestMonitorStats tests that the MonitorStats function runs a tick with an
// extra stats callback without panic.
func TestMonitorStats(t *testing.T) {
	l := NewLimiter(100, 5)
	_ = l.Acquire(context.Background())

	extra := func() []any {
		return []any{"org_cache_hit_rate", "0.95"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(120 * time.Millisecond)
		cancel()
	}()
	MonitorStats(ctx, l, 50*time.Millisecond, extra)
	// test passes if no panic
}
