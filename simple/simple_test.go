package simple

import (
	"context"
	"testing"
	"time"

	"ratelimitcore/quota"
	"ratelimitcore/storage/memory"
)

func TestAllow_RespectsBurst(t *testing.T) {
	q, err := quota.New(2, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l := New(q)
	ctx := context.Background()

	allowed, err := l.Allow(ctx, "a")
	if err != nil || !allowed {
		t.Fatalf("1st request should be allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, err = l.Allow(ctx, "a")
	if err != nil || !allowed {
		t.Fatalf("2nd request should be allowed (within burst of 2), got allowed=%v err=%v", allowed, err)
	}
	allowed, err = l.Allow(ctx, "a")
	if err != nil || allowed {
		t.Fatalf("3rd immediate request should exceed burst, got allowed=%v err=%v", allowed, err)
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	q, _ := quota.New(1, time.Second)
	l := New(q)
	ctx := context.Background()

	if allowed, err := l.Allow(ctx, "a"); err != nil || !allowed {
		t.Fatalf("expected key a's first request to be allowed, got allowed=%v err=%v", allowed, err)
	}
	if allowed, err := l.Allow(ctx, "b"); err != nil || !allowed {
		t.Fatalf("expected key b to have its own independent budget, got allowed=%v err=%v", allowed, err)
	}
}

func TestWait_UnblocksOnceTokenRefills(t *testing.T) {
	q, _ := quota.New(20, time.Second) // one token every 50ms
	l := New(q, WithIdleTTL(time.Minute))
	ctx := context.Background()

	if allowed, err := l.Allow(ctx, "a"); err != nil || !allowed {
		t.Fatalf("expected first request to consume the only burst token, got allowed=%v err=%v", allowed, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	start := time.Now()
	if err := l.Wait(waitCtx, "a"); err != nil {
		t.Fatalf("unexpected error waiting for a token: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected Wait to unblock quickly once refilled, took %v", elapsed)
	}
}

func TestWait_ReturnsErrorWhenContextExpires(t *testing.T) {
	q, _ := quota.New(1, time.Hour)
	l := New(q)
	ctx := context.Background()

	if allowed, err := l.Allow(ctx, "a"); err != nil || !allowed {
		t.Fatalf("expected first request to consume the only token, got allowed=%v err=%v", allowed, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(waitCtx, "a"); err == nil {
		t.Fatalf("expected Wait to return an error once the context expires")
	}
}

func TestReconcile_DropsEntriesTheStoreNoLongerConsidersAlive(t *testing.T) {
	q, _ := quota.New(5, time.Second)
	store := memory.New(memory.WithGC(memory.GCConfig{Mode: memory.GCManual}))
	l := New(q, WithStore(store), WithIdleTTL(10*time.Millisecond))
	ctx := context.Background()

	if _, err := l.Allow(ctx, "idle"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := l.Allow(ctx, "fresh"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.Reconcile(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.mu.Lock()
	_, idleStillCached := l.cached["idle"]
	_, freshStillCached := l.cached["fresh"]
	l.mu.Unlock()

	if idleStillCached {
		t.Fatalf("expected idle entry to be dropped once its store entry expired")
	}
	if !freshStillCached {
		t.Fatalf("expected freshly-touched entry to survive reconcile")
	}
}

func TestStartJanitor_EvictsIdleEntries(t *testing.T) {
	q, _ := quota.New(5, time.Second)
	store := memory.New(memory.WithGC(memory.GCConfig{Mode: memory.GCManual}))
	l := New(q, WithStore(store), WithIdleTTL(5*time.Millisecond))
	ctx := context.Background()

	if _, err := l.Allow(ctx, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	janitorCtx, cancel := context.WithCancel(ctx)
	l.StartJanitor(janitorCtx, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	cancel()

	l.mu.Lock()
	_, present := l.cached["a"]
	l.mu.Unlock()

	if present {
		t.Fatalf("expected the janitor to have evicted the idle entry before cancellation")
	}
}

func TestStartJanitor_DisabledWhenIntervalIsZero(t *testing.T) {
	q, _ := quota.New(5, time.Second)
	l := New(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartJanitor(ctx, 0) // should be a no-op, not start a goroutine
}
