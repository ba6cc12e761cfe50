package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestTokenBucket_GrantsUpToCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New(100, time.Hour)
	defer b.Close()

	got, err := b.Get(context.Background(), 50)
	if err != nil || got != 50 {
		t.Fatalf("got=%d err=%v", got, err)
	}
	got, err = b.Get(context.Background(), 200)
	if err != nil || got != 50 {
		t.Fatalf("expected clamp+remainder 50, got=%d err=%v", got, err)
	}
}

func TestTokenBucket_NeverOvershoots(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New(100, time.Hour)
	defer b.Close()

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := b.Get(context.Background(), 10)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			total += got
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total > 100 {
		t.Fatalf("granted %d tokens, capacity was 100", total)
	}
}

func TestTokenBucket_RefillUnblocksWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New(100, 50*time.Millisecond)
	defer b.Close()

	// Drain the bucket.
	if got, _ := b.Get(context.Background(), 100); got != 100 {
		t.Fatalf("expected to drain 100 tokens, got %d", got)
	}

	start := time.Now()
	got, err := b.Get(context.Background(), 50)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 50 {
		t.Fatalf("expected 50 tokens after refill, got %d", got)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected to block until refill, elapsed %v", elapsed)
	}
}

func TestTokenBucket_CancellationUnblocksPromptly(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New(10, time.Hour)
	defer b.Close()
	b.Get(context.Background(), 10) // drain

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Get(ctx, 5)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	cancel()
	err := <-done
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("cancellation took too long")
	}
}

func TestTokenBucket_SetCapacityTakesEffectNextRefill(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New(100, 50*time.Millisecond)
	defer b.Close()

	b.SetCapacity(10)
	// Before the next tick, the old capacity still governs clamping.
	got, _ := b.Get(context.Background(), 100)
	if got != 100 {
		t.Fatalf("expected old capacity 100 to still apply, got %d", got)
	}

	time.Sleep(80 * time.Millisecond)
	got, _ = b.Get(context.Background(), 100)
	if got != 10 {
		t.Fatalf("expected new capacity 10 after refill, got %d", got)
	}
}

func TestTokenBucket_FairnessFiveConcurrentGets(t *testing.T) {
	defer goleak.VerifyNone(t)
	// capacity=100, interval=1000ms,
	// five concurrent get(50) calls.
	b := New(100, time.Second)
	defer b.Close()

	results := make([]int, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := b.Get(context.Background(), 50)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	total := 0
	nonZero := 0
	for _, r := range results {
		total += r
		if r > 0 {
			nonZero++
		}
	}
	if total != 100 {
		t.Fatalf("expected exactly 100 tokens granted from first round, got %d", total)
	}
	if nonZero > 3 {
		t.Fatalf("expected at most two full grants and one partial before exhaustion, got %d non-zero grants", nonZero)
	}
}
