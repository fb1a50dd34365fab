package waiter

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWaitReturnsImmediatelyOnHit(t *testing.T) {
	h := NewHub()
	lookup := func(string) (int, bool) { return 42, true }

	v, ok := Wait(context.Background(), h, "k", time.Second, lookup)
	if !ok || v != 42 {
		t.Fatalf("expected immediate hit 42, got %d ok=%v", v, ok)
	}
}

func TestWaitTimesOutOnMiss(t *testing.T) {
	h := NewHub()
	lookup := func(string) (int, bool) { return 0, false }

	start := time.Now()
	_, ok := Wait(context.Background(), h, "k", 20*time.Millisecond, lookup)
	if ok {
		t.Fatal("expected timeout, got a value")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("returned too early after %s", elapsed)
	}
}

func TestWaitWakesOnPublish(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	value := 0
	ready := false
	lookup := func(string) (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		return value, ready
	}

	done := make(chan struct{})
	var got int
	var ok bool
	go func() {
		got, ok = Wait(context.Background(), h, "k", time.Second, lookup)
		close(done)
	}()

	// Give the waiter time to subscribe before publishing.
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	value = 7
	ready = true
	mu.Unlock()
	h.Publish("k")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Publish")
	}
	if !ok || got != 7 {
		t.Fatalf("expected woken value 7, got %d ok=%v", got, ok)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	h := NewHub()
	lookup := func(string) (int, bool) { return 0, false }
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var ok bool
	go func() {
		_, ok = Wait(ctx, h, "k", time.Second, lookup)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter did not honor context cancellation")
	}
	if ok {
		t.Fatal("expected cancellation to produce a miss")
	}
}

func TestPublishWithNoSubscribersIsANoop(t *testing.T) {
	h := NewHub()
	h.Publish("nobody-waiting")
}

func TestMultipleWaitersOnSameKeyAllWake(t *testing.T) {
	h := NewHub()
	lookup := func(string) (int, bool) { return 1, true }
	const n = 5

	ch := h.subscribe("k")
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case <-ch:
				results[i] = true
			case <-time.After(time.Second):
			}
		}(i)
	}
	h.Publish("k")
	wg.Wait()
	for i, woken := range results {
		if !woken {
			t.Fatalf("waiter %d was not woken", i)
		}
	}
	_ = lookup
}

func TestEligibilityNewPayloadCutoff(t *testing.T) {
	e := Eligibility{LatestHead: func() uint64 { return 1000 }, WaitCutoff: 64}
	if !e.ShouldWaitForNewPayload(1000) {
		t.Fatal("payload at the head should be eligible to wait")
	}
	if !e.ShouldWaitForNewPayload(1500) {
		t.Fatal("payload ahead of the head should be eligible to wait")
	}
	if !e.ShouldWaitForNewPayload(950) {
		t.Fatal("payload 50 blocks behind a cutoff of 64 should be eligible to wait")
	}
	if e.ShouldWaitForNewPayload(900) {
		t.Fatal("payload 100 blocks behind a cutoff of 64 should not be eligible to wait")
	}
}

func TestEligibilityNewPayloadZeroCutoffNeverWaits(t *testing.T) {
	e := Eligibility{LatestHead: func() uint64 { return 1000 }, WaitCutoff: 0}
	if e.ShouldWaitForNewPayload(1000) {
		t.Fatal("a zero wait cutoff must answer instantly even for a payload at the head")
	}
	if e.ShouldWaitForNewPayload(1500) {
		t.Fatal("a zero wait cutoff must answer instantly even for a payload ahead of the head")
	}
}

func TestEligibilityNewPayloadNoCutoffConfigured(t *testing.T) {
	e := Eligibility{}
	if !e.ShouldWaitForNewPayload(0) {
		t.Fatal("with no LatestHead function, every payload should be eligible")
	}
}

func TestEligibilityForkchoiceAlwaysWaits(t *testing.T) {
	e := Eligibility{}
	if !e.ShouldWaitForForkchoiceUpdated() {
		t.Fatal("forkchoiceUpdated must always be eligible to wait")
	}
}
