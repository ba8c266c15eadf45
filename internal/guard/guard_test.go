package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSlotTryRunRejectsOverlap(t *testing.T) {
	slot := NewSlot("incremental")
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- slot.TryRun(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if !slot.Busy() {
		t.Fatal("slot should be busy during a pass")
	}
	if err := slot.TryRun(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping TryRun err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if slot.Busy() {
		t.Fatal("slot still busy after pass")
	}
	if slot.Runs() != 1 {
		t.Fatalf("runs = %d, want 1", slot.Runs())
	}
}

func TestSlotRunCoalescedCollapsesRequests(t *testing.T) {
	slot := NewSlot("counters")
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	first := true

	fn := func(context.Context) error {
		mu.Lock()
		calls++
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			close(started)
			<-release
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- slot.RunCoalesced(context.Background(), fn) }()
	<-started

	for i := 0; i < 5; i++ {
		if err := slot.RunCoalesced(context.Background(), fn); err != nil {
			t.Fatalf("coalesced request: %v", err)
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("owner pass: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one pass plus one follow-up)", calls)
	}
}

func TestTimelineSerializes(t *testing.T) {
	var tl Timeline
	var wg sync.WaitGroup
	inside := 0
	maxInside := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tl.Do(func() error {
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				time.Sleep(time.Millisecond)
				inside--
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("max concurrent = %d, want 1", maxInside)
	}
}

func TestMemoryDebouncer(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewMemoryDebouncer(time.Minute)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if !d.AcquireOnce(ctx, "sync") {
		t.Fatal("first attempt should pass")
	}
	now = now.Add(30 * time.Second)
	if d.AcquireOnce(ctx, "sync") {
		t.Fatal("attempt inside interval should be debounced")
	}
	if !d.AcquireOnce(ctx, "other") {
		t.Fatal("keys are independent")
	}
	now = now.Add(31 * time.Second)
	if !d.AcquireOnce(ctx, "sync") {
		t.Fatal("attempt after interval should pass")
	}
}
