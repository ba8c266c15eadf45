// Package guard holds the mutual-exclusion primitives of the sync engine:
// the timeline lock, single-slot supervisors and the sync debouncer.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrBusy is returned by Slot.TryRun while another pass is in flight.
	ErrBusy = errors.New("guard: slot busy")
	// ErrDebounced is returned when a sync attempt falls inside the minimum interval.
	ErrDebounced = errors.New("guard: debounced")
)

// Timeline serializes every read-modify-write that touches a thread's labels,
// so user actions and sync passes never observe each other half-applied.
type Timeline struct {
	mu sync.Mutex
}

// Do runs fn while holding the timeline.
func (t *Timeline) Do(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn()
}

// Slot is a single-slot supervisor for one logical operation kind.
type Slot struct {
	name string

	mu      sync.Mutex
	running bool
	pending bool
	runs    int
}

func NewSlot(name string) *Slot {
	return &Slot{name: name}
}

func (s *Slot) Name() string { return s.name }

// Busy reports whether a pass is in flight.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Runs returns how many passes have completed.
func (s *Slot) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// TryRun runs fn unless a pass is already in flight, in which case it
// returns ErrBusy without running.
func (s *Slot) TryRun(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrBusy
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.runs++
		s.mu.Unlock()
	}()
	return fn(ctx)
}

// RunCoalesced runs fn, or, if a pass is in flight, schedules exactly one
// follow-up pass on the running goroutine and returns nil immediately.
// Any number of requests arriving during a pass collapse into that one follow-up.
func (s *Slot) RunCoalesced(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	var err error
	for {
		err = fn(ctx)

		s.mu.Lock()
		s.runs++
		if !s.pending || ctx.Err() != nil {
			s.pending = false
			s.running = false
			s.mu.Unlock()
			return err
		}
		s.pending = false
		s.mu.Unlock()
	}
}

// Debouncer grants a key at most once per interval.
// util.Deduper is the Redis-backed implementation shared across processes.
type Debouncer interface {
	AcquireOnce(ctx context.Context, key string) bool
}

// MemoryDebouncer is the in-process Debouncer.
type MemoryDebouncer struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryDebouncer(interval time.Duration) *MemoryDebouncer {
	return &MemoryDebouncer{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

func (d *MemoryDebouncer) AcquireOnce(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.last[key]; ok && now.Sub(last) < d.interval {
		return false
	}
	d.last[key] = now
	return true
}
