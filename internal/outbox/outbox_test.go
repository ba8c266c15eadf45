package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/model"
	"mailsync/internal/remote"
	"mailsync/internal/remote/remotetest"
	"mailsync/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type countingReconciler struct{ calls int }

func (c *countingReconciler) Reconcile(context.Context) error {
	c.calls++
	return nil
}

func newFixture(t *testing.T) (*Repository, *Dispatcher, *remotetest.Server, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	repo := NewRepository(store.NewMemory()).WithClock(clk.now)
	srv := remotetest.NewServer()
	srv.Put(model.Thread{ID: "t1", Labels: []string{model.LabelInbox}})
	srv.Put(model.Thread{ID: "t2", Labels: []string{model.LabelInbox}})
	d := NewDispatcher(repo, srv, zap.NewNop()).WithClock(clk.now)
	return repo, d, srv, clk
}

func archive(id string) model.ModifyLabels {
	return model.ModifyLabels{ThreadIDs: []string{id}, Remove: []string{model.LabelInbox}}
}

func TestEnqueueIsIdempotentPerScope(t *testing.T) {
	repo, _, _, _ := newFixture(t)
	ctx := context.Background()

	first, created, err := repo.Enqueue(ctx, "t1", model.ModifyLabels{ThreadIDs: []string{"t1"}, Add: []string{model.LabelTrash}, Remove: []string{model.LabelInbox, model.LabelUnread}})
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := repo.Enqueue(ctx, "t1", model.ModifyLabels{ThreadIDs: []string{"t1"}, Add: []string{model.LabelTrash}, Remove: []string{model.LabelUnread, model.LabelInbox}})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("duplicate payload must not create a new op (created=%v, ids %s/%s)", created, first.ID, second.ID)
	}

	if _, created, _ := repo.Enqueue(ctx, "t2", model.ModifyLabels{ThreadIDs: []string{"t1"}, Add: []string{model.LabelTrash}, Remove: []string{model.LabelInbox, model.LabelUnread}}); !created {
		t.Fatal("same payload under another scope key is a different op")
	}
	if _, created, _ := repo.Enqueue(ctx, "t1", archive("t1")); !created {
		t.Fatal("different payload should be created")
	}

	ops, err := repo.Unresolved(ctx)
	if err != nil {
		t.Fatalf("Unresolved: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("ops = %d, want 3", len(ops))
	}
	if ops[0].Attempts != 0 || ops[0].Status != model.OperationPending {
		t.Fatalf("new op = %+v", ops[0])
	}
}

func TestEnqueueDedupesOnlyAgainstNewestOp(t *testing.T) {
	repo, d, srv, clk := newFixture(t)
	ctx := context.Background()
	inbox := model.ModifyLabels{ThreadIDs: []string{"t1"}, Add: []string{model.LabelInbox}}

	for i, p := range []model.ModifyLabels{archive("t1"), inbox, archive("t1")} {
		if _, created, err := repo.Enqueue(ctx, "t1", p); err != nil || !created {
			t.Fatalf("enqueue %d: created=%v err=%v", i, created, err)
		}
		clk.advance(time.Millisecond)
	}
	if _, created, _ := repo.Enqueue(ctx, "t1", archive("t1")); created {
		t.Fatal("repeating the newest intent should not create an op")
	}
	ops, _ := repo.ByScope(ctx, "t1")
	if len(ops) != 3 {
		t.Fatalf("ops = %d, want 3", len(ops))
	}

	if _, err := d.FlushOnce(ctx); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	th, _ := srv.Thread("t1")
	if model.HasLabel(th.Labels, model.LabelInbox) {
		t.Fatalf("remote ended in inbox, last intent lost: %v", th.Labels)
	}
}

func TestFlushDeletesOnSuccessWithoutReread(t *testing.T) {
	repo, d, srv, _ := newFixture(t)
	ctx := context.Background()
	counters := &countingReconciler{}
	d.WithCounters(counters)

	if _, _, err := repo.Enqueue(ctx, "t1", archive("t1")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := repo.Enqueue(ctx, "", model.SendMessage{ThreadID: "t2", Raw: []byte("hello")}); err != nil {
		t.Fatal(err)
	}

	res, err := d.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if res.Succeeded != 2 {
		t.Fatalf("result = %+v", res)
	}
	ops, _ := repo.Unresolved(ctx)
	if len(ops) != 0 {
		t.Fatalf("ops left = %d", len(ops))
	}
	if th, _ := srv.Thread("t1"); th.HasLabel(model.LabelInbox) {
		t.Fatal("remote should have archived t1")
	}
	if len(srv.Sent()) != 1 {
		t.Fatalf("sent = %d, want 1", len(srv.Sent()))
	}
	if srv.Calls("GetThreadSummary") != 0 || srv.Calls("ListThreadIDs") != 0 {
		t.Fatal("flush must not re-read the remote")
	}
	if counters.calls != 1 {
		t.Fatalf("counter reconcile calls = %d, want 1", counters.calls)
	}
}

func TestFlushBacksOffThenMarksStuck(t *testing.T) {
	repo, d, srv, clk := newFixture(t)
	ctx := context.Background()
	op, _, _ := repo.Enqueue(ctx, "t1", archive("t1"))

	for i := 0; i < 5; i++ {
		srv.FailNext("BatchModifyLabels", remote.StatusError("BatchModifyLabels", 503))
	}

	for attempt := 1; attempt <= 4; attempt++ {
		res, err := d.FlushOnce(ctx)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if res.Retrying != 1 {
			t.Fatalf("attempt %d: result = %+v", attempt, res)
		}
		got, _ := repo.Get(ctx, op.ID)
		if got.Attempts != attempt || got.LastError == "" {
			t.Fatalf("attempt %d: op = %+v", attempt, got)
		}
		wantNext := clk.now().Add(d.Backoff(attempt))
		if !got.NextAttemptAt.Equal(wantNext) {
			t.Fatalf("attempt %d: next = %v, want %v", attempt, got.NextAttemptAt, wantNext)
		}

		// Not yet due: nothing is attempted.
		res, _ = d.FlushOnce(ctx)
		if res.Waiting != 1 {
			t.Fatalf("attempt %d: expected op to wait, got %+v", attempt, res)
		}
		clk.advance(d.Backoff(attempt))
	}

	res, _ := d.FlushOnce(ctx)
	if res.Stuck != 1 {
		t.Fatalf("fifth failure should mark stuck, got %+v", res)
	}
	got, err := repo.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("stuck op must be kept: %v", err)
	}
	if !got.IsStuck() || got.StuckAt == nil || got.Attempts != 5 {
		t.Fatalf("op = %+v", got)
	}

	calls := srv.Calls("BatchModifyLabels")
	clk.advance(time.Hour)
	if _, err := d.FlushOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if srv.Calls("BatchModifyLabels") != calls {
		t.Fatal("stuck op must not be dispatched")
	}
}

func TestPermanentRejectionIsStuckImmediately(t *testing.T) {
	repo, d, _, _ := newFixture(t)
	ctx := context.Background()
	op, _, _ := repo.Enqueue(ctx, "gone", archive("gone"))

	res, err := d.FlushOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stuck != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := repo.Get(ctx, op.ID)
	if !got.IsStuck() || got.Attempts != 1 {
		t.Fatalf("op = %+v", got)
	}
}

func TestFlushKeepsPerScopeOrder(t *testing.T) {
	repo, d, srv, clk := newFixture(t)
	ctx := context.Background()

	a, _, _ := repo.Enqueue(ctx, "t1", archive("t1"))
	clk.advance(time.Millisecond)
	b, _, _ := repo.Enqueue(ctx, "t1", model.ModifyLabels{ThreadIDs: []string{"t1"}, Add: []string{model.LabelInbox}})
	clk.advance(time.Millisecond)
	c, _, _ := repo.Enqueue(ctx, "t2", archive("t2"))

	srv.FailNext("BatchModifyLabels", remote.StatusError("BatchModifyLabels", 500))
	res, err := d.FlushOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Retrying != 1 || res.Deferred != 1 || res.Succeeded != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := repo.Get(ctx, a.ID); err != nil {
		t.Fatal("a should still be queued")
	}
	if _, err := repo.Get(ctx, b.ID); err != nil {
		t.Fatal("b should be deferred behind a")
	}
	if _, err := repo.Get(ctx, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("c should be flushed, err = %v", err)
	}

	clk.advance(d.Backoff(1))
	if res, _ := d.FlushOnce(ctx); res.Succeeded != 2 {
		t.Fatalf("second pass = %+v", res)
	}
	mods := srv.Modifications()
	last := mods[len(mods)-1]
	if len(last.Add) != 1 || last.Add[0] != model.LabelInbox {
		t.Fatalf("b must be applied after a, last modification = %+v", last)
	}
}

func TestStuckOpDoesNotBlockScope(t *testing.T) {
	repo, d, _, clk := newFixture(t)
	ctx := context.Background()

	stuck, _, _ := repo.Enqueue(ctx, "t1", archive("t1"))
	stuck.Status = model.OperationStuck
	at := clk.now()
	stuck.StuckAt = &at
	if err := repo.Save(ctx, stuck); err != nil {
		t.Fatal(err)
	}
	clk.advance(time.Millisecond)
	if _, _, err := repo.Enqueue(ctx, "t1", model.ModifyLabels{ThreadIDs: []string{"t1"}, Remove: []string{model.LabelUnread}}); err != nil {
		t.Fatal(err)
	}

	res, err := d.FlushOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.Deferred != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	d := NewDispatcher(nil, nil, zap.NewNop()).WithBackoff(time.Second, 10*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := d.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestReplayRetryAndDismiss(t *testing.T) {
	repo, d, _, _ := newFixture(t)
	ctx := context.Background()
	counters := &countingReconciler{}
	replay := NewReplayService(repo, counters, zap.NewNop())

	gone, _, _ := repo.Enqueue(ctx, "gone", archive("gone"))
	pending, _, _ := repo.Enqueue(ctx, "gone2", archive("gone2"))
	if _, err := d.FlushOnce(ctx); err != nil {
		t.Fatal(err)
	}

	list, err := replay.Stuck(ctx, 10)
	if err != nil || len(list) != 2 {
		t.Fatalf("stuck = %d, err = %v", len(list), err)
	}

	op, err := replay.Retry(ctx, gone.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if op.IsStuck() || op.Attempts != 0 || op.StuckAt != nil {
		t.Fatalf("retried op = %+v", op)
	}
	if _, err := replay.Retry(ctx, gone.ID); !errors.Is(err, ErrNotStuck) {
		t.Fatalf("retrying a pending op: err = %v", err)
	}

	if err := replay.Dismiss(ctx, pending.ID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if _, err := repo.Get(ctx, pending.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("dismissed op still present: %v", err)
	}
	if counters.calls != 1 {
		t.Fatalf("dismiss should reconcile counters, calls = %d", counters.calls)
	}
}

func TestHashIgnoresLabelOrder(t *testing.T) {
	a, _ := Hash(model.ModifyLabels{ThreadIDs: []string{"x", "y"}, Add: []string{"B", "A"}})
	b, _ := Hash(model.ModifyLabels{ThreadIDs: []string{"y", "x"}, Add: []string{"A", "B", "A"}})
	c, _ := Hash(model.ModifyLabels{ThreadIDs: []string{"x", "y"}, Remove: []string{"A", "B"}})
	if a != b {
		t.Fatal("equal payloads must hash equal")
	}
	if a == c {
		t.Fatal("add and remove must hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}
