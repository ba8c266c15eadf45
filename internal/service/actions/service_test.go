package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/counters"
	"mailsync/internal/guard"
	"mailsync/internal/journal"
	"mailsync/internal/model"
	"mailsync/internal/outbox"
	"mailsync/internal/repository"
	"mailsync/internal/store"
)

type fixture struct {
	svc      *Service
	threads  *repository.ThreadRepository
	snoozes  *repository.SnoozeRepository
	ops      *outbox.Repository
	journal  *journal.Journal
	counters *counters.Model
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	f := &fixture{
		threads: repository.NewThreadRepository(s),
		snoozes: repository.NewSnoozeRepository(s),
		ops:     outbox.NewRepository(s),
		journal: journal.New(s, journal.DefaultConfig(), zap.NewNop()),
	}
	f.counters = counters.New(f.ops, f.threads, repository.NewSettingsRepository(s), zap.NewNop())
	f.svc = NewService(&guard.Timeline{}, f.threads, f.snoozes, f.ops, f.journal, f.counters, zap.NewNop())
	return f
}

func (f *fixture) put(t *testing.T, id string, labels ...string) {
	t.Helper()
	if err := f.threads.Put(context.Background(), &model.Thread{ID: id, Labels: labels}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) labels(t *testing.T, id string) []string {
	t.Helper()
	th, err := f.threads.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return th.Labels
}

func TestArchiveJournalsQueuesAndMutates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "t1", model.LabelInbox, model.LabelUnread)

	res, err := f.svc.Archive(ctx, "t1")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !res.Created {
		t.Fatal("first archive should create an op")
	}
	if model.HasLabel(f.labels(t, "t1"), model.LabelInbox) {
		t.Fatal("replica should lose INBOX immediately")
	}
	if ok, _ := f.journal.IsProtected(ctx, "t1", time.Minute); !ok {
		t.Fatal("archive should be journaled")
	}
	ops, _ := f.ops.Unresolved(ctx)
	if len(ops) != 1 || ops[0].ScopeKey != "t1" {
		t.Fatalf("expected one op scoped to t1, got %+v", ops)
	}
	// 副本已反映动作，乐观偏移为零
	if !res.Counters.IsZero() {
		t.Fatalf("expected zero delta after replica mutation, got %+v", res.Counters)
	}
	shown, err := f.counters.Displayed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if shown.Inbox != 0 || shown.UnreadInbox != 0 {
		t.Fatalf("displayed = %+v, want zeros", shown)
	}
}

func TestRepeatedActionDoesNotDuplicateOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "t1", model.LabelInbox, model.LabelUnread)

	first, err := f.svc.MarkRead(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.MarkRead(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Created || second.Operation.ID != first.Operation.ID {
		t.Fatalf("second mark-read should reuse op %s", first.Operation.ID)
	}
}

func TestArchiveAfterMoveToInboxIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "t1", model.LabelInbox)

	if _, err := f.svc.Archive(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.MoveToInbox(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.Archive(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created {
		t.Fatal("third action must be queued behind the move back to inbox")
	}
	ops, _ := f.ops.Unresolved(ctx)
	if len(ops) != 3 {
		t.Fatalf("ops = %d, want 3", len(ops))
	}
	shown, err := f.counters.Displayed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if shown.Inbox != 0 {
		t.Fatalf("displayed inbox = %d, want 0", shown.Inbox)
	}
}

func TestUndoTrashRestoresInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "t1", model.LabelInbox)

	if _, err := f.svc.Trash(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if !model.HasLabel(f.labels(t, "t1"), model.LabelTrash) {
		t.Fatal("trash should add TRASH")
	}
	if _, err := f.svc.Undo(ctx, "t1"); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	got := f.labels(t, "t1")
	if model.HasLabel(got, model.LabelTrash) || !model.HasLabel(got, model.LabelInbox) {
		t.Fatalf("labels after undo = %v", got)
	}
}

func TestUndoWithoutEntry(t *testing.T) {
	f := newFixture(t)
	f.put(t, "t1", model.LabelInbox)
	if _, err := f.svc.Undo(context.Background(), "t1"); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("err = %v, want ErrNothingToUndo", err)
	}
}

func TestSnoozeAndUnsnooze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "t1", model.LabelInbox, model.LabelUnread)
	due := time.Now().Add(time.Hour)

	if _, err := f.svc.Snooze(ctx, "t1", "SNOOZED", due, "Europe/Berlin", true); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	item, err := f.snoozes.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("snooze item missing: %v", err)
	}
	if item.SnoozeLabelID != "SNOOZED" || !item.RestoreUnread {
		t.Fatalf("unexpected item %+v", item)
	}
	if got := f.labels(t, "t1"); model.HasLabel(got, model.LabelInbox) || !model.HasLabel(got, "SNOOZED") {
		t.Fatalf("labels after snooze = %v", got)
	}

	if _, err := f.svc.Unsnooze(ctx, "t1"); err != nil {
		t.Fatalf("Unsnooze: %v", err)
	}
	if _, err := f.snoozes.Get(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("snooze item should be deleted, err = %v", err)
	}
	if got := f.labels(t, "t1"); !model.HasLabel(got, model.LabelInbox) || model.HasLabel(got, "SNOOZED") {
		t.Fatalf("labels after unsnooze = %v", got)
	}
	if _, err := f.svc.Unsnooze(ctx, "t1"); !errors.Is(err, ErrNotSnoozed) {
		t.Fatalf("second unsnooze err = %v", err)
	}
}

func TestActionOnMissingThread(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Archive(context.Background(), "ghost"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
	ops, _ := f.ops.Unresolved(context.Background())
	if len(ops) != 0 {
		t.Fatalf("no op should be queued, got %d", len(ops))
	}
}

func TestWakeQueuesForMissingThread(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Wake(context.Background(), model.SnoozeQueueItem{ThreadID: "gone", SnoozeLabelID: "SNOOZED"})
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	p, ok := res.Operation.Payload.(model.ModifyLabels)
	if !ok || !model.HasLabel(p.Add, model.LabelInbox) || !model.HasLabel(p.Remove, "SNOOZED") {
		t.Fatalf("unexpected payload %+v", res.Operation.Payload)
	}
}

func TestSendRequiresBody(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Send(context.Background(), "", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
	res, err := f.svc.Send(context.Background(), "", []byte("Subject: hi\r\n\r\nbody"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation.ScopeKey != "send" || res.Entry != nil {
		t.Fatalf("unexpected send result %+v", res)
	}
}
