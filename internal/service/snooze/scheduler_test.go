package snooze

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
	"mailsync/internal/service/actions"
	"mailsync/internal/store"
)

type fixture struct {
	sched   *Scheduler
	actions *actions.Service
	snoozes *repository.SnoozeRepository
	threads *repository.ThreadRepository
	ops     *outbox.Repository
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	f := &fixture{
		snoozes: repository.NewSnoozeRepository(s),
		threads: repository.NewThreadRepository(s),
		ops:     outbox.NewRepository(s),
		now:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	settings := repository.NewSettingsRepository(s)
	c := counters.New(f.ops, f.threads, settings, zap.NewNop())
	j := journal.New(s, journal.DefaultConfig(), zap.NewNop())
	svc := actions.NewService(&guard.Timeline{}, f.threads, f.snoozes, f.ops, j, c, zap.NewNop())
	f.sched = NewScheduler(f.snoozes, svc, zap.NewNop()).WithClock(func() time.Time { return f.now })
	f.actions = svc.WithSnoozeQueue(f.sched)
	return f
}

func TestTickWakesDueItemOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.threads.Put(ctx, &model.Thread{ID: "t1", Labels: []string{"SNOOZED"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.Schedule(ctx, "t1", nil, "SNOOZED", f.now.Add(-time.Minute), "UTC", true); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.Schedule(ctx, "later", nil, "SNOOZED", f.now.Add(time.Hour), "", false); err != nil {
		t.Fatal(err)
	}

	woke, err := f.sched.Tick(ctx)
	if err != nil || woke != 1 {
		t.Fatalf("Tick = %d, %v", woke, err)
	}
	// 第二次不应重复
	if woke, _ := f.sched.Tick(ctx); woke != 0 {
		t.Fatalf("second tick woke %d", woke)
	}

	ops, _ := f.ops.Unresolved(ctx)
	if len(ops) != 1 {
		t.Fatalf("expected exactly one op, got %d", len(ops))
	}
	p := ops[0].Payload.(model.ModifyLabels)
	if !model.HasLabel(p.Add, model.LabelInbox) || !model.HasLabel(p.Add, model.LabelUnread) || !model.HasLabel(p.Remove, "SNOOZED") {
		t.Fatalf("unexpected payload %+v", p)
	}
	if _, err := f.snoozes.Get(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("item should be deleted, err = %v", err)
	}
	if _, err := f.snoozes.Get(ctx, "later"); err != nil {
		t.Fatalf("future item should remain: %v", err)
	}
	th, _ := f.threads.Get(ctx, "t1")
	if !model.UnreadInInbox(th.Labels) {
		t.Fatalf("labels after wake = %v", th.Labels)
	}
}

func TestScheduleValidates(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		id    string
		label string
		tz    string
	}{
		{"missing thread", "", "SNOOZED", ""},
		{"missing label", "t1", "", ""},
		{"bad zone", "t1", "SNOOZED", "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sched.Schedule(context.Background(), tt.id, nil, tt.label, f.now, tt.tz, false)
			if !errors.Is(err, actions.ErrInvalidRequest) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestSnoozeActionSchedulesThroughScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.threads.Put(ctx, &model.Thread{ID: "t1", Labels: []string{model.LabelInbox}, MessageIDs: []string{"m1"}}); err != nil {
		t.Fatal(err)
	}
	berlin := time.FixedZone("CET", 3600)

	if _, err := f.actions.Snooze(ctx, "t1", "SNOOZED", f.now.In(berlin).Add(time.Hour), "Mars/Olympus", false); !errors.Is(err, actions.ErrInvalidRequest) {
		t.Fatalf("bad zone err = %v", err)
	}
	th, _ := f.threads.Get(ctx, "t1")
	if !model.HasLabel(th.Labels, model.LabelInbox) {
		t.Fatalf("rejected snooze touched the replica: %v", th.Labels)
	}
	if ops, _ := f.ops.Unresolved(ctx); len(ops) != 0 {
		t.Fatalf("rejected snooze queued %d ops", len(ops))
	}

	if _, err := f.actions.Snooze(ctx, "t1", "SNOOZED", f.now.In(berlin).Add(time.Hour), "Europe/Berlin", false); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	item, err := f.snoozes.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("item missing: %v", err)
	}
	if item.DueAt.Location() != time.UTC || len(item.MessageIDs) != 1 {
		t.Fatalf("item = %+v", item)
	}
}
