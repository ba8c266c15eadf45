package incremental

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"mailsync/internal/counters"
	"mailsync/internal/guard"
	"mailsync/internal/journal"
	"mailsync/internal/model"
	"mailsync/internal/outbox"
	"mailsync/internal/remote/remotetest"
	"mailsync/internal/repository"
	"mailsync/internal/service/actions"
	"mailsync/internal/service/reconcile"
	"mailsync/internal/store"
)

type fixture struct {
	srv      *remotetest.Server
	threads  *repository.ThreadRepository
	settings *repository.SettingsRepository
	ops      *outbox.Repository
	actions  *actions.Service
	syncer   *Syncer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s := store.NewMemory()
	f := &fixture{
		srv:      remotetest.NewServer(),
		threads:  repository.NewThreadRepository(s),
		settings: repository.NewSettingsRepository(s),
		ops:      outbox.NewRepository(s),
	}
	j := journal.New(s, journal.DefaultConfig(), zap.NewNop())
	c := counters.New(f.ops, f.threads, f.settings, zap.NewNop())
	tl := &guard.Timeline{}
	f.actions = actions.NewService(tl, f.threads, repository.NewSnoozeRepository(s), f.ops, j, c, zap.NewNop())
	rec := reconcile.New(f.srv, f.threads, f.settings, f.ops, j, c, tl, reconcile.DefaultConfig(), zap.NewNop())
	f.syncer = New(f.srv, f.threads, f.settings, f.ops, j, c, tl, rec, cfg, zap.NewNop())
	return f
}

// seed runs the first pass, which always falls back and seeds the cursor.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	res, err := f.syncer.Run(context.Background(), model.InboxScope)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if res.FallbackReason != FallbackNoCursor {
		t.Fatalf("first pass reason = %q, want %q", res.FallbackReason, FallbackNoCursor)
	}
}

func (f *fixture) run(t *testing.T) *Result {
	t.Helper()
	res, err := f.syncer.Run(context.Background(), model.InboxScope)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func (f *fixture) labels(t *testing.T, id string) []string {
	t.Helper()
	th, err := f.threads.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("thread %s: %v", id, err)
	}
	return th.Labels
}

func TestFirstPassSeedsCursor(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.srv.Put(model.Thread{ID: "t1", Labels: []string{model.LabelInbox}})
	f.seed(t)

	if _, ok, _ := f.settings.Cursor(context.Background(), "inbox"); !ok {
		t.Fatal("cursor should be stored after fallback")
	}
	res := f.run(t)
	if res.FellBack() {
		t.Fatalf("second pass should be incremental, fell back with %q", res.FallbackReason)
	}
}

func TestAppliesRemoteLabelChanges(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.srv.Put(model.Thread{ID: "t1", Labels: []string{model.LabelInbox, model.LabelUnread}})
	f.seed(t)

	// 另一个客户端标记已读
	if err := f.srv.BatchModifyLabels(ctx, []string{"t1"}, nil, []string{model.LabelUnread}); err != nil {
		t.Fatal(err)
	}
	res := f.run(t)
	if res.FellBack() || res.Applied != 1 {
		t.Fatalf("result = %+v", res)
	}
	if model.HasLabel(f.labels(t, "t1"), model.LabelUnread) {
		t.Fatal("remote read state not applied")
	}
}

func TestFetchesNewThreads(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t)

	f.srv.Put(model.Thread{ID: "fresh", Labels: []string{model.LabelInbox, model.LabelUnread}})
	res := f.run(t)
	if res.Fetched != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !model.HasLabel(f.labels(t, "fresh"), model.LabelInbox) {
		t.Fatal("new thread should be in the inbox")
	}
}

func TestJournaledThreadIsProtected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.srv.Put(model.Thread{ID: "t1", Labels: []string{model.LabelInbox}})
	f.seed(t)

	if _, err := f.actions.Archive(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	// 远端日志里仍有一次 INBOX 添加
	f.srv.Put(model.Thread{ID: "t1", Labels: []string{model.LabelInbox}})
	res := f.run(t)
	if model.HasLabel(f.labels(t, "t1"), model.LabelInbox) {
		t.Fatal("archived thread resurrected by incremental sync")
	}
	if res.Protected == 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestNeverAddsScopeToTerminalThread(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.srv.Put(model.Thread{ID: "t1", Labels: []string{"Label_1"}})
	f.seed(t)
	if err := f.threads.Put(ctx, &model.Thread{ID: "t1", Labels: []string{model.LabelTrash}}); err != nil {
		t.Fatal(err)
	}

	if err := f.srv.BatchModifyLabels(ctx, []string{"t1"}, []string{model.LabelInbox}, nil); err != nil {
		t.Fatal(err)
	}
	f.run(t)
	if model.HasLabel(f.labels(t, "t1"), model.LabelInbox) {
		t.Fatal("terminal thread gained INBOX")
	}
}

func TestFetchedThreadKeepsLocalTrash(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.srv.Put(model.Thread{ID: "t1", Labels: []string{"Label_1"}})
	f.seed(t)
	// 本地已在回收站，且没有日志或待发操作保护
	if err := f.threads.Put(ctx, &model.Thread{ID: "t1", Labels: []string{model.LabelTrash, model.LabelUnread}}); err != nil {
		t.Fatal(err)
	}

	// 远端滞后副本重新出现在收件箱并带有新邮件
	f.srv.Remove("t1")
	f.srv.Put(model.Thread{ID: "t1", Labels: []string{model.LabelInbox, model.LabelUnread}})

	for pass := 1; pass <= 2; pass++ {
		f.run(t)
		got := f.labels(t, "t1")
		if !model.HasLabel(got, model.LabelTrash) {
			t.Fatalf("pass %d: TRASH cleared by sync: %v", pass, got)
		}
		if model.HasLabel(got, model.LabelInbox) {
			t.Fatalf("pass %d: trashed thread back in inbox: %v", pass, got)
		}
	}
}

func TestDeletedThreadIsRemoved(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.srv.Put(model.Thread{ID: "t1", Labels: []string{"Label_1"}})
	f.seed(t)
	if err := f.threads.Put(context.Background(), &model.Thread{ID: "t1", Labels: []string{"Label_1"}}); err != nil {
		t.Fatal(err)
	}
	f.srv.Remove("t1")

	res := f.run(t)
	if res.Deleted != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok, _ := f.threads.Find(context.Background(), "t1"); ok {
		t.Fatal("thread should be deleted locally")
	}
}

func TestFallbackReasons(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		setup  func(f *fixture)
		reason string
	}{
		{
			name:   "expired cursor",
			cfg:    DefaultConfig(),
			setup:  func(f *fixture) { f.srv.ExpireCursors() },
			reason: FallbackCursorExpired,
		},
		{
			name:   "remote error",
			cfg:    DefaultConfig(),
			setup:  func(f *fixture) { f.srv.FailNext("ListChangesSince", errors.New("connection refused")) },
			reason: FallbackRemoteError,
		},
		{
			name: "too many changes",
			cfg:  Config{MaxChanges: 2},
			setup: func(f *fixture) {
				for _, id := range []string{"a", "b", "c"} {
					f.srv.Put(model.Thread{ID: id, Labels: []string{model.LabelInbox}})
				}
			},
			reason: FallbackTooManyChanges,
		},
		{
			name: "drift",
			cfg:  DefaultConfig(),
			setup: func(f *fixture) {
				f.srv.SetListing(model.LabelInbox, []string{"x1", "x2", "x3", "x4", "x5", "x6", "x7"})
			},
			reason: FallbackDrift,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg)
			f.seed(t)
			tt.setup(f)
			res, err := f.syncer.Run(context.Background(), model.InboxScope)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.FallbackReason != tt.reason {
				t.Fatalf("reason = %q, want %q", res.FallbackReason, tt.reason)
			}
			if res.Reconcile == nil {
				t.Fatal("fallback should run the reconciler")
			}
			cursor, ok, _ := f.settings.Cursor(context.Background(), "inbox")
			if !ok || cursor == "" {
				t.Fatal("cursor should be re-seeded")
			}
		})
	}
}
