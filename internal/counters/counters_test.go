package counters

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"go.uber.org/zap"

	"mailsync/internal/model"
	"mailsync/internal/outbox"
	"mailsync/internal/repository"
	"mailsync/internal/store"
)

type fixture struct {
	ops      *outbox.Repository
	threads  *repository.ThreadRepository
	settings *repository.SettingsRepository
	model    *Model
}

func newFixture() *fixture {
	s := store.NewMemory()
	f := &fixture{
		ops:      outbox.NewRepository(s),
		threads:  repository.NewThreadRepository(s),
		settings: repository.NewSettingsRepository(s),
	}
	f.model = New(f.ops, f.threads, f.settings, zap.NewNop())
	return f
}

func (f *fixture) put(t *testing.T, id string, labels ...string) {
	t.Helper()
	if err := f.threads.Put(context.Background(), &model.Thread{ID: id, Labels: labels}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) enqueue(t *testing.T, id string, add, remove []string) {
	t.Helper()
	if _, _, err := f.ops.Enqueue(context.Background(), id, model.ModifyLabels{ThreadIDs: []string{id}, Add: add, Remove: remove}); err != nil {
		t.Fatal(err)
	}
}

// bruteForce applies every unresolved op to the replica and counts.
func bruteForce(t *testing.T, f *fixture) model.DisplayedCounts {
	t.Helper()
	ctx := context.Background()
	threads, err := f.threads.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ops, err := f.ops.Unresolved(ctx)
	if err != nil {
		t.Fatal(err)
	}
	labels := make(map[string][]string, len(threads))
	for _, th := range threads {
		labels[th.ID] = th.Labels
	}
	for _, op := range ops {
		p := op.Payload.(model.ModifyLabels)
		for _, id := range p.ThreadIDs {
			if l, ok := labels[id]; ok {
				labels[id] = model.ApplyLabelChange(l, p.Add, p.Remove)
			}
		}
	}
	var d model.DisplayedCounts
	for _, l := range labels {
		if model.InInbox(l) {
			d.Inbox++
		}
		if model.UnreadInInbox(l) {
			d.UnreadInbox++
		}
	}
	return d
}

func TestLaggingReplicaProducesNegativeDelta(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.put(t, "t1", model.LabelInbox, model.LabelUnread)
	f.put(t, "t2", model.LabelInbox)
	f.enqueue(t, "t1", nil, []string{model.LabelInbox})

	if err := f.model.Recalc(ctx); err != nil {
		t.Fatal(err)
	}
	c, _ := f.model.Current(ctx)
	if c.InboxDelta != -1 || c.UnreadDelta != -1 {
		t.Fatalf("counters = %+v, want -1/-1", c)
	}
	d, _ := f.model.Displayed(ctx)
	if d.Inbox != 1 || d.UnreadInbox != 0 {
		t.Fatalf("displayed = %+v", d)
	}
}

func TestReplicaReflectingOpYieldsZeroDelta(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.put(t, "t1", model.LabelUnread)
	f.enqueue(t, "t1", nil, []string{model.LabelInbox})

	if err := f.model.Recalc(ctx); err != nil {
		t.Fatal(err)
	}
	if c, _ := f.model.Current(ctx); !c.IsZero() {
		t.Fatalf("counters = %+v, want zero", c)
	}
}

func TestCounterAccuracyAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pool := []string{model.LabelInbox, model.LabelUnread, model.LabelTrash, "Label_1"}
	pick := func() []string {
		var out []string
		for _, l := range pool {
			if rng.Intn(3) == 0 {
				out = append(out, l)
			}
		}
		return out
	}

	for round := 0; round < 40; round++ {
		f := newFixture()
		ctx := context.Background()
		for i := 0; i < 15; i++ {
			f.put(t, fmt.Sprintf("t%02d", i), pick()...)
		}
		n := rng.Intn(25)
		for i := 0; i < n; i++ {
			// some ops target threads absent from the replica
			f.enqueue(t, fmt.Sprintf("t%02d", rng.Intn(18)), pick(), pick())
		}

		if err := f.model.Recalc(ctx); err != nil {
			t.Fatal(err)
		}
		got, err := f.model.Displayed(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want := bruteForce(t, f); got != want {
			t.Fatalf("round %d (%d ops): displayed = %+v, brute force = %+v", round, n, got, want)
		}
	}
}

func TestResetWhenNoOpsRemain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.put(t, "t1", model.LabelInbox)
	f.enqueue(t, "t1", nil, []string{model.LabelInbox})
	if err := f.model.Recalc(ctx); err != nil {
		t.Fatal(err)
	}
	if c, _ := f.model.Current(ctx); c.InboxDelta != -1 {
		t.Fatalf("counters = %+v", c)
	}

	ops, _ := f.ops.Unresolved(ctx)
	for _, op := range ops {
		if err := f.ops.Delete(ctx, op.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.model.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if c, _ := f.model.Current(ctx); !c.IsZero() {
		t.Fatalf("counters = %+v, want reset", c)
	}
}

func TestApplyReplicaUpdateRecalculatesWhenOpsRemain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.put(t, "t1")
	f.enqueue(t, "t1", nil, []string{model.LabelInbox})
	if err := f.model.Recalc(ctx); err != nil {
		t.Fatal(err)
	}

	// A bulk replacement brings back lagging remote state.
	err := f.model.ApplyReplicaUpdate(ctx, []model.Thread{
		{ID: "t1", Labels: []string{model.LabelInbox}},
		{ID: "t2", Labels: []string{model.LabelInbox, model.LabelUnread}},
	})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := f.model.Current(ctx)
	if c.InboxDelta != -1 || c.UnreadDelta != 0 {
		t.Fatalf("counters = %+v, want -1/0", c)
	}
	d, _ := f.model.Displayed(ctx)
	if d != bruteForce(t, f) {
		t.Fatalf("displayed = %+v, brute force = %+v", d, bruteForce(t, f))
	}
}
