// Package counters derives the displayed inbox and unread counts from the
// replica plus the net effect of unresolved operations.
//
// The replica already carries every user action (actions mutate it
// immediately), so an operation contributes a delta only while the replica
// disagrees with it, e.g. after a sync overwrote a thread with lagging
// remote state. Deltas are always re-derived from the full op set, never
// adjusted incrementally.
package counters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/events"
	"mailsync/internal/guard"
	"mailsync/internal/model"
	"mailsync/internal/outbox"
	"mailsync/internal/repository"
	"mailsync/pkg/metrics"
)

// ErrCountersStale means replica writes landed but the deltas could not be re-derived.
var ErrCountersStale = errors.New("counters: reconcile after replica update failed")

type Model struct {
	ops      *outbox.Repository
	threads  *repository.ThreadRepository
	settings *repository.SettingsRepository
	slot     *guard.Slot
	sink     events.Sink
	logger   *zap.Logger
	now      func() time.Time
}

func New(ops *outbox.Repository, threads *repository.ThreadRepository, settings *repository.SettingsRepository, logger *zap.Logger) *Model {
	return &Model{
		ops:      ops,
		threads:  threads,
		settings: settings,
		slot:     guard.NewSlot("counters"),
		sink:     events.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

func (m *Model) WithSink(sink events.Sink) *Model {
	m.sink = sink
	return m
}

func (m *Model) WithClock(now func() time.Time) *Model {
	m.now = now
	return m
}

// Slot exposes the recalc supervisor for diagnostics.
func (m *Model) Slot() *guard.Slot { return m.slot }

// Recalc re-derives the deltas from every unresolved ModifyLabels operation
// and persists them. Concurrent requests coalesce into one follow-up pass.
func (m *Model) Recalc(ctx context.Context) error {
	return m.slot.RunCoalesced(ctx, func(ctx context.Context) error {
		c, err := m.Compute(ctx)
		if err != nil {
			return err
		}
		return m.store(ctx, c)
	})
}

// Reconcile resets the counters when no unresolved operations remain and
// recalculates otherwise.
func (m *Model) Reconcile(ctx context.Context) error {
	return m.slot.RunCoalesced(ctx, func(ctx context.Context) error {
		pending, err := m.ops.HasUnresolved(ctx)
		if err != nil {
			return fmt.Errorf("failed to check unresolved operations: %w", err)
		}
		if !pending {
			return m.store(ctx, model.OptimisticCounters{})
		}
		c, err := m.Compute(ctx)
		if err != nil {
			return err
		}
		return m.store(ctx, c)
	})
}

// ApplyReplicaUpdate writes threads into the replica and then reconciles the
// counters, so a bulk replacement never leaves a stale delta behind. A failed
// reconcile after successful writes is reported as ErrCountersStale.
func (m *Model) ApplyReplicaUpdate(ctx context.Context, threads []model.Thread) error {
	for i := range threads {
		if err := m.threads.Put(ctx, &threads[i]); err != nil {
			return err
		}
	}
	if err := m.Reconcile(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCountersStale, err)
	}
	return nil
}

// Compute returns the deltas without persisting them.
func (m *Model) Compute(ctx context.Context) (model.OptimisticCounters, error) {
	ops, err := m.ops.Unresolved(ctx)
	if err != nil {
		return model.OptimisticCounters{}, fmt.Errorf("failed to load operations: %w", err)
	}

	// 每个线程按创建顺序累积的标签变更
	changes := make(map[string][]model.LabelChange)
	var order []string
	for _, op := range ops {
		p, ok := op.Payload.(model.ModifyLabels)
		if !ok {
			continue
		}
		for _, id := range p.ThreadIDs {
			if _, seen := changes[id]; !seen {
				order = append(order, id)
			}
			changes[id] = append(changes[id], model.LabelChange{Add: p.Add, Remove: p.Remove})
		}
	}

	var c model.OptimisticCounters
	for _, id := range order {
		t, ok, err := m.threads.Find(ctx, id)
		if err != nil {
			return model.OptimisticCounters{}, err
		}
		if !ok {
			// 副本中没有的线程不参与计数
			continue
		}
		before := t.Labels
		after := before
		for _, ch := range changes[id] {
			after = model.ApplyLabelChange(after, ch.Add, ch.Remove)
		}
		c.InboxDelta += b2i(model.InInbox(after)) - b2i(model.InInbox(before))
		c.UnreadDelta += b2i(model.UnreadInInbox(after)) - b2i(model.UnreadInInbox(before))
	}
	c.Timestamp = m.now().UTC()
	return c, nil
}

// Current returns the stored counters.
func (m *Model) Current(ctx context.Context) (model.OptimisticCounters, error) {
	return m.settings.Counters(ctx)
}

// Displayed returns replica counts plus the stored deltas.
func (m *Model) Displayed(ctx context.Context) (model.DisplayedCounts, error) {
	c, err := m.settings.Counters(ctx)
	if err != nil {
		return model.DisplayedCounts{}, err
	}
	threads, err := m.threads.All(ctx)
	if err != nil {
		return model.DisplayedCounts{}, err
	}
	var d model.DisplayedCounts
	for _, t := range threads {
		d.Inbox += b2i(model.InInbox(t.Labels))
		d.UnreadInbox += b2i(model.UnreadInInbox(t.Labels))
	}
	d.Inbox += c.InboxDelta
	d.UnreadInbox += c.UnreadDelta
	return d, nil
}

func (m *Model) store(ctx context.Context, c model.OptimisticCounters) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = m.now().UTC()
	}
	prev, err := m.settings.Counters(ctx)
	if err != nil {
		m.logger.Warn("Failed to read previous counters", zap.Error(err))
	}
	if err := m.settings.PutCounters(ctx, c); err != nil {
		return err
	}
	metrics.SetOptimisticDelta(c.InboxDelta, c.UnreadDelta)
	if prev.InboxDelta != c.InboxDelta || prev.UnreadDelta != c.UnreadDelta {
		m.logger.Debug("Optimistic counters changed",
			zap.Int("inbox_delta", c.InboxDelta),
			zap.Int("unread_delta", c.UnreadDelta),
		)
		m.sink.Emit(ctx, events.Event{Kind: events.KindCountersChanged, Message: "Counters changed",
			Data: map[string]any{"inbox_delta": c.InboxDelta, "unread_delta": c.UnreadDelta}})
	}
	return nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
