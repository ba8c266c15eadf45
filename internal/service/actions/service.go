// Package actions applies user actions to the replica. Each action records a
// journal entry, queues the remote mutation, updates the replica and
// re-derives the counters inside one timeline critical section.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/counters"
	"mailsync/internal/events"
	"mailsync/internal/guard"
	"mailsync/internal/journal"
	"mailsync/internal/model"
	"mailsync/internal/outbox"
	"mailsync/internal/repository"
	"mailsync/internal/store"
	"mailsync/pkg/logger"
)

var (
	ErrThreadNotFound = errors.New("actions: thread not found")
	ErrNothingToUndo  = errors.New("actions: nothing to undo")
	ErrNotSnoozed     = errors.New("actions: thread is not snoozed")
	ErrInvalidRequest = errors.New("actions: invalid request")
)

// Result describes one applied action.
type Result struct {
	Thread    *model.Thread            `json:"thread,omitempty"`
	Operation *model.QueuedOperation   `json:"operation"`
	Created   bool                     `json:"created"` // false when an identical op was already queued
	Entry     *model.JournalEntry      `json:"journal_entry"`
	Counters  model.OptimisticCounters `json:"counters"`
}

type Service struct {
	timeline *guard.Timeline
	threads  *repository.ThreadRepository
	snoozes  *repository.SnoozeRepository
	ops      *outbox.Repository
	journal  *journal.Journal
	counters *counters.Model
	queue    SnoozeQueue
	sink     events.Sink
	logger   *zap.Logger
}

// SnoozeQueue validates and persists snooze items; snooze.Scheduler in production.
type SnoozeQueue interface {
	Schedule(ctx context.Context, threadID string, messageIDs []string, labelID string, dueAt time.Time, timeZone string, restoreUnread bool) (*model.SnoozeQueueItem, error)
}

// storeQueue writes straight to the repository until a scheduler is wired.
type storeQueue struct {
	snoozes *repository.SnoozeRepository
}

func (q storeQueue) Schedule(ctx context.Context, threadID string, messageIDs []string, labelID string, dueAt time.Time, timeZone string, restoreUnread bool) (*model.SnoozeQueueItem, error) {
	item, err := model.NewSnoozeItem(threadID, messageIDs, labelID, dueAt, timeZone, restoreUnread)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return item, q.snoozes.Put(ctx, item)
}

func NewService(
	timeline *guard.Timeline,
	threads *repository.ThreadRepository,
	snoozes *repository.SnoozeRepository,
	ops *outbox.Repository,
	j *journal.Journal,
	c *counters.Model,
	logger *zap.Logger,
) *Service {
	return &Service{
		timeline: timeline,
		threads:  threads,
		snoozes:  snoozes,
		ops:      ops,
		journal:  j,
		counters: c,
		queue:    storeQueue{snoozes: snoozes},
		sink:     events.Nop{},
		logger:   logger,
	}
}

func (s *Service) WithSink(sink events.Sink) *Service {
	s.sink = sink
	return s
}

func (s *Service) WithSnoozeQueue(q SnoozeQueue) *Service {
	s.queue = q
	return s
}

func (s *Service) Archive(ctx context.Context, threadID string) (*Result, error) {
	return s.Apply(ctx, threadID, model.LabelChange{Remove: []string{model.LabelInbox}}, model.ActionArchive, "")
}

func (s *Service) Trash(ctx context.Context, threadID string) (*Result, error) {
	return s.Apply(ctx, threadID, model.LabelChange{Add: []string{model.LabelTrash}, Remove: []string{model.LabelInbox}}, model.ActionTrash, "")
}

func (s *Service) Spam(ctx context.Context, threadID string) (*Result, error) {
	return s.Apply(ctx, threadID, model.LabelChange{Add: []string{model.LabelSpam}, Remove: []string{model.LabelInbox}}, model.ActionSpam, "")
}

// MoveToInbox is an explicit user request and may clear terminal labels.
func (s *Service) MoveToInbox(ctx context.Context, threadID string) (*Result, error) {
	return s.Apply(ctx, threadID, model.LabelChange{Add: []string{model.LabelInbox}, Remove: []string{model.LabelTrash, model.LabelSpam}}, model.ActionMoveToInbox, "")
}

func (s *Service) MarkRead(ctx context.Context, threadID string) (*Result, error) {
	return s.Apply(ctx, threadID, model.LabelChange{Remove: []string{model.LabelUnread}}, model.ActionMarkRead, "")
}

func (s *Service) MarkUnread(ctx context.Context, threadID string) (*Result, error) {
	return s.Apply(ctx, threadID, model.LabelChange{Add: []string{model.LabelUnread}}, model.ActionMarkUnread, "")
}

// Snooze hides a thread under labelID until dueAt. The item is scheduled
// before the replica is touched, so an invalid request changes nothing.
func (s *Service) Snooze(ctx context.Context, threadID, labelID string, dueAt time.Time, timeZone string, restoreUnread bool) (*Result, error) {
	change := model.LabelChange{Add: []string{labelID}, Remove: []string{model.LabelInbox}}
	var res *Result
	err := s.timeline.Do(func() error {
		t, found, err := s.threads.Find(ctx, threadID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		if _, err := s.queue.Schedule(ctx, threadID, t.MessageIDs, labelID, dueAt, timeZone, restoreUnread); err != nil {
			return err
		}
		res, err = s.applyLocked(ctx, threadID, change, model.ActionSnooze, "", false)
		if err != nil {
			if delErr := s.snoozes.Delete(ctx, threadID); delErr != nil {
				s.logger.Warn("Failed to drop snooze item after failed action", zap.String("thread_id", threadID), zap.Error(delErr))
			}
			return err
		}
		return nil
	})
	return res, err
}

// Unsnooze returns a snoozed thread to the inbox before its due time.
func (s *Service) Unsnooze(ctx context.Context, threadID string) (*Result, error) {
	var res *Result
	err := s.timeline.Do(func() error {
		item, err := s.snoozes.Get(ctx, threadID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotSnoozed, threadID)
		}
		if err != nil {
			return err
		}
		res, err = s.applyLocked(ctx, threadID, wakeChange(*item), model.ActionUnsnooze, "", false)
		if err != nil {
			return err
		}
		return s.snoozes.Delete(ctx, threadID)
	})
	return res, err
}

// Wake applies a due snooze item through the action path. The thread may be
// absent locally; the remote mutation is queued regardless.
func (s *Service) Wake(ctx context.Context, item model.SnoozeQueueItem) (*Result, error) {
	var res *Result
	err := s.timeline.Do(func() error {
		var err error
		res, err = s.applyLocked(ctx, item.ThreadID, wakeChange(item), model.ActionUnsnooze, "snooze", true)
		return err
	})
	return res, err
}

func wakeChange(item model.SnoozeQueueItem) model.LabelChange {
	add := []string{model.LabelInbox}
	if item.RestoreUnread {
		add = append(add, model.LabelUnread)
	}
	return model.LabelChange{Add: add, Remove: []string{item.SnoozeLabelID}}
}

// Send queues a send intent for raw (RFC 822) bytes.
func (s *Service) Send(ctx context.Context, threadID string, raw []byte) (*Result, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	var res *Result
	err := s.timeline.Do(func() error {
		scope := threadID
		if scope == "" {
			scope = "send"
		}
		var entry *model.JournalEntry
		if threadID != "" {
			var err error
			entry, err = s.journal.Record(ctx, threadID, model.LabelChange{}, model.LabelChange{}, model.ActionSend, "")
			if err != nil {
				return err
			}
		}
		op, created, err := s.ops.Enqueue(ctx, scope, model.SendMessage{ThreadID: threadID, Raw: raw})
		if err != nil {
			return err
		}
		res = &Result{Operation: op, Created: created, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, threadID, model.ActionSend, res)
	return res, nil
}

// Undo applies the reverse of the thread's latest journal entry. Sync never
// clears a terminal label; only user actions such as Undo do.
func (s *Service) Undo(ctx context.Context, threadID string) (*Result, error) {
	var res *Result
	err := s.timeline.Do(func() error {
		entry, err := s.journal.Latest(ctx, threadID)
		if errors.Is(err, journal.ErrNoEntry) {
			return fmt.Errorf("%w: %s", ErrNothingToUndo, threadID)
		}
		if err != nil {
			return err
		}
		if entry.Reverse.IsEmpty() {
			return fmt.Errorf("%w: %s", ErrNothingToUndo, threadID)
		}
		res, err = s.applyLocked(ctx, threadID, entry.Reverse, model.ActionUndo, entry.RuleKey, false)
		if err != nil {
			return err
		}
		if entry.Kind == model.ActionSnooze {
			// 撤销延后，同时移除唤醒项
			return s.snoozes.Delete(ctx, threadID)
		}
		return nil
	})
	return res, err
}

// Apply performs an arbitrary label change as a user action.
func (s *Service) Apply(ctx context.Context, threadID string, change model.LabelChange, kind model.ActionKind, ruleKey string) (*Result, error) {
	var res *Result
	err := s.timeline.Do(func() error {
		var err error
		res, err = s.applyLocked(ctx, threadID, change, kind, ruleKey, false)
		return err
	})
	return res, err
}

// applyLocked must run inside the timeline.
func (s *Service) applyLocked(ctx context.Context, threadID string, change model.LabelChange, kind model.ActionKind, ruleKey string, allowMissing bool) (*Result, error) {
	log := logger.WithTrace(ctx, s.logger)
	if threadID == "" {
		return nil, fmt.Errorf("%w: empty thread id", ErrInvalidRequest)
	}
	change = model.LabelChange{Add: model.NormalizeLabels(change.Add), Remove: model.NormalizeLabels(change.Remove)}

	thread, found, err := s.threads.Find(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !found && !allowMissing {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}

	reverse := change.Inverse()
	if found {
		reverse = exactReverse(thread.Labels, change)
	}

	entry, err := s.journal.Record(ctx, threadID, change, reverse, kind, ruleKey)
	if err != nil {
		return nil, err
	}
	op, created, err := s.ops.Enqueue(ctx, threadID, model.ModifyLabels{ThreadIDs: []string{threadID}, Add: change.Add, Remove: change.Remove})
	if err != nil {
		return nil, err
	}
	if found {
		thread.Labels = model.ApplyLabelChange(thread.Labels, change.Add, change.Remove)
		thread.UpdatedAt = time.Now().UTC()
		if err := s.threads.Put(ctx, thread); err != nil {
			return nil, err
		}
	}
	if err := s.counters.Recalc(ctx); err != nil {
		// 计数会在下一次计数事件时收敛
		log.Warn("Counter recalc after action failed", zap.String("thread_id", threadID), zap.Error(err))
	}
	current, _ := s.counters.Current(ctx)

	log.Info("Action applied",
		zap.String("thread_id", threadID),
		zap.String("kind", string(kind)),
		zap.Strings("add", change.Add),
		zap.Strings("remove", change.Remove),
		zap.Bool("op_created", created),
	)
	res := &Result{Thread: thread, Operation: op, Created: created, Entry: entry, Counters: current}
	s.emit(ctx, threadID, kind, res)
	return res, nil
}

func (s *Service) emit(ctx context.Context, threadID string, kind model.ActionKind, res *Result) {
	s.sink.Emit(ctx, events.Event{
		Kind:     events.KindOpEnqueued,
		ThreadID: threadID,
		OpID:     res.Operation.ID,
		Message:  "User action queued",
		Data:     map[string]any{"action": string(kind), "created": res.Created},
	})
}

// exactReverse undoes only what change actually altered on labels.
func exactReverse(labels []string, change model.LabelChange) model.LabelChange {
	var rev model.LabelChange
	for _, l := range change.Add {
		if !model.HasLabel(labels, l) && !model.HasLabel(change.Remove, l) {
			rev.Remove = append(rev.Remove, l)
		}
	}
	for _, l := range change.Remove {
		if model.HasLabel(labels, l) {
			rev.Add = append(rev.Add, l)
		}
	}
	return rev
}
