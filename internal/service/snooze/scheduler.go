package snooze

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/events"
	"mailsync/internal/model"
	"mailsync/internal/repository"
	"mailsync/internal/service/actions"
	"mailsync/pkg/logger"
)

// DefaultInterval 唤醒检查间隔
const DefaultInterval = 60 * time.Second

// Waker applies a due item through the user-action path.
type Waker interface {
	Wake(ctx context.Context, item model.SnoozeQueueItem) (*actions.Result, error)
}

// Scheduler 延后邮件的定时唤醒
type Scheduler struct {
	snoozes  *repository.SnoozeRepository
	waker    Waker
	sink     events.Sink
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

func NewScheduler(snoozes *repository.SnoozeRepository, waker Waker, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		snoozes:  snoozes,
		waker:    waker,
		sink:     events.Nop{},
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
	}
}

func (s *Scheduler) WithSink(sink events.Sink) *Scheduler {
	s.sink = sink
	return s
}

func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Schedule validates and persists a snooze item. dueAt is stored in UTC.
func (s *Scheduler) Schedule(ctx context.Context, threadID string, messageIDs []string, labelID string, dueAt time.Time, timeZone string, restoreUnread bool) (*model.SnoozeQueueItem, error) {
	item, err := model.NewSnoozeItem(threadID, messageIDs, labelID, dueAt, timeZone, restoreUnread)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", actions.ErrInvalidRequest, err)
	}
	if err := s.snoozes.Put(ctx, item); err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Debug("Snooze scheduled",
		zap.String("thread_id", threadID),
		zap.Time("due_at", item.DueAt),
	)
	return item, nil
}

// Tick wakes every item due at or before now and returns how many woke.
// A failed wake keeps its item for the next tick.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	log := logger.WithTrace(ctx, s.logger)
	due, err := s.snoozes.Due(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to scan snooze queue: %w", err)
	}
	woke := 0
	for _, item := range due {
		res, err := s.waker.Wake(ctx, item)
		if err != nil {
			log.Warn("Snooze wake failed",
				zap.String("thread_id", item.ThreadID),
				zap.Error(err),
			)
			continue
		}
		if err := s.snoozes.Delete(ctx, item.ThreadID); err != nil {
			log.Warn("Failed to delete woken snooze item", zap.String("thread_id", item.ThreadID), zap.Error(err))
			continue
		}
		woke++
		s.sink.Emit(ctx, events.Event{
			Kind:     events.KindSnoozeWoke,
			ThreadID: item.ThreadID,
			OpID:     res.Operation.ID,
			Message:  "Snoozed thread returned to inbox",
			Data:     map[string]any{"due_at": item.DueAt, "created": res.Created},
		})
		log.Info("Snoozed thread woke",
			zap.String("thread_id", item.ThreadID),
			zap.Time("due_at", item.DueAt),
		)
	}
	return woke, nil
}

// Start runs Tick every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting snooze scheduler", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Snooze scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("Snooze tick failed", zap.Error(err))
			}
		}
	}
}
