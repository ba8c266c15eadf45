package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mailsync/internal/model"
	"mailsync/internal/store"
)

const dueLayout = "2006-01-02T15:04:05.000000000Z"

// SnoozeRepository stores snooze items keyed by thread id and indexed by due time.
type SnoozeRepository struct {
	store store.Store
}

func NewSnoozeRepository(s store.Store) *SnoozeRepository {
	return &SnoozeRepository{store: s}
}

// Put schedules (or reschedules) a thread.
func (r *SnoozeRepository) Put(ctx context.Context, item *model.SnoozeQueueItem) error {
	item.DueAt = item.DueAt.UTC()
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, store.TableSnoozeQueue, item.ThreadID, item.DueAt.Format(dueLayout), data); err != nil {
		return fmt.Errorf("failed to save snooze item %s: %w", item.ThreadID, err)
	}
	return nil
}

// Due returns items whose due time is at or before now, earliest first.
func (r *SnoozeRepository) Due(ctx context.Context, now time.Time) ([]model.SnoozeQueueItem, error) {
	records, err := r.store.ScanIndex(ctx, store.TableSnoozeQueue, "", now.UTC().Format(dueLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to scan snooze queue: %w", err)
	}
	return decodeSnooze(records)
}

// All returns every scheduled item, earliest first.
func (r *SnoozeRepository) All(ctx context.Context) ([]model.SnoozeQueueItem, error) {
	records, err := r.store.ScanIndex(ctx, store.TableSnoozeQueue, "", store.IndexMax)
	if err != nil {
		return nil, fmt.Errorf("failed to scan snooze queue: %w", err)
	}
	return decodeSnooze(records)
}

func (r *SnoozeRepository) Get(ctx context.Context, threadID string) (*model.SnoozeQueueItem, error) {
	data, err := r.store.Get(ctx, store.TableSnoozeQueue, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snooze item %s: %w", threadID, err)
	}
	var item model.SnoozeQueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *SnoozeRepository) Delete(ctx context.Context, threadID string) error {
	if err := r.store.Delete(ctx, store.TableSnoozeQueue, threadID); err != nil {
		return fmt.Errorf("failed to delete snooze item %s: %w", threadID, err)
	}
	return nil
}

func decodeSnooze(records []store.Record) ([]model.SnoozeQueueItem, error) {
	out := make([]model.SnoozeQueueItem, 0, len(records))
	for _, rec := range records {
		var item model.SnoozeQueueItem
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			return nil, fmt.Errorf("failed to decode snooze item %s: %w", rec.Key, err)
		}
		out = append(out, item)
	}
	return out, nil
}
