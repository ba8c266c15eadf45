package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mailsync/internal/model"
	"mailsync/internal/store"
)

// ThreadRepository is the local replica of remote threads.
type ThreadRepository struct {
	store store.Store
}

func NewThreadRepository(s store.Store) *ThreadRepository {
	return &ThreadRepository{store: s}
}

// Get returns store.ErrNotFound (wrapped) for a missing thread.
func (r *ThreadRepository) Get(ctx context.Context, id string) (*model.Thread, error) {
	data, err := r.store.Get(ctx, store.TableThreads, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", id, err)
	}
	var t model.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode thread %s: %w", id, err)
	}
	return &t, nil
}

// Find is Get that reports absence as (nil, false, nil).
func (r *ThreadRepository) Find(ctx context.Context, id string) (*model.Thread, bool, error) {
	t, err := r.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Put writes a thread with normalized labels.
func (r *ThreadRepository) Put(ctx context.Context, t *model.Thread) error {
	t.Labels = model.NormalizeLabels(t.Labels)
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode thread %s: %w", t.ID, err)
	}
	if err := r.store.Put(ctx, store.TableThreads, t.ID, "", data); err != nil {
		return fmt.Errorf("failed to save thread %s: %w", t.ID, err)
	}
	return nil
}

func (r *ThreadRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, store.TableThreads, id); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", id, err)
	}
	return nil
}

// All returns every thread in the replica, ordered by id.
func (r *ThreadRepository) All(ctx context.Context) ([]model.Thread, error) {
	records, err := r.store.GetAll(ctx, store.TableThreads)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	out := make([]model.Thread, 0, len(records))
	for _, rec := range records {
		var t model.Thread
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			return nil, fmt.Errorf("failed to decode thread %s: %w", rec.Key, err)
		}
		out = append(out, t)
	}
	return out, nil
}
