package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mailsync/internal/model"
	"mailsync/internal/store"
)

const (
	settingCounters     = "counters"
	settingCursorPrefix = "cursor:"
)

// SettingsRepository holds small singleton records: counters and sync cursors.
type SettingsRepository struct {
	store store.Store
}

func NewSettingsRepository(s store.Store) *SettingsRepository {
	return &SettingsRepository{store: s}
}

func (r *SettingsRepository) get(ctx context.Context, key string, out any) (bool, error) {
	data, err := r.store.Get(ctx, store.TableSettings, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return true, nil
}

func (r *SettingsRepository) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, store.TableSettings, key, "", data); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// Counters returns the stored optimistic counters, zero if never written.
func (r *SettingsRepository) Counters(ctx context.Context) (model.OptimisticCounters, error) {
	var c model.OptimisticCounters
	_, err := r.get(ctx, settingCounters, &c)
	return c, err
}

func (r *SettingsRepository) PutCounters(ctx context.Context, c model.OptimisticCounters) error {
	return r.put(ctx, settingCounters, c)
}

// Cursor returns the change cursor of a scope; ok is false if none is stored.
func (r *SettingsRepository) Cursor(ctx context.Context, scope string) (string, bool, error) {
	var cursor string
	ok, err := r.get(ctx, settingCursorPrefix+scope, &cursor)
	if err != nil || !ok || cursor == "" {
		return "", false, err
	}
	return cursor, true, nil
}

func (r *SettingsRepository) PutCursor(ctx context.Context, scope, cursor string) error {
	return r.put(ctx, settingCursorPrefix+scope, cursor)
}

func (r *SettingsRepository) ClearCursor(ctx context.Context, scope string) error {
	return r.store.Delete(ctx, store.TableSettings, settingCursorPrefix+scope)
}
