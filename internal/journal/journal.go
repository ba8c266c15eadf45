// Package journal is the append-only, self-pruning record of user actions.
// It backs undo and the sync-time protection windows.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsync/internal/model"
	"mailsync/internal/store"
)

const (
	DefaultShortWindow = 30 * time.Second
	DefaultLongWindow  = 5 * time.Minute
	DefaultRetention   = 10 * time.Minute

	indexSep   = "\x1f"
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var ErrNoEntry = errors.New("journal: no entry for thread")

// Config 保护窗口
type Config struct {
	ShortWindow time.Duration `yaml:"short_window"`
	LongWindow  time.Duration `yaml:"long_window"`
	Retention   time.Duration `yaml:"retention"`
}

func DefaultConfig() Config {
	return Config{ShortWindow: DefaultShortWindow, LongWindow: DefaultLongWindow, Retention: DefaultRetention}
}

type Journal struct {
	store  store.Store
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func New(s store.Store, cfg Config, logger *zap.Logger) *Journal {
	def := DefaultConfig()
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = def.ShortWindow
	}
	if cfg.LongWindow <= 0 {
		cfg.LongWindow = def.LongWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Journal{store: s, cfg: cfg, now: time.Now, logger: logger}
}

func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

// ShortWindow protects newly archived threads from inbox re-add.
func (j *Journal) ShortWindow() time.Duration { return j.cfg.ShortWindow }

// LongWindow protects (re-)added threads from inbox removal.
func (j *Journal) LongWindow() time.Duration { return j.cfg.LongWindow }

func entryIndex(threadID string, at time.Time) string {
	return threadID + indexSep + at.UTC().Format(timeLayout)
}

// Record appends an entry and prunes entries past the retention horizon.
// Pruning failures are logged, never returned.
func (j *Journal) Record(ctx context.Context, threadID string, forward, reverse model.LabelChange, kind model.ActionKind, ruleKey string) (*model.JournalEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	entry := &model.JournalEntry{
		ID:        id.String(),
		ThreadID:  threadID,
		Forward:   forward,
		Reverse:   reverse,
		Kind:      kind,
		RuleKey:   ruleKey,
		CreatedAt: j.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := j.store.Put(ctx, store.TableJournal, entry.ID, entryIndex(threadID, entry.CreatedAt), data); err != nil {
		return nil, fmt.Errorf("failed to record journal entry: %w", err)
	}

	if n, err := j.Prune(ctx); err != nil {
		j.logger.Warn("Journal prune failed", zap.Error(err))
	} else if n > 0 {
		j.logger.Debug("Journal pruned", zap.Int("deleted", n))
	}
	return entry, nil
}

// Prune deletes entries older than the retention horizon.
func (j *Journal) Prune(ctx context.Context) (int, error) {
	records, err := j.store.GetAll(ctx, store.TableJournal)
	if err != nil {
		return 0, err
	}
	horizon := j.now().Add(-j.cfg.Retention)
	deleted := 0
	for _, rec := range records {
		var e model.JournalEntry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			// 无法解析的条目同样清理
			if err := j.store.Delete(ctx, store.TableJournal, rec.Key); err != nil {
				return deleted, err
			}
			deleted++
			continue
		}
		if e.CreatedAt.Before(horizon) {
			if err := j.store.Delete(ctx, store.TableJournal, rec.Key); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// IsProtected reports whether threadID has an entry younger than within.
func (j *Journal) IsProtected(ctx context.Context, threadID string, within time.Duration) (bool, error) {
	since := j.now().Add(-within)
	records, err := j.store.ScanIndex(ctx, store.TableJournal,
		entryIndex(threadID, since), threadID+indexSep+store.IndexMax)
	if err != nil {
		return false, fmt.Errorf("failed to scan journal for %s: %w", threadID, err)
	}
	return len(records) > 0, nil
}

// Entries returns the thread's entries, oldest first.
func (j *Journal) Entries(ctx context.Context, threadID string) ([]model.JournalEntry, error) {
	prefix := threadID + indexSep
	records, err := j.store.ScanIndex(ctx, store.TableJournal, prefix, prefix+store.IndexMax)
	if err != nil {
		return nil, err
	}
	out := make([]model.JournalEntry, 0, len(records))
	for _, rec := range records {
		var e model.JournalEntry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry %s: %w", rec.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Latest returns the newest entry for undo.
func (j *Journal) Latest(ctx context.Context, threadID string) (*model.JournalEntry, error) {
	entries, err := j.Entries(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEntry, threadID)
	}
	e := entries[len(entries)-1]
	return &e, nil
}
