// Package outbox is the durable operation queue: Repository persists queued
// remote mutations, Dispatcher drains them against the remote with backoff,
// and ReplayService is the manual retry/dismiss surface for stuck ops.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"mailsync/internal/model"
	"mailsync/internal/store"
	"mailsync/pkg/metrics"
)

var (
	ErrUnknownPayload = errors.New("outbox: unknown payload type")
	ErrNotStuck       = errors.New("outbox: operation is not stuck")
)

// indexSep separates scope key and creation time in the ops index.
const indexSep = "\x1f"

// Repository 提供操作队列的持久化
type Repository struct {
	store store.Store
	now   func() time.Time
}

// NewRepository 创建新的 Repository
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s, now: time.Now}
}

// WithClock overrides the time source.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func opIndex(op *model.QueuedOperation) string {
	return op.ScopeKey + indexSep + op.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// Enqueue appends payload under scopeKey unless the newest unresolved
// operation of that scope has the same content hash, in which case that
// operation is returned with created=false. Only the tail is compared, so an
// A-B-A sequence keeps all three intents in order.
func (r *Repository) Enqueue(ctx context.Context, scopeKey string, payload model.Payload) (*model.QueuedOperation, bool, error) {
	hash, err := Hash(payload)
	if err != nil {
		metrics.IncrementEnqueued("error")
		return nil, false, err
	}

	existing, err := r.ByScope(ctx, scopeKey)
	if err != nil {
		metrics.IncrementEnqueued("error")
		return nil, false, fmt.Errorf("failed to scan scope %s: %w", scopeKey, err)
	}
	if n := len(existing); n > 0 && existing[n-1].Hash == hash {
		metrics.IncrementEnqueued("duplicate")
		return existing[n-1], false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, err
	}
	now := r.now().UTC()
	op := &model.QueuedOperation{
		ID:            id.String(),
		ScopeKey:      scopeKey,
		Payload:       payload,
		Hash:          hash,
		CreatedAt:     now,
		NextAttemptAt: now,
		Status:        model.OperationPending,
	}
	if err := r.Save(ctx, op); err != nil {
		metrics.IncrementEnqueued("error")
		return nil, false, err
	}
	metrics.IncrementEnqueued("created")
	return op, true, nil
}

// Save writes op, replacing any previous version.
func (r *Repository) Save(ctx context.Context, op *model.QueuedOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
	}
	if err := r.store.Put(ctx, store.TableOps, op.ID, opIndex(op), data); err != nil {
		return fmt.Errorf("failed to save operation %s: %w", op.ID, err)
	}
	return nil
}

// Get 根据 ID 获取操作
func (r *Repository) Get(ctx context.Context, id string) (*model.QueuedOperation, error) {
	data, err := r.store.Get(ctx, store.TableOps, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	var op model.QueuedOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operation %s: %w", id, err)
	}
	return &op, nil
}

// Delete removes an operation after confirmed remote success or dismissal.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, store.TableOps, id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

// ByScope returns the unresolved operations of one scope key in creation order.
func (r *Repository) ByScope(ctx context.Context, scopeKey string) ([]*model.QueuedOperation, error) {
	prefix := scopeKey + indexSep
	records, err := r.store.ScanIndex(ctx, store.TableOps, prefix, prefix+store.IndexMax)
	if err != nil {
		return nil, err
	}
	return decodeOps(records)
}

// Unresolved returns every stored operation (pending or stuck) in creation order.
func (r *Repository) Unresolved(ctx context.Context) ([]*model.QueuedOperation, error) {
	records, err := r.store.GetAll(ctx, store.TableOps)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return decodeOps(records)
}

// HasUnresolved reports whether any operation exists.
func (r *Repository) HasUnresolved(ctx context.Context) (bool, error) {
	ops, err := r.Unresolved(ctx)
	if err != nil {
		return false, err
	}
	return len(ops) > 0, nil
}

// ProtectedThreads returns every thread id touched by an unresolved operation,
// by scope key and by payload.
func (r *Repository) ProtectedThreads(ctx context.Context) (map[string]bool, error) {
	ops, err := r.Unresolved(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ops))
	for _, op := range ops {
		out[op.ScopeKey] = true
		switch p := op.Payload.(type) {
		case model.ModifyLabels:
			for _, id := range p.ThreadIDs {
				out[id] = true
			}
		case model.SendMessage:
			if p.ThreadID != "" {
				out[p.ThreadID] = true
			}
		}
	}
	return out, nil
}

// Stuck returns stuck operations, most recently stuck first.
func (r *Repository) Stuck(ctx context.Context, limit int) ([]*model.QueuedOperation, error) {
	ops, err := r.Unresolved(ctx)
	if err != nil {
		return nil, err
	}
	var stuck []*model.QueuedOperation
	for _, op := range ops {
		if op.IsStuck() {
			stuck = append(stuck, op)
		}
	}
	sort.SliceStable(stuck, func(i, j int) bool {
		return stuck[i].StuckAt != nil && stuck[j].StuckAt != nil && stuck[i].StuckAt.After(*stuck[j].StuckAt)
	})
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func decodeOps(records []store.Record) ([]*model.QueuedOperation, error) {
	ops := make([]*model.QueuedOperation, 0, len(records))
	for _, rec := range records {
		var op model.QueuedOperation
		if err := json.Unmarshal(rec.Value, &op); err != nil {
			return nil, fmt.Errorf("failed to decode operation %s: %w", rec.Key, err)
		}
		ops = append(ops, &op)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].ID < ops[j].ID
	})
	return ops, nil
}
