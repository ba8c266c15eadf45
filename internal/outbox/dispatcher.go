package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/events"
	"mailsync/internal/model"
	"mailsync/internal/remote"
	"mailsync/pkg/metrics"
	"mailsync/pkg/otel"
	"mailsync/pkg/util"
)

// CounterReconciler is notified after a pass resolved at least one operation.
type CounterReconciler interface {
	Reconcile(ctx context.Context) error
}

// FlushResult summarizes one FlushOnce pass.
type FlushResult struct {
	Succeeded int
	Retrying  int
	Stuck     int
	Waiting   int // not yet due
	Deferred  int // held back behind an earlier op of the same scope
}

// Dispatcher 负责把队列中的操作发送到远端
type Dispatcher struct {
	repo     *Repository
	client   remote.Client
	counters CounterReconciler
	sink     events.Sink
	logger   *zap.Logger

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	interval    time.Duration
	now         func() time.Time

	// 串行化 flush，避免同一操作被并发发送
	mu sync.Mutex
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(repo *Repository, client remote.Client, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:        repo,
		client:      client,
		sink:        events.Nop{},
		logger:      logger,
		maxAttempts: 5,                // 默认最多尝试5次
		baseDelay:   2 * time.Second,  // 2s, 4s, 8s, 16s...
		maxDelay:    5 * time.Minute,  // 退避上限
		interval:    10 * time.Second, // 默认每10秒扫描一次
		now:         time.Now,
	}
}

// WithMaxAttempts 设置最大尝试次数
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// WithBackoff 设置退避参数
func (d *Dispatcher) WithBackoff(base, max time.Duration) *Dispatcher {
	if base > 0 {
		d.baseDelay = base
	}
	if max > 0 {
		d.maxDelay = max
	}
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Dispatcher) WithSink(sink events.Sink) *Dispatcher {
	d.sink = sink
	return d
}

func (d *Dispatcher) WithCounters(c CounterReconciler) *Dispatcher {
	d.counters = c
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Backoff returns the delay before the next attempt after `attempts` failures.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := d.baseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if delay > d.maxDelay {
		return d.maxDelay
	}
	return delay
}

// Start 启动 Dispatcher（在 goroutine 中运行）
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting operation dispatcher",
		zap.Int("max_attempts", d.maxAttempts),
		zap.Duration("interval", d.interval),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Operation dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.Error("Flush pass failed", zap.Error(err))
			}
		}
	}
}

// FlushOnce dispatches every due pending operation in creation order.
// A successful remote write deletes the op and does not re-read the remote.
func (d *Dispatcher) FlushOnce(ctx context.Context) (FlushResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, span := otel.StartSpan(ctx, "outbox.flush")
	defer span.End()

	var res FlushResult
	ops, err := d.repo.Unresolved(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load operations: %w", err)
	}

	now := d.now()
	blocked := make(map[string]bool)
	stuckTotal := 0
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if op.IsStuck() {
			stuckTotal++
			continue
		}
		if blocked[op.ScopeKey] {
			res.Deferred++
			continue
		}
		if op.NextAttemptAt.After(now) {
			blocked[op.ScopeKey] = true
			res.Waiting++
			continue
		}

		err := d.dispatch(ctx, op)
		if err == nil {
			if delErr := d.repo.Delete(ctx, op.ID); delErr != nil {
				// 远端已成功，下次重放是幂等的
				d.logger.Error("Failed to delete flushed operation", zap.String("op_id", op.ID), zap.Error(delErr))
			}
			res.Succeeded++
			metrics.IncrementFlushed(string(op.Payload.Type()), "success")
			d.sink.Emit(ctx, events.Event{Kind: events.KindOpFlushed, OpID: op.ID, ThreadID: op.ScopeKey, Message: "Operation flushed"})
			continue
		}

		stuck, failErr := d.fail(ctx, op, err, now)
		if failErr != nil {
			return res, failErr
		}
		if stuck {
			res.Stuck++
			stuckTotal++
			continue
		}
		res.Retrying++
		blocked[op.ScopeKey] = true
	}

	metrics.SetStuck(stuckTotal)
	if res.Succeeded > 0 && d.counters != nil {
		if err := d.counters.Reconcile(ctx); err != nil {
			d.logger.Warn("Counter reconcile after flush failed", zap.Error(err))
		}
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, op *model.QueuedOperation) error {
	switch p := op.Payload.(type) {
	case model.ModifyLabels:
		return d.client.BatchModifyLabels(ctx, p.ThreadIDs, p.Add, p.Remove)
	case model.SendMessage:
		return d.client.SendMessage(ctx, p.ThreadID, p.Raw)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownPayload, op.Payload)
	}
}

// fail records a failed attempt. It returns true if the op is now stuck.
func (d *Dispatcher) fail(ctx context.Context, op *model.QueuedOperation, cause error, now time.Time) (bool, error) {
	op.Attempts++
	op.LastError = cause.Error()

	retryable, kind := util.ClassifyRemoteError(cause)
	if errors.Is(cause, ErrUnknownPayload) {
		retryable, kind = false, "unknown_payload"
	}
	payloadType := "unknown"
	if op.Payload != nil {
		payloadType = string(op.Payload.Type())
	}

	if util.ShouldRetry(op.Attempts, d.maxAttempts, retryable) {
		op.NextAttemptAt = now.Add(d.Backoff(op.Attempts))
		if err := d.repo.Save(ctx, op); err != nil {
			return false, err
		}
		metrics.IncrementFlushed(payloadType, "retry")
		d.logger.Warn("Operation failed, will retry",
			zap.String("op_id", op.ID),
			zap.String("scope_key", op.ScopeKey),
			zap.Int("attempts", op.Attempts),
			zap.String("error_kind", kind),
			zap.Time("next_attempt_at", op.NextAttemptAt),
			zap.Error(cause),
		)
		d.sink.Emit(ctx, events.Event{Kind: events.KindOpRetry, OpID: op.ID, ThreadID: op.ScopeKey, Message: "Operation retry scheduled",
			Data: map[string]any{"attempts": op.Attempts, "error_kind": kind}})
		return false, nil
	}

	stuckAt := now.UTC()
	op.Status = model.OperationStuck
	op.StuckAt = &stuckAt
	if err := d.repo.Save(ctx, op); err != nil {
		return false, err
	}
	metrics.IncrementFlushed(payloadType, "stuck")
	d.logger.Error("Operation stuck, manual intervention required",
		zap.String("op_id", op.ID),
		zap.String("scope_key", op.ScopeKey),
		zap.Int("attempts", op.Attempts),
		zap.String("error_kind", kind),
		zap.Error(cause),
	)
	d.sink.Emit(ctx, events.Event{Kind: events.KindOpStuck, OpID: op.ID, ThreadID: op.ScopeKey, Message: "Operation stuck",
		Data: map[string]any{"attempts": op.Attempts, "last_error": op.LastError, "payload_type": payloadType, "error_kind": kind}})
	return true, nil
}
