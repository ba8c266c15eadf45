// Package engine drives the background work: flushing the op queue,
// incremental sync with reconcile fallback, the snooze tick and manual or
// externally triggered refreshes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/events"
	"mailsync/internal/guard"
	"mailsync/internal/model"
	"mailsync/internal/outbox"
	"mailsync/internal/service/incremental"
	"mailsync/internal/service/reconcile"
	"mailsync/pkg/logger"
	"mailsync/pkg/metrics"
	"mailsync/pkg/trace"
)

// 触发类型
const (
	KindIncremental   = "incremental"
	KindAuthoritative = "authoritative"
)

var (
	ErrOffline     = errors.New("engine: offline")
	ErrUnknownKind = errors.New("engine: unknown sync kind")
)

type Config struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	StartupReconcile bool          `yaml:"startup_reconcile"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     60 * time.Second,
		StartupReconcile: true,
	}
}

// Flusher drains the op queue.
type Flusher interface {
	FlushOnce(ctx context.Context) (outbox.FlushResult, error)
}

// Incremental runs one incremental pass.
type Incremental interface {
	Run(ctx context.Context, scope model.Scope) (*incremental.Result, error)
}

// Authoritative runs one full reconcile.
type Authoritative interface {
	Run(ctx context.Context, scope model.Scope) (*reconcile.Result, error)
}

// SnoozeRunner runs the snooze-due loop until ctx is done.
type SnoozeRunner interface {
	Start(ctx context.Context)
}

// RunResult reports what one triggered pass did.
type RunResult struct {
	Kind          string              `json:"kind"`
	TraceID       string              `json:"trace_id"`
	Flush         outbox.FlushResult  `json:"flush"`
	Incremental   *incremental.Result `json:"incremental,omitempty"`
	Authoritative *reconcile.Result   `json:"authoritative,omitempty"`
}

type Engine struct {
	scope         model.Scope
	flusher       Flusher
	incremental   Incremental
	authoritative Authoritative
	snooze        SnoozeRunner
	debouncer     guard.Debouncer
	sink          events.Sink
	logger        *zap.Logger
	cfg           Config

	visible atomic.Bool
	online  func() bool
}

func New(
	scope model.Scope,
	flusher Flusher,
	inc Incremental,
	auth Authoritative,
	snooze SnoozeRunner,
	debouncer guard.Debouncer,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	e := &Engine{
		scope:         scope,
		flusher:       flusher,
		incremental:   inc,
		authoritative: auth,
		snooze:        snooze,
		debouncer:     debouncer,
		sink:          events.Nop{},
		logger:        logger,
		cfg:           cfg,
		online:        func() bool { return true },
	}
	e.visible.Store(true)
	return e
}

func (e *Engine) WithSink(sink events.Sink) *Engine {
	e.sink = sink
	return e
}

// WithConnectivity installs the connectivity predicate.
func (e *Engine) WithConnectivity(online func() bool) *Engine {
	if online != nil {
		e.online = online
	}
	return e
}

// SetVisible toggles the visibility gate; background ticks are skipped while hidden.
func (e *Engine) SetVisible(v bool) { e.visible.Store(v) }

func (e *Engine) Visible() bool { return e.visible.Load() }

func (e *Engine) Online() bool { return e.online() }

// Start launches the snooze loop, runs the startup reconcile and then ticks
// until ctx is done. Snooze wakes need no connectivity since they are queued
// like user actions.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Starting sync engine",
		zap.String("scope", e.scope.Name),
		zap.Duration("tick_interval", e.cfg.TickInterval),
	)
	go e.snooze.Start(ctx)

	if e.cfg.StartupReconcile {
		if _, err := e.run(ctx, KindAuthoritative, "startup", false); err != nil && !isSkip(err) {
			e.logger.Warn("Startup reconcile failed", zap.Error(err))
		}
	}

	tick := time.NewTicker(e.cfg.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Sync engine stopped")
			return
		case <-tick.C:
			if _, err := e.Tick(ctx); err != nil && !isSkip(err) {
				e.logger.Warn("Sync tick failed", zap.Error(err))
			}
		}
	}
}

// Tick is one periodic pass: gates, debounce, flush, incremental sync.
func (e *Engine) Tick(ctx context.Context) (*RunResult, error) {
	if !e.Visible() {
		e.skip(ctx, KindIncremental, "hidden")
		return nil, errSkipped
	}
	return e.run(ctx, KindIncremental, "tick", false)
}

// Refresh is the user-initiated sync. Unlike Tick it reports why nothing ran.
func (e *Engine) Refresh(ctx context.Context) (*RunResult, error) {
	res, err := e.run(ctx, KindIncremental, "manual", true)
	if errors.Is(err, errSkipped) {
		return nil, ErrOffline
	}
	return res, err
}

// Trigger runs a pass requested over the message bus.
func (e *Engine) Trigger(ctx context.Context, kind, reason string) (*RunResult, error) {
	switch kind {
	case KindIncremental, KindAuthoritative:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if reason == "" {
		reason = "trigger"
	}
	return e.run(ctx, kind, reason, true)
}

var errSkipped = errors.New("engine: skipped")

func isSkip(err error) bool {
	return errors.Is(err, errSkipped) || errors.Is(err, guard.ErrDebounced) || errors.Is(err, guard.ErrBusy)
}

func (e *Engine) run(ctx context.Context, kind, reason string, surface bool) (*RunResult, error) {
	ctx = trace.EnsureContext(ctx)
	log := logger.WithTrace(ctx, e.logger).With(zap.String("kind", kind), zap.String("reason", reason))

	if !e.online() {
		e.skip(ctx, kind, "offline")
		return nil, errSkipped
	}
	if !e.debouncer.AcquireOnce(ctx, "sync:"+e.scope.Name) {
		e.skip(ctx, kind, "debounced")
		return nil, guard.ErrDebounced
	}

	res := &RunResult{Kind: kind, TraceID: trace.FromContext(ctx)}
	flush, err := e.flusher.FlushOnce(ctx)
	if err != nil {
		// 刷新失败不阻塞同步
		log.Warn("Flush before sync failed", zap.Error(err))
	}
	res.Flush = flush

	switch kind {
	case KindAuthoritative:
		res.Authoritative, err = e.authoritative.Run(ctx, e.scope)
	default:
		res.Incremental, err = e.incremental.Run(ctx, e.scope)
	}
	if errors.Is(err, guard.ErrBusy) {
		e.skip(ctx, kind, "busy")
		if surface {
			return res, err
		}
		return res, errSkipped
	}
	if err != nil {
		log.Warn("Sync pass failed", zap.Error(err))
		return res, err
	}
	return res, nil
}

func (e *Engine) skip(ctx context.Context, kind, why string) {
	metrics.RecordSync(kind, "skipped", 0)
	e.sink.Emit(ctx, events.Event{Kind: events.KindSyncSkipped, Message: "Sync skipped", Data: map[string]any{"kind": kind, "reason": why}})
	logger.WithTrace(ctx, e.logger).Debug("Sync skipped", zap.String("kind", kind), zap.String("reason", why))
}
