// Package events carries best-effort diagnostics out of the sync engine.
// Components receive a Sink; nothing here may fail the caller.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailsync/pkg/trace"
)

// Kind 事件类型
type Kind string

const (
	KindOpEnqueued      Kind = "op_enqueued"
	KindOpFlushed       Kind = "op_flushed"
	KindOpRetry         Kind = "op_retry"
	KindOpStuck         Kind = "op_stuck"
	KindCountersChanged Kind = "counters_changed"
	KindSyncStarted     Kind = "sync_started"
	KindSyncCompleted   Kind = "sync_completed"
	KindSyncFallback    Kind = "sync_fallback"
	KindSyncSkipped     Kind = "sync_skipped"
	KindProtected       Kind = "protected"
	KindSnoozeWoke      Kind = "snooze_woke"
)

// Event 一条诊断事件
type Event struct {
	Kind     Kind           `json:"kind"`
	At       time.Time      `json:"at"`
	TraceID  string         `json:"trace_id,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	OpID     string         `json:"op_id,omitempty"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Sink receives diagnostics.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Stamp fills At and TraceID when unset.
func Stamp(ctx context.Context, e Event) Event {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = trace.FromContext(ctx)
	}
	return e
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	e = Stamp(ctx, e)
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// LogSink writes events to zap at debug level, stuck ops at warn.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Emit(ctx context.Context, e Event) {
	e = Stamp(ctx, e)
	fields := []zap.Field{
		zap.String("event", string(e.Kind)),
		zap.String("trace_id", e.TraceID),
	}
	if e.ThreadID != "" {
		fields = append(fields, zap.String("thread_id", e.ThreadID))
	}
	if e.OpID != "" {
		fields = append(fields, zap.String("op_id", e.OpID))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}
	switch e.Kind {
	case KindOpStuck, KindSyncFallback:
		l.logger.Warn(e.Message, fields...)
	default:
		l.logger.Debug(e.Message, fields...)
	}
}

// Ring keeps the most recent events in memory for the diagnostics endpoint.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	full  bool
	total int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 200
	}
	return &Ring{buf: make([]Event, capacity)}
}

func (r *Ring) Emit(ctx context.Context, e Event) {
	e = Stamp(ctx, e)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
}

// Recent returns up to n events, newest first.
func (r *Ring) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Total returns how many events were ever emitted.
func (r *Ring) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
