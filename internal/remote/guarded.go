package remote

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailsync/internal/model"
	"mailsync/pkg/circuitbreaker"
	"mailsync/pkg/metrics"
	"mailsync/pkg/util"
)

// GuardConfig bounds every remote call.
type GuardConfig struct {
	Timeout        time.Duration         `yaml:"timeout"`
	RatePerSecond  float64               `yaml:"rate_per_second"`
	Burst          int                   `yaml:"burst"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:        20 * time.Second,
		RatePerSecond:  10,
		Burst:          5,
		CircuitBreaker: circuitbreaker.DefaultConfig(),
	}
}

// Guarded wraps a Client with a per-call timeout, a rate limiter and a
// circuit breaker. Timeouts surface as context.DeadlineExceeded, which the
// error classifier treats as transient.
type Guarded struct {
	next    Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewGuarded(next Client, cfg GuardConfig, logger *zap.Logger) *Guarded {
	def := DefaultGuardConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	breaker := circuitbreaker.NewCircuitBreaker(cfg.CircuitBreaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("Remote circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	return &Guarded{
		next:    next,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: breaker,
		logger:  logger,
	}
}

// BreakerState exposes the breaker for diagnostics.
func (g *Guarded) BreakerState() circuitbreaker.State {
	return g.breaker.GetState()
}

func (g *Guarded) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		metrics.RecordRemoteCall(method, "rate_limited", time.Since(start))
		return &Error{Method: method, Err: err}
	}

	// 永久拒绝（4xx）与游标过期不计入熔断
	ignore := func(err error) bool {
		if errors.Is(err, ErrCursorExpired) {
			return true
		}
		retryable, _ := util.ClassifyRemoteError(err)
		return !retryable
	}
	err := g.breaker.Execute(func() error { return fn(ctx) }, ignore)

	status := "ok"
	if err != nil {
		_, status = util.ClassifyRemoteError(err)
		if errors.Is(err, ErrCursorExpired) {
			status = "cursor_expired"
		}
	}
	metrics.RecordRemoteCall(method, status, time.Since(start))
	return err
}

func (g *Guarded) ListThreadIDs(ctx context.Context, scope model.Scope, pageToken string) (Page, error) {
	var page Page
	err := g.call(ctx, "ListThreadIDs", func(ctx context.Context) error {
		var err error
		page, err = g.next.ListThreadIDs(ctx, scope, pageToken)
		return err
	})
	return page, err
}

func (g *Guarded) GetThreadSummary(ctx context.Context, threadID string) (model.Thread, error) {
	var thread model.Thread
	err := g.call(ctx, "GetThreadSummary", func(ctx context.Context) error {
		var err error
		thread, err = g.next.GetThreadSummary(ctx, threadID)
		return err
	})
	return thread, err
}

func (g *Guarded) BatchModifyLabels(ctx context.Context, threadIDs, add, remove []string) error {
	return g.call(ctx, "BatchModifyLabels", func(ctx context.Context) error {
		return g.next.BatchModifyLabels(ctx, threadIDs, add, remove)
	})
}

func (g *Guarded) ListChangesSince(ctx context.Context, cursor string) (ChangeSet, error) {
	var cs ChangeSet
	err := g.call(ctx, "ListChangesSince", func(ctx context.Context) error {
		var err error
		cs, err = g.next.ListChangesSince(ctx, cursor)
		return err
	})
	return cs, err
}

func (g *Guarded) ScopeCount(ctx context.Context, scope model.Scope) (int, error) {
	var n int
	err := g.call(ctx, "ScopeCount", func(ctx context.Context) error {
		var err error
		n, err = g.next.ScopeCount(ctx, scope)
		return err
	})
	return n, err
}

func (g *Guarded) CurrentCursor(ctx context.Context) (string, error) {
	var cursor string
	err := g.call(ctx, "CurrentCursor", func(ctx context.Context) error {
		var err error
		cursor, err = g.next.CurrentCursor(ctx)
		return err
	})
	return cursor, err
}

func (g *Guarded) SendMessage(ctx context.Context, threadID string, raw []byte) error {
	return g.call(ctx, "SendMessage", func(ctx context.Context) error {
		return g.next.SendMessage(ctx, threadID, raw)
	})
}
