// Package incremental applies the remote change log since the stored cursor
// and falls back to an authoritative reconcile whenever the log cannot be
// trusted.
package incremental

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailsync/internal/counters"
	"mailsync/internal/events"
	"mailsync/internal/guard"
	"mailsync/internal/journal"
	"mailsync/internal/model"
	"mailsync/internal/outbox"
	"mailsync/internal/remote"
	"mailsync/internal/repository"
	"mailsync/internal/service/reconcile"
	"mailsync/pkg/logger"
	"mailsync/pkg/metrics"
	"mailsync/pkg/otel"
)

// 回退原因
const (
	FallbackNoCursor       = "no_cursor"
	FallbackCursorExpired  = "cursor_expired"
	FallbackRemoteError    = "remote_error"
	FallbackTooManyChanges = "too_many_changes"
	FallbackDrift          = "drift"
)

type Config struct {
	MaxChanges     int `yaml:"max_changes"`
	DriftThreshold int `yaml:"drift_threshold"`
	FetchWorkers   int `yaml:"fetch_workers"`
}

func DefaultConfig() Config {
	return Config{MaxChanges: 500, DriftThreshold: 5, FetchWorkers: 4}
}

// Authoritative is the full reconcile used as fallback.
type Authoritative interface {
	Run(ctx context.Context, scope model.Scope) (*reconcile.Result, error)
}

type Result struct {
	Scope           string            `json:"scope"`
	Changes         int               `json:"changes"`
	Applied         int               `json:"applied"`
	Fetched         int               `json:"fetched"`
	Deleted         int               `json:"deleted"`
	Protected       int               `json:"protected"`
	TerminalSkipped int               `json:"terminal_skipped"`
	Drift           int               `json:"drift"`
	Cursor          string            `json:"cursor,omitempty"`
	FallbackReason  string            `json:"fallback_reason,omitempty"`
	Reconcile       *reconcile.Result `json:"reconcile,omitempty"`
	Duration        time.Duration     `json:"duration"`
}

func (r *Result) FellBack() bool { return r.FallbackReason != "" }

type Syncer struct {
	client        remote.Client
	threads       *repository.ThreadRepository
	settings      *repository.SettingsRepository
	ops           *outbox.Repository
	journal       *journal.Journal
	counters      *counters.Model
	timeline      *guard.Timeline
	authoritative Authoritative
	slot          *guard.Slot
	sink          events.Sink
	logger        *zap.Logger
	cfg           Config
}

func New(
	client remote.Client,
	threads *repository.ThreadRepository,
	settings *repository.SettingsRepository,
	ops *outbox.Repository,
	j *journal.Journal,
	c *counters.Model,
	timeline *guard.Timeline,
	authoritative Authoritative,
	cfg Config,
	logger *zap.Logger,
) *Syncer {
	def := DefaultConfig()
	if cfg.MaxChanges <= 0 {
		cfg.MaxChanges = def.MaxChanges
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = def.DriftThreshold
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = def.FetchWorkers
	}
	return &Syncer{
		client:        client,
		threads:       threads,
		settings:      settings,
		ops:           ops,
		journal:       j,
		counters:      c,
		timeline:      timeline,
		authoritative: authoritative,
		slot:          guard.NewSlot("incremental"),
		sink:          events.Nop{},
		logger:        logger,
		cfg:           cfg,
	}
}

func (s *Syncer) WithSink(sink events.Sink) *Syncer {
	s.sink = sink
	return s
}

func (s *Syncer) Slot() *guard.Slot { return s.slot }

// Run performs one incremental pass; guard.ErrBusy if one is in flight.
func (s *Syncer) Run(ctx context.Context, scope model.Scope) (*Result, error) {
	var res *Result
	err := s.slot.TryRun(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.run(ctx, scope)
		return err
	})
	return res, err
}

func (s *Syncer) run(ctx context.Context, scope model.Scope) (*Result, error) {
	start := time.Now()
	log := logger.WithTrace(ctx, s.logger).With(zap.String("scope", scope.Name))
	ctx, span := otel.StartSpan(ctx, "incremental.run")
	span.SetAttributes(attribute.String("scope", scope.Name))
	defer span.End()

	res := &Result{Scope: scope.Name}

	cursor, ok, err := s.settings.Cursor(ctx, scope.Name)
	if err != nil {
		log.Warn("Failed to read cursor", zap.Error(err))
		return s.fallback(ctx, scope, res, start, FallbackNoCursor)
	}
	if !ok || cursor == "" {
		return s.fallback(ctx, scope, res, start, FallbackNoCursor)
	}

	cs, err := s.client.ListChangesSince(ctx, cursor)
	if errors.Is(err, remote.ErrCursorExpired) {
		return s.fallback(ctx, scope, res, start, FallbackCursorExpired)
	}
	if err != nil {
		log.Warn("Failed to list changes", zap.Error(err))
		return s.fallback(ctx, scope, res, start, FallbackRemoteError)
	}
	res.Changes = len(cs.Changes)
	if len(cs.Changes) > s.cfg.MaxChanges {
		return s.fallback(ctx, scope, res, start, FallbackTooManyChanges)
	}

	if len(cs.Changes) > 0 {
		if err := s.apply(ctx, scope, cs.Changes, res); err != nil {
			log.Warn("Failed to apply changes", zap.Error(err))
			return s.fallback(ctx, scope, res, start, FallbackRemoteError)
		}
		if err := s.counters.Reconcile(ctx); err != nil {
			log.Warn("Counter reconcile failed", zap.Error(err))
		}
	}
	// 应用成功后才推进游标
	if cs.NewCursor != "" {
		if err := s.settings.PutCursor(ctx, scope.Name, cs.NewCursor); err != nil {
			return s.finish(ctx, res, start, fmt.Errorf("failed to store cursor: %w", err))
		}
		res.Cursor = cs.NewCursor
	}

	drift, err := s.drift(ctx, scope)
	if err != nil {
		log.Warn("Drift check failed", zap.Error(err))
		return s.fallback(ctx, scope, res, start, FallbackRemoteError)
	}
	res.Drift = drift
	if abs(drift) > s.cfg.DriftThreshold {
		log.Info("Scope count drifted", zap.Int("drift", drift))
		return s.fallback(ctx, scope, res, start, FallbackDrift)
	}
	return s.finish(ctx, res, start, nil)
}

// drift returns remoteScopeCount − expected, where expected is the local
// scope count with unresolved ops' scope-label effects taken back out. The
// replica already reflects queued actions; the remote does not until flushed.
func (s *Syncer) drift(ctx context.Context, scope model.Scope) (int, error) {
	remoteCount, err := s.client.ScopeCount(ctx, scope)
	if err != nil {
		return 0, err
	}
	threads, err := s.threads.All(ctx)
	if err != nil {
		return 0, err
	}
	ops, err := s.ops.Unresolved(ctx)
	if err != nil {
		return 0, err
	}
	// 每个线程最后一次对范围标签的意图
	intent := make(map[string]bool)
	for _, op := range ops {
		p, ok := op.Payload.(model.ModifyLabels)
		if !ok {
			continue
		}
		for _, id := range p.ThreadIDs {
			if model.HasLabel(p.Add, scope.LabelID) {
				intent[id] = true
			}
			if model.HasLabel(p.Remove, scope.LabelID) {
				intent[id] = false
			}
		}
	}
	expected := 0
	for _, t := range threads {
		in := t.HasLabel(scope.LabelID)
		if in {
			expected++
		}
		want, ok := intent[t.ID]
		switch {
		case !ok:
		case want && in:
			expected--
		case !want && !in:
			expected++
		}
	}
	return remoteCount - expected, nil
}

func (s *Syncer) fallback(ctx context.Context, scope model.Scope, res *Result, start time.Time, reason string) (*Result, error) {
	res.FallbackReason = reason
	metrics.RecordSync("incremental", "fallback", time.Since(start))
	s.sink.Emit(ctx, events.Event{Kind: events.KindSyncFallback, Message: "Incremental sync fell back to reconcile", Data: map[string]any{"kind": "incremental", "reason": reason}})
	logger.WithTrace(ctx, s.logger).Info("Falling back to authoritative reconcile",
		zap.String("scope", scope.Name),
		zap.String("reason", reason),
	)
	if reason == FallbackCursorExpired {
		// 对账失败时下一轮按 no_cursor 重试，不再反复请求过期游标
		if err := s.settings.ClearCursor(ctx, scope.Name); err != nil {
			s.logger.Warn("Failed to clear expired cursor", zap.String("scope", scope.Name), zap.Error(err))
		}
	}
	// 全量对账在枚举前记录游标并在成功后写回
	rres, err := s.authoritative.Run(ctx, scope)
	res.Reconcile = rres
	if rres != nil {
		res.Cursor = rres.Cursor
	}
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("fallback reconcile (%s): %w", reason, err)
	}
	return res, nil
}

func (s *Syncer) finish(ctx context.Context, res *Result, start time.Time, err error) (*Result, error) {
	res.Duration = time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordSync("incremental", outcome, res.Duration)
	data := map[string]any{
		"kind":        "incremental",
		"result":      outcome,
		"changes":     res.Changes,
		"added":       res.Applied,
		"fetched":     res.Fetched,
		"removed":     res.Deleted,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	s.sink.Emit(ctx, events.Event{Kind: events.KindSyncCompleted, Message: "Incremental sync finished", Data: data})
	logger.WithTrace(ctx, s.logger).Debug("Incremental sync finished",
		zap.String("scope", res.Scope),
		zap.Int("changes", res.Changes),
		zap.Int("applied", res.Applied),
		zap.Int("protected", res.Protected),
		zap.Duration("duration", res.Duration),
		zap.Error(err),
	)
	return res, err
}

// threadChanges groups the log per thread, in first-seen order.
type threadChanges struct {
	id           string
	changes      []remote.Change
	messageAdded bool
	deleted      bool
}

func group(changes []remote.Change) []*threadChanges {
	byID := make(map[string]*threadChanges)
	var out []*threadChanges
	for _, c := range changes {
		tc, ok := byID[c.ThreadID]
		if !ok {
			tc = &threadChanges{id: c.ThreadID}
			byID[c.ThreadID] = tc
			out = append(out, tc)
		}
		tc.changes = append(tc.changes, c)
		if c.MessageAdded {
			tc.messageAdded = true
		}
		// 后续变更说明线程又出现了
		tc.deleted = c.Deleted
	}
	return out
}

func (s *Syncer) apply(ctx context.Context, scope model.Scope, changes []remote.Change, res *Result) error {
	ctx, span := otel.StartSpan(ctx, "incremental.apply")
	defer span.End()
	span.SetAttributes(attribute.Int("changes", len(changes)))

	grouped := group(changes)

	// 需要远端读取的线程：本地缺失、有新邮件或被删除
	var toFetch []string
	for _, tc := range grouped {
		_, found, err := s.threads.Find(ctx, tc.id)
		if err != nil {
			return err
		}
		if !found || tc.messageAdded || tc.deleted {
			toFetch = append(toFetch, tc.id)
		}
	}
	fresh, missing, err := s.fetch(ctx, toFetch)
	if err != nil {
		return err
	}

	return s.timeline.Do(func() error {
		protected, opsErr := s.ops.ProtectedThreads(ctx)
		isProtected := func(id string) (bool, string) {
			if ok, err := s.journal.IsProtected(ctx, id, s.journal.ShortWindow()); err != nil {
				return true, "lookup_failed"
			} else if ok {
				return true, "journaled"
			}
			if opsErr != nil {
				return true, "lookup_failed"
			}
			if protected[id] {
				return true, "pending"
			}
			return false, ""
		}

		for _, tc := range grouped {
			local, found, err := s.threads.Find(ctx, tc.id)
			if err != nil {
				return err
			}

			if missing[tc.id] {
				if !found {
					continue
				}
				if prot, why := isProtected(tc.id); prot {
					s.protect(ctx, res, tc.id, why)
					continue
				}
				if err := s.threads.Delete(ctx, tc.id); err != nil {
					return err
				}
				res.Deleted++
				continue
			}

			remoteT, fetched := fresh[tc.id]
			if !found {
				if !fetched {
					continue
				}
				if remoteT.IsTerminal() {
					res.TerminalSkipped++
					continue
				}
				remoteT.UpdatedAt = time.Now().UTC()
				if err := s.threads.Put(ctx, &remoteT); err != nil {
					return err
				}
				res.Fetched++
				continue
			}

			var next []string
			if fetched {
				next = model.NormalizeLabels(remoteT.Labels)
			} else {
				next = local.Labels
				for _, c := range tc.changes {
					next = model.ApplyLabelChange(next, c.LabelsAdded, c.LabelsRemoved)
				}
			}
			// 终态线程永不进入范围，同步也不清除本地终态标签
			if local.IsTerminal() {
				kept := model.KeepTerminal(local.Labels, next, scope.LabelID)
				if !equalLabels(kept, next) {
					res.TerminalSkipped++
				}
				next = kept
			} else if model.HasTerminalLabel(next) && model.HasLabel(next, scope.LabelID) && !local.HasLabel(scope.LabelID) {
				next = model.ApplyLabelChange(next, nil, []string{scope.LabelID})
				res.TerminalSkipped++
			}

			labelsChanged := !equalLabels(local.Labels, next)
			if labelsChanged {
				if prot, why := isProtected(tc.id); prot {
					s.protect(ctx, res, tc.id, why)
					labelsChanged = false
				}
			}
			if !labelsChanged && !fetched {
				continue
			}
			if labelsChanged {
				local.Labels = next
				res.Applied++
			}
			if fetched {
				local.Snippet = remoteT.Snippet
				local.HistoryID = remoteT.HistoryID
				local.MessageIDs = remoteT.MessageIDs
			}
			local.UpdatedAt = time.Now().UTC()
			if err := s.threads.Put(ctx, local); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Syncer) protect(ctx context.Context, res *Result, id, why string) {
	res.Protected++
	metrics.IncrementReconcileMutation("incremental", why)
	s.sink.Emit(ctx, events.Event{Kind: events.KindProtected, ThreadID: id, Message: "Remote change suppressed", Data: map[string]any{"reason": why}})
}

// fetch reads threads with bounded concurrency; 404s are reported in missing.
func (s *Syncer) fetch(ctx context.Context, ids []string) (map[string]model.Thread, map[string]bool, error) {
	fresh := make(map[string]model.Thread, len(ids))
	missing := make(map[string]bool)
	if len(ids) == 0 {
		return fresh, missing, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchWorkers)
	var mu sync.Mutex
	for _, id := range ids {
		g.Go(func() error {
			t, err := s.client.GetThreadSummary(gctx, id)
			if remote.IsNotFound(err) {
				mu.Lock()
				missing[id] = true
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to fetch thread %s: %w", id, err)
			}
			mu.Lock()
			fresh[id] = t
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return fresh, missing, nil
}

func equalLabels(a, b []string) bool {
	a, b = model.NormalizeLabels(a), model.NormalizeLabels(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
