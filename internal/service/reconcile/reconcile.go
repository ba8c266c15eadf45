// Package reconcile enumerates the remote truth for a scope and reconciles
// the replica against it in protection-respecting phases.
//
// Protection order at every mutation site: terminal label, then journal
// window, then unresolved operation, then remote state. A failed lookup of
// the op store or journal counts as protected for existing threads; new
// threads are always fetched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
	"mailsync/pkg/logger"
	"mailsync/pkg/metrics"
	"mailsync/pkg/otel"
)

// Config bounds the fetch and refresh phases.
type Config struct {
	FetchWorkers int `yaml:"fetch_workers"`
	BatchSize    int `yaml:"batch_size"`
	SampleSize   int `yaml:"sample_size"`
}

func DefaultConfig() Config {
	return Config{FetchWorkers: 4, BatchSize: 20, SampleSize: 50}
}

// Result summarizes one pass.
type Result struct {
	Scope           string        `json:"scope"`
	Pages           int           `json:"pages"`
	RemoteIDs       int           `json:"remote_ids"`
	New             []string      `json:"-"`
	NeedsAdd        int           `json:"needs_add"`
	NeedsRemove     int           `json:"needs_remove"`
	Fetched         int           `json:"fetched"`
	FetchFailed     int           `json:"fetch_failed"`
	Added           int           `json:"added"`
	Removed         int           `json:"removed"`
	Refreshed       int           `json:"refreshed"`
	Deleted         int           `json:"deleted"`
	Protected       int           `json:"protected"`
	TerminalSkipped int           `json:"terminal_skipped"`
	LookupFailures  int           `json:"lookup_failures"`
	Cursor          string        `json:"cursor,omitempty"`
	Duration        time.Duration `json:"duration"`
}

type Reconciler struct {
	client   remote.Client
	threads  *repository.ThreadRepository
	settings *repository.SettingsRepository
	ops      *outbox.Repository
	journal  *journal.Journal
	counters *counters.Model
	timeline *guard.Timeline
	slot     *guard.Slot
	sink     events.Sink
	logger   *zap.Logger
	cfg      Config
}

func New(
	client remote.Client,
	threads *repository.ThreadRepository,
	settings *repository.SettingsRepository,
	ops *outbox.Repository,
	j *journal.Journal,
	c *counters.Model,
	timeline *guard.Timeline,
	cfg Config,
	logger *zap.Logger,
) *Reconciler {
	def := DefaultConfig()
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = def.FetchWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SampleSize < 0 {
		cfg.SampleSize = 0
	} else if cfg.SampleSize == 0 {
		cfg.SampleSize = def.SampleSize
	}
	return &Reconciler{
		client:   client,
		threads:  threads,
		settings: settings,
		ops:      ops,
		journal:  j,
		counters: c,
		timeline: timeline,
		slot:     guard.NewSlot("authoritative"),
		sink:     events.Nop{},
		logger:   logger,
		cfg:      cfg,
	}
}

func (r *Reconciler) WithSink(sink events.Sink) *Reconciler {
	r.sink = sink
	return r
}

// Slot exposes the pass supervisor; Run returns guard.ErrBusy while it is held.
func (r *Reconciler) Slot() *guard.Slot { return r.slot }

// Run performs one authoritative pass over scope.
func (r *Reconciler) Run(ctx context.Context, scope model.Scope) (*Result, error) {
	var res *Result
	err := r.slot.TryRun(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.run(ctx, scope)
		return err
	})
	return res, err
}

func (r *Reconciler) run(ctx context.Context, scope model.Scope) (*Result, error) {
	start := time.Now()
	log := logger.WithTrace(ctx, r.logger).With(zap.String("scope", scope.Name))
	ctx, span := otel.StartSpan(ctx, "reconcile.run")
	span.SetAttributes(attribute.String("scope", scope.Name))
	defer span.End()

	res := &Result{Scope: scope.Name}
	r.sink.Emit(ctx, events.Event{Kind: events.KindSyncStarted, Message: "Authoritative reconcile started", Data: map[string]any{"kind": "authoritative"}})

	// 枚举之前记录游标，之后的变更由增量同步补上
	cursor, err := r.client.CurrentCursor(ctx)
	if err != nil {
		log.Warn("Failed to capture cursor before enumeration", zap.Error(err))
	}
	res.Cursor = cursor

	remoteIDs, err := r.enumerate(ctx, scope, res)
	if err != nil {
		return r.finish(ctx, res, start, err)
	}

	newIDs, needsAdd, needsRemove, err := r.classify(ctx, scope, remoteIDs)
	if err != nil {
		return r.finish(ctx, res, start, err)
	}
	res.New = newIDs
	res.NeedsAdd = len(needsAdd)
	res.NeedsRemove = len(needsRemove)
	log.Info("Reconcile classified",
		zap.Int("remote_ids", len(remoteIDs)),
		zap.Int("new", len(newIDs)),
		zap.Int("needs_add", len(needsAdd)),
		zap.Int("needs_remove", len(needsRemove)),
	)

	if err := r.fetchNew(ctx, newIDs, res); err != nil {
		return r.finish(ctx, res, start, err)
	}
	if err := r.phaseAdd(ctx, scope, needsAdd, res); err != nil {
		return r.finish(ctx, res, start, err)
	}
	if err := r.phaseRemove(ctx, scope, needsRemove, res); err != nil {
		return r.finish(ctx, res, start, err)
	}
	if err := r.refreshSample(ctx, scope, remoteIDs, res); err != nil {
		return r.finish(ctx, res, start, err)
	}

	if err := r.counters.Reconcile(ctx); err != nil {
		log.Warn("Counter reconcile failed", zap.Error(err))
	}
	if res.Cursor != "" {
		if err := r.settings.PutCursor(ctx, scope.Name, res.Cursor); err != nil {
			log.Warn("Failed to store cursor", zap.Error(err))
		}
	}
	return r.finish(ctx, res, start, nil)
}

func (r *Reconciler) finish(ctx context.Context, res *Result, start time.Time, err error) (*Result, error) {
	res.Duration = time.Since(start)
	outcome := "ok"
	data := map[string]any{
		"kind":        "authoritative",
		"fetched":     res.Fetched,
		"added":       res.Added,
		"removed":     res.Removed,
		"refreshed":   res.Refreshed,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if err != nil {
		outcome = "error"
		data["error"] = err.Error()
	}
	data["result"] = outcome
	metrics.RecordSync("authoritative", outcome, res.Duration)
	r.sink.Emit(ctx, events.Event{Kind: events.KindSyncCompleted, Message: "Authoritative reconcile finished", Data: data})
	logger.WithTrace(ctx, r.logger).Info("Authoritative reconcile finished",
		zap.String("scope", res.Scope),
		zap.String("result", outcome),
		zap.Int("fetched", res.Fetched),
		zap.Int("added", res.Added),
		zap.Int("removed", res.Removed),
		zap.Int("refreshed", res.Refreshed),
		zap.Int("protected", res.Protected),
		zap.Duration("duration", res.Duration),
		zap.Error(err),
	)
	return res, err
}

// enumerate pages through the scope listing until the remote reports no next page.
func (r *Reconciler) enumerate(ctx context.Context, scope model.Scope, res *Result) ([]string, error) {
	ctx, span := otel.StartSpan(ctx, "reconcile.enumerate")
	defer span.End()

	seen := make(map[string]bool)
	seenTokens := make(map[string]bool)
	var ids []string
	token := ""
	for {
		page, err := r.client.ListThreadIDs(ctx, scope, token)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s page %d: %w", scope.Name, res.Pages+1, err)
		}
		res.Pages++
		for _, id := range page.IDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		if seenTokens[page.NextPageToken] {
			return nil, fmt.Errorf("remote returned page token %q twice", page.NextPageToken)
		}
		seenTokens[page.NextPageToken] = true
		token = page.NextPageToken
	}
	res.RemoteIDs = len(ids)
	span.SetAttributes(attribute.Int("pages", res.Pages), attribute.Int("ids", len(ids)))
	return ids, nil
}

func (r *Reconciler) classify(ctx context.Context, scope model.Scope, remoteIDs []string) (newIDs, needsAdd, needsRemove []string, err error) {
	local, err := r.threads.All(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load replica: %w", err)
	}
	localByID := make(map[string]*model.Thread, len(local))
	for i := range local {
		localByID[local[i].ID] = &local[i]
	}
	inRemote := make(map[string]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		inRemote[id] = true
		t, ok := localByID[id]
		switch {
		case !ok:
			newIDs = append(newIDs, id)
		case !t.HasLabel(scope.LabelID):
			needsAdd = append(needsAdd, id)
		}
	}
	for _, t := range local {
		if t.HasLabel(scope.LabelID) && !inRemote[t.ID] {
			needsRemove = append(needsRemove, t.ID)
		}
	}
	return newIDs, needsAdd, needsRemove, nil
}

// fetchNew fetches unknown threads in batches with bounded concurrency and
// stores every non-terminal one.
func (r *Reconciler) fetchNew(ctx context.Context, ids []string, res *Result) error {
	ctx, span := otel.StartSpan(ctx, "reconcile.fetch_new")
	defer span.End()
	log := logger.WithTrace(ctx, r.logger)

	for start := 0; start < len(ids); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		fetched, failed, err := r.fetchBatch(ctx, ids[start:end])
		if err != nil {
			return err
		}
		res.FetchFailed += failed

		err = r.timeline.Do(func() error {
			batch := make([]model.Thread, 0, len(fetched))
			for i := range fetched {
				t := fetched[i]
				if t.IsTerminal() {
					res.TerminalSkipped++
					metrics.IncrementReconcileMutation("fetch_new", "terminal")
					continue
				}
				// 批次期间线程可能已被其他路径写入
				if _, exists, err := r.threads.Find(ctx, t.ID); err == nil && exists {
					continue
				}
				t.UpdatedAt = time.Now().UTC()
				batch = append(batch, t)
			}
			if len(batch) == 0 {
				return nil
			}
			// 批量写入副本后立即校正计数；计数失败不影响已写入的线程
			if err := r.counters.ApplyReplicaUpdate(ctx, batch); errors.Is(err, counters.ErrCountersStale) {
				log.Warn("Counter reconcile after fetch failed", zap.Error(err))
			} else if err != nil {
				return err
			}
			res.Fetched += len(batch)
			metrics.AddReconcileMutations("fetch_new", "applied", len(batch))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to store fetched threads: %w", err)
		}
	}
	if res.FetchFailed > 0 {
		log.Warn("Some new threads could not be fetched", zap.Int("failed", res.FetchFailed))
	}
	span.SetAttributes(attribute.Int("fetched", res.Fetched), attribute.Int("failed", res.FetchFailed))
	return nil
}

// fetchBatch fetches ids with at most FetchWorkers calls in flight. Per-thread
// failures are counted, not returned; only cancellation aborts the batch.
func (r *Reconciler) fetchBatch(ctx context.Context, ids []string) ([]model.Thread, int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchWorkers)

	var mu sync.Mutex
	out := make([]model.Thread, 0, len(ids))
	failed := 0
	for _, id := range ids {
		g.Go(func() error {
			t, err := r.client.GetThreadSummary(gctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Debug("Fetch thread failed", zap.String("thread_id", id), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			out = append(out, t)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, failed, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, failed, nil
}

type protection struct {
	ops       map[string]bool
	opsFailed bool
}

func (r *Reconciler) loadProtection(ctx context.Context, res *Result) protection {
	ops, err := r.ops.ProtectedThreads(ctx)
	if err != nil {
		res.LookupFailures++
		logger.WithTrace(ctx, r.logger).Warn("Op store lookup failed, treating existing threads as protected", zap.Error(err))
		return protection{opsFailed: true}
	}
	return protection{ops: ops}
}

// protected applies the journal and op checks; terminal checks happen at the call site first.
func (r *Reconciler) protected(ctx context.Context, p protection, id string, window time.Duration, res *Result) (bool, string) {
	journaled, err := r.journal.IsProtected(ctx, id, window)
	if err != nil {
		res.LookupFailures++
		return true, "lookup_failed"
	}
	if journaled {
		return true, "journaled"
	}
	if p.opsFailed {
		return true, "lookup_failed"
	}
	if p.ops[id] {
		return true, "pending"
	}
	return false, ""
}

// phaseAdd adds the scope label to threads the remote lists in scope.
func (r *Reconciler) phaseAdd(ctx context.Context, scope model.Scope, ids []string, res *Result) error {
	ctx, span := otel.StartSpan(ctx, "reconcile.phase_add")
	defer span.End()

	return r.timeline.Do(func() error {
		p := r.loadProtection(ctx, res)
		for _, id := range ids {
			t, ok, err := r.threads.Find(ctx, id)
			if err != nil || !ok || t.HasLabel(scope.LabelID) {
				continue
			}
			if t.IsTerminal() {
				res.TerminalSkipped++
				metrics.IncrementReconcileMutation("phase_add", "terminal")
				continue
			}
			if prot, why := r.protected(ctx, p, id, r.journal.ShortWindow(), res); prot {
				res.Protected++
				metrics.IncrementReconcileMutation("phase_add", why)
				r.sink.Emit(ctx, events.Event{Kind: events.KindProtected, ThreadID: id, Message: "Scope add suppressed", Data: map[string]any{"reason": why}})
				continue
			}
			t.Labels = model.ApplyLabelChange(t.Labels, []string{scope.LabelID}, nil)
			t.UpdatedAt = time.Now().UTC()
			if err := r.threads.Put(ctx, t); err != nil {
				return err
			}
			res.Added++
			metrics.IncrementReconcileMutation("phase_add", "applied")
		}
		return nil
	})
}

// phaseRemove removes the scope label from threads the remote no longer lists.
func (r *Reconciler) phaseRemove(ctx context.Context, scope model.Scope, ids []string, res *Result) error {
	ctx, span := otel.StartSpan(ctx, "reconcile.phase_remove")
	defer span.End()

	return r.timeline.Do(func() error {
		p := r.loadProtection(ctx, res)
		for _, id := range ids {
			t, ok, err := r.threads.Find(ctx, id)
			if err != nil || !ok || !t.HasLabel(scope.LabelID) {
				continue
			}
			if t.IsTerminal() {
				res.TerminalSkipped++
				metrics.IncrementReconcileMutation("phase_remove", "terminal")
				continue
			}
			if prot, why := r.protected(ctx, p, id, r.journal.LongWindow(), res); prot {
				res.Protected++
				metrics.IncrementReconcileMutation("phase_remove", why)
				r.sink.Emit(ctx, events.Event{Kind: events.KindProtected, ThreadID: id, Message: "Scope remove suppressed", Data: map[string]any{"reason": why}})
				continue
			}
			t.Labels = model.ApplyLabelChange(t.Labels, nil, []string{scope.LabelID})
			t.UpdatedAt = time.Now().UTC()
			if err := r.threads.Put(ctx, t); err != nil {
				return err
			}
			res.Removed++
			metrics.IncrementReconcileMutation("phase_remove", "applied")
		}
		return nil
	})
}

// refreshSample re-reads the labels of the least recently updated in-scope
// threads to catch drift such as read state changed elsewhere.
func (r *Reconciler) refreshSample(ctx context.Context, scope model.Scope, remoteIDs []string, res *Result) error {
	if r.cfg.SampleSize == 0 {
		return nil
	}
	ctx, span := otel.StartSpan(ctx, "reconcile.refresh_sample")
	defer span.End()

	inRemote := make(map[string]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		inRemote[id] = true
	}
	local, err := r.threads.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load replica: %w", err)
	}
	var candidates []model.Thread
	for _, t := range local {
		if t.HasLabel(scope.LabelID) && inRemote[t.ID] {
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	if len(candidates) > r.cfg.SampleSize {
		candidates = candidates[:r.cfg.SampleSize]
	}
	if len(candidates) == 0 {
		return nil
	}

	ids := make([]string, len(candidates))
	for i, t := range candidates {
		ids[i] = t.ID
	}
	fresh, missing, err := r.fetchForRefresh(ctx, ids)
	if err != nil {
		return err
	}

	return r.timeline.Do(func() error {
		p := r.loadProtection(ctx, res)
		for _, id := range missing {
			if prot, why := r.protected(ctx, p, id, r.journal.LongWindow(), res); prot {
				res.Protected++
				metrics.IncrementReconcileMutation("refresh", why)
				continue
			}
			if err := r.threads.Delete(ctx, id); err != nil {
				return err
			}
			res.Deleted++
			metrics.IncrementReconcileMutation("refresh", "deleted")
		}
		for i := range fresh {
			remoteT := fresh[i]
			t, ok, err := r.threads.Find(ctx, remoteT.ID)
			if err != nil || !ok {
				continue
			}
			next := model.NormalizeLabels(remoteT.Labels)
			if t.IsTerminal() {
				kept := model.KeepTerminal(t.Labels, next, scope.LabelID)
				if !sameLabels(kept, next) {
					res.TerminalSkipped++
					metrics.IncrementReconcileMutation("refresh", "terminal")
				}
				next = kept
			}
			if sameLabels(t.Labels, next) {
				t.Snippet = remoteT.Snippet
				t.HistoryID = remoteT.HistoryID
				t.UpdatedAt = time.Now().UTC()
				if err := r.threads.Put(ctx, t); err != nil {
					return err
				}
				continue
			}
			if prot, why := r.protected(ctx, p, t.ID, r.journal.LongWindow(), res); prot {
				res.Protected++
				metrics.IncrementReconcileMutation("refresh", why)
				continue
			}
			t.Labels = next
			t.Snippet = remoteT.Snippet
			t.HistoryID = remoteT.HistoryID
			t.MessageIDs = remoteT.MessageIDs
			t.UpdatedAt = time.Now().UTC()
			if err := r.threads.Put(ctx, t); err != nil {
				return err
			}
			res.Refreshed++
			metrics.IncrementReconcileMutation("refresh", "applied")
		}
		return nil
	})
}

func (r *Reconciler) fetchForRefresh(ctx context.Context, ids []string) (fresh []model.Thread, missing []string, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchWorkers)
	var mu sync.Mutex
	for _, id := range ids {
		g.Go(func() error {
			t, err := r.client.GetThreadSummary(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				fresh = append(fresh, t)
			case remote.IsNotFound(err):
				missing = append(missing, id)
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				r.logger.Debug("Refresh fetch failed", zap.String("thread_id", id), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	sort.Strings(missing)
	return fresh, missing, nil
}

func sameLabels(a, b []string) bool {
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

// IsBusy reports whether err means another pass holds the slot.
func IsBusy(err error) bool {
	return errors.Is(err, guard.ErrBusy)
}
