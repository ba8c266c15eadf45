package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	contractmq "mailsync/contracts/mq"
	"mailsync/internal/config"
	"mailsync/internal/counters"
	"mailsync/internal/engine"
	"mailsync/internal/events"
	"mailsync/internal/guard"
	"mailsync/internal/httpserver"
	"mailsync/internal/journal"
	"mailsync/internal/mqhandler"
	"mailsync/internal/outbox"
	"mailsync/internal/remote"
	"mailsync/internal/remote/remotetest"
	"mailsync/internal/repository"
	"mailsync/internal/service/actions"
	"mailsync/internal/service/incremental"
	"mailsync/internal/service/reconcile"
	"mailsync/internal/service/snooze"
	"mailsync/internal/store"
	"mailsync/pkg/circuitbreaker"
	"mailsync/pkg/db"
	"mailsync/pkg/logger"
	"mailsync/pkg/mq"
	"mailsync/pkg/otel"
	"mailsync/pkg/redis"
	"mailsync/pkg/util"
)

const (
	syncTriggerQueue = "mailsync.sync.trigger.q"
	ringCapacity     = 500
)

func main() {
	cfg := config.MustLoad()
	zl := logger.NewLoggerWithLevel(cfg.Log.Level, cfg.Log.Development)
	defer zl.Sync()

	zl.Info("Starting mailsync daemon...",
		zap.String("store", cfg.Store.Backend),
		zap.String("remote", cfg.Remote.Provider),
		zap.String("scope", cfg.Sync.Scope.Name),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Tracing
	shutdownOtel, err := otel.Init(cfg.OTel, zl)
	if err != nil {
		zl.Fatal("failed to init otel", zap.Error(err))
	}
	defer shutdownOtel()

	// 2. Redis（可选：redis 存储、跨进程防抖、MQ 重试计数）
	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			zl.Fatal("Redis connection failed", zap.Error(err))
		}
		defer rdb.Close()
		zl.Info("Redis ready", zap.String("addr", cfg.Redis.Addr))
	}

	// 3. Store
	st, closeStore, err := openStore(ctx, cfg, rdb, zl)
	if err != nil {
		zl.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()
	kv := store.Instrument(st)

	// 4. Remote mailbox
	base, err := openRemote(ctx, cfg)
	if err != nil {
		zl.Fatal("failed to init remote client", zap.Error(err))
	}
	client := remote.NewGuarded(base, cfg.Remote.Guard, zl)

	// 5. Events: log + ring (+ MQ)
	ring := events.NewRing(ringCapacity)
	sinks := events.Multi{events.NewLogSink(zl), ring}
	var publisher *mq.Publisher
	if cfg.MQ.Enabled {
		publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			zl.Fatal("failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()
		sinks = append(sinks, events.NewMQSink(publisher, zl))
	}
	var sink events.Sink = sinks

	// 6. Repositories & shared state
	threads := repository.NewThreadRepository(kv)
	settings := repository.NewSettingsRepository(kv)
	snoozes := repository.NewSnoozeRepository(kv)
	ops := outbox.NewRepository(kv)
	j := journal.New(kv, cfg.Sync.Journal, zl)
	counterModel := counters.New(ops, threads, settings, zl).WithSink(sink)
	timeline := &guard.Timeline{}

	// 7. Services
	dispatcher := outbox.NewDispatcher(ops, client, zl).
		WithMaxAttempts(cfg.Flusher.MaxAttempts).
		WithBackoff(cfg.Flusher.BackoffBase, cfg.Flusher.BackoffMax).
		WithInterval(cfg.Flusher.Interval).
		WithSink(sink).
		WithCounters(counterModel)
	replay := outbox.NewReplayService(ops, counterModel, zl)
	actionSvc := actions.NewService(timeline, threads, snoozes, ops, j, counterModel, zl).WithSink(sink)
	reconciler := reconcile.New(client, threads, settings, ops, j, counterModel, timeline, cfg.Sync.Reconcile, zl).WithSink(sink)
	syncer := incremental.New(client, threads, settings, ops, j, counterModel, timeline, reconciler, cfg.Sync.Incremental, zl).WithSink(sink)
	scheduler := snooze.NewScheduler(snoozes, actionSvc, zl).
		WithSink(sink).
		WithInterval(cfg.Sync.SnoozeInterval)
	actionSvc.WithSnoozeQueue(scheduler)

	var debouncer guard.Debouncer = guard.NewMemoryDebouncer(cfg.Sync.Debounce)
	if rdb != nil {
		debouncer = util.NewDeduperWithLogger(rdb, cfg.Sync.Debounce, zl)
	}

	// 8. Engine（熔断打开视为离线）
	eng := engine.New(cfg.Sync.Scope, dispatcher, syncer, reconciler, scheduler, debouncer, cfg.Sync.Engine, zl).
		WithSink(sink).
		WithConnectivity(func() bool {
			return client.BreakerState() != circuitbreaker.StateOpen
		})

	go dispatcher.Start(ctx)
	go eng.Start(ctx)

	// 9. MQ consumer for external sync triggers
	var consumer *mq.Consumer
	if cfg.MQ.Enabled {
		consumer, err = mq.NewConsumer(cfg.MQ.URL, syncTriggerQueue, contractmq.RoutingKeySyncTrigger, zl)
		if err != nil {
			zl.Fatal("failed to init sync trigger consumer", zap.Error(err))
		}
		var retries mqhandler.RetryTracker
		if rdb != nil {
			retries = util.NewRetryCounter(rdb, time.Hour)
		}
		handler := mqhandler.NewSyncTriggerHandler(eng, retries, 3, zl)
		consumer.SetHandler(handler.Handle)
		consumer.SetDLQ(publisher)
		go func() {
			if err := consumer.StartConsuming(ctx); err != nil {
				zl.Error("sync trigger consumer stopped", zap.Error(err))
			}
		}()
		zl.Info("Sync trigger consumer started", zap.String("queue", syncTriggerQueue))
	}

	// 10. HTTP
	status := func() map[string]any {
		return map[string]any{
			"scope":              cfg.Sync.Scope.Name,
			"visible":            eng.Visible(),
			"online":             eng.Online(),
			"breaker":            client.BreakerState().String(),
			"incremental_busy":   syncer.Slot().Busy(),
			"authoritative_busy": reconciler.Slot().Busy(),
			"counter_reconciles": counterModel.Slot().Runs(),
		}
	}
	router := httpserver.NewRouter(httpserver.Handlers{
		Sync:        httpserver.NewSyncHandler(eng, counterModel, zl),
		Ops:         httpserver.NewOpsHandler(replay, zl),
		Threads:     httpserver.NewThreadHandler(actionSvc, zl),
		Diagnostics: httpserver.NewDiagnosticsHandler(ring, status),
	}, cfg.JWT.Secret)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router.Handler(),
	}
	go func() {
		zl.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 11. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zl.Info("Shutting down mailsync daemon...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if consumer != nil {
		consumer.Close()
	}

	zl.Info("mailsync daemon stopped")
}

func openStore(ctx context.Context, cfg *config.Config, rdb *goredis.Client, zl *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		s := store.NewMemory()
		return s, func() { _ = s.Close() }, nil
	case config.BackendFile:
		s, err := store.NewFile(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendPostgres:
		pool, err := db.NewConnection(ctx, cfg.DB, zl)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, nil, fmt.Errorf("store backend %q requires redis.addr", cfg.Store.Backend)
		}
		s := store.NewRedis(rdb, cfg.Store.RedisPrefix)
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openRemote(ctx context.Context, cfg *config.Config) (remote.Client, error) {
	switch cfg.Remote.Provider {
	case config.RemoteGmail:
		return remote.NewGmail(ctx, cfg.Remote.Gmail)
	case config.RemoteFake:
		return remotetest.NewServer(), nil
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Remote.Provider)
	}
}
