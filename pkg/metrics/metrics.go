package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 入队计数
	OpsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_ops_enqueued_total",
			Help: "Total number of enqueue attempts on the operation queue",
		},
		[]string{"result"}, // result: created, duplicate, error
	)

	// 刷新结果计数
	OpsFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_ops_flushed_total",
			Help: "Total number of operation dispatch attempts",
		},
		[]string{"payload", "result"}, // result: success, retry, stuck
	)

	// 卡住的操作数量
	OpsStuck = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_ops_stuck",
			Help: "Number of operations waiting for manual intervention",
		},
	)

	// 远端调用延迟（毫秒）
	RemoteCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_remote_call_latency_ms",
			Help:    "Remote mailbox RPC latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"method", "status"},
	)

	// 同步次数
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_runs_total",
			Help: "Total number of sync passes",
		},
		[]string{"kind", "result"}, // kind: incremental, authoritative; result: ok, error, fallback, skipped
	)

	// 同步耗时（秒）
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Sync pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"kind"},
	)

	// 对账变更
	ReconcileMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_reconcile_mutations_total",
			Help: "Thread mutations decided by reconciliation phases",
		},
		[]string{"phase", "result"}, // result: applied, terminal, pending, journaled, lookup_failed
	)

	// 乐观计数偏移
	OptimisticDelta = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailsync_optimistic_delta",
			Help: "Current optimistic counter delta",
		},
		[]string{"counter"}, // counter: inbox, unread
	)

	// 存储操作耗时（秒）
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_store_op_duration_seconds",
			Help:    "Keyed store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_db_slow_query_total",
			Help: "Total number of slow Postgres queries",
		},
	)
)

// IncrementEnqueued 记录入队结果
func IncrementEnqueued(result string) {
	OpsEnqueued.WithLabelValues(result).Inc()
}

// IncrementFlushed 记录刷新结果
func IncrementFlushed(payload, result string) {
	OpsFlushed.WithLabelValues(payload, result).Inc()
}

// SetStuck 设置卡住的操作数量
func SetStuck(n int) {
	OpsStuck.Set(float64(n))
}

// RecordRemoteCall 记录远端调用延迟
func RecordRemoteCall(method, status string, duration time.Duration) {
	RemoteCallLatency.WithLabelValues(method, status).Observe(float64(duration.Milliseconds()))
}

// RecordSync 记录一次同步
func RecordSync(kind, result string, duration time.Duration) {
	SyncRuns.WithLabelValues(kind, result).Inc()
	SyncDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncrementReconcileMutation 记录对账阶段的决定
func IncrementReconcileMutation(phase, result string) {
	ReconcileMutations.WithLabelValues(phase, result).Inc()
}

// AddReconcileMutations 批量记录同一决定
func AddReconcileMutations(phase, result string, n int) {
	ReconcileMutations.WithLabelValues(phase, result).Add(float64(n))
}

// SetOptimisticDelta 更新乐观计数偏移
func SetOptimisticDelta(inbox, unread int) {
	OptimisticDelta.WithLabelValues("inbox").Set(float64(inbox))
	OptimisticDelta.WithLabelValues("unread").Set(float64(unread))
}

// RecordStoreOp 记录存储操作耗时
func RecordStoreOp(operation, table string, duration time.Duration) {
	StoreOpDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	_ = sql
	_ = duration
	SlowQueryCount.Inc()
}
