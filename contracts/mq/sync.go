package mq

import "time"

// 路由键
const (
	RoutingKeySyncTrigger     = "sync.trigger"
	RoutingKeySyncCompleted   = "sync.completed"
	RoutingKeyOperationStuck  = "operation.stuck"
	RoutingKeyCountersChanged = "counters.changed"
)

// SyncTriggerPayload 外部触发同步（例如 push 通知）
type SyncTriggerPayload struct {
	TriggerID   string    `json:"trigger_id"`
	Kind        string    `json:"kind"` // incremental / authoritative
	Reason      string    `json:"reason,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// SyncCompletedPayload 一次同步完成
type SyncCompletedPayload struct {
	Kind       string    `json:"kind"`
	Result     string    `json:"result"` // ok / fallback / error
	Fetched    int       `json:"fetched"`
	Added      int       `json:"added"`
	Removed    int       `json:"removed"`
	Refreshed  int       `json:"refreshed"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// OperationStuckPayload 操作需要人工处理
type OperationStuckPayload struct {
	OperationID string    `json:"operation_id"`
	ScopeKey    string    `json:"scope_key"`
	PayloadType string    `json:"payload_type"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error"`
	StuckAt     time.Time `json:"stuck_at"`
}

// CountersChangedPayload 乐观计数变化
type CountersChangedPayload struct {
	InboxDelta  int       `json:"inbox_delta"`
	UnreadDelta int       `json:"unread_delta"`
	Inbox       int       `json:"inbox"`
	UnreadInbox int       `json:"unread_inbox"`
	ChangedAt   time.Time `json:"changed_at"`
}
