package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	contractmq "mailsync/contracts/mq"
)

// Publisher is the subset of mq.Publisher used by MQSink.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// MQSink forwards the events other services care about to RabbitMQ.
// Publishing failures are logged and dropped.
type MQSink struct {
	publisher Publisher
	logger    *zap.Logger
}

func NewMQSink(publisher Publisher, logger *zap.Logger) *MQSink {
	return &MQSink{publisher: publisher, logger: logger}
}

func (s *MQSink) Emit(ctx context.Context, e Event) {
	e = Stamp(ctx, e)
	routingKey, payload, ok := toContract(e)
	if !ok {
		return
	}
	if err := s.publisher.PublishWithContext(ctx, routingKey, payload); err != nil {
		s.logger.Warn("Failed to publish diagnostic event",
			zap.String("routing_key", routingKey),
			zap.String("event", string(e.Kind)),
			zap.Error(err),
		)
	}
}

func toContract(e Event) (string, any, bool) {
	switch e.Kind {
	case KindOpStuck:
		return contractmq.RoutingKeyOperationStuck, contractmq.OperationStuckPayload{
			OperationID: e.OpID,
			ScopeKey:    e.ThreadID,
			PayloadType: stringData(e, "payload_type"),
			Attempts:    intData(e, "attempts"),
			LastError:   stringData(e, "last_error"),
			StuckAt:     e.At,
		}, true
	case KindCountersChanged:
		return contractmq.RoutingKeyCountersChanged, contractmq.CountersChangedPayload{
			InboxDelta:  intData(e, "inbox_delta"),
			UnreadDelta: intData(e, "unread_delta"),
			ChangedAt:   e.At,
		}, true
	case KindSyncCompleted, KindSyncFallback:
		result := stringData(e, "result")
		if e.Kind == KindSyncFallback {
			result = "fallback"
		}
		return contractmq.RoutingKeySyncCompleted, contractmq.SyncCompletedPayload{
			Kind:       stringData(e, "kind"),
			Result:     result,
			Fetched:    intData(e, "fetched"),
			Added:      intData(e, "added"),
			Removed:    intData(e, "removed"),
			Refreshed:  intData(e, "refreshed"),
			DurationMS: int64(intData(e, "duration_ms")),
			Error:      stringData(e, "error"),
			TraceID:    e.TraceID,
			FinishedAt: e.At.Truncate(time.Millisecond),
		}, true
	default:
		return "", nil, false
	}
}

func stringData(e Event, key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

func intData(e Event, key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
