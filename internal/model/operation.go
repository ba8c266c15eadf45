package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationStatus 队列中操作的状态
type OperationStatus string

const (
	OperationPending OperationStatus = "pending"
	// OperationStuck 超过最大重试次数或被远端永久拒绝，等待人工处理
	OperationStuck OperationStatus = "stuck"
)

// PayloadType 操作负载的类型标签
type PayloadType string

const (
	PayloadModifyLabels PayloadType = "modify_labels"
	PayloadSendMessage  PayloadType = "send_message"
)

// Payload is the closed set of remote mutations an operation can carry.
// Only types in this package implement it.
type Payload interface {
	Type() PayloadType
	isPayload()
}

// ModifyLabels 标签增删
type ModifyLabels struct {
	ThreadIDs []string `json:"thread_ids"`
	Add       []string `json:"add,omitempty"`
	Remove    []string `json:"remove,omitempty"`
}

func (ModifyLabels) Type() PayloadType { return PayloadModifyLabels }
func (ModifyLabels) isPayload()        {}

// SendMessage 发送意图
type SendMessage struct {
	ThreadID string `json:"thread_id,omitempty"`
	Raw      []byte `json:"raw"`
}

func (SendMessage) Type() PayloadType { return PayloadSendMessage }
func (SendMessage) isPayload()        {}

// QueuedOperation 持久化的远端变更意图
type QueuedOperation struct {
	ID            string
	ScopeKey      string
	Payload       Payload
	Hash          string
	CreatedAt     time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Status        OperationStatus
	StuckAt       *time.Time
}

func (op *QueuedOperation) IsStuck() bool {
	return op.Status == OperationStuck
}

type operationJSON struct {
	ID            string          `json:"id"`
	ScopeKey      string          `json:"scope_key"`
	PayloadType   PayloadType     `json:"payload_type"`
	Payload       json.RawMessage `json:"payload"`
	Hash          string          `json:"hash"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	Status        OperationStatus `json:"status"`
	StuckAt       *time.Time      `json:"stuck_at,omitempty"`
}

func (op QueuedOperation) MarshalJSON() ([]byte, error) {
	if op.Payload == nil {
		return nil, fmt.Errorf("operation %s has no payload", op.ID)
	}
	data, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationJSON{
		ID:            op.ID,
		ScopeKey:      op.ScopeKey,
		PayloadType:   op.Payload.Type(),
		Payload:       data,
		Hash:          op.Hash,
		CreatedAt:     op.CreatedAt,
		Attempts:      op.Attempts,
		NextAttemptAt: op.NextAttemptAt,
		LastError:     op.LastError,
		Status:        op.Status,
		StuckAt:       op.StuckAt,
	})
}

func (op *QueuedOperation) UnmarshalJSON(b []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.PayloadType, raw.Payload)
	if err != nil {
		return err
	}
	*op = QueuedOperation{
		ID:            raw.ID,
		ScopeKey:      raw.ScopeKey,
		Payload:       payload,
		Hash:          raw.Hash,
		CreatedAt:     raw.CreatedAt,
		Attempts:      raw.Attempts,
		NextAttemptAt: raw.NextAttemptAt,
		LastError:     raw.LastError,
		Status:        raw.Status,
		StuckAt:       raw.StuckAt,
	}
	return nil
}

// DecodePayload 根据类型标签解析负载
func DecodePayload(t PayloadType, data json.RawMessage) (Payload, error) {
	switch t {
	case PayloadModifyLabels:
		var p ModifyLabels
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case PayloadSendMessage:
		var p SendMessage
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", t)
	}
}
