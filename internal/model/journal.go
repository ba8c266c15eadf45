package model

import "time"

// ActionKind 用户动作的语义类型
type ActionKind string

const (
	ActionArchive     ActionKind = "archive"
	ActionTrash       ActionKind = "trash"
	ActionSpam        ActionKind = "spam"
	ActionMoveToInbox ActionKind = "move_to_inbox"
	ActionMarkRead    ActionKind = "mark_read"
	ActionMarkUnread  ActionKind = "mark_unread"
	ActionSnooze      ActionKind = "snooze"
	ActionUnsnooze    ActionKind = "unsnooze"
	ActionSend        ActionKind = "send"
	ActionUndo        ActionKind = "undo"
)

// LabelChange 一次标签变更
type LabelChange struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

func (c LabelChange) IsEmpty() bool {
	return len(c.Add) == 0 && len(c.Remove) == 0
}

// Inverse 返回反向变更
func (c LabelChange) Inverse() LabelChange {
	return LabelChange{Add: c.Remove, Remove: c.Add}
}

// JournalEntry 用户可见动作的追加记录
type JournalEntry struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	Forward   LabelChange `json:"forward"`
	Reverse   LabelChange `json:"reverse"`
	Kind      ActionKind  `json:"kind"`
	RuleKey   string      `json:"rule_key,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
