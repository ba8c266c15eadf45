package model

import "time"

// OptimisticCounters 未确认操作对计数的净影响
type OptimisticCounters struct {
	InboxDelta  int       `json:"inbox_delta"`
	UnreadDelta int       `json:"unread_delta"`
	Timestamp   time.Time `json:"timestamp"`
}

func (c OptimisticCounters) IsZero() bool {
	return c.InboxDelta == 0 && c.UnreadDelta == 0
}

// DisplayedCounts 展示给用户的计数
type DisplayedCounts struct {
	Inbox       int `json:"inbox"`
	UnreadInbox int `json:"unread_inbox"`
}
