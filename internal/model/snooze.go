package model

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // 容器镜像可能没有 zoneinfo
)

var ErrInvalidSnooze = errors.New("invalid snooze")

// SnoozeQueueItem 定时唤醒项
type SnoozeQueueItem struct {
	ThreadID      string    `json:"thread_id"`
	MessageIDs    []string  `json:"message_ids,omitempty"`
	SnoozeLabelID string    `json:"snooze_label_id"`
	DueAt         time.Time `json:"due_at"`
	TimeZone      string    `json:"time_zone,omitempty"`
	RestoreUnread bool      `json:"restore_unread"`
}

// NewSnoozeItem builds a validated item with dueAt in UTC.
func NewSnoozeItem(threadID string, messageIDs []string, labelID string, dueAt time.Time, timeZone string, restoreUnread bool) (*SnoozeQueueItem, error) {
	item := &SnoozeQueueItem{
		ThreadID:      threadID,
		MessageIDs:    messageIDs,
		SnoozeLabelID: labelID,
		DueAt:         dueAt.UTC(),
		TimeZone:      timeZone,
		RestoreUnread: restoreUnread,
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return item, nil
}

// Validate checks the fields every snooze needs and that TimeZone, when set,
// names a loadable IANA zone.
func (i *SnoozeQueueItem) Validate() error {
	if i.ThreadID == "" || i.SnoozeLabelID == "" || i.DueAt.IsZero() {
		return fmt.Errorf("%w: needs thread, label and due time", ErrInvalidSnooze)
	}
	if i.TimeZone != "" {
		if _, err := time.LoadLocation(i.TimeZone); err != nil {
			return fmt.Errorf("%w: time zone %q: %v", ErrInvalidSnooze, i.TimeZone, err)
		}
	}
	return nil
}
