package model

import "time"

// Snippet 最新一封邮件的缓存元数据
type Snippet struct {
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
}

// Thread 本地副本中的会话
// Labels 是计数与对账逻辑的唯一输入
type Thread struct {
	ID         string   `json:"id"`
	Labels     []string `json:"labels"`
	MessageIDs []string `json:"message_ids,omitempty"`
	Snippet    Snippet  `json:"snippet"`
	HistoryID  string   `json:"history_id,omitempty"`

	// 派生字段，与同步正确性无关
	AISummary string `json:"ai_summary,omitempty"`
	AISubject string `json:"ai_subject,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Thread) HasLabel(label string) bool {
	return HasLabel(t.Labels, label)
}

func (t *Thread) IsTerminal() bool {
	return HasTerminalLabel(t.Labels)
}
