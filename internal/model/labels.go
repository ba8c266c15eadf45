package model

import "sort"

// 系统标签
const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"
	LabelTrash  = "TRASH"
	LabelSpam   = "SPAM"
)

// Scope 同步范围（例如收件箱）及其成员标签
type Scope struct {
	Name    string `json:"name" yaml:"name"`
	LabelID string `json:"label_id" yaml:"label_id"`
}

// InboxScope 默认同步范围
var InboxScope = Scope{Name: "inbox", LabelID: LabelInbox}

// IsTerminalLabel reports whether a label permanently keeps a thread out of the inbox.
func IsTerminalLabel(label string) bool {
	return label == LabelTrash || label == LabelSpam
}

// HasTerminalLabel reports whether any of labels is terminal.
func HasTerminalLabel(labels []string) bool {
	for _, l := range labels {
		if IsTerminalLabel(l) {
			return true
		}
	}
	return false
}

// KeepTerminal returns next with local's terminal labels carried over and the
// scope label removed whenever local is terminal. Sync never clears a terminal
// marker; only a user action does.
func KeepTerminal(local, next []string, scopeLabel string) []string {
	var keep []string
	for _, l := range local {
		if IsTerminalLabel(l) {
			keep = append(keep, l)
		}
	}
	if len(keep) == 0 {
		return NormalizeLabels(next)
	}
	return ApplyLabelChange(next, keep, []string{scopeLabel})
}

// HasLabel reports membership of label in labels.
func HasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// NormalizeLabels returns a sorted copy without duplicates or empty entries.
func NormalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ApplyLabelChange returns labels ∪ add \ remove, normalized.
// A label present in both add and remove ends up removed.
func ApplyLabelChange(labels, add, remove []string) []string {
	set := make(map[string]struct{}, len(labels)+len(add))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	for _, l := range add {
		set[l] = struct{}{}
	}
	for _, l := range remove {
		delete(set, l)
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return NormalizeLabels(out)
}

// InInbox 是否在收件箱
func InInbox(labels []string) bool {
	return HasLabel(labels, LabelInbox)
}

// UnreadInInbox 是否为收件箱中的未读
func UnreadInInbox(labels []string) bool {
	return InInbox(labels) && HasLabel(labels, LabelUnread)
}
