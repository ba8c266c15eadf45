package model

import (
	"reflect"
	"testing"
)

func TestKeepTerminal(t *testing.T) {
	tests := []struct {
		name  string
		local []string
		next  []string
		want  []string
	}{
		{"non terminal passes through", []string{LabelInbox}, []string{LabelUnread, LabelInbox}, []string{LabelInbox, LabelUnread}},
		{"trash survives stale remote", []string{LabelTrash, LabelUnread}, []string{LabelInbox, LabelUnread}, []string{LabelTrash, LabelUnread}},
		{"spam kept alongside user labels", []string{LabelSpam}, []string{"Label_1"}, []string{"Label_1", LabelSpam}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeepTerminal(tt.local, tt.next, LabelInbox); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("KeepTerminal = %v, want %v", got, tt.want)
			}
		})
	}
}
