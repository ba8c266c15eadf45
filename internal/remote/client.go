// Package remote is the mailbox RPC surface the sync engine depends on.
// The engine assumes eventual consistency: a successful write may not be
// visible in an immediately following read.
package remote

import (
	"context"

	"mailsync/internal/model"
)

// Page is one page of a scope's thread-id listing.
type Page struct {
	IDs           []string
	NextPageToken string
}

// Change is one thread-level entry of the remote change log.
type Change struct {
	ThreadID      string
	LabelsAdded   []string
	LabelsRemoved []string
	MessageAdded  bool
	Deleted       bool
}

// ChangeSet is the change log since a cursor.
type ChangeSet struct {
	Changes   []Change
	NewCursor string
}

// Client is the remote mailbox surface.
type Client interface {
	ListThreadIDs(ctx context.Context, scope model.Scope, pageToken string) (Page, error)
	GetThreadSummary(ctx context.Context, threadID string) (model.Thread, error)
	BatchModifyLabels(ctx context.Context, threadIDs, add, remove []string) error
	// ListChangesSince returns ErrCursorExpired when the cursor is too old.
	ListChangesSince(ctx context.Context, cursor string) (ChangeSet, error)
	ScopeCount(ctx context.Context, scope model.Scope) (int, error)
	CurrentCursor(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, threadID string, raw []byte) error
}
