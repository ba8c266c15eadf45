// Package remotetest provides an in-memory remote mailbox for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"mailsync/internal/model"
	"mailsync/internal/remote"
)

// Modification records one BatchModifyLabels call.
type Modification struct {
	ThreadIDs []string
	Add       []string
	Remove    []string
}

// Server is a fake remote.Client. Listings are sorted by thread id and
// paginated by PageSize. Writes are applied immediately; SetListing pins a
// scope listing to simulate a lagging remote index.
type Server struct {
	PageSize int

	mu            sync.Mutex
	threads       map[string]model.Thread
	listing       map[string][]string // scope label → stale listing override
	log           []remote.Change
	epoch         int // bumped by ExpireCursors
	failures      map[string][]error
	calls         map[string]int
	modifications []Modification
	sent          []model.SendMessage
}

var _ remote.Client = (*Server)(nil)

func NewServer() *Server {
	return &Server{
		PageSize: 100,
		threads:  make(map[string]model.Thread),
		listing:  make(map[string][]string),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Put stores a thread remotely and appends a change-log entry.
func (s *Server) Put(t model.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Labels = model.NormalizeLabels(t.Labels)
	_, existed := s.threads[t.ID]
	s.threads[t.ID] = t
	s.log = append(s.log, remote.Change{ThreadID: t.ID, LabelsAdded: t.Labels, MessageAdded: !existed})
}

// Remove deletes a thread remotely.
func (s *Server) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
	s.log = append(s.log, remote.Change{ThreadID: id, Deleted: true})
}

// Thread returns the remote copy of a thread.
func (s *Server) Thread(id string) (model.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	return t, ok
}

// SetListing pins the id listing of a scope label, simulating a lagging index.
func (s *Server) SetListing(labelID string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listing[labelID] = append([]string(nil), ids...)
}

// ExpireCursors makes every cursor issued so far stale.
func (s *Server) ExpireCursors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

func (s *Server) cursor() string {
	return fmt.Sprintf("%d:%d", s.epoch, len(s.log))
}

// FailNext queues errors returned by the next calls to method.
func (s *Server) FailNext(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], errs...)
}

// Calls returns the number of calls to method.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) Modifications() []Modification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Modification(nil), s.modifications...)
}

func (s *Server) Sent() []model.SendMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SendMessage(nil), s.sent...)
}

// enter must be called with mu held.
func (s *Server) enter(method string) error {
	s.calls[method]++
	if q := s.failures[method]; len(q) > 0 {
		err := q[0]
		s.failures[method] = q[1:]
		return err
	}
	return nil
}

func (s *Server) scopeIDs(labelID string) []string {
	if ids, ok := s.listing[labelID]; ok {
		return ids
	}
	var ids []string
	for id, t := range s.threads {
		if model.HasLabel(t.Labels, labelID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) ListThreadIDs(ctx context.Context, scope model.Scope, pageToken string) (remote.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListThreadIDs"); err != nil {
		return remote.Page{}, err
	}
	ids := s.scopeIDs(scope.LabelID)
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n > len(ids) {
			return remote.Page{}, remote.StatusError("ListThreadIDs", 400)
		}
		start = n
	}
	end := start + s.PageSize
	if end > len(ids) {
		end = len(ids)
	}
	page := remote.Page{IDs: append([]string(nil), ids[start:end]...)}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Server) GetThreadSummary(ctx context.Context, threadID string) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetThreadSummary"); err != nil {
		return model.Thread{}, err
	}
	t, ok := s.threads[threadID]
	if !ok {
		return model.Thread{}, remote.StatusError("GetThreadSummary", 404)
	}
	t.Labels = append([]string(nil), t.Labels...)
	return t, nil
}

func (s *Server) BatchModifyLabels(ctx context.Context, threadIDs, add, remove []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("BatchModifyLabels"); err != nil {
		return err
	}
	for _, id := range threadIDs {
		if _, ok := s.threads[id]; !ok {
			return remote.StatusError("BatchModifyLabels", 404)
		}
	}
	for _, id := range threadIDs {
		t := s.threads[id]
		t.Labels = model.ApplyLabelChange(t.Labels, add, remove)
		s.threads[id] = t
		s.log = append(s.log, remote.Change{ThreadID: id, LabelsAdded: add, LabelsRemoved: remove})
	}
	s.modifications = append(s.modifications, Modification{ThreadIDs: threadIDs, Add: add, Remove: remove})
	return nil
}

func (s *Server) ListChangesSince(ctx context.Context, cursor string) (remote.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListChangesSince"); err != nil {
		return remote.ChangeSet{}, err
	}
	var epoch, n int
	if _, err := fmt.Sscanf(cursor, "%d:%d", &epoch, &n); err != nil || epoch != s.epoch || n < 0 || n > len(s.log) {
		return remote.ChangeSet{}, remote.ErrCursorExpired
	}
	changes := append([]remote.Change(nil), s.log[n:]...)
	return remote.ChangeSet{Changes: changes, NewCursor: s.cursor()}, nil
}

func (s *Server) ScopeCount(ctx context.Context, scope model.Scope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ScopeCount"); err != nil {
		return 0, err
	}
	return len(s.scopeIDs(scope.LabelID)), nil
}

func (s *Server) CurrentCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CurrentCursor"); err != nil {
		return "", err
	}
	return s.cursor(), nil
}

func (s *Server) SendMessage(ctx context.Context, threadID string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SendMessage"); err != nil {
		return err
	}
	if len(raw) == 0 {
		return remote.StatusError("SendMessage", 400)
	}
	s.sent = append(s.sent, model.SendMessage{ThreadID: threadID, Raw: raw})
	return nil
}

// Seed stores n threads in the scope with ids prefix-0000…, without
// appending change-log entries.
func (s *Server) Seed(prefix string, n int, labels ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%04d", prefix, i)
		s.threads[id] = model.Thread{ID: id, Labels: model.NormalizeLabels(labels)}
		ids = append(ids, id)
	}
	return ids
}
