package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailsync/internal/model"
)

// GmailConfig holds the OAuth client and refresh token for the Gmail adapter.
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	UserID       string `yaml:"user_id"`
	PageSize     int64  `yaml:"page_size"`
}

// Gmail adapts *gmail.Service to Client.
type Gmail struct {
	svc      *gmail.Service
	user     string
	pageSize int64
}

// NewGmail builds a Gmail client from a refresh-token token source.
func NewGmail(ctx context.Context, cfg GmailConfig) (*Gmail, error) {
	if cfg.RefreshToken == "" {
		return nil, errors.New("gmail: refresh token is required")
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope},
	}
	ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}
	return NewGmailFromService(svc, cfg.UserID, cfg.PageSize), nil
}

func NewGmailFromService(svc *gmail.Service, user string, pageSize int64) *Gmail {
	if user == "" {
		user = "me"
	}
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Gmail{svc: svc, user: user, pageSize: pageSize}
}

func (g *Gmail) ListThreadIDs(ctx context.Context, scope model.Scope, pageToken string) (Page, error) {
	call := g.svc.Users.Threads.List(g.user).LabelIds(scope.LabelID).MaxResults(g.pageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return Page{}, wrapGoogle("ListThreadIDs", err)
	}
	ids := make([]string, 0, len(res.Threads))
	for _, t := range res.Threads {
		ids = append(ids, t.Id)
	}
	return Page{IDs: ids, NextPageToken: res.NextPageToken}, nil
}

func (g *Gmail) GetThreadSummary(ctx context.Context, threadID string) (model.Thread, error) {
	res, err := g.svc.Users.Threads.Get(g.user, threadID).
		Format("metadata").
		MetadataHeaders("From", "Subject", "Date").
		Context(ctx).Do()
	if err != nil {
		return model.Thread{}, wrapGoogle("GetThreadSummary", err)
	}
	return threadFromGmail(res), nil
}

// BatchModifyLabels modifies each thread in turn; Gmail has no thread-level batch call.
func (g *Gmail) BatchModifyLabels(ctx context.Context, threadIDs, add, remove []string) error {
	req := &gmail.ModifyThreadRequest{AddLabelIds: add, RemoveLabelIds: remove}
	for _, id := range threadIDs {
		if _, err := g.svc.Users.Threads.Modify(g.user, id, req).Context(ctx).Do(); err != nil {
			return wrapGoogle("BatchModifyLabels", err)
		}
	}
	return nil
}

func (g *Gmail) ListChangesSince(ctx context.Context, cursor string) (ChangeSet, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("%w: malformed cursor %q", ErrCursorExpired, cursor)
	}

	acc := newChangeAccumulator()
	var newCursor uint64
	pageToken := ""
	for {
		call := g.svc.Users.History.List(g.user).StartHistoryId(start).MaxResults(g.pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Context(ctx).Do()
		if err != nil {
			var gErr *googleapi.Error
			if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
				return ChangeSet{}, ErrCursorExpired
			}
			return ChangeSet{}, wrapGoogle("ListChangesSince", err)
		}
		for _, h := range res.History {
			for _, m := range h.MessagesAdded {
				acc.messageAdded(m.Message)
			}
			for _, m := range h.MessagesDeleted {
				acc.messageDeleted(m.Message)
			}
			for _, l := range h.LabelsAdded {
				acc.labels(l.Message, l.LabelIds, nil)
			}
			for _, l := range h.LabelsRemoved {
				acc.labels(l.Message, nil, l.LabelIds)
			}
		}
		newCursor = res.HistoryId
		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}
	return ChangeSet{Changes: acc.changes(), NewCursor: strconv.FormatUint(newCursor, 10)}, nil
}

func (g *Gmail) ScopeCount(ctx context.Context, scope model.Scope) (int, error) {
	label, err := g.svc.Users.Labels.Get(g.user, scope.LabelID).Context(ctx).Do()
	if err != nil {
		return 0, wrapGoogle("ScopeCount", err)
	}
	return int(label.ThreadsTotal), nil
}

func (g *Gmail) CurrentCursor(ctx context.Context) (string, error) {
	profile, err := g.svc.Users.GetProfile(g.user).Context(ctx).Do()
	if err != nil {
		return "", wrapGoogle("CurrentCursor", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

func (g *Gmail) SendMessage(ctx context.Context, threadID string, raw []byte) error {
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: threadID,
	}
	if _, err := g.svc.Users.Messages.Send(g.user, msg).Context(ctx).Do(); err != nil {
		return wrapGoogle("SendMessage", err)
	}
	return nil
}

func wrapGoogle(method string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return &Error{Method: method, StatusCode: gErr.Code, Err: err}
	}
	return &Error{Method: method, Err: err}
}

func threadFromGmail(t *gmail.Thread) model.Thread {
	var labels []string
	var messageIDs []string
	var snippet model.Snippet
	for _, m := range t.Messages {
		labels = append(labels, m.LabelIds...)
		messageIDs = append(messageIDs, m.Id)
		if m.Payload == nil {
			continue
		}
		// 最后一封邮件的头部覆盖之前的
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "From":
				snippet.From = h.Value
			case "Subject":
				snippet.Subject = h.Value
			case "Date":
				if d, err := mail.ParseDate(h.Value); err == nil {
					snippet.Date = d.UTC()
				}
			}
		}
	}
	return model.Thread{
		ID:         t.Id,
		Labels:     model.NormalizeLabels(labels),
		MessageIDs: messageIDs,
		Snippet:    snippet,
		HistoryID:  strconv.FormatUint(t.HistoryId, 10),
	}
}

// changeAccumulator folds message-level history records into one Change per thread,
// keeping first-seen order.
type changeAccumulator struct {
	order []string
	byID  map[string]*Change
}

func newChangeAccumulator() *changeAccumulator {
	return &changeAccumulator{byID: make(map[string]*Change)}
}

func (a *changeAccumulator) get(m *gmail.Message) *Change {
	if m == nil || m.ThreadId == "" {
		return nil
	}
	c, ok := a.byID[m.ThreadId]
	if !ok {
		c = &Change{ThreadID: m.ThreadId}
		a.byID[m.ThreadId] = c
		a.order = append(a.order, m.ThreadId)
	}
	return c
}

func (a *changeAccumulator) messageAdded(m *gmail.Message) {
	if c := a.get(m); c != nil {
		c.MessageAdded = true
	}
}

func (a *changeAccumulator) messageDeleted(m *gmail.Message) {
	if c := a.get(m); c != nil {
		c.Deleted = true
	}
}

func (a *changeAccumulator) labels(m *gmail.Message, add, remove []string) {
	c := a.get(m)
	if c == nil {
		return
	}
	for _, l := range add {
		c.LabelsRemoved = without(c.LabelsRemoved, l)
		if !model.HasLabel(c.LabelsAdded, l) {
			c.LabelsAdded = append(c.LabelsAdded, l)
		}
	}
	for _, l := range remove {
		c.LabelsAdded = without(c.LabelsAdded, l)
		if !model.HasLabel(c.LabelsRemoved, l) {
			c.LabelsRemoved = append(c.LabelsRemoved, l)
		}
	}
}

func (a *changeAccumulator) changes() []Change {
	out := make([]Change, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.byID[id])
	}
	return out
}

func without(labels []string, label string) []string {
	out := labels[:0]
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}
