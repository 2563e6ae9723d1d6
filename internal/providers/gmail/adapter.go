package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/reconcile"
	"github.com/Martian-dev/convosync/internal/store"
	"github.com/Martian-dev/convosync/internal/sync"
)

const platform = "gmail"

// Scopes requested during the Google consent flow.
var Scopes = []string{gmail.GmailReadonlyScope, "https://www.googleapis.com/auth/userinfo.email"}

// OAuthConfig returns the Google OAuth client configuration.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}
}

// Adapter reads one mailbox's history through the Gmail API.
type Adapter struct {
	svc  *gmail.Service
	user string
}

// New creates an adapter for an already authorized service.
func New(svc *gmail.Service) *Adapter {
	return &Adapter{svc: svc, user: "me"}
}

// NewForAccount builds the Gmail service for a stored account. Token holds
// the access token and TokenSecret the refresh token. Refreshed tokens are
// handed to saver when it is not nil.
func NewForAccount(ctx context.Context, cfg *oauth2.Config, account *store.Account, saver TokenSaver, opts ...option.ClientOption) (*Adapter, error) {
	tok := &oauth2.Token{
		AccessToken:  account.Token,
		RefreshToken: account.TokenSecret,
		Expiry:       account.TokenExpiry,
	}
	if tok.RefreshToken != "" && tok.Expiry.IsZero() {
		// Unknown expiry: refresh once, then the stored expiry applies.
		tok.Expiry = time.Unix(1, 0)
	}

	httpClient := oauth2.NewClient(ctx, &savingTokenSource{
		base:      cfg.TokenSource(ctx, tok),
		saver:     saver,
		accountID: account.ID,
		last:      tok.AccessToken,
	})
	svc, err := gmail.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return New(svc), nil
}

// Source returns the sync factory for gmail accounts.
func Source(cfg *oauth2.Config, saver TokenSaver) sync.SourceFactory {
	return func(ctx context.Context, account *store.Account) (sync.HistorySource, error) {
		return NewForAccount(ctx, cfg, account, saver)
	}
}

// ListChanges lists messageAdded history records after cursor.
func (a *Adapter) ListChanges(ctx context.Context, cursor string) (*sync.Batch, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid history id %q", apiclient.ErrValidation, cursor)
	}

	batch := &sync.Batch{}
	call := a.svc.Users.History.List(a.user).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(500)

	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			change := sync.Change{Position: strconv.FormatUint(h.Id, 10)}
			for _, added := range h.MessagesAdded {
				if added.Message != nil && added.Message.Id != "" {
					change.ItemIDs = append(change.ItemIDs, added.Message.Id)
				}
			}
			batch.Changes = append(batch.Changes, change)
		}
		if page.HistoryId != 0 {
			batch.Next = strconv.FormatUint(page.HistoryId, 10)
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, sync.ErrCursorExpired
		}
		return nil, apiclient.Classify(platform, err)
	}

	return batch, nil
}

// FetchMessage fetches the full message and normalizes it.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*reconcile.Payload, error) {
	msg, err := a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, sync.ErrItemGone
		}
		return nil, apiclient.Classify(platform, err)
	}
	return Normalize(msg)
}

// CurrentCursor returns the mailbox's current history id.
func (a *Adapter) CurrentCursor(ctx context.Context) (string, error) {
	profile, err := a.Profile(ctx)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Profile returns the authorized mailbox's address and history id.
func (a *Adapter) Profile(ctx context.Context) (*gmail.Profile, error) {
	profile, err := a.svc.Users.GetProfile(a.user).Context(ctx).Do()
	if err != nil {
		return nil, apiclient.Classify(platform, err)
	}
	return profile, nil
}

// Watch asks Gmail to publish inbox changes to the Pub/Sub topic. It returns
// the history id at which notifications start.
func (a *Adapter) Watch(ctx context.Context, topic string) (uint64, time.Time, error) {
	resp, err := a.svc.Users.Watch(a.user, &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return 0, time.Time{}, apiclient.Classify(platform, err)
	}
	return resp.HistoryId, time.UnixMilli(resp.Expiration), nil
}

// Normalize converts a Gmail message to a reconcile payload.
func Normalize(m *gmail.Message) (*reconcile.Payload, error) {
	if m == nil || m.Id == "" {
		return nil, fmt.Errorf("%w: message without id", apiclient.ErrValidation)
	}

	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	p := &reconcile.Payload{
		ThreadID: m.ThreadId,
		Title:    headers["subject"],
		Body:     extractBody(m.Payload),
		SentAt:   time.UnixMilli(m.InternalDate).UTC(),
	}
	if p.Body == "" {
		p.Body = m.Snippet
	}

	if from := headers["from"]; from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			p.AuthorID = strings.ToLower(addr.Address)
			p.AuthorName = addr.Name
		} else {
			p.AuthorID = from
		}
	}

	raw, err := json.Marshal(map[string]interface{}{
		"id":        m.Id,
		"threadId":  m.ThreadId,
		"labelIds":  m.LabelIds,
		"snippet":   m.Snippet,
		"from":      headers["from"],
		"to":        splitAddrs(headers["to"]),
		"cc":        splitAddrs(headers["cc"]),
		"messageId": headers["message-id"],
		"inReplyTo": headers["in-reply-to"],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw message: %w", err)
	}
	p.Raw = raw

	return p, nil
}

// extractBody returns the first text/plain body, falling back to text/html.
func extractBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if text := findPart(part, "text/plain"); text != "" {
		return text
	}
	return findPart(part, "text/html")
}

func findPart(part *gmail.MessagePart, mimeType string) string {
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		return decodeBody(part.Body.Data)
	}
	for _, child := range part.Parts {
		if text := findPart(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

func decodeBody(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusNotFound
}
