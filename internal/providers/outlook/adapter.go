package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/reconcile"
	"github.com/Martian-dev/convosync/internal/store"
	"github.com/Martian-dev/convosync/internal/sync"
)

const platform = "outlook"

var messageFields = []string{"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients", "body", "bodyPreview", "receivedDateTime", "internetMessageId"}

// deltaPage is one page of an inbox delta query.
type deltaPage struct {
	Messages  []models.Messageable
	NextLink  string
	DeltaLink string
}

// graphAPI is the slice of Microsoft Graph the adapter uses.
type graphAPI interface {
	// Delta fetches a delta page. An empty link starts a new delta round.
	Delta(ctx context.Context, link string) (*deltaPage, error)
	Message(ctx context.Context, id string) (models.Messageable, error)
}

// Adapter reads an Outlook inbox through Microsoft Graph delta queries.
// Cursors are delta links.
type Adapter struct {
	api graphAPI
}

// New creates an adapter for the mailbox of userID using a bearer token.
func New(accessToken, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{api: &graphClient{client: client, userID: userID}}, nil
}

// Source returns the sync factory for outlook accounts.
func Source() sync.SourceFactory {
	return func(ctx context.Context, account *store.Account) (sync.HistorySource, error) {
		return New(account.Token, account.UID)
	}
}

// ListChanges follows the delta link to the end of the current round. Each
// page becomes one change positioned at the link that resumes after it.
func (a *Adapter) ListChanges(ctx context.Context, cursor string) (*sync.Batch, error) {
	if cursor == "" {
		return nil, fmt.Errorf("%w: empty delta link", apiclient.ErrValidation)
	}

	batch := &sync.Batch{}
	link := cursor
	for {
		page, err := a.api.Delta(ctx, link)
		if err != nil {
			if statusOf(err) == http.StatusGone {
				return nil, sync.ErrCursorExpired
			}
			return nil, classify(err)
		}

		change := sync.Change{}
		for _, m := range page.Messages {
			if removed(m) {
				continue
			}
			if id := m.GetId(); id != nil {
				change.ItemIDs = append(change.ItemIDs, *id)
			}
		}

		if page.DeltaLink != "" {
			change.Position = page.DeltaLink
			batch.Changes = appendChange(batch.Changes, change)
			batch.Next = page.DeltaLink
			return batch, nil
		}
		if page.NextLink == "" {
			return nil, fmt.Errorf("%w: delta page without next or delta link", apiclient.ErrValidation)
		}
		change.Position = page.NextLink
		batch.Changes = appendChange(batch.Changes, change)
		link = page.NextLink
	}
}

func appendChange(changes []sync.Change, c sync.Change) []sync.Change {
	if len(c.ItemIDs) == 0 {
		return changes
	}
	return append(changes, c)
}

// FetchMessage fetches one message by id.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*reconcile.Payload, error) {
	m, err := a.api.Message(ctx, id)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, sync.ErrItemGone
		}
		return nil, classify(err)
	}
	return Normalize(m)
}

// CurrentCursor runs a delta round from scratch without fetching message
// bodies and returns the final delta link.
func (a *Adapter) CurrentCursor(ctx context.Context) (string, error) {
	link := ""
	for {
		page, err := a.api.Delta(ctx, link)
		if err != nil {
			return "", classify(err)
		}
		if page.DeltaLink != "" {
			return page.DeltaLink, nil
		}
		if page.NextLink == "" {
			return "", fmt.Errorf("%w: delta page without next or delta link", apiclient.ErrValidation)
		}
		link = page.NextLink
	}
}

// Normalize converts an Outlook message to a reconcile payload.
func Normalize(m models.Messageable) (*reconcile.Payload, error) {
	if m == nil || m.GetId() == nil {
		return nil, fmt.Errorf("%w: message without id", apiclient.ErrValidation)
	}

	p := &reconcile.Payload{}
	if convID := m.GetConversationId(); convID != nil {
		p.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		p.Title = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				p.AuthorID = *addr
			}
			if name := emailAddr.GetName(); name != nil {
				p.AuthorName = *name
			}
		}
	}
	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		p.Body = *body.GetContent()
	} else if preview := m.GetBodyPreview(); preview != nil {
		p.Body = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		p.SentAt = rcvd.UTC()
	}

	raw, err := json.Marshal(map[string]interface{}{
		"id":                *m.GetId(),
		"conversationId":    p.ThreadID,
		"subject":           p.Title,
		"from":              p.AuthorID,
		"toRecipients":      extractAddresses(m.GetToRecipients()),
		"ccRecipients":      extractAddresses(m.GetCcRecipients()),
		"internetMessageId": deref(m.GetInternetMessageId()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw message: %w", err)
	}
	p.Raw = raw

	return p, nil
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func removed(m models.Messageable) bool {
	if m == nil {
		return true
	}
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// statusOf returns the HTTP status carried by a Graph error, or 0.
func statusOf(err error) int {
	var withStatus interface{ GetStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.GetStatusCode()
	}
	return 0
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if status := statusOf(err); status != 0 {
		e := &apiclient.RequestError{Platform: platform, Status: status, Err: err}
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			e.Kind = apiclient.ErrAuth
		case status == http.StatusTooManyRequests || status >= 500:
			e.Kind = apiclient.ErrTransient
		default:
			e.Kind = apiclient.ErrValidation
		}
		return e
	}
	return apiclient.Classify(platform, err)
}

// graphClient implements graphAPI on the Graph SDK.
type graphClient struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

func (g *graphClient) Delta(ctx context.Context, link string) (*deltaPage, error) {
	builder := g.client.Users().ByUserId(g.userID).MailFolders().ByMailFolderId("inbox").Messages().Delta()

	var config *users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration
	if link != "" {
		builder = builder.WithUrl(link)
	} else {
		config = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Select: []string{"id"},
			},
		}
	}

	resp, err := builder.GetAsDeltaGetResponse(ctx, config)
	if err != nil {
		return nil, err
	}

	return &deltaPage{
		Messages:  resp.GetValue(),
		NextLink:  deref(resp.GetOdataNextLink()),
		DeltaLink: deref(resp.GetOdataDeltaLink()),
	}, nil
}

func (g *graphClient) Message(ctx context.Context, id string) (models.Messageable, error) {
	return g.client.Users().ByUserId(g.userID).Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageFields,
		},
	})
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
