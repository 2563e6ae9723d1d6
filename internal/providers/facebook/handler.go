package facebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/metrics"
	"github.com/Martian-dev/convosync/internal/reconcile"
	"github.com/Martian-dev/convosync/internal/store"
	"github.com/Martian-dev/convosync/internal/thread"
)

// Accounts resolves and registers page accounts.
type Accounts interface {
	FindByUID(ctx context.Context, uid string) (*store.Account, error)
	CreateAccount(ctx context.Context, fields store.NewAccount) (*store.Account, error)
}

// Reconciler stores one normalized message.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID, externalID string, p reconcile.Payload) (*reconcile.Result, error)
}

// Handler turns page webhook events into reconciled conversations.
type Handler struct {
	Accounts    Accounts
	Reconciler  Reconciler
	Graph       *Graph
	Limits      thread.Limits
	Concurrency int
}

// Handle processes one webhook delivery. Entries for unknown pages and
// unsupported items are skipped; the returned error joins every failure.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	ev, err := ParseEvent(body)
	if err != nil {
		return err
	}
	if ev.Object != "page" {
		log.Debug().Str("object", ev.Object).Msg("ignoring webhook object")
		return nil
	}

	var errs []error
	for _, entry := range ev.Entry {
		page, err := h.Accounts.FindByUID(ctx, entry.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if page == nil {
			log.Warn().Str("page_id", entry.ID).Msg("webhook for unknown page")
			continue
		}

		for _, change := range entry.Changes {
			if change.Field != "feed" {
				continue
			}
			if err := h.handleFeed(ctx, page, change.Value); err != nil {
				errs = append(errs, fmt.Errorf("feed %s %s: %w", change.Value.Item, change.Value.Verb, err))
			}
		}
		for _, m := range entry.Messaging {
			if err := h.handleMessaging(ctx, page, m); err != nil {
				errs = append(errs, fmt.Errorf("messaging: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) handleFeed(ctx context.Context, page *store.Account, v ChangeValue) error {
	switch v.Item {
	case "comment":
		if v.Verb != "add" && v.Verb != "edited" {
			return nil
		}
		return h.handleComment(ctx, page, v)
	case "post", "status", "photo", "video", "share":
		if v.Verb != "add" {
			return nil
		}
		_, err := h.syncPost(ctx, page, v.PostID)
		return err
	default:
		return nil
	}
}

func (h *Handler) handleComment(ctx context.Context, page *store.Account, v ChangeValue) error {
	if v.CommentID == "" || v.PostID == "" {
		return nil
	}

	post, err := h.Graph.Post(ctx, v.PostID, page.Token)
	if err != nil {
		return err
	}
	if _, err := h.Reconciler.Reconcile(ctx, page.ID, post.ID, postPayload(post)); err != nil {
		return err
	}

	comment, err := h.Graph.Comment(ctx, v.CommentID, page.Token)
	if err != nil {
		return err
	}

	parent := comment.ParentID()
	if parent == "" {
		parent = v.ParentID
	}
	_, err = h.Reconciler.Reconcile(ctx, page.ID, comment.ID, reconcile.Payload{
		ThreadID:   post.ID,
		ParentID:   parent,
		AuthorID:   comment.From.ID,
		AuthorName: comment.From.Name,
		Body:       comment.Message,
		SentAt:     comment.CreatedTime.Time,
		Raw:        mustRaw(comment),
	})
	return err
}

func (h *Handler) handleMessaging(ctx context.Context, page *store.Account, m Messaging) error {
	if m.Message == nil || m.Message.Mid == "" || m.Message.IsEcho {
		return nil
	}

	_, err := h.Reconciler.Reconcile(ctx, page.ID, m.Message.Mid, reconcile.Payload{
		ThreadID: m.Sender.ID,
		AuthorID: m.Sender.ID,
		Body:     m.Message.Text,
		SentAt:   time.UnixMilli(m.Timestamp).UTC(),
		Raw:      mustRaw(m),
	})
	return err
}

// syncPost reconciles a post and its whole comment tree.
func (h *Handler) syncPost(ctx context.Context, page *store.Account, postID string) (*thread.Result, error) {
	post, err := h.Graph.Post(ctx, postID, page.Token)
	if err != nil {
		return nil, err
	}

	resolver := &thread.Resolver{
		Fetcher: &CommentFetcher{Graph: h.Graph, Token: page.Token},
		Limits:  h.Limits,
	}
	res, err := resolver.Resolve(ctx, post.ID)
	if err != nil {
		return nil, err
	}

	return res, h.reconcileThread(ctx, page, post, res)
}

func (h *Handler) reconcileThread(ctx context.Context, page *store.Account, post *Post, res *thread.Result) error {
	metrics.ThreadNodes.Observe(float64(len(res.Nodes)))

	if _, err := h.Reconciler.Reconcile(ctx, page.ID, post.ID, postPayload(post)); err != nil {
		return err
	}

	var errs []error
	for _, node := range res.Nodes {
		_, err := h.Reconciler.Reconcile(ctx, page.ID, node.ID, reconcile.Payload{
			ThreadID:   post.ID,
			ParentID:   node.ParentID,
			AuthorID:   node.Author.ID,
			AuthorName: node.Author.Name,
			Body:       node.Body,
			SentAt:     node.CreatedAt,
			Raw:        mustRaw(node),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, f := range res.Failures {
		log.Warn().Err(f.Err).Str("post_id", post.ID).Str("node_id", f.NodeID).Msg("thread branch not resolved")
	}
	return errors.Join(errs...)
}

// BackfillReport summarizes a page backfill.
type BackfillReport struct {
	Posts    int `json:"posts"`
	Nodes    int `json:"nodes"`
	Failures int `json:"failures"`
}

// Backfill resolves the comment trees of a page's most recent posts.
func (h *Handler) Backfill(ctx context.Context, page *store.Account, limit int) (*BackfillReport, error) {
	posts, err := h.Graph.RecentPosts(ctx, page.UID, page.Token, limit)
	if err != nil {
		return nil, err
	}

	roots := make([]string, 0, len(posts))
	byID := make(map[string]*Post, len(posts))
	for i := range posts {
		roots = append(roots, posts[i].ID)
		byID[posts[i].ID] = &posts[i]
	}

	pool := &thread.Pool{
		Resolver: &thread.Resolver{
			Fetcher: &CommentFetcher{Graph: h.Graph, Token: page.Token},
			Limits:  h.Limits,
		},
		Concurrency: h.Concurrency,
	}
	results, err := pool.ResolveAll(ctx, roots)
	if err != nil {
		return nil, err
	}

	report := &BackfillReport{Posts: len(posts)}
	var errs []error
	for _, root := range roots {
		res := results[root]
		if res == nil {
			continue
		}
		report.Nodes += len(res.Nodes)
		report.Failures += len(res.Failures)
		if err := h.reconcileThread(ctx, page, byID[root], res); err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

// ConnectPage registers a page the user manages and subscribes the app to
// its webhooks. An already connected page is resubscribed and returned.
func (h *Handler) ConnectPage(ctx context.Context, user *store.Account, pageID string) (*store.Account, error) {
	page, err := h.Graph.PageInfo(ctx, pageID, user.Token)
	if err != nil {
		return nil, err
	}

	account, err := h.Accounts.CreateAccount(ctx, store.NewAccount{
		Kind:  store.KindFacebookPage,
		UID:   page.ID,
		Name:  page.Name,
		Token: page.AccessToken,
	})
	if err != nil {
		return nil, err
	}
	if account == nil {
		account, err = h.Accounts.FindByUID(ctx, page.ID)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, fmt.Errorf("page %s vanished after duplicate insert", page.ID)
		}
	}

	if err := h.Graph.SubscribePage(ctx, page.ID, page.AccessToken); err != nil {
		return nil, err
	}
	log.Info().Str("page_id", page.ID).Str("account_id", account.ID).Msg("page connected")
	return account, nil
}

func postPayload(p *Post) reconcile.Payload {
	body := p.Message
	if body == "" {
		body = p.Description
	}
	if body == "" {
		body = p.Caption
	}
	return reconcile.Payload{
		ThreadID:   p.ID,
		Title:      title(body),
		AuthorID:   p.From.ID,
		AuthorName: p.From.Name,
		Body:       body,
		SentAt:     p.CreatedTime.Time,
		Raw:        mustRaw(p),
	}
}

func title(s string) string {
	const max = 80
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "…"
}

func mustRaw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
