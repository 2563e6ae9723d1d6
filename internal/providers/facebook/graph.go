package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Martian-dev/convosync/internal/apiclient"
)

// SubscribedFields are the page webhook fields the app subscribes to.
var SubscribedFields = []string{"conversations", "messages", "feed"}

// User is a Facebook user as returned by /me.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Name joins the first and last name.
func (u *User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Page is a page with its page access token.
type Page struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

// Sender identifies the author of a post or comment.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Summary carries reply counts requested with summary(true).
type Summary struct {
	TotalCount int `json:"total_count"`
}

// Post is a page feed post.
type Post struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Caption     string `json:"caption"`
	Description string `json:"description"`
	Link        string `json:"link"`
	Picture     string `json:"picture"`
	From        Sender `json:"from"`
	CreatedTime Time   `json:"created_time"`
	Comments    struct {
		Summary Summary `json:"summary"`
	} `json:"comments"`
}

// Comment is a comment on a post or a reply to another comment.
type Comment struct {
	ID            string `json:"id"`
	Message       string `json:"message"`
	From          Sender `json:"from"`
	CreatedTime   Time   `json:"created_time"`
	CommentCount  *int   `json:"comment_count"`
	AttachmentURL string `json:"attachment_url"`
	Parent        *struct {
		ID string `json:"id"`
	} `json:"parent"`
	Comments struct {
		Summary Summary `json:"summary"`
	} `json:"comments"`
}

// ParentID returns the parent comment id, if any.
func (c *Comment) ParentID() string {
	if c.Parent == nil {
		return ""
	}
	return c.Parent.ID
}

// Replies returns the reply count the Graph reported, or -1 when unknown.
func (c *Comment) Replies() int {
	if c.CommentCount != nil {
		return *c.CommentCount
	}
	if c.Comments.Summary.TotalCount > 0 {
		return c.Comments.Summary.TotalCount
	}
	return -1
}

// Time decodes Graph timestamps, which arrive either as ISO 8601 strings
// with a numeric zone or as unix seconds in webhook payloads.
type Time struct {
	time.Time
}

const graphTimeLayout = "2006-01-02T15:04:05-0700"

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.Unix(secs, 0).UTC()
		return nil
	}
	for _, layout := range []string{graphTimeLayout, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid graph time %q", s)
}

// Graph wraps the Graph API calls the engine makes.
type Graph struct {
	api      apiclient.Requester
	maxPages int
}

// NewGraph creates a Graph over a Facebook Requester.
func NewGraph(api apiclient.Requester) *Graph {
	return &Graph{api: api, maxPages: apiclient.DefaultMaxPages}
}

func (g *Graph) get(ctx context.Context, token, path string, params url.Values, out interface{}) error {
	raw, err := g.api.Get(ctx, apiclient.Credential{AccessToken: token}, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", apiclient.ErrValidation, path, err)
	}
	return nil
}

// Me returns the user owning token.
func (g *Graph) Me(ctx context.Context, token string) (*User, error) {
	var u User
	if err := g.get(ctx, token, "me?fields=id,first_name,last_name", nil, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, fmt.Errorf("%w: user without id", apiclient.ErrValidation)
	}
	return &u, nil
}

// PageInfo returns a page and its page access token using a user token.
func (g *Graph) PageInfo(ctx context.Context, pageID, userToken string) (*Page, error) {
	var p Page
	if err := g.get(ctx, userToken, pageID, url.Values{"fields": {"id,name,access_token"}}, &p); err != nil {
		return nil, err
	}
	if p.ID == "" || p.AccessToken == "" {
		return nil, fmt.Errorf("%w: page %s returned no access token", apiclient.ErrValidation, pageID)
	}
	return &p, nil
}

// SubscribePage subscribes the app to the page's webhook fields.
func (g *Graph) SubscribePage(ctx context.Context, pageID, pageToken string) error {
	raw, err := g.api.Post(ctx, apiclient.Credential{AccessToken: pageToken}, pageID+"/subscribed_apps", url.Values{
		"subscribed_fields": {strings.Join(SubscribedFields, ",")},
	})
	if err != nil {
		return err
	}

	var res struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || !res.Success {
		return fmt.Errorf("%w: page %s subscription was not accepted", apiclient.ErrValidation, pageID)
	}
	return nil
}

// Post fetches a post.
func (g *Graph) Post(ctx context.Context, postID, token string) (*Post, error) {
	var p Post
	err := g.get(ctx, token, postID, url.Values{
		"fields": {"id,caption,description,link,picture,source,message,from,comments.summary(true),created_time"},
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Comment fetches a comment.
func (g *Graph) Comment(ctx context.Context, commentID, token string) (*Comment, error) {
	var c Comment
	err := g.get(ctx, token, commentID, url.Values{
		"fields": {"parent.fields(id),id,from,message,can_comment,attachment,comment_count,created_time,comments.summary(true)"},
	}, &c)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Comments lists the direct replies of a post or comment, following paging.
func (g *Graph) Comments(ctx context.Context, parentID, token string) ([]Comment, error) {
	items, err := apiclient.GetAll(ctx, g.api, apiclient.Credential{AccessToken: token}, parentID+"/comments", url.Values{
		"fields": {"parent.fields(id),id,created_time,from,message,comment_count"},
		"filter": {"toplevel"},
		"order":  {"chronological"},
		"limit":  {"100"},
	}, g.maxPages)
	if err != nil {
		return nil, err
	}

	comments := make([]Comment, 0, len(items))
	for _, item := range items {
		var c Comment
		if err := json.Unmarshal(item, &c); err != nil {
			return nil, fmt.Errorf("%w: decode comment: %v", apiclient.ErrValidation, err)
		}
		comments = append(comments, c)
	}
	return comments, nil
}

// RecentPosts lists the newest posts of a page.
func (g *Graph) RecentPosts(ctx context.Context, pageID, token string, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 5
	}
	var res struct {
		Data []Post `json:"data"`
	}
	err := g.get(ctx, token, pageID+"/posts", url.Values{
		"fields": {"id,message,from,created_time,comments.summary(true)"},
		"limit":  {strconv.Itoa(limit)},
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}
