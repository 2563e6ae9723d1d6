package apiclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Credential authenticates a call on behalf of one account.
type Credential struct {
	AccessToken string
}

// Requester is the capability every platform resolver depends on.
type Requester interface {
	Get(ctx context.Context, cred Credential, path string, params url.Values) (json.RawMessage, error)
	Post(ctx context.Context, cred Credential, path string, params url.Values) (json.RawMessage, error)
}

// Platform describes how to reach and authenticate against one external API.
type Platform struct {
	Name      string
	BaseURL   string
	Authorize func(req *http.Request, cred Credential)
	// DecodeError turns a non-2xx response into a RequestError.
	DecodeError func(status int, body []byte) *RequestError
}

// Facebook returns the Graph API platform. When appSecret is set every call
// carries an appsecret_proof for the access token in use.
func Facebook(version, appSecret string) Platform {
	if version == "" {
		version = "v3.2"
	}
	return Platform{
		Name:    "facebook",
		BaseURL: "https://graph.facebook.com/" + version,
		Authorize: func(req *http.Request, cred Credential) {
			q := req.URL.Query()
			q.Set("access_token", cred.AccessToken)
			if appSecret != "" {
				mac := hmac.New(sha256.New, []byte(appSecret))
				mac.Write([]byte(cred.AccessToken))
				q.Set("appsecret_proof", hex.EncodeToString(mac.Sum(nil)))
			}
			req.URL.RawQuery = q.Encode()
		},
		DecodeError: decodeGraphError,
	}
}

// Google returns a bearer-token platform rooted at baseURL.
func Google(baseURL string) Platform {
	return Platform{
		Name:    "google",
		BaseURL: baseURL,
		Authorize: func(req *http.Request, cred Credential) {
			req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		},
		DecodeError: decodeGoogleError,
	}
}

// Client dispatches authenticated calls to one Platform.
type Client struct {
	platform Platform
	http     *http.Client
	limit    rate.Limit
	burst    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimit wraps each credential in its own token bucket.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(cl *Client) {
		cl.limit = r
		cl.burst = burst
	}
}

// New creates a Client for p.
func New(p Platform, opts ...Option) *Client {
	c := &Client{
		platform: p,
		http:     &http.Client{Timeout: 30 * time.Second},
		limit:    rate.Every(200 * time.Millisecond),
		burst:    5,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, cred Credential, path string, params url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, cred, path, params)
}

// Post issues an authenticated form POST.
func (c *Client) Post(ctx context.Context, cred Credential, path string, params url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, cred, path, params)
}

func (c *Client) do(ctx context.Context, method string, cred Credential, path string, params url.Values) (json.RawMessage, error) {
	u, err := c.resolve(path)
	if err != nil {
		return nil, &RequestError{Platform: c.platform.Name, Kind: ErrValidation, Err: err}
	}

	var body io.Reader
	q := u.Query()
	if method == http.MethodPost {
		body = strings.NewReader(params.Encode())
	} else {
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()

	if err := c.limiter(cred).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &RequestError{Platform: c.platform.Name, Kind: ErrValidation, Err: err}
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	c.platform.Authorize(req, cred)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Platform: c.platform.Name, Kind: ErrTransient, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Platform: c.platform.Name, Status: resp.StatusCode, Kind: ErrTransient, Err: err}
	}

	log.Debug().
		Str("platform", c.platform.Name).
		Str("method", method).
		Str("url", redact(req.URL)).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := c.platform.DecodeError(resp.StatusCode, data)
		reqErr.Platform = c.platform.Name
		return nil, reqErr
	}

	return json.RawMessage(data), nil
}

// resolve joins path onto the platform base URL. Absolute URLs on the same
// host (paging links) are accepted as-is.
func (c *Client) resolve(path string) (*url.URL, error) {
	base, err := url.Parse(c.platform.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		u, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		if u.Host != base.Host {
			return nil, fmt.Errorf("refusing cross-host url %q", u.Host)
		}
		return u, nil
	}

	rel, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + "/" + rel.Path
	u.RawQuery = rel.RawQuery
	return &u, nil
}

func (c *Client) limiter(cred Credential) *rate.Limiter {
	sum := sha256.Sum256([]byte(cred.AccessToken))
	key := hex.EncodeToString(sum[:8])

	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[key] = l
	}
	return l
}

// redact strips credentials from a URL before it is logged.
func redact(u *url.URL) string {
	c := *u
	q := c.Query()
	for _, k := range []string{"access_token", "appsecret_proof", "client_secret"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	c.RawQuery = q.Encode()
	return c.String()
}

func decodeGraphError(status int, body []byte) *RequestError {
	var payload struct {
		Error struct {
			Message   string `json:"message"`
			Type      string `json:"type"`
			Code      int    `json:"code"`
			Subcode   int    `json:"error_subcode"`
			Transient bool   `json:"is_transient"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	e := &RequestError{
		Status:  status,
		Code:    payload.Error.Code,
		Message: payload.Error.Message,
		Kind:    kindForStatus(status),
	}

	switch code := payload.Error.Code; {
	case code == 190 || code == 102 || code == 10 || (code >= 200 && code <= 299):
		e.Kind = ErrAuth
	case code == 1 || code == 2 || code == 4 || code == 17 || code == 32 || code == 341 || code == 613 ||
		(code >= 80001 && code <= 80014) || payload.Error.Transient:
		e.Kind = ErrTransient
	}
	return e
}

func decodeGoogleError(status int, body []byte) *RequestError {
	var payload struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	return &RequestError{
		Status:  status,
		Code:    payload.Error.Code,
		Message: payload.Error.Message,
		Kind:    kindForStatus(status),
	}
}
