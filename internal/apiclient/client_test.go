package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
)

func newGraphClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := Facebook("v3.2", "app-secret")
	p.BaseURL = srv.URL + "/v3.2"
	return New(p, WithRateLimit(rate.Inf, 1))
}

func TestClientGetAuthenticates(t *testing.T) {
	var got *http.Request
	c := newGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","first_name":"Jane","last_name":"Doe"}`))
	})

	raw, err := c.Get(context.Background(), Credential{AccessToken: "user-token"}, "me?fields=id,first_name,last_name", nil)
	require.NoError(t, err)

	var me struct {
		ID        string `json:"id"`
		FirstName string `json:"first_name"`
	}
	require.NoError(t, json.Unmarshal(raw, &me))
	assert.Equal(t, "1", me.ID)
	assert.Equal(t, "Jane", me.FirstName)

	require.NotNil(t, got)
	assert.Equal(t, "/v3.2/me", got.URL.Path)
	assert.Equal(t, "id,first_name,last_name", got.URL.Query().Get("fields"))
	assert.Equal(t, "user-token", got.URL.Query().Get("access_token"))
	assert.NotEmpty(t, got.URL.Query().Get("appsecret_proof"))
}

func TestClientPostSendsForm(t *testing.T) {
	var form url.Values
	c := newGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Write([]byte(`{"success":true}`))
	})

	params := url.Values{"subscribed_fields": {"conversations,messages,feed"}}
	_, err := c.Post(context.Background(), Credential{AccessToken: "page-token"}, "/123/subscribed_apps", params)
	require.NoError(t, err)
	assert.Equal(t, "conversations,messages,feed", form.Get("subscribed_fields"))
}

func TestClientClassifiesGraphErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"expired token", http.StatusBadRequest, `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`, IsAuth},
		{"rate limited", http.StatusBadRequest, `{"error":{"message":"Application request limit reached","code":4}}`, IsTransient},
		{"server error", http.StatusInternalServerError, `oops`, IsTransient},
		{"bad parameter", http.StatusBadRequest, `{"error":{"message":"Invalid parameter","code":100}}`, IsValidation},
		{"unauthorized", http.StatusUnauthorized, `{}`, IsAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Get(context.Background(), Credential{AccessToken: "s3cr3t-cred"}, "/me", nil)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected class for %v", err)

			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, tt.status, reqErr.Status)
			assert.Equal(t, "facebook", reqErr.Platform)
			assert.NotContains(t, err.Error(), "s3cr3t-cred")
		})
	}
}

func TestClientNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	p := Google(srv.URL)
	srv.Close()

	c := New(p, WithRateLimit(rate.Inf, 1))
	_, err := c.Get(context.Background(), Credential{AccessToken: "tok"}, "/users/me/profile", nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsAuth(err))
}

func TestClientRejectsCrossHostURL(t *testing.T) {
	c := newGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})

	_, err := c.Get(context.Background(), Credential{AccessToken: "tok"}, "https://evil.example.com/steal", nil)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("gmail", nil))
	assert.True(t, IsAuth(Classify("gmail", &googleapi.Error{Code: 401, Message: "Invalid Credentials"})))
	assert.True(t, IsTransient(Classify("gmail", &googleapi.Error{Code: 503})))
	assert.True(t, IsValidation(Classify("gmail", &googleapi.Error{Code: 400})))
	assert.ErrorIs(t, Classify("gmail", context.Canceled), context.Canceled)
	assert.True(t, IsTransient(Classify("gmail", errors.New("connection reset by peer"))))

	revoked := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}, ErrorCode: "invalid_grant"}
	err := Classify("gmail", &url.Error{Op: "Get", URL: "https://gmail.googleapis.com", Err: revoked})
	assert.True(t, IsAuth(err))
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "invalid_grant", reqErr.Message)
}

func TestIsPermanent(t *testing.T) {
	deleted := &RequestError{Platform: "facebook", Status: 404, Kind: ErrValidation}
	revoked := &RequestError{Platform: "facebook", Status: 400, Code: 190, Kind: ErrAuth}
	unavailable := &RequestError{Platform: "facebook", Status: 503, Kind: ErrTransient}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", deleted, true},
		{"auth", revoked, true},
		{"transient", unavailable, false},
		{"unclassified", errors.New("disk full"), false},
		{"wrapped sentinel", fmt.Errorf("unknown source: %w", ErrValidation), true},
		{"all permanent", errors.Join(deleted, revoked), true},
		{"permanent and transient", errors.Join(deleted, unavailable), false},
		{"permanent and unclassified", errors.Join(deleted, errors.New("database is locked")), false},
		{"wrapped join", fmt.Errorf("feed: %w", errors.Join(deleted, unavailable)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

func TestRedact(t *testing.T) {
	u, _ := url.Parse("https://graph.facebook.com/v3.2/me?access_token=secret&fields=id")
	out := redact(u)
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "fields=id")
}

func TestGetAllFollowsPaging(t *testing.T) {
	var srvURL string
	calls := 0
	c := newGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("after") == "" {
			w.Write([]byte(`{"data":[{"id":"1"},{"id":"2"}],"paging":{"next":"` + srvURL + `/v3.2/post/comments?after=abc"}}`))
			return
		}
		w.Write([]byte(`{"data":[{"id":"3"}],"paging":{}}`))
	})
	srvURL = strings.TrimSuffix(c.platform.BaseURL, "/v3.2")

	items, err := GetAll(context.Background(), c, Credential{AccessToken: "tok"}, "post/comments", url.Values{"limit": {"2"}}, 0)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 2, calls)
}

func TestGetAllStopsAtPageCap(t *testing.T) {
	var srvURL string
	c := newGraphClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"x"}],"paging":{"next":"` + srvURL + `/v3.2/loop"}}`))
	})
	srvURL = strings.TrimSuffix(c.platform.BaseURL, "/v3.2")

	items, err := GetAll(context.Background(), c, Credential{AccessToken: "tok"}, "loop", nil, 3)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}
