package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/auth"
	"github.com/Martian-dev/convosync/internal/eventstore/sqlite"
	"github.com/Martian-dev/convosync/internal/providers/facebook"
	"github.com/Martian-dev/convosync/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type meAPI struct{}

func (meAPI) Get(ctx context.Context, cred apiclient.Credential, path string, params url.Values) (json.RawMessage, error) {
	if cred.AccessToken != "fb-access" {
		return nil, &apiclient.RequestError{Platform: "facebook", Status: 400, Code: 190, Kind: apiclient.ErrAuth}
	}
	return json.RawMessage(`{"id":"10001","first_name":"Jane","last_name":"Doe"}`), nil
}

func (meAPI) Post(ctx context.Context, cred apiclient.Credential, path string, params url.Values) (json.RawMessage, error) {
	return nil, errors.New("unexpected post")
}

type fakeMailbox struct {
	email   string
	history uint64
	topics  []string
}

func (m *fakeMailbox) Profile(ctx context.Context) (*gmailapi.Profile, error) {
	return &gmailapi.Profile{EmailAddress: m.email, HistoryId: m.history}, nil
}

func (m *fakeMailbox) Watch(ctx context.Context, topic string) (uint64, time.Time, error) {
	m.topics = append(m.topics, topic)
	return m.history + 1, time.Now().Add(7 * 24 * time.Hour), nil
}

type fixture struct {
	flow     *Flow
	router   *gin.Engine
	store    *sqlite.Store
	accounts *store.AccountStore
	mailbox  *fakeMailbox
}

func setup(t *testing.T) *fixture {
	t.Helper()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("code") {
		case "fb-code":
			w.Write([]byte(`{"access_token":"fb-access","token_type":"bearer","expires_in":5183944}`))
		case "g-code":
			w.Write([]byte(`{"access_token":"g-access","refresh_token":"g-refresh","token_type":"Bearer","expires_in":3599}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		}
	}))
	t.Cleanup(tokenSrv.Close)

	s, err := sqlite.Open(filepath.Join(t.TempDir(), "convosync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	signer, err := auth.NewStateSigner("test-state-secret-0123456789", time.Minute)
	require.NoError(t, err)

	endpoint := oauth2.Endpoint{
		AuthURL:   "https://consent.example.com/dialog",
		TokenURL:  tokenSrv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	fbCfg := facebook.OAuthConfig("app-id", "app-secret", "https://hooks.example.com/fblogin", "")
	fbCfg.Endpoint = endpoint
	gCfg := &oauth2.Config{ClientID: "g-id", ClientSecret: "g-secret", RedirectURL: "https://hooks.example.com/gmaillogin", Endpoint: endpoint}

	mailbox := &fakeMailbox{email: "user@example.com", history: 500}
	accounts := store.NewAccountStore(s.DB)
	flow := &Flow{
		Facebook: fbCfg,
		Google:   gCfg,
		Graph:    facebook.NewGraph(meAPI{}),
		Mailbox: func(ctx context.Context, tok *oauth2.Token) (Mailbox, error) {
			assert.Equal(t, "g-refresh", tok.RefreshToken)
			return mailbox, nil
		},
		Accounts:      accounts,
		Cursors:       s,
		State:         signer,
		MainAppDomain: "https://app.example.com",
		Topic:         "projects/p/topics/gmail",
	}

	r := gin.New()
	r.GET("/fblogin", flow.FacebookLogin)
	r.GET("/gmaillogin", flow.GmailLogin)

	return &fixture{flow: flow, router: r, store: s, accounts: accounts, mailbox: mailbox}
}

func (f *fixture) get(target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func (f *fixture) state(t *testing.T, p auth.Provider) string {
	t.Helper()
	s, err := f.flow.State.Issue(p, "")
	require.NoError(t, err)
	return url.QueryEscape(s)
}

func TestFacebookLoginRedirectsToConsent(t *testing.T) {
	f := setup(t)

	w := f.get("/fblogin")
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "consent.example.com", loc.Host)
	assert.Equal(t, "app-id", loc.Query().Get("client_id"))
	assert.Equal(t, "manage_pages pages_show_list pages_messaging", loc.Query().Get("scope"))

	_, err = f.flow.State.Verify(loc.Query().Get("state"), auth.ProviderFacebook)
	assert.NoError(t, err)
}

func TestFacebookLoginDenied(t *testing.T) {
	f := setup(t)

	w := f.get("/fblogin?error=access_denied&error_reason=user_denied")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "access denied", w.Body.String())
}

func TestFacebookLoginCreatesAccount(t *testing.T) {
	f := setup(t)

	w := f.get("/fblogin?code=fb-code&state=" + f.state(t, auth.ProviderFacebook))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://app.example.com/settings/integrations?fbAuthorized=true", w.Header().Get("Location"))

	account, err := f.accounts.FindAccount(context.Background(), store.Filter{UID: "10001"})
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, store.KindFacebook, account.Kind)
	assert.Equal(t, "Jane Doe", account.Name)
	assert.Equal(t, "fb-access", account.Token)

	// Linking again is not an error and keeps one account.
	w = f.get("/fblogin?code=fb-code&state=" + f.state(t, auth.ProviderFacebook))
	assert.Equal(t, http.StatusFound, w.Code)
	all, err := f.accounts.FindAccounts(context.Background(), store.Filter{UID: "10001"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFacebookLoginRejectsBadState(t *testing.T) {
	f := setup(t)

	w := f.get("/fblogin?code=fb-code&state=forged")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A google state cannot complete a facebook flow.
	w = f.get("/fblogin?code=fb-code&state=" + f.state(t, auth.ProviderGoogle))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFacebookLoginExchangeFailure(t *testing.T) {
	f := setup(t)

	w := f.get("/fblogin?code=stale&state=" + f.state(t, auth.ProviderFacebook))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestGmailLoginLinksMailbox(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	w := f.get("/gmaillogin")
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "offline", loc.Query().Get("access_type"))

	w = f.get("/gmaillogin?code=g-code&state=" + f.state(t, auth.ProviderGoogle))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://app.example.com/settings/integrations?gmailAuthorized=true", w.Header().Get("Location"))
	assert.Equal(t, []string{"projects/p/topics/gmail"}, f.mailbox.topics)

	account, err := f.accounts.FindAccount(ctx, store.Filter{UID: "user@example.com"})
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, store.KindGmail, account.Kind)
	assert.Equal(t, "g-access", account.Token)
	assert.Equal(t, "g-refresh", account.TokenSecret)

	cursor, err := f.store.LoadCursor(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "501", cursor)

	// Re-linking renews the watch but keeps the stored cursor.
	require.NoError(t, f.store.SaveCursor(ctx, account.ID, "900", sqlite.StatusHooked))
	f.mailbox.history = 1000
	w = f.get("/gmaillogin?code=g-code&state=" + f.state(t, auth.ProviderGoogle))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Len(t, f.mailbox.topics, 2)

	cursor, err = f.store.LoadCursor(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "900", cursor)
}

func TestGmailLoginAddressTakenByOtherKind(t *testing.T) {
	f := setup(t)
	_, err := f.accounts.CreateAccount(context.Background(), store.NewAccount{Kind: store.KindOutlook, UID: "user@example.com"})
	require.NoError(t, err)

	w := f.get("/gmaillogin?code=g-code&state=" + f.state(t, auth.ProviderGoogle))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, f.mailbox.topics)
}
