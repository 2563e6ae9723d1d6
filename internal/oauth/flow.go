package oauth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/convosync/internal/auth"
	"github.com/Martian-dev/convosync/internal/eventstore/sqlite"
	"github.com/Martian-dev/convosync/internal/providers/facebook"
	"github.com/Martian-dev/convosync/internal/providers/gmail"
	"github.com/Martian-dev/convosync/internal/store"
)

// Accounts registers and looks up linked accounts.
type Accounts interface {
	CreateAccount(ctx context.Context, fields store.NewAccount) (*store.Account, error)
	FindAccount(ctx context.Context, f store.Filter) (*store.Account, error)
}

// Cursors stores the initial sync position of a new mailbox.
type Cursors interface {
	SaveCursor(ctx context.Context, accountID, cursor, status string) error
}

// Mailbox is the part of the Gmail API the consent flow needs.
type Mailbox interface {
	Profile(ctx context.Context) (*gmailapi.Profile, error)
	Watch(ctx context.Context, topic string) (uint64, time.Time, error)
}

// MailboxFactory opens the mailbox a fresh token authorizes.
type MailboxFactory func(ctx context.Context, tok *oauth2.Token) (Mailbox, error)

// GmailMailbox opens mailboxes through the Gmail API.
func GmailMailbox(cfg *oauth2.Config, opts ...option.ClientOption) MailboxFactory {
	return func(ctx context.Context, tok *oauth2.Token) (Mailbox, error) {
		client := cfg.Client(context.WithoutCancel(ctx), tok)
		svc, err := gmailapi.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)...)
		if err != nil {
			return nil, err
		}
		return gmail.New(svc), nil
	}
}

// Flow serves the consent redirects and code exchanges that link accounts.
type Flow struct {
	Facebook *oauth2.Config
	Google   *oauth2.Config
	Graph    *facebook.Graph
	Mailbox  MailboxFactory
	Accounts Accounts
	Cursors  Cursors
	State    *auth.StateSigner
	// MainAppDomain is where users land once an account is linked.
	MainAppDomain string
	// Topic is the full Pub/Sub topic name Gmail publishes to.
	Topic string
}

func (f *Flow) integrationsURL(param string) string {
	return strings.TrimSuffix(f.MainAppDomain, "/") + "/settings/integrations?" + param + "=true"
}

// begin redirects to the consent dialog unless the provider sent the user
// back with an error. It reports whether the request was fully handled.
func (f *Flow) begin(c *gin.Context, cfg *oauth2.Config, provider auth.Provider, opts ...oauth2.AuthCodeOption) bool {
	if c.Query("code") != "" {
		return false
	}
	if c.Query("error") != "" {
		log.Info().Str("provider", string(provider)).Str("reason", c.Query("error_reason")).Msg("oauth consent denied")
		c.String(http.StatusOK, "access denied")
		return true
	}

	state, err := f.State.Issue(provider, "")
	if err != nil {
		log.Error().Err(err).Msg("failed to issue oauth state")
		c.String(http.StatusInternalServerError, "failed to start authorization")
		return true
	}
	c.Redirect(http.StatusFound, cfg.AuthCodeURL(state, opts...))
	return true
}

func (f *Flow) exchange(c *gin.Context, cfg *oauth2.Config, provider auth.Provider) (*oauth2.Token, bool) {
	if _, err := f.State.Verify(c.Query("state"), provider); err != nil {
		log.Warn().Err(err).Str("provider", string(provider)).Msg("rejected oauth callback")
		c.String(http.StatusBadRequest, "invalid state")
		return nil, false
	}

	tok, err := cfg.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		log.Error().Err(err).Str("provider", string(provider)).Msg("oauth code exchange failed")
		c.String(http.StatusBadGateway, "failed to authorize")
		return nil, false
	}
	return tok, true
}

// FacebookLogin handles GET /fblogin.
func (f *Flow) FacebookLogin(c *gin.Context) {
	if f.begin(c, f.Facebook, auth.ProviderFacebook) {
		return
	}
	tok, ok := f.exchange(c, f.Facebook, auth.ProviderFacebook)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	me, err := f.Graph.Me(ctx, tok.AccessToken)
	if err != nil {
		log.Error().Err(err).Msg("failed to load facebook user")
		c.String(http.StatusBadGateway, "failed to load profile")
		return
	}

	account, err := f.Accounts.CreateAccount(ctx, store.NewAccount{
		Kind:  store.KindFacebook,
		UID:   me.ID,
		Name:  me.Name(),
		Token: tok.AccessToken,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to store facebook account")
		c.String(http.StatusInternalServerError, "failed to store account")
		return
	}
	if account == nil {
		log.Info().Str("uid", me.ID).Msg("facebook account already linked")
	} else {
		log.Info().Str("account_id", account.ID).Str("uid", me.ID).Msg("facebook account linked")
	}

	c.Redirect(http.StatusFound, f.integrationsURL("fbAuthorized"))
}

// GmailLogin handles GET /gmaillogin.
func (f *Flow) GmailLogin(c *gin.Context) {
	if f.begin(c, f.Google, auth.ProviderGoogle, oauth2.AccessTypeOffline, oauth2.ApprovalForce) {
		return
	}
	tok, ok := f.exchange(c, f.Google, auth.ProviderGoogle)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	mailbox, err := f.Mailbox(ctx, tok)
	if err != nil {
		log.Error().Err(err).Msg("failed to open mailbox")
		c.String(http.StatusInternalServerError, "failed to open mailbox")
		return
	}

	profile, err := mailbox.Profile(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load gmail profile")
		c.String(http.StatusBadGateway, "failed to load profile")
		return
	}

	account, err := f.Accounts.CreateAccount(ctx, store.NewAccount{
		Kind:        store.KindGmail,
		UID:         profile.EmailAddress,
		Name:        profile.EmailAddress,
		Token:       tok.AccessToken,
		TokenSecret: tok.RefreshToken,
		TokenExpiry: tok.Expiry,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to store gmail account")
		c.String(http.StatusInternalServerError, "failed to store account")
		return
	}
	created := account != nil
	if !created {
		account, err = f.Accounts.FindAccount(ctx, store.Filter{UID: profile.EmailAddress, Kind: store.KindGmail})
		if err != nil || account == nil {
			log.Error().Err(err).Str("email", profile.EmailAddress).Msg("address is linked to another account kind")
			c.String(http.StatusConflict, "address already linked")
			return
		}
	}

	historyID, expires, err := mailbox.Watch(ctx, f.Topic)
	if err != nil {
		log.Error().Err(err).Str("account_id", account.ID).Msg("failed to watch mailbox")
		c.String(http.StatusBadGateway, "failed to watch mailbox")
		return
	}
	if historyID == 0 {
		historyID = profile.HistoryId
	}

	// A re-linked mailbox keeps its cursor so no history is skipped.
	if created {
		if err := f.Cursors.SaveCursor(ctx, account.ID, strconv.FormatUint(historyID, 10), sqlite.StatusHooked); err != nil {
			log.Error().Err(err).Str("account_id", account.ID).Msg("failed to store initial cursor")
			c.String(http.StatusInternalServerError, "failed to store cursor")
			return
		}
	}

	log.Info().
		Str("account_id", account.ID).
		Bool("created", created).
		Uint64("history_id", historyID).
		Time("watch_expires", expires).
		Msg("gmail account linked")

	c.Redirect(http.StatusFound, f.integrationsURL("gmailAuthorized"))
}
