package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/auth"
	"github.com/Martian-dev/convosync/internal/config"
	"github.com/Martian-dev/convosync/internal/eventstore/sqlite"
	natsjs "github.com/Martian-dev/convosync/internal/nats"
	"github.com/Martian-dev/convosync/internal/oauth"
	"github.com/Martian-dev/convosync/internal/providers/facebook"
	"github.com/Martian-dev/convosync/internal/providers/gmail"
	"github.com/Martian-dev/convosync/internal/providers/outlook"
	"github.com/Martian-dev/convosync/internal/pubsub"
	"github.com/Martian-dev/convosync/internal/queue"
	"github.com/Martian-dev/convosync/internal/reconcile"
	"github.com/Martian-dev/convosync/internal/retry"
	"github.com/Martian-dev/convosync/internal/server"
	"github.com/Martian-dev/convosync/internal/store"
	histsync "github.com/Martian-dev/convosync/internal/sync"
	"github.com/Martian-dev/convosync/internal/thread"
	"github.com/Martian-dev/convosync/internal/webhook"
)

// accountCacheTTL bounds how long a removed account can keep receiving events
// on another replica.
const accountCacheTTL = 5 * time.Minute

// ServeCommand returns the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve webhooks, push notifications, OAuth and the admin API",
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	accounts, err := store.NewCachedAccounts(store.NewAccountStore(db.DB), accountCacheTTL)
	if err != nil {
		return err
	}
	defer accounts.Close()

	reconciler := reconcile.New(db)
	graph := facebook.NewGraph(apiclient.New(apiclient.Facebook(cfg.Facebook.GraphVersion, cfg.Facebook.AppSecret)))
	pages := &facebook.Handler{
		Accounts:    accounts,
		Reconciler:  reconciler,
		Graph:       graph,
		Limits:      thread.Limits{MaxDepth: cfg.Thread.MaxDepth, MaxNodes: cfg.Thread.MaxNodes},
		Concurrency: cfg.Thread.Concurrency,
	}

	retryQueue, err := queue.New(queue.Config{Path: cfg.Storage.QueuePath, Backoff: retry.QueueConfig()})
	if err != nil {
		return err
	}
	defer retryQueue.Close()

	webhooks := webhook.NewProcessor(
		map[string]webhook.Handler{"facebook": pages},
		retryQueue,
		webhook.Config{Workers: cfg.Webhook.Workers, QueueSize: cfg.Webhook.QueueSize},
	)
	redelivery := queue.NewProcessor(retryQueue, webhooks.Process, queue.DefaultProcessorConfig())

	var googleCfg *oauth2.Config
	sources := map[string]histsync.SourceFactory{store.KindOutlook: outlook.Source()}
	if cfg.Google.ClientID != "" {
		googleCfg = gmail.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.HTTP.Domain+"/gmaillogin")
		sources[store.KindGmail] = gmail.Source(googleCfg, accounts)
	}
	syncs := histsync.NewManager(histsync.NewSyncer(db, reconciler), sources, cfg.Outlook.PollInterval)

	// Background work is stopped step by step during shutdown, not by the
	// signal itself.
	bg, cancelBG := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBG()
	var g errgroup.Group

	g.Go(func() error {
		redelivery.Run(bg)
		return nil
	})

	polled, err := accounts.FindAccounts(ctx, store.Filter{Kind: store.KindOutlook})
	if err != nil {
		return fmt.Errorf("failed to list outlook accounts: %w", err)
	}
	for i := range polled {
		if err := syncs.StartSync(bg, &polled[i]); err != nil {
			log.Error().Err(err).Str("account_id", polled[i].ID).Msg("failed to start poller")
		}
	}

	var (
		subscription *pubsub.Manager
		push         server.PushDeliverer
		pushAuth     gin.HandlerFunc
	)
	subCtx, cancelSub := context.WithCancel(bg)
	defer cancelSub()
	subDone := make(chan struct{})

	if cfg.GmailEnabled() {
		var opts []option.ClientOption
		if cfg.Google.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Google.CredentialsFile))
		}

		receiver, err := pubsub.NewGCPReceiver(ctx, cfg.Google.ProjectID, cfg.TopicID(), cfg.Google.Subscription, opts...)
		if err != nil {
			return err
		}
		defer receiver.Close()

		subscription = pubsub.NewManager(cfg.Google.Subscription, receiver,
			&pubsub.SyncDispatcher{Accounts: accounts, Syncer: syncs},
			pubsub.Options{DrainTimeout: cfg.ShutdownTimeout})
		g.Go(func() error {
			defer close(subDone)
			return subscription.Run(subCtx)
		})

		if cfg.Google.PushAudience != "" {
			verifier, err := auth.NewPushVerifier(ctx, auth.PushConfig{
				JWKSURL:  auth.GoogleCertsURL,
				Audience: cfg.Google.PushAudience,
				Email:    cfg.Google.PushEmail,
			})
			if err != nil {
				log.Error().Err(err).Msg("push endpoint disabled")
			} else {
				push = subscription
				pushAuth = verifier.Middleware()
			}
		}

		if googleCfg != nil {
			renewer := &gmail.Renewer{
				Accounts: accounts,
				Tokens:   accounts,
				Config:   googleCfg,
				Topic:    cfg.TopicName(),
				Interval: cfg.Google.WatchRenewal,
			}
			g.Go(func() error {
				renewer.Run(bg)
				return nil
			})
		}
	} else {
		close(subDone)
	}

	if cfg.NATS.URL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}
		dispatcher := natsjs.NewDispatcher(db, publisher)
		g.Go(func() error {
			dispatcher.Run(bg)
			return nil
		})
	} else {
		log.Warn().Msg("nats.url not set, outbox events stay unpublished")
	}

	flow, err := newFlow(cfg, googleCfg, graph, accounts, db)
	if err != nil {
		return err
	}

	var adminAuth gin.HandlerFunc
	if cfg.Admin.APIKeyHash != "" {
		keys, err := auth.NewAPIKeyAuth(cfg.Admin.APIKeyHash)
		if err != nil {
			return err
		}
		adminAuth = keys.Middleware()
	} else {
		log.Warn().Msg("admin.api_key_hash not set, admin API disabled")
	}

	srv := server.New(server.Options{
		Addr:          cfg.HTTP.Addr,
		FacebookAppID: cfg.Facebook.AppID,
		VerifyToken:   cfg.Facebook.VerifyToken,
		Webhooks:      webhooks,
		Push:          push,
		PushAuth:      pushAuth,
		Flow:          flow,
		AdminAuth:     adminAuth,
		Accounts:      accounts,
		Pages:         pages,
		Syncs:         syncs,
		Retries:       retryQueue,
		Polled:        []string{store.KindOutlook},
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("http server failed")
	}

	step := func(name string, fn func(ctx context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			log.Warn().Err(err).Str("step", name).Msg("shutdown step incomplete")
		}
	}
	step("http", srv.Shutdown)
	step("webhooks", webhooks.Shutdown)
	step("pubsub", func(ctx context.Context) error {
		cancelSub()
		select {
		case <-subDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	step("pollers", func(ctx context.Context) error {
		syncs.StopAll()
		return syncs.Wait(ctx)
	})

	cancelBG()
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("background worker failed")
	}
	log.Info().Msg("stopped")
	return runErr
}

// newFlow builds the account linking flow. Facebook login needs the app
// secret; Gmail login also needs a Google client.
func newFlow(cfg *config.Config, googleCfg *oauth2.Config, graph *facebook.Graph, accounts oauth.Accounts, cursors oauth.Cursors) (*oauth.Flow, error) {
	if cfg.Facebook.AppSecret == "" && googleCfg == nil {
		return nil, nil
	}

	signer, err := auth.NewStateSigner(cfg.Admin.StateSecret, 0)
	if err != nil {
		return nil, err
	}

	flow := &oauth.Flow{
		Facebook:      facebook.OAuthConfig(cfg.Facebook.AppID, cfg.Facebook.AppSecret, cfg.HTTP.Domain+"/fblogin", cfg.Facebook.Permissions),
		Google:        googleCfg,
		Graph:         graph,
		Accounts:      accounts,
		Cursors:       cursors,
		State:         signer,
		MainAppDomain: cfg.HTTP.MainAppDomain,
		Topic:         cfg.TopicName(),
	}
	if googleCfg != nil {
		flow.Mailbox = oauth.GmailMailbox(googleCfg)
	}
	return flow, nil
}
