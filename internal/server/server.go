package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/metrics"
	"github.com/Martian-dev/convosync/internal/oauth"
	"github.com/Martian-dev/convosync/internal/providers/facebook"
	"github.com/Martian-dev/convosync/internal/queue"
	"github.com/Martian-dev/convosync/internal/store"
	"github.com/Martian-dev/convosync/internal/sync"
)

// Submitter accepts webhook deliveries for asynchronous processing.
type Submitter interface {
	Submit(source string, body []byte) error
}

// PushDeliverer hands a Pub/Sub notification to the subscription manager.
type PushDeliverer interface {
	Deliver(ctx context.Context, id string, data []byte) error
}

// Accounts is the account registry the admin routes manage.
type Accounts interface {
	CreateAccount(ctx context.Context, fields store.NewAccount) (*store.Account, error)
	FindAccount(ctx context.Context, f store.Filter) (*store.Account, error)
	RemoveAccount(ctx context.Context, id string) error
}

// Pages connects and backfills Facebook pages.
type Pages interface {
	ConnectPage(ctx context.Context, user *store.Account, pageID string) (*store.Account, error)
	Backfill(ctx context.Context, page *store.Account, limit int) (*facebook.BackfillReport, error)
}

// Syncs runs mailbox history syncs.
type Syncs interface {
	Supports(kind string) bool
	SyncAccount(ctx context.Context, account *store.Account) (*sync.Report, error)
	StartSync(ctx context.Context, account *store.Account) error
	StopSync(accountID string) error
	IsRunning(accountID string) bool
	RunningSyncs() []string
}

// RetryStats reports the backlog of the durable retry queue.
type RetryStats interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Options wires the handlers behind each route group. A nil dependency
// leaves its routes unmounted.
type Options struct {
	Addr          string
	FacebookAppID string
	VerifyToken   string

	Webhooks Submitter
	Push     PushDeliverer
	PushAuth gin.HandlerFunc
	Flow     *oauth.Flow

	AdminAuth gin.HandlerFunc
	Accounts  Accounts
	Pages     Pages
	Syncs     Syncs
	Retries   RetryStats
	// Polled lists the account kinds that get a background poller when
	// created through the admin API.
	Polled        []string
	BackfillLimit int
}

// Server is the HTTP surface of the service.
type Server struct {
	opts   Options
	router *gin.Engine
	http   *http.Server
}

// New builds the router.
func New(opts Options) *Server {
	if opts.BackfillLimit <= 0 {
		opts.BackfillLimit = 25
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog("/healthz", "/metrics"))
	router.Use(metrics.Middleware())

	s := &Server{opts: opts, router: router}
	s.routes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.opts.Webhooks != nil && s.opts.FacebookAppID != "" {
		path := "/service/facebook/" + s.opts.FacebookAppID + "/webhook-callback"
		r.GET(path, s.verifyFacebook)
		r.POST(path, s.receiveFacebook)
	}

	if s.opts.Push != nil {
		handlers := []gin.HandlerFunc{}
		if s.opts.PushAuth != nil {
			handlers = append(handlers, s.opts.PushAuth)
		}
		handlers = append(handlers, s.receivePush)
		r.POST("/service/gmail/push", handlers...)
	}

	if s.opts.Flow != nil {
		r.GET("/fblogin", s.opts.Flow.FacebookLogin)
		if s.opts.Flow.Google != nil {
			r.GET("/gmaillogin", s.opts.Flow.GmailLogin)
		}
	}

	if s.opts.AdminAuth != nil {
		r.GET("/status", s.opts.AdminAuth, audit(), s.status)
	}

	if s.opts.AdminAuth != nil && s.opts.Accounts != nil {
		admin := r.Group("/accounts", s.opts.AdminAuth, audit())
		admin.POST("", s.createAccount)
		admin.GET("/:id", s.getAccount)
		admin.DELETE("/:id", s.deleteAccount)
		if s.opts.Pages != nil {
			admin.POST("/:id/pages/:pageId", s.connectPage)
			admin.POST("/:id/backfill", s.backfill)
		}
		if s.opts.Syncs != nil {
			admin.POST("/:id/sync", s.syncAccount)
		}
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func accessLog(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}
