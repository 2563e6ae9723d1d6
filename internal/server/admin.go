package server

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/auth"
	"github.com/Martian-dev/convosync/internal/store"
)

// audit logs which principal called an admin route.
func audit() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		p, ok := auth.FromContext(c)
		if !ok {
			return
		}
		log.Info().
			Str("subject", p.Subject).
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("account_id", c.Param("id")).
			Int("status", c.Writer.Status()).
			Msg("admin call")
	}
}

func (s *Server) status(c *gin.Context) {
	resp := gin.H{}
	if s.opts.Syncs != nil {
		resp["pollers"] = s.opts.Syncs.RunningSyncs()
	}
	if s.opts.Retries != nil {
		stats, err := s.opts.Retries.Stats(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Msg("failed to read retry queue stats")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read retry queue"})
			return
		}
		resp["retry_queue"] = stats
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) createAccount(c *gin.Context) {
	var req store.NewAccount
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	account, err := s.opts.Accounts.CreateAccount(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("kind", req.Kind).Msg("failed to create account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}
	if account == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
		return
	}

	if s.opts.Syncs != nil && slices.Contains(s.opts.Polled, account.Kind) {
		// The poller outlives the request; StopSync and StopAll end it.
		if err := s.opts.Syncs.StartSync(context.WithoutCancel(ctx), account); err != nil {
			log.Error().Err(err).Str("account_id", account.ID).Msg("failed to start poller")
		}
	}

	c.JSON(http.StatusCreated, account)
}

func (s *Server) getAccount(c *gin.Context) {
	account, ok := s.loadAccount(c, "")
	if !ok {
		return
	}
	resp := gin.H{"account": account}
	if s.opts.Syncs != nil {
		resp["polling"] = s.opts.Syncs.IsRunning(account.ID)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteAccount(c *gin.Context) {
	id := c.Param("id")
	if s.opts.Syncs != nil && s.opts.Syncs.IsRunning(id) {
		if err := s.opts.Syncs.StopSync(id); err != nil {
			log.Warn().Err(err).Str("account_id", id).Msg("failed to stop poller")
		}
	}
	if err := s.opts.Accounts.RemoveAccount(c.Request.Context(), id); err != nil {
		log.Error().Err(err).Str("account_id", id).Msg("failed to remove account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove account"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) connectPage(c *gin.Context) {
	user, ok := s.loadAccount(c, store.KindFacebook)
	if !ok {
		return
	}
	page, err := s.opts.Pages.ConnectPage(c.Request.Context(), user, c.Param("pageId"))
	if err != nil {
		upstreamError(c, err, "failed to connect page")
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) backfill(c *gin.Context) {
	page, ok := s.loadAccount(c, store.KindFacebookPage)
	if !ok {
		return
	}

	limit := s.opts.BackfillLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	report, err := s.opts.Pages.Backfill(c.Request.Context(), page, limit)
	if err != nil && report == nil {
		upstreamError(c, err, "backfill failed")
		return
	}
	resp := gin.H{"report": report}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) syncAccount(c *gin.Context) {
	account, ok := s.loadAccount(c, "")
	if !ok {
		return
	}
	if !s.opts.Syncs.Supports(account.Kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account kind " + account.Kind + " has no history sync"})
		return
	}

	report, err := s.opts.Syncs.SyncAccount(c.Request.Context(), account)
	if err != nil {
		upstreamError(c, err, "sync failed")
		return
	}

	failures := make([]gin.H, 0, len(report.Failures))
	for _, f := range report.Failures {
		failures = append(failures, gin.H{"item_id": f.ItemID, "error": f.Err.Error()})
	}
	resp := gin.H{
		"account_id":  report.AccountID,
		"from":        report.From,
		"to":          report.To,
		"initialized": report.Initialized,
		"reset":       report.Reset,
		"created":     report.Created,
		"duplicates":  report.Duplicates,
		"gone":        report.Gone,
		"failures":    failures,
	}
	if report.StatusErr != nil {
		resp["status_error"] = report.StatusErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// loadAccount resolves the :id parameter, optionally requiring a kind.
func (s *Server) loadAccount(c *gin.Context, kind string) (*store.Account, bool) {
	account, err := s.opts.Accounts.FindAccount(c.Request.Context(), store.Filter{ID: c.Param("id")})
	if err != nil {
		log.Error().Err(err).Str("account_id", c.Param("id")).Msg("failed to load account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return nil, false
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return nil, false
	}
	if kind != "" && account.Kind != kind {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account is not a " + kind + " account"})
		return nil, false
	}
	return account, true
}

// upstreamError maps a platform error class onto a response.
func upstreamError(c *gin.Context, err error, msg string) {
	status := http.StatusBadGateway
	switch {
	case !apiclient.IsPermanent(err):
	case apiclient.IsAuth(err):
		status = http.StatusUnprocessableEntity
		msg += ": account needs re-authorization"
	default:
		status = http.StatusBadRequest
	}
	log.Warn().Err(err).Str("path", c.FullPath()).Int("status", status).Msg(msg)
	c.JSON(status, gin.H{"error": msg})
}
