package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/pubsub"
	"github.com/Martian-dev/convosync/internal/webhook"
)

// maxBodySize caps webhook and push bodies.
const maxBodySize = 1 << 20

func (s *Server) verifyFacebook(c *gin.Context) {
	body, _ := webhook.Verify(
		c.Query("hub.mode"),
		c.Query("hub.challenge"),
		c.Query("hub.verify_token"),
		s.opts.VerifyToken,
	)
	c.String(http.StatusOK, body)
}

// receiveFacebook acknowledges every delivery. Facebook disables webhooks
// that keep failing, so processing errors never reach the response.
func (s *Server) receiveFacebook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read webhook body")
		c.String(http.StatusOK, "success")
		return
	}

	if err := s.opts.Webhooks.Submit("facebook", body); err != nil {
		log.Error().Err(err).Msg("webhook delivery not accepted")
	}
	c.String(http.StatusOK, "success")
}

// receivePush answers 204 once the notification is handed off, and for
// envelopes that can never be processed. Only a shutdown in progress asks
// Pub/Sub to redeliver.
func (s *Server) receivePush(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read push body")
		c.Status(http.StatusNoContent)
		return
	}

	env, err := pubsub.DecodePush(body)
	if err != nil {
		log.Warn().Err(err).Msg("dropping push request")
		c.Status(http.StatusNoContent)
		return
	}

	if err := s.opts.Push.Deliver(c.Request.Context(), env.Message.MessageID, env.Message.Data); err != nil {
		if errors.Is(err, context.Canceled) {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		log.Warn().Err(err).Str("message_id", env.Message.MessageID).Msg("dropping push notification")
	}
	c.Status(http.StatusNoContent)
}
