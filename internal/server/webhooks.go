package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
	reconciledomain "github.com/smallbiznis/plangate/internal/reconcile/domain"
)

const signatureHeader = "Billing-Signature"

// HandleBillingWebhook ingests provider events. Replays and event types this
// engine does not react to both return 200 so the provider stops retrying.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	if err := s.providerWebhook.Verify(ctx, payload, c.GetHeader(signatureHeader)); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorPayload{
			Type:    "unauthorized",
			Message: "invalid signature",
		}})
		return
	}

	event, err := s.providerWebhook.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, providerdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	if err := s.reconcileSvc.HandleEvent(ctx, event); err != nil {
		if errors.Is(err, reconciledomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
