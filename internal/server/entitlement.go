package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListEntitlements(c *gin.Context) {
	entitlements, err := s.entitlementSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entitlements})
}

// ResolveEntitlements forces a recompute for the calling organization. The
// resolver runs on every lifecycle transition already; this endpoint exists
// for support tooling and drift repair.
func (s *Server) ResolveEntitlements(c *gin.Context) {
	if err := s.entitlementSvc.Resolve(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) CheckEntitlement(c *gin.Context) {
	slug := strings.TrimSpace(c.Param("featureSlug"))
	if slug == "" {
		AbortWithError(c, newValidationError("feature_slug", "invalid_feature_slug", "invalid feature slug"))
		return
	}

	resp, err := s.usageSvc.CheckEntitlement(c.Request.Context(), slug)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RecordUsage(c *gin.Context) {
	slug := strings.TrimSpace(c.Param("featureSlug"))
	if slug == "" {
		AbortWithError(c, newValidationError("feature_slug", "invalid_feature_slug", "invalid feature slug"))
		return
	}

	// Empty body means a single unit.
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	resp, err := s.usageSvc.RecordUsage(c.Request.Context(), slug, req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
