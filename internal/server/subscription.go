package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	planchangedomain "github.com/smallbiznis/plangate/internal/planchange/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"github.com/smallbiznis/plangate/pkg/db/pagination"
)

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListSubscriptionRequest{
		Status:    strings.TrimSpace(query.Status),
		PageToken: query.PageToken,
		PageSize:  int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Subscriptions, "page_info": resp.PageInfo})
}

func (s *Server) GetSubscription(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("providerId"))
	if providerID == "" {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider_id", "invalid provider id"))
		return
	}

	item, err := s.subscriptionSvc.GetByProviderID(c.Request.Context(), providerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListOneTimePurchases(c *gin.Context) {
	purchases, err := s.subscriptionSvc.ListOneTimePurchases(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": purchases})
}

func (s *Server) StartTrial(c *gin.Context) {
	var req subscriptiondomain.StartTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.StartTrial(c.Request.Context(), subscriptiondomain.StartTrialRequest{
		PlanID:                 strings.TrimSpace(req.PlanID),
		ProviderSubscriptionID: strings.TrimSpace(req.ProviderSubscriptionID),
		CardFingerprint:        strings.TrimSpace(req.CardFingerprint),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("providerId"))
	if providerID == "" {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider_id", "invalid provider id"))
		return
	}

	resp, err := s.subscriptionSvc.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		ProviderSubscriptionID: providerID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResumeSubscription(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("providerId"))
	if providerID == "" {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider_id", "invalid provider id"))
		return
	}

	resp, err := s.subscriptionSvc.Resume(c.Request.Context(), subscriptiondomain.ResumeRequest{
		ProviderSubscriptionID: providerID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelTrial(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("providerId"))
	if providerID == "" {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider_id", "invalid provider id"))
		return
	}

	resp, err := s.subscriptionSvc.CancelTrialNow(c.Request.Context(), providerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ScheduleChange(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("providerId"))
	if providerID == "" {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider_id", "invalid provider id"))
		return
	}

	var req planchangedomain.ChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ProviderSubscriptionID = providerID
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.BundleID = strings.TrimSpace(req.BundleID)

	resp, err := s.planChangeSvc.ScheduleChange(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelScheduledChange(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("providerId"))
	if providerID == "" {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider_id", "invalid provider id"))
		return
	}

	resp, err := s.subscriptionSvc.CancelScheduledChange(c.Request.Context(), providerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SyncSubscription(c *gin.Context) {
	providerID := strings.TrimSpace(c.Param("providerId"))
	if providerID == "" {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider_id", "invalid provider id"))
		return
	}

	resp, err := s.reconcileSvc.SyncSubscription(c.Request.Context(), providerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
