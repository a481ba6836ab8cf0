package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/plangate/internal/orgcontext"
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
)

type checkoutRequest struct {
	PlanID     string `json:"plan_id"`
	BundleID   string `json:"bundle_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CreateCheckoutSession opens a provider-hosted checkout for a plan or
// bundle. Plans with a trial consult the abuse guard first so an ineligible
// organization fails here instead of after entering card details.
func (s *Server) CreateCheckoutSession(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.BundleID = strings.TrimSpace(req.BundleID)

	if (req.PlanID == "") == (req.BundleID == "") {
		AbortWithError(c, newValidationError("plan_id", "missing_plan_or_bundle", "exactly one of plan_id or bundle_id is required"))
		return
	}

	session := providerdomain.CheckoutSessionRequest{
		OrganizationID: orgID.String(),
		PlanID:         req.PlanID,
		BundleID:       req.BundleID,
		SuccessURL:     strings.TrimSpace(req.SuccessURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
	}

	if req.PlanID != "" {
		plan, err := s.catalogSvc.GetPlan(c.Request.Context(), req.PlanID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		session.PriceAmount = plan.Price
		session.Currency = plan.Currency
		session.TrialDays = plan.TrialPeriodDays

		if plan.TrialPeriodDays > 0 {
			toolID, err := snowflake.ParseString(plan.ToolID)
			if err != nil {
				AbortWithError(c, invalidRequestError())
				return
			}
			if err := s.trialGuard.CheckEligibility(c.Request.Context(), s.db, orgID, toolID); err != nil {
				AbortWithError(c, err)
				return
			}
		}
	} else {
		bundle, err := s.catalogSvc.GetBundle(c.Request.Context(), req.BundleID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		session.PriceAmount = bundle.Price
		session.Currency = bundle.Currency
	}

	resp, err := s.providerClient.CreateCheckoutSession(c.Request.Context(), session, uuid.NewString())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreatePortalSession(c *gin.Context) {
	var req struct {
		ProviderCustomerID string `json:"provider_customer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ProviderCustomerID) == "" {
		AbortWithError(c, newValidationError("provider_customer_id", "invalid_provider_customer_id", "invalid provider customer id"))
		return
	}

	resp, err := s.providerClient.CreatePortalSession(c.Request.Context(), strings.TrimSpace(req.ProviderCustomerID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListInvoices(c *gin.Context) {
	customerID := strings.TrimSpace(c.Query("provider_customer_id"))
	if customerID == "" {
		AbortWithError(c, newValidationError("provider_customer_id", "invalid_provider_customer_id", "invalid provider customer id"))
		return
	}

	invoices, err := s.providerClient.ListInvoices(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}
