package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	"github.com/smallbiznis/plangate/internal/clock"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/observability/metrics"
	"github.com/smallbiznis/plangate/internal/orgcontext"
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	trialguarddomain "github.com/smallbiznis/plangate/internal/trialguard/domain"
	"github.com/smallbiznis/plangate/pkg/db/option"
	"github.com/smallbiznis/plangate/pkg/db/pagination"
	"github.com/smallbiznis/plangate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID            *snowflake.Node
	clock            clock.Clock
	repo             subscriptiondomain.Repository
	subscriptionRepo repository.Repository[subscriptiondomain.Subscription]

	catalogRepo catalogdomain.Repository
	guard       trialguarddomain.Guard
	resolver    entitlementdomain.Resolver
	provider    providerdomain.Client
	metrics     *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository

	CatalogRepo catalogdomain.Repository
	Guard       trialguarddomain.Guard
	Resolver    entitlementdomain.Resolver
	Provider    providerdomain.Client
	Metrics     *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		subscriptionRepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),

		catalogRepo: p.CatalogRepo,
		guard:       p.Guard,
		resolver:    p.Resolver,
		provider:    p.Provider,
		metrics:     p.Metrics,
	}
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidOrganization
	}

	filter := &subscriptiondomain.Subscription{
		OrganizationID: orgID,
	}

	statusFilter, err := parseStatusFilter(req.Status)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}
	if statusFilter != nil {
		filter.Status = *statusFilter
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.subscriptionRepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.WithQuerySortBy("created_at", "desc", map[string]bool{"created_at": true})),
	)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *subscriptiondomain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	subscriptions := make([]subscriptiondomain.SubscriptionResponse, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		subscriptions = append(subscriptions, toResponse(item))
	}

	resp := subscriptiondomain.ListSubscriptionResponse{
		Subscriptions: subscriptions,
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}

	return resp, nil
}

func (s *Service) GetByProviderID(ctx context.Context, providerSubscriptionID string) (subscriptiondomain.SubscriptionResponse, error) {
	subscription, err := s.findOwned(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	return toResponse(subscription), nil
}

func (s *Service) ListOneTimePurchases(ctx context.Context) ([]subscriptiondomain.OneTimePurchaseResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}

	purchases, err := s.repo.ListOneTimePurchases(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]subscriptiondomain.OneTimePurchaseResponse, 0, len(purchases))
	for _, purchase := range purchases {
		resp = append(resp, toPurchaseResponse(&purchase))
	}
	return resp, nil
}

func (s *Service) StartTrial(ctx context.Context, req subscriptiondomain.StartTrialRequest) (subscriptiondomain.SubscriptionResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidOrganization
	}

	planID, err := s.parseID(req.PlanID, subscriptiondomain.ErrInvalidPlan)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	providerSubscriptionID := strings.TrimSpace(req.ProviderSubscriptionID)
	if providerSubscriptionID == "" {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidSubscription
	}

	fingerprint := strings.TrimSpace(req.CardFingerprint)
	if fingerprint == "" {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidFingerprint
	}

	plan, err := s.catalogRepo.FindPlan(ctx, s.db, planID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if plan == nil || !plan.Active {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidPlan
	}
	if plan.TrialPeriodDays <= 0 {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrTrialNotOffered
	}

	var (
		created *subscriptiondomain.Subscription
		blocked bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.guard.CheckEligibility(ctx, tx, orgID, plan.ToolID); err != nil {
			return err
		}

		winner, err := s.guard.ClaimFingerprint(ctx, tx, orgID, plan.ToolID, fingerprint)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		trialEnd := now.AddDate(0, 0, plan.TrialPeriodDays)

		subscription := &subscriptiondomain.Subscription{
			ID:                     s.genID.Generate(),
			OrganizationID:         orgID,
			PlanID:                 &plan.ID,
			ProviderSubscriptionID: providerSubscriptionID,
			Status:                 subscriptiondomain.SubscriptionStatusTrialing,
			TrialStart:             &now,
			TrialEnd:               &trialEnd,
			CurrentPeriodStart:     &now,
			CurrentPeriodEnd:       &trialEnd,
			CreatedAt:              now,
			UpdatedAt:              now,
		}

		// The losing organization still gets a row for billing history,
		// but it never grants access.
		if !winner {
			blocked = true
			reason := subscriptiondomain.CancellationReasonDuplicateCard
			subscription.Status = subscriptiondomain.SubscriptionStatusCanceled
			subscription.CancellationReason = &reason
		}

		if err := s.repo.Insert(ctx, tx, subscription); err != nil {
			return err
		}
		created = subscription

		return s.resolver.ResolveOrganization(ctx, tx, orgID)
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	if blocked {
		s.metrics.RecordTrialBlocked()
		s.log.Info("trial blocked by duplicate card",
			zap.String("organization_id", orgID.String()),
			zap.String("plan_id", plan.ID.String()),
		)
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrTrialBlocked
	}

	return toResponse(created), nil
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

// findOwned loads a subscription by provider id and enforces that it belongs
// to the calling organization.
func (s *Service) findOwned(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}

	trimmed := strings.TrimSpace(providerSubscriptionID)
	if trimmed == "" {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}

	subscription, err := s.repo.FindByProviderID(ctx, db, trimmed)
	if err != nil {
		return nil, err
	}
	if subscription == nil || subscription.OrganizationID != orgID {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func parseStatusFilter(value string) (*subscriptiondomain.SubscriptionStatus, error) {
	status := strings.TrimSpace(strings.ToLower(value))
	if status == "" {
		return nil, nil
	}

	parsed := subscriptiondomain.SubscriptionStatus(status)
	if !subscriptiondomain.IsValidStatus(parsed) {
		return nil, subscriptiondomain.ErrInvalidStatus
	}
	return &parsed, nil
}

func toResponse(subscription *subscriptiondomain.Subscription) subscriptiondomain.SubscriptionResponse {
	resp := subscriptiondomain.SubscriptionResponse{
		ID:                     subscription.ID.String(),
		OrganizationID:         subscription.OrganizationID.String(),
		ProviderSubscriptionID: subscription.ProviderSubscriptionID,
		Status:                 subscription.Status,
		TrialStart:             subscription.TrialStart,
		TrialEnd:               subscription.TrialEnd,
		CurrentPeriodStart:     subscription.CurrentPeriodStart,
		CurrentPeriodEnd:       subscription.CurrentPeriodEnd,
		CancelAtPeriodEnd:      subscription.CancelAtPeriodEnd,
		CreatedAt:              subscription.CreatedAt,
	}
	resp.PlanID = idString(subscription.PlanID)
	resp.BundleID = idString(subscription.BundleID)
	resp.UpcomingPlanID = idString(subscription.UpcomingPlanID)
	resp.UpcomingBundleID = idString(subscription.UpcomingBundleID)
	if subscription.CancellationReason != nil {
		reason := string(*subscription.CancellationReason)
		resp.CancellationReason = &reason
	}
	return resp
}

func toPurchaseResponse(purchase *subscriptiondomain.OneTimePurchase) subscriptiondomain.OneTimePurchaseResponse {
	resp := subscriptiondomain.OneTimePurchaseResponse{
		ID:                      purchase.ID.String(),
		OrganizationID:          purchase.OrganizationID.String(),
		ProviderPaymentIntentID: purchase.ProviderPaymentIntentID,
		AmountPaid:              purchase.AmountPaid,
		Currency:                purchase.Currency,
		Status:                  purchase.Status,
		CreatedAt:               purchase.CreatedAt,
	}
	resp.PlanID = idString(purchase.PlanID)
	resp.BundleID = idString(purchase.BundleID)
	return resp
}

func idString(id *snowflake.ID) *string {
	if id == nil || *id == 0 {
		return nil
	}
	value := id.String()
	return &value
}
