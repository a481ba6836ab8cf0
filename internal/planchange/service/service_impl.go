package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	"github.com/smallbiznis/plangate/internal/clock"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/orgcontext"
	"github.com/smallbiznis/plangate/internal/planchange/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock

	Repo             domain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	CatalogRepo      catalogdomain.Repository
	Resolver         entitlementdomain.Resolver
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	repo             domain.Repository
	subscriptionRepo subscriptiondomain.Repository
	catalogRepo      catalogdomain.Repository
	resolver         entitlementdomain.Resolver
}

func New(p Params) domain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("planchange.service"),
		clock:            p.Clock,
		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		catalogRepo:      p.CatalogRepo,
		resolver:         p.Resolver,
	}
}

func (s *Service) ScheduleChange(ctx context.Context, req domain.ChangeRequest) (subscriptiondomain.SubscriptionResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidOrganization
	}

	targetPlanID, targetBundleID, err := parseTarget(req)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	subscription, err := s.subscriptionRepo.FindByProviderID(ctx, s.db, strings.TrimSpace(req.ProviderSubscriptionID))
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if subscription == nil || subscription.OrganizationID != orgID {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	switch subscription.Status {
	case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusTrialing:
	default:
		return subscriptiondomain.SubscriptionResponse{}, domain.ErrNotChangeable
	}

	currentPlanID, currentBundleID := subscription.Target()
	if targetPlanID == currentPlanID && targetBundleID == currentBundleID {
		return subscriptiondomain.SubscriptionResponse{}, domain.ErrSameTarget
	}

	currentRank, err := s.rankOf(ctx, currentPlanID, currentBundleID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	targetRank, err := s.rankOf(ctx, targetPlanID, targetBundleID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	upgrade := targetRank > currentRank

	var result *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.subscriptionRepo.FindByProviderIDForUpdate(ctx, tx, subscription.ProviderSubscriptionID)
		if err != nil {
			return err
		}
		if locked == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		prevUpdatedAt := locked.UpdatedAt
		now := s.clock.Now().UTC()

		if upgrade {
			setTarget(locked, targetPlanID, targetBundleID)
			locked.UpcomingPlanID = nil
			locked.UpcomingBundleID = nil
		} else {
			if targetPlanID != 0 {
				locked.UpcomingPlanID = &targetPlanID
				locked.UpcomingBundleID = nil
			} else {
				locked.UpcomingBundleID = &targetBundleID
				locked.UpcomingPlanID = nil
			}
		}
		locked.UpdatedAt = now

		if err := s.subscriptionRepo.UpdateLifecycle(ctx, tx, locked, prevUpdatedAt); err != nil {
			return err
		}
		result = locked

		// A deferred downgrade leaves entitlements untouched until the
		// period boundary.
		if upgrade {
			return s.resolver.ResolveOrganization(ctx, tx, locked.OrganizationID)
		}
		return nil
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	s.log.Info("plan change scheduled",
		zap.String("provider_subscription_id", result.ProviderSubscriptionID),
		zap.Bool("immediate", upgrade),
	)
	return toResponse(result), nil
}

func (s *Service) CommitDueChange(subscription *subscriptiondomain.Subscription, now time.Time) bool {
	if !subscription.HasPendingChange() || !subscription.PeriodEnded(now) {
		return false
	}

	if subscription.UpcomingPlanID != nil {
		planID := *subscription.UpcomingPlanID
		subscription.PlanID = &planID
		subscription.BundleID = nil
	} else if subscription.UpcomingBundleID != nil {
		bundleID := *subscription.UpcomingBundleID
		subscription.BundleID = &bundleID
		subscription.PlanID = nil
	}
	subscription.UpcomingPlanID = nil
	subscription.UpcomingBundleID = nil
	return true
}

func (s *Service) SweepDueChanges(ctx context.Context, batchSize int) (int, error) {
	now := s.clock.Now().UTC()
	due, err := s.repo.FindDuePendingChanges(ctx, s.db, now, batchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, candidate := range due {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := s.subscriptionRepo.FindByProviderIDForUpdate(ctx, tx, candidate.ProviderSubscriptionID)
			if err != nil {
				return err
			}
			if locked == nil {
				return nil
			}

			prevUpdatedAt := locked.UpdatedAt
			if !s.CommitDueChange(locked, now) {
				return nil
			}
			locked.UpdatedAt = now

			if err := s.subscriptionRepo.UpdateLifecycle(ctx, tx, locked, prevUpdatedAt); err != nil {
				return err
			}
			applied++
			return s.resolver.ResolveOrganization(ctx, tx, locked.OrganizationID)
		})
		if err != nil {
			// A concurrent reconciliation may have already applied the
			// change; the next sweep picks up anything still pending.
			if errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
				continue
			}
			return applied, err
		}
	}
	return applied, nil
}

// rankOf normalizes plans and bundles onto one upgrade ladder.
func (s *Service) rankOf(ctx context.Context, planID, bundleID snowflake.ID) (int, error) {
	switch {
	case planID != 0:
		plan, err := s.catalogRepo.FindPlan(ctx, s.db, planID)
		if err != nil {
			return 0, err
		}
		if plan == nil {
			return 0, subscriptiondomain.ErrInvalidPlan
		}
		return plan.Tier.Rank(), nil
	case bundleID != 0:
		bundle, err := s.catalogRepo.FindBundle(ctx, s.db, bundleID)
		if err != nil {
			return 0, err
		}
		if bundle == nil {
			return 0, subscriptiondomain.ErrInvalidPlan
		}
		return bundle.Rank, nil
	default:
		return 0, domain.ErrUnknownRank
	}
}

func parseTarget(req domain.ChangeRequest) (snowflake.ID, snowflake.ID, error) {
	planRaw := strings.TrimSpace(req.PlanID)
	bundleRaw := strings.TrimSpace(req.BundleID)

	switch {
	case planRaw == "" && bundleRaw == "":
		return 0, 0, subscriptiondomain.ErrMissingTarget
	case planRaw != "" && bundleRaw != "":
		return 0, 0, subscriptiondomain.ErrAmbiguousTarget
	case planRaw != "":
		planID, err := snowflake.ParseString(planRaw)
		if err != nil || planID == 0 {
			return 0, 0, subscriptiondomain.ErrInvalidPlan
		}
		return planID, 0, nil
	default:
		bundleID, err := snowflake.ParseString(bundleRaw)
		if err != nil || bundleID == 0 {
			return 0, 0, subscriptiondomain.ErrInvalidPlan
		}
		return 0, bundleID, nil
	}
}

func setTarget(subscription *subscriptiondomain.Subscription, planID, bundleID snowflake.ID) {
	if planID != 0 {
		subscription.PlanID = &planID
		subscription.BundleID = nil
		return
	}
	subscription.BundleID = &bundleID
	subscription.PlanID = nil
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
	if subscription.PlanID != nil && *subscription.PlanID != 0 {
		value := subscription.PlanID.String()
		resp.PlanID = &value
	}
	if subscription.BundleID != nil && *subscription.BundleID != 0 {
		value := subscription.BundleID.String()
		resp.BundleID = &value
	}
	if subscription.UpcomingPlanID != nil && *subscription.UpcomingPlanID != 0 {
		value := subscription.UpcomingPlanID.String()
		resp.UpcomingPlanID = &value
	}
	if subscription.UpcomingBundleID != nil && *subscription.UpcomingBundleID != 0 {
		value := subscription.UpcomingBundleID.String()
		resp.UpcomingBundleID = &value
	}
	return resp
}
