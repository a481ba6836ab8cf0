package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Cancel requests cancellation. Paid subscriptions keep access until the
// period ends; a free trial has nothing left to bill and cancels on the
// spot. The provider is told first so local state never gets ahead of it.
func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (subscriptiondomain.SubscriptionResponse, error) {
	subscription, err := s.findOwned(ctx, s.db, req.ProviderSubscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidTransition
	}

	freeTrial, err := s.isFreeTrial(ctx, subscription)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	idempotencyKey := uuid.NewString()
	if freeTrial {
		if _, err := s.provider.CancelNow(ctx, subscription.ProviderSubscriptionID, idempotencyKey); err != nil {
			return subscriptiondomain.SubscriptionResponse{}, err
		}
		return s.transition(ctx, subscription.ProviderSubscriptionID, func(sub *subscriptiondomain.Subscription) error {
			if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.SubscriptionStatusCanceled) {
				return subscriptiondomain.ErrInvalidTransition
			}
			reason := subscriptiondomain.CancellationReasonUser
			sub.Status = subscriptiondomain.SubscriptionStatusCanceled
			sub.CancellationReason = &reason
			sub.CancelAtPeriodEnd = false
			return nil
		})
	}

	if _, err := s.provider.CancelAtPeriodEnd(ctx, subscription.ProviderSubscriptionID, idempotencyKey); err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	return s.transition(ctx, subscription.ProviderSubscriptionID, func(sub *subscriptiondomain.Subscription) error {
		if sub.Status == subscriptiondomain.SubscriptionStatusCanceled {
			return subscriptiondomain.ErrInvalidTransition
		}
		sub.CancelAtPeriodEnd = true
		return nil
	})
}

// Resume withdraws a pending cancel-at-period-end before it takes effect.
func (s *Service) Resume(ctx context.Context, req subscriptiondomain.ResumeRequest) (subscriptiondomain.SubscriptionResponse, error) {
	subscription, err := s.findOwned(ctx, s.db, req.ProviderSubscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	switch subscription.Status {
	case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusTrialing:
	default:
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidTransition
	}
	if !subscription.CancelAtPeriodEnd {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrNoPendingCancel
	}

	if _, err := s.provider.Resume(ctx, subscription.ProviderSubscriptionID, uuid.NewString()); err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	return s.transition(ctx, subscription.ProviderSubscriptionID, func(sub *subscriptiondomain.Subscription) error {
		if !sub.CancelAtPeriodEnd {
			return subscriptiondomain.ErrNoPendingCancel
		}
		sub.CancelAtPeriodEnd = false
		return nil
	})
}

// CancelTrialNow revokes paid-feature access immediately during a trial,
// regardless of any pending period-end cancellation.
func (s *Service) CancelTrialNow(ctx context.Context, providerSubscriptionID string) (subscriptiondomain.SubscriptionResponse, error) {
	subscription, err := s.findOwned(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if subscription.Status != subscriptiondomain.SubscriptionStatusTrialing {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrNotTrialing
	}

	if _, err := s.provider.CancelNow(ctx, subscription.ProviderSubscriptionID, uuid.NewString()); err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	return s.transition(ctx, subscription.ProviderSubscriptionID, func(sub *subscriptiondomain.Subscription) error {
		if sub.Status != subscriptiondomain.SubscriptionStatusTrialing {
			return subscriptiondomain.ErrNotTrialing
		}
		reason := subscriptiondomain.CancellationReasonUser
		sub.Status = subscriptiondomain.SubscriptionStatusCanceled
		sub.CancellationReason = &reason
		sub.CancelAtPeriodEnd = false
		return nil
	})
}

// CancelScheduledChange clears a deferred downgrade. Entitlements never
// changed when the downgrade was scheduled, so there is nothing to resolve.
func (s *Service) CancelScheduledChange(ctx context.Context, providerSubscriptionID string) (subscriptiondomain.SubscriptionResponse, error) {
	subscription, err := s.findOwned(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if !subscription.HasPendingChange() {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrNoScheduledChange
	}

	return s.transitionNoResolve(ctx, subscription.ProviderSubscriptionID, func(sub *subscriptiondomain.Subscription) error {
		if !sub.HasPendingChange() {
			return subscriptiondomain.ErrNoScheduledChange
		}
		sub.UpcomingPlanID = nil
		sub.UpcomingBundleID = nil
		return nil
	})
}

// transition applies mutate under a row lock with a compare-and-swap on
// updated_at, then re-resolves the organization's entitlements in the same
// transaction. A concurrent-update loss is retried once against a fresh
// read before surfacing.
func (s *Service) transition(ctx context.Context, providerSubscriptionID string, mutate func(*subscriptiondomain.Subscription) error) (subscriptiondomain.SubscriptionResponse, error) {
	return s.runTransition(ctx, providerSubscriptionID, mutate, true)
}

func (s *Service) transitionNoResolve(ctx context.Context, providerSubscriptionID string, mutate func(*subscriptiondomain.Subscription) error) (subscriptiondomain.SubscriptionResponse, error) {
	return s.runTransition(ctx, providerSubscriptionID, mutate, false)
}

func (s *Service) runTransition(ctx context.Context, providerSubscriptionID string, mutate func(*subscriptiondomain.Subscription) error, resolve bool) (subscriptiondomain.SubscriptionResponse, error) {
	var result *subscriptiondomain.Subscription

	for attempt := 0; attempt < 2; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			subscription, err := s.repo.FindByProviderIDForUpdate(ctx, tx, providerSubscriptionID)
			if err != nil {
				return err
			}
			if subscription == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}

			prevUpdatedAt := subscription.UpdatedAt
			if err := mutate(subscription); err != nil {
				return err
			}
			subscription.UpdatedAt = s.clock.Now().UTC()

			if err := s.repo.UpdateLifecycle(ctx, tx, subscription, prevUpdatedAt); err != nil {
				return err
			}
			result = subscription

			if resolve {
				return s.resolver.ResolveOrganization(ctx, tx, subscription.OrganizationID)
			}
			return nil
		})
		if err == nil {
			return toResponse(result), nil
		}
		if !errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
			return subscriptiondomain.SubscriptionResponse{}, err
		}

		s.metrics.RecordConflictRetry()
		s.log.Warn("subscription transition lost concurrency race",
			zap.String("provider_subscription_id", providerSubscriptionID),
			zap.Int("attempt", attempt+1),
		)
	}

	return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrConcurrentUpdate
}

func (s *Service) isFreeTrial(ctx context.Context, subscription *subscriptiondomain.Subscription) (bool, error) {
	if subscription.Status != subscriptiondomain.SubscriptionStatusTrialing || subscription.PlanID == nil {
		return false, nil
	}
	plan, err := s.catalogRepo.FindPlan(ctx, s.db, *subscription.PlanID)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, nil
	}
	return plan.IsFreeTrial(), nil
}
