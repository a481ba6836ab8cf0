package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/plangate/internal/planchange/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindDuePendingChanges(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, organization_id, plan_id, bundle_id, provider_subscription_id, status,
		 trial_start, trial_end, current_period_start, current_period_end, cancel_at_period_end,
		 cancellation_reason, upcoming_plan_id, upcoming_bundle_id, provider_updated_at, metadata,
		 created_at, updated_at
		 FROM subscriptions
		 WHERE (upcoming_plan_id IS NOT NULL OR upcoming_bundle_id IS NOT NULL)
		   AND current_period_end IS NOT NULL
		   AND current_period_end <= ?
		 ORDER BY current_period_end
		 LIMIT ?`,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}
