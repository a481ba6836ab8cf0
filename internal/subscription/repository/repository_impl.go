package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, organization_id, plan_id, bundle_id, provider_subscription_id, status,
	 trial_start, trial_end, current_period_start, current_period_end, cancel_at_period_end,
	 cancellation_reason, upcoming_plan_id, upcoming_bundle_id, provider_updated_at, metadata,
	 created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, organization_id, plan_id, bundle_id, provider_subscription_id, status,
			trial_start, trial_end, current_period_start, current_period_end, cancel_at_period_end,
			cancellation_reason, upcoming_plan_id, upcoming_bundle_id, provider_updated_at, metadata,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.OrganizationID,
		subscription.PlanID,
		subscription.BundleID,
		subscription.ProviderSubscriptionID,
		subscription.Status,
		subscription.TrialStart,
		subscription.TrialEnd,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CancellationReason,
		subscription.UpcomingPlanID,
		subscription.UpcomingBundleID,
		subscription.ProviderUpdatedAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		 FROM subscriptions WHERE organization_id = ? AND id = ?`
	query += lockSuffix(db)

	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(query, orgID, id).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByProviderIDForUpdate(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		 FROM subscriptions WHERE provider_subscription_id = ?`
	query += lockSuffix(db)

	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(query, providerSubscriptionID).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListByOrganization(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE organization_id = ? ORDER BY created_at DESC`,
		orgID,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription, prevUpdatedAt time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?, bundle_id = ?, status = ?, trial_start = ?, trial_end = ?,
		     current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?,
		     cancellation_reason = ?, upcoming_plan_id = ?, upcoming_bundle_id = ?,
		     provider_updated_at = ?, updated_at = ?
		 WHERE id = ? AND updated_at = ?`,
		subscription.PlanID,
		subscription.BundleID,
		subscription.Status,
		subscription.TrialStart,
		subscription.TrialEnd,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CancellationReason,
		subscription.UpcomingPlanID,
		subscription.UpcomingBundleID,
		subscription.ProviderUpdatedAt,
		subscription.UpdatedAt,
		subscription.ID,
		prevUpdatedAt,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrConcurrentUpdate
	}
	return nil
}

func (r *repo) InsertOneTimePurchase(ctx context.Context, db *gorm.DB, purchase *subscriptiondomain.OneTimePurchase) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO one_time_purchases (
			id, organization_id, plan_id, bundle_id, provider_payment_intent_id,
			amount_paid, currency, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		purchase.ID,
		purchase.OrganizationID,
		purchase.PlanID,
		purchase.BundleID,
		purchase.ProviderPaymentIntentID,
		purchase.AmountPaid,
		purchase.Currency,
		purchase.Status,
		purchase.CreatedAt,
	).Error
}

func (r *repo) ListOneTimePurchases(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]subscriptiondomain.OneTimePurchase, error) {
	var purchases []subscriptiondomain.OneTimePurchase
	err := db.WithContext(ctx).Raw(
		`SELECT id, organization_id, plan_id, bundle_id, provider_payment_intent_id,
		 amount_paid, currency, status, created_at
		 FROM one_time_purchases WHERE organization_id = ? ORDER BY created_at DESC`,
		orgID,
	).Scan(&purchases).Error
	if err != nil {
		return nil, err
	}
	return purchases, nil
}

// lockSuffix appends a row lock where the dialect supports one. sqlite
// serializes writers itself.
func lockSuffix(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}
