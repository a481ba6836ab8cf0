package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/entitlement/domain"
	"gorm.io/gorm"
)

const entitlementColumns = `id, organization_id, tool_id, feature_id, limit_amount, usage_amount,
	 reset_period, last_reset_at, enabled, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ActiveTargets(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time, graceCutoff time.Time) ([]domain.SubscriptionTarget, error) {
	var targets []domain.SubscriptionTarget
	err := db.WithContext(ctx).Raw(
		`SELECT plan_id, bundle_id
		 FROM subscriptions
		 WHERE organization_id = ?
		   AND (
		     (status IN ('active', 'trialing') AND (current_period_end IS NULL OR current_period_end > ?))
		     OR
		     (status = 'past_due' AND (current_period_end IS NULL OR current_period_end > ?))
		   )`,
		orgID,
		now,
		graceCutoff,
	).Scan(&targets).Error
	if err != nil {
		return nil, err
	}
	return targets, nil
}

func (r *repo) ListByOrganization(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.OrganizationEntitlement, error) {
	var items []domain.OrganizationEntitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+entitlementColumns+`
		 FROM organization_entitlements WHERE organization_id = ? ORDER BY feature_id`,
		orgID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByFeature(ctx context.Context, db *gorm.DB, orgID, featureID snowflake.ID) (*domain.OrganizationEntitlement, error) {
	var item domain.OrganizationEntitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+entitlementColumns+`
		 FROM organization_entitlements WHERE organization_id = ? AND feature_id = ?`,
		orgID,
		featureID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entitlement *domain.OrganizationEntitlement) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO organization_entitlements (
			id, organization_id, tool_id, feature_id, limit_amount, usage_amount,
			reset_period, last_reset_at, enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entitlement.ID,
		entitlement.OrganizationID,
		entitlement.ToolID,
		entitlement.FeatureID,
		entitlement.LimitAmount,
		entitlement.UsageAmount,
		entitlement.ResetPeriod,
		entitlement.LastResetAt,
		entitlement.Enabled,
		entitlement.UpdatedAt,
	).Error
}

func (r *repo) UpdateGrant(ctx context.Context, db *gorm.DB, entitlement *domain.OrganizationEntitlement) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_entitlements
		 SET tool_id = ?, limit_amount = ?, reset_period = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		entitlement.ToolID,
		entitlement.LimitAmount,
		entitlement.ResetPeriod,
		entitlement.Enabled,
		entitlement.UpdatedAt,
		entitlement.ID,
	).Error
}

func (r *repo) SetEnabled(ctx context.Context, db *gorm.DB, id snowflake.ID, enabled bool, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_entitlements SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled,
		now,
		id,
	).Error
}
