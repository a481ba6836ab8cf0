package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, orgID, featureID snowflake.ID) (*entitlementdomain.OrganizationEntitlement, error) {
	query := `SELECT id, organization_id, tool_id, feature_id, limit_amount, usage_amount,
		 reset_period, last_reset_at, enabled, updated_at
		 FROM organization_entitlements
		 WHERE organization_id = ? AND feature_id = ?`
	if db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var item entitlementdomain.OrganizationEntitlement
	err := db.WithContext(ctx).Raw(query, orgID, featureID).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ResetUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_entitlements
		 SET usage_amount = 0, last_reset_at = ?, updated_at = ?
		 WHERE id = ?`,
		now,
		now,
		id,
	).Error
}

func (r *repo) IncrementUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_entitlements
		 SET usage_amount = usage_amount + ?, updated_at = ?
		 WHERE id = ?`,
		amount,
		now,
		id,
	).Error
}
