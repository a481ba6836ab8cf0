package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindTool(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tool, error) {
	var t domain.Tool
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, slug, description, is_active FROM tools WHERE id = ?`,
		id,
	).Scan(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return nil, nil
	}
	return &t, nil
}

func (r *repo) FindFeature(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, tool_id, name, slug, type, description FROM features WHERE id = ?`,
		id,
	).Scan(&f).Error
	if err != nil {
		return nil, err
	}
	if f.ID == 0 {
		return nil, nil
	}
	return &f, nil
}

func (r *repo) FindFeatureBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, tool_id, name, slug, type, description FROM features WHERE slug = ?`,
		slug,
	).Scan(&f).Error
	if err != nil {
		return nil, err
	}
	if f.ID == 0 {
		return nil, nil
	}
	return &f, nil
}

func (r *repo) FindPlan(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	var p domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, tool_id, tier, price, currency, interval, trial_period_days, is_public, active
		 FROM plans WHERE id = ?`,
		id,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindBundle(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Bundle, error) {
	var b domain.Bundle
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, slug, bundle_group_id, rank, price, currency, interval, active
		 FROM bundles WHERE id = ?`,
		id,
	).Scan(&b).Error
	if err != nil {
		return nil, err
	}
	if b.ID == 0 {
		return nil, nil
	}
	return &b, nil
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB, toolID snowflake.ID) ([]domain.Plan, error) {
	var items []domain.Plan
	stmt := db.WithContext(ctx).
		Model(&domain.Plan{}).
		Where("active = ?", true)
	if toolID != 0 {
		stmt = stmt.Where("tool_id = ?", toolID)
	}
	if err := stmt.Order("tool_id, price").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListBundles(ctx context.Context, db *gorm.DB) ([]domain.Bundle, error) {
	var items []domain.Bundle
	err := db.WithContext(ctx).
		Model(&domain.Bundle{}).
		Where("active = ?", true).
		Order("rank, price").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) PlanGrants(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]domain.FeatureGrant, error) {
	var grants []domain.FeatureGrant
	err := db.WithContext(ctx).Raw(
		`SELECT f.id AS feature_id, f.tool_id AS tool_id, f.slug AS feature_slug,
		        f.type AS feature_type, pl.default_limit, pl.reset_period
		 FROM plan_limits pl
		 JOIN features f ON f.id = pl.feature_id
		 WHERE pl.plan_id = ?`,
		planID,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) BundleGrants(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]domain.FeatureGrant, error) {
	var grants []domain.FeatureGrant
	err := db.WithContext(ctx).Raw(
		`SELECT f.id AS feature_id, f.tool_id AS tool_id, f.slug AS feature_slug,
		        f.type AS feature_type, pl.default_limit, pl.reset_period
		 FROM bundle_plans bp
		 JOIN plan_limits pl ON pl.plan_id = bp.plan_id
		 JOIN features f ON f.id = pl.feature_id
		 WHERE bp.bundle_id = ?`,
		bundleID,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}
