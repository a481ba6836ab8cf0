package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrToolNotFound    = errors.New("tool_not_found")
	ErrFeatureNotFound = errors.New("feature_not_found")
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrBundleNotFound  = errors.New("bundle_not_found")
)

type Repository interface {
	FindTool(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tool, error)
	FindFeature(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Feature, error)
	FindFeatureBySlug(ctx context.Context, db *gorm.DB, slug string) (*Feature, error)
	FindPlan(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindBundle(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bundle, error)
	ListPlans(ctx context.Context, db *gorm.DB, toolID snowflake.ID) ([]Plan, error)
	ListBundles(ctx context.Context, db *gorm.DB) ([]Bundle, error)

	// PlanGrants returns the resolved feature grants of a single plan.
	PlanGrants(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]FeatureGrant, error)

	// BundleGrants returns the grants of every plan in the bundle, one row
	// per (plan, feature) pair. Merging duplicates is the caller's job.
	BundleGrants(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]FeatureGrant, error)
}
