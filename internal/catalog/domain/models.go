// Package domain contains the read-only plan and bundle catalog consumed by
// the entitlement engine. Rows are owned by the admin surface; the engine
// never writes them.
package domain

import (
	"github.com/bwmarrin/snowflake"
)

// FeatureType distinguishes on/off features from quota-gated ones.
type FeatureType string

const (
	FeatureTypeBoolean FeatureType = "boolean"
	FeatureTypeMetered FeatureType = "metered"
)

// PlanTier orders plans within a tool.
type PlanTier string

const (
	TierBasic    PlanTier = "basic"
	TierPremium  PlanTier = "premium"
	TierPlatinum PlanTier = "platinum"
	TierDiamond  PlanTier = "diamond"
)

// Rank returns the tier's position on the upgrade ladder. Unknown tiers
// rank below basic so a malformed row can never look like an upgrade.
func (t PlanTier) Rank() int {
	switch t {
	case TierBasic:
		return 1
	case TierPremium:
		return 2
	case TierPlatinum:
		return 3
	case TierDiamond:
		return 4
	default:
		return 0
	}
}

type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
	IntervalOneTime BillingInterval = "one_time"
)

// ResetPeriod is the cadence at which a metered counter returns to zero.
type ResetPeriod string

const (
	ResetMonthly ResetPeriod = "monthly"
	ResetYearly  ResetPeriod = "yearly"
	ResetNever   ResetPeriod = "never"
)

type Tool struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Name        string       `gorm:"not null"`
	Slug        string       `gorm:"not null;uniqueIndex"`
	Description string
	IsActive    bool `gorm:"not null;default:true"`
}

func (Tool) TableName() string { return "tools" }

type Feature struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	ToolID      snowflake.ID `gorm:"not null;index"`
	Name        string       `gorm:"not null"`
	Slug        string       `gorm:"not null;uniqueIndex"`
	Type        FeatureType  `gorm:"type:text;not null"`
	Description string
}

func (Feature) TableName() string { return "features" }

type Plan struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	Name            string          `gorm:"not null"`
	ToolID          snowflake.ID    `gorm:"not null;index"`
	Tier            PlanTier        `gorm:"type:text;not null"`
	Price           int64           `gorm:"not null;default:0"`
	Currency        string          `gorm:"not null;default:USD"`
	Interval        BillingInterval `gorm:"type:text;not null"`
	TrialPeriodDays int             `gorm:"not null;default:0"`
	IsPublic        bool            `gorm:"not null;default:true"`
	Active          bool            `gorm:"not null;default:true"`
}

func (Plan) TableName() string { return "plans" }

// IsFreeTrial reports whether the plan grants a trial without charging.
func (p Plan) IsFreeTrial() bool {
	return p.TrialPeriodDays > 0 && p.Price == 0
}

type PlanLimit struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	PlanID       snowflake.ID `gorm:"not null;index;uniqueIndex:idx_plan_feature"`
	FeatureID    snowflake.ID `gorm:"not null;uniqueIndex:idx_plan_feature"`
	DefaultLimit *int64
	ResetPeriod  ResetPeriod `gorm:"type:text;not null;default:never"`
}

func (PlanLimit) TableName() string { return "plan_limits" }

type Bundle struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Name          string       `gorm:"not null"`
	Slug          string       `gorm:"not null;uniqueIndex"`
	BundleGroupID *snowflake.ID
	Rank          int             `gorm:"not null;default:0"`
	Price         int64           `gorm:"not null;default:0"`
	Currency      string          `gorm:"not null;default:USD"`
	Interval      BillingInterval `gorm:"type:text;not null"`
	Active        bool            `gorm:"not null;default:true"`
}

func (Bundle) TableName() string { return "bundles" }

type BundlePlan struct {
	BundleID snowflake.ID `gorm:"not null;uniqueIndex:idx_bundle_plan"`
	PlanID   snowflake.ID `gorm:"not null;uniqueIndex:idx_bundle_plan"`
}

func (BundlePlan) TableName() string { return "bundle_plans" }

// FeatureGrant is a single resolved (feature, limit) pair contributed by a
// plan or bundle. Nil Limit means unlimited.
type FeatureGrant struct {
	FeatureID   snowflake.ID `gorm:"column:feature_id"`
	ToolID      snowflake.ID `gorm:"column:tool_id"`
	FeatureSlug string       `gorm:"column:feature_slug"`
	FeatureType FeatureType  `gorm:"column:feature_type"`
	Limit       *int64       `gorm:"column:default_limit"`
	ResetPeriod ResetPeriod  `gorm:"column:reset_period"`
}

// MorePermissiveThan reports whether g grants at least as much as other.
// Unlimited beats any finite limit; a higher finite limit beats a lower one.
func (g FeatureGrant) MorePermissiveThan(other FeatureGrant) bool {
	if g.Limit == nil {
		return true
	}
	if other.Limit == nil {
		return false
	}
	return *g.Limit >= *other.Limit
}
