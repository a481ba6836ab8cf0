// Package domain contains the persisted entitlement rows and the resolver
// contract that keeps them in sync with subscription state.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	"gorm.io/gorm"
)

// OrganizationEntitlement is the resolved right of one organization to use
// one feature. limit_amount nil means unlimited. usage_amount and
// last_reset_at belong to the usage counter; the resolver never writes them
// after the row exists.
type OrganizationEntitlement struct {
	ID             snowflake.ID               `gorm:"primaryKey"`
	OrganizationID snowflake.ID               `gorm:"not null;uniqueIndex:idx_org_feature"`
	ToolID         snowflake.ID               `gorm:"not null"`
	FeatureID      snowflake.ID               `gorm:"not null;uniqueIndex:idx_org_feature"`
	LimitAmount    *int64                     `gorm:""`
	UsageAmount    int64                      `gorm:"not null;default:0"`
	ResetPeriod    *catalogdomain.ResetPeriod `gorm:"type:text"`
	LastResetAt    *time.Time                 `gorm:""`
	Enabled        bool                       `gorm:"not null;default:true"`
	UpdatedAt      time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrganizationEntitlement) TableName() string { return "organization_entitlements" }

// SubscriptionTarget is one live subscription's plan or bundle reference, as
// seen by the resolver.
type SubscriptionTarget struct {
	PlanID   *snowflake.ID `gorm:"column:plan_id"`
	BundleID *snowflake.ID `gorm:"column:bundle_id"`
}

type Repository interface {
	// ActiveTargets returns the plan/bundle references of every subscription
	// that currently entitles the organization: active and trialing rows
	// whose period has not ended, plus past_due rows still inside the grace
	// window.
	ActiveTargets(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time, graceCutoff time.Time) ([]SubscriptionTarget, error)

	ListByOrganization(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]OrganizationEntitlement, error)
	FindByFeature(ctx context.Context, db *gorm.DB, orgID, featureID snowflake.ID) (*OrganizationEntitlement, error)
	Insert(ctx context.Context, db *gorm.DB, entitlement *OrganizationEntitlement) error

	// UpdateGrant rewrites the resolver-owned columns only.
	UpdateGrant(ctx context.Context, db *gorm.DB, entitlement *OrganizationEntitlement) error
	SetEnabled(ctx context.Context, db *gorm.DB, id snowflake.ID, enabled bool, now time.Time) error
}

// Resolver recomputes an organization's entitlement rows from its current
// subscriptions. Implementations must be idempotent: with unchanged inputs a
// second run performs zero writes.
type Resolver interface {
	ResolveOrganization(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error
}

type EntitlementResponse struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	ToolID         string     `json:"tool_id"`
	FeatureID      string     `json:"feature_id"`
	LimitAmount    *int64     `json:"limit_amount"`
	UsageAmount    int64      `json:"usage_amount"`
	ResetPeriod    *string    `json:"reset_period,omitempty"`
	LastResetAt    *time.Time `json:"last_reset_at,omitempty"`
	Enabled        bool       `json:"enabled"`
}

type Service interface {
	List(ctx context.Context) ([]EntitlementResponse, error)

	// Resolve recomputes entitlements for the calling organization inside
	// its own transaction.
	Resolve(ctx context.Context) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrFeatureNotEntitled  = errors.New("feature_not_entitled")
)
