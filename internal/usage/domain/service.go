// Package domain defines the usage counter: quota checks and increments
// against entitlement rows, with lazy period resets.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"gorm.io/gorm"
)

type CheckResponse struct {
	FeatureSlug string `json:"feature_slug"`
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	LimitAmount *int64 `json:"limit_amount,omitempty"`
	UsageAmount int64  `json:"usage_amount"`
}

type RecordResponse struct {
	FeatureSlug string `json:"feature_slug"`
	LimitAmount *int64 `json:"limit_amount,omitempty"`
	UsageAmount int64  `json:"usage_amount"`
}

const (
	ReasonNotEntitled   = "not_entitled"
	ReasonLimitExceeded = "limit_exceeded"
)

type Service interface {
	// CheckEntitlement reports whether the organization may use the feature
	// right now. Boolean features pass on an enabled row; metered features
	// additionally require headroom under the limit.
	CheckEntitlement(ctx context.Context, featureSlug string) (CheckResponse, error)

	// RecordUsage adds amount to the feature's counter. The check and the
	// increment happen under one row lock; an over-limit request fails with
	// ErrLimitExceeded and leaves the counter untouched.
	RecordUsage(ctx context.Context, featureSlug string, amount int64) (RecordResponse, error)
}

type Repository interface {
	FindForUpdate(ctx context.Context, db *gorm.DB, orgID, featureID snowflake.ID) (*entitlementdomain.OrganizationEntitlement, error)
	ResetUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	IncrementUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrNotEntitled         = errors.New("feature_not_entitled")
	ErrLimitExceeded       = errors.New("limit_exceeded")
)
