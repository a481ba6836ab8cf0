// Package domain defines plan and bundle changes: immediate upgrades and
// period-end downgrades.
package domain

import (
	"context"
	"errors"
	"time"

	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"gorm.io/gorm"
)

type ChangeRequest struct {
	ProviderSubscriptionID string `json:"-"`
	PlanID                 string `json:"plan_id"`
	BundleID               string `json:"bundle_id"`
}

type Service interface {
	// ScheduleChange moves the subscription to a new plan or bundle.
	// Upgrades swap the target immediately and re-resolve entitlements;
	// downgrades park the target in upcoming_plan_id/upcoming_bundle_id
	// until the period boundary.
	ScheduleChange(ctx context.Context, req ChangeRequest) (subscriptiondomain.SubscriptionResponse, error)

	// CommitDueChange swaps in a pending change once the period boundary
	// has passed. It mutates the row in memory and reports whether a swap
	// happened; persisting and re-resolving remain the caller's job so the
	// commit can ride inside a reconciliation transaction.
	CommitDueChange(subscription *subscriptiondomain.Subscription, now time.Time) bool

	// SweepDueChanges finds subscriptions whose deferred change is due and
	// applies each in its own transaction. Returns how many were applied.
	SweepDueChanges(ctx context.Context, batchSize int) (int, error)
}

type Repository interface {
	// FindDuePendingChanges returns subscriptions with an upcoming plan or
	// bundle whose current period has ended.
	FindDuePendingChanges(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error)
}

var (
	ErrSameTarget    = errors.New("change_target_equals_current")
	ErrUnknownRank   = errors.New("change_target_rank_unknown")
	ErrNotChangeable = errors.New("subscription_not_changeable")
)
