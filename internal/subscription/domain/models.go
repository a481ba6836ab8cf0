// Package domain contains persistence models for subscriptions and one-time
// purchases.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription. Values
// mirror the provider's vocabulary so reconciled snapshots map one-to-one.
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
)

// CancellationReason records why a subscription ended up canceled.
type CancellationReason string

const (
	CancellationReasonUser          CancellationReason = "user_requested"
	CancellationReasonDuplicateCard CancellationReason = "duplicate_card"
	CancellationReasonPaymentFailed CancellationReason = "payment_failed"
	CancellationReasonProvider      CancellationReason = "provider_deleted"
)

// Subscription captures an organization's billing agreement for a plan or a
// bundle. Provider-owned fields (status, period bounds, cancel flag) are only
// written from the reconciliation path; user actions go through transitions.
type Subscription struct {
	ID                     snowflake.ID        `gorm:"primaryKey"`
	OrganizationID         snowflake.ID        `gorm:"not null;index"`
	PlanID                 *snowflake.ID       `gorm:""`
	BundleID               *snowflake.ID       `gorm:""`
	ProviderSubscriptionID string              `gorm:"not null;uniqueIndex"`
	Status                 SubscriptionStatus  `gorm:"type:text;not null"`
	TrialStart             *time.Time          `gorm:""`
	TrialEnd               *time.Time          `gorm:""`
	CurrentPeriodStart     *time.Time          `gorm:""`
	CurrentPeriodEnd       *time.Time          `gorm:""`
	CancelAtPeriodEnd      bool                `gorm:"not null;default:false"`
	CancellationReason     *CancellationReason `gorm:"type:text"`
	UpcomingPlanID         *snowflake.ID       `gorm:""`
	UpcomingBundleID       *snowflake.ID       `gorm:""`
	ProviderUpdatedAt      *time.Time          `gorm:""`
	Metadata               datatypes.JSONMap   `gorm:"type:jsonb"`
	CreatedAt              time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Target returns whichever of plan/bundle the subscription points at.
func (s *Subscription) Target() (planID, bundleID snowflake.ID) {
	if s.PlanID != nil {
		planID = *s.PlanID
	}
	if s.BundleID != nil {
		bundleID = *s.BundleID
	}
	return planID, bundleID
}

// HasPendingChange reports whether a deferred plan or bundle change is
// waiting for the period boundary.
func (s *Subscription) HasPendingChange() bool {
	return s.UpcomingPlanID != nil || s.UpcomingBundleID != nil
}

// PeriodEnded reports whether the current billing period is over at t.
func (s *Subscription) PeriodEnded(t time.Time) bool {
	return s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.After(t)
}

// OneTimePurchase records a single non-recurring payment for a plan or
// bundle, keyed by the provider's payment intent.
type OneTimePurchase struct {
	ID                      snowflake.ID  `gorm:"primaryKey"`
	OrganizationID          snowflake.ID  `gorm:"not null;index"`
	PlanID                  *snowflake.ID `gorm:""`
	BundleID                *snowflake.ID `gorm:""`
	ProviderPaymentIntentID string        `gorm:"not null;uniqueIndex"`
	AmountPaid              int64         `gorm:"not null;default:0"`
	Currency                string        `gorm:"not null;default:USD"`
	Status                  string        `gorm:"not null"`
	CreatedAt               time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OneTimePurchase) TableName() string { return "one_time_purchases" }
