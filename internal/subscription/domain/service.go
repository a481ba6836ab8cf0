package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/plangate/pkg/db/pagination"
)

type ListSubscriptionRequest struct {
	Status    string
	PageToken string
	PageSize  int32
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

type SubscriptionResponse struct {
	ID                     string             `json:"id"`
	OrganizationID         string             `json:"organization_id"`
	PlanID                 *string            `json:"plan_id,omitempty"`
	BundleID               *string            `json:"bundle_id,omitempty"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	Status                 SubscriptionStatus `json:"status"`
	TrialStart             *time.Time         `json:"trial_start,omitempty"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CancellationReason     *string            `json:"cancellation_reason,omitempty"`
	UpcomingPlanID         *string            `json:"upcoming_plan_id,omitempty"`
	UpcomingBundleID       *string            `json:"upcoming_bundle_id,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
}

type OneTimePurchaseResponse struct {
	ID                      string    `json:"id"`
	OrganizationID          string    `json:"organization_id"`
	PlanID                  *string   `json:"plan_id,omitempty"`
	BundleID                *string   `json:"bundle_id,omitempty"`
	ProviderPaymentIntentID string    `json:"provider_payment_intent_id"`
	AmountPaid              int64     `json:"amount_paid"`
	Currency                string    `json:"currency"`
	Status                  string    `json:"status"`
	CreatedAt               time.Time `json:"created_at"`
}

type StartTrialRequest struct {
	PlanID                 string `json:"plan_id"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`
	CardFingerprint        string `json:"card_fingerprint"`
}

type CancelRequest struct {
	ProviderSubscriptionID string
}

type ResumeRequest struct {
	ProviderSubscriptionID string
}

type Service interface {
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
	GetByProviderID(ctx context.Context, providerSubscriptionID string) (SubscriptionResponse, error)
	ListOneTimePurchases(ctx context.Context) ([]OneTimePurchaseResponse, error)

	// StartTrial creates a trialing subscription after the duplicate-card
	// guard passes. A fingerprint already claimed by another organization
	// still creates the row, but canceled with reason duplicate_card, and
	// the call returns ErrTrialBlocked.
	StartTrial(ctx context.Context, req StartTrialRequest) (SubscriptionResponse, error)

	// Cancel requests cancellation at period end. A free trial cancels
	// immediately since there is nothing left to bill.
	Cancel(ctx context.Context, req CancelRequest) (SubscriptionResponse, error)

	// Resume clears a pending cancel_at_period_end before it takes effect.
	Resume(ctx context.Context, req ResumeRequest) (SubscriptionResponse, error)

	// CancelTrialNow revokes trial access immediately.
	CancelTrialNow(ctx context.Context, providerSubscriptionID string) (SubscriptionResponse, error)

	// CancelScheduledChange clears upcoming_plan_id/upcoming_bundle_id
	// without touching the live target or entitlements.
	CancelScheduledChange(ctx context.Context, providerSubscriptionID string) (SubscriptionResponse, error)
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidTargetStatus  = errors.New("invalid_target_status")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvalidFingerprint   = errors.New("invalid_card_fingerprint")
	ErrMissingTarget        = errors.New("missing_plan_or_bundle")
	ErrAmbiguousTarget      = errors.New("ambiguous_plan_and_bundle")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrNoPendingCancel      = errors.New("no_pending_cancellation")
	ErrNoScheduledChange    = errors.New("no_scheduled_change")
	ErrNotTrialing          = errors.New("subscription_not_trialing")
	ErrTrialNotOffered      = errors.New("plan_has_no_trial")
	ErrTrialAlreadyUsed     = errors.New("trial_already_used")
	ErrTrialBlocked         = errors.New("trial_blocked_duplicate_card")
	ErrConcurrentUpdate     = errors.New("concurrent_update_conflict")
)

// IsTransitionAllowed encodes the subscription lifecycle graph. canceled is
// terminal.
func IsTransitionAllowed(current, target SubscriptionStatus) bool {
	switch current {
	case SubscriptionStatusIncomplete:
		return target == SubscriptionStatusTrialing || target == SubscriptionStatusActive
	case SubscriptionStatusTrialing:
		return target == SubscriptionStatusActive || target == SubscriptionStatusCanceled
	case SubscriptionStatusActive:
		return target == SubscriptionStatusPastDue || target == SubscriptionStatusCanceled
	case SubscriptionStatusPastDue:
		return target == SubscriptionStatusActive || target == SubscriptionStatusCanceled
	default:
		return false
	}
}

// IsValidStatus reports whether the value is one of the known lifecycle
// states.
func IsValidStatus(status SubscriptionStatus) bool {
	switch status {
	case SubscriptionStatusIncomplete,
		SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCanceled:
		return true
	default:
		return false
	}
}
