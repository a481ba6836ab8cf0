// Package domain defines the contract between the engine and the remote
// payment provider. The provider owns subscription lifecycle truth; local
// rows only mirror the snapshots exchanged here.
package domain

import (
	"context"
	"errors"
	"time"
)

// RemoteSubscription is the provider-side snapshot of one subscription,
// carried by both webhook events and pull fetches.
type RemoteSubscription struct {
	ProviderSubscriptionID string
	Status                 string
	TrialStart             *time.Time
	TrialEnd               *time.Time
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	UpdatedAt              time.Time
	CardFingerprint        string
	Metadata               map[string]string
}

// EventType enumerates the provider events this engine reacts to. Parse
// returns ErrEventIgnored for anything outside this set so an unhandled
// type can never reach the reconciler.
type EventType string

const (
	EventTypeCheckoutCompleted   EventType = "checkout.completed"
	EventTypeSubscriptionCreated EventType = "subscription.created"
	EventTypeSubscriptionUpdated EventType = "subscription.updated"
	EventTypeSubscriptionDeleted EventType = "subscription.deleted"
	EventTypeInvoicePaid         EventType = "invoice.paid"
	EventTypeInvoiceFailed       EventType = "invoice.payment_failed"
)

// Event is a verified, parsed provider notification.
type Event struct {
	ProviderEventID string
	Type            EventType
	OccurredAt      time.Time
	Subscription    *RemoteSubscription
	RawPayload      []byte
}

type CheckoutSessionRequest struct {
	OrganizationID string
	PlanID         string
	BundleID       string
	PriceAmount    int64
	Currency       string
	TrialDays      int
	SuccessURL     string
	CancelURL      string
}

type CheckoutSession struct {
	SessionID string
	URL       string
}

type PortalSession struct {
	URL string
}

type Invoice struct {
	ID        string
	Number    string
	Status    string
	Total     int64
	Currency  string
	CreatedAt time.Time
	PDFURL    string
}

// Client is the outbound surface to the payment provider. Every mutating
// call takes a caller-supplied idempotency key so a timeout-and-retry cannot
// double-apply.
type Client interface {
	FetchSubscription(ctx context.Context, providerSubscriptionID string) (*RemoteSubscription, error)
	CancelAtPeriodEnd(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*RemoteSubscription, error)
	CancelNow(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*RemoteSubscription, error)
	Resume(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*RemoteSubscription, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest, idempotencyKey string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, providerCustomerID string) (*PortalSession, error)
	ListInvoices(ctx context.Context, providerCustomerID string) ([]Invoice, error)
}

// Webhook verifies and decodes inbound provider payloads.
type Webhook interface {
	Verify(ctx context.Context, payload []byte, signatureHeader string) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

var (
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrInvalidEvent        = errors.New("invalid_event")
	ErrEventIgnored        = errors.New("event_ignored")
	ErrRemoteNotFound      = errors.New("remote_subscription_not_found")
	ErrProviderUnavailable = errors.New("provider_unavailable")
)
