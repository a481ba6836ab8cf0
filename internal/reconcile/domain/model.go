// Package domain defines the reconciliation service that keeps local
// subscription rows aligned with the payment provider.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is one provider notification in the processed-event log. The
// unique provider_event_id makes redelivery a no-op.
type EventRecord struct {
	ID                     snowflake.ID   `gorm:"primaryKey"`
	ProviderEventID        string         `gorm:"not null;uniqueIndex"`
	EventType              string         `gorm:"not null"`
	ProviderSubscriptionID *string        `gorm:""`
	Payload                datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt             time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ProcessedAt            *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "provider_events" }

type Repository interface {
	// InsertEvent appends to the event log. Returns false without error
	// when the provider event id was already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	LoadEvent(ctx context.Context, db *gorm.DB, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}

type Service interface {
	// HandleEvent is the push path: apply one verified provider event.
	// Redelivery of an already-processed event returns
	// ErrEventAlreadyProcessed, which callers treat as success.
	HandleEvent(ctx context.Context, event *providerdomain.Event) error

	// SyncSubscription is the pull path: re-fetch the remote subscription
	// and reconcile the local row against it.
	SyncSubscription(ctx context.Context, providerSubscriptionID string) (subscriptiondomain.SubscriptionResponse, error)
}

var (
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrUnknownSubscription   = errors.New("unknown_provider_subscription")
	ErrUnknownRemoteStatus   = errors.New("unknown_remote_status")
)
