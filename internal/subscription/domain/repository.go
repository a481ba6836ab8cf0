package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	FindByProviderIDForUpdate(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	ListByOrganization(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Subscription, error)

	// UpdateLifecycle persists every mutable subscription field, guarded by a
	// compare-and-swap on the row's previous updated_at. Returns
	// ErrConcurrentUpdate when the guard misses.
	UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *Subscription, prevUpdatedAt time.Time) error

	InsertOneTimePurchase(ctx context.Context, db *gorm.DB, purchase *OneTimePurchase) error
	ListOneTimePurchases(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]OneTimePurchase, error)
}
