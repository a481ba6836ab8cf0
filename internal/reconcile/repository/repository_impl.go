package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/reconcile/domain"
	"github.com/smallbiznis/plangate/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, dbc *gorm.DB, record *domain.EventRecord) (bool, error) {
	err := dbc.WithContext(ctx).Exec(
		`INSERT INTO provider_events (
			id, provider_event_id, event_type, provider_subscription_id, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ProviderEventID,
		record.EventType,
		record.ProviderSubscriptionID,
		record.Payload,
		record.ReceivedAt,
		record.ProcessedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repo) LoadEvent(ctx context.Context, dbc *gorm.DB, providerEventID string) (*domain.EventRecord, error) {
	var record domain.EventRecord
	err := dbc.WithContext(ctx).Raw(
		`SELECT id, provider_event_id, event_type, provider_subscription_id, payload, received_at, processed_at
		 FROM provider_events WHERE provider_event_id = ?`,
		providerEventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) MarkProcessed(ctx context.Context, dbc *gorm.DB, id snowflake.ID, at time.Time) error {
	return dbc.WithContext(ctx).Exec(
		`UPDATE provider_events SET processed_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}
