package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/trialguard/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) PriorTrialExists(ctx context.Context, db *gorm.DB, orgID, toolID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions s
		 JOIN plans p ON p.id = s.plan_id
		 WHERE s.organization_id = ?
		   AND p.tool_id = ?
		   AND (s.trial_start IS NOT NULL OR s.cancellation_reason = 'duplicate_card')`,
		orgID,
		toolID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) FindFingerprint(ctx context.Context, db *gorm.DB, toolID snowflake.ID, fingerprint string) (*domain.TrialFingerprint, error) {
	var record domain.TrialFingerprint
	err := db.WithContext(ctx).Raw(
		`SELECT id, tool_id, fingerprint, organization_id, created_at
		 FROM trial_fingerprints WHERE tool_id = ? AND fingerprint = ?`,
		toolID,
		fingerprint,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

// Insert claims (tool_id, fingerprint) with a conflict-tolerant insert. A
// plain INSERT would raise a unique violation on a lost race, and on postgres
// that aborts the enclosing transaction before the caller can record the
// revoked trial. ON CONFLICT DO NOTHING keeps the transaction usable and the
// row count tells the winner from the loser.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.TrialFingerprint) (bool, error) {
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tool_id"}, {Name: "fingerprint"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
