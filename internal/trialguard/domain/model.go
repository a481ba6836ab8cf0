// Package domain defines the trial-abuse guard consulted before any
// trialing subscription is granted.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TrialFingerprint records the first organization to start a trial of a tool
// with a given payment-method fingerprint. The (tool_id, fingerprint) unique
// index is the arbiter when two organizations race for the same card.
type TrialFingerprint struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	ToolID         snowflake.ID `gorm:"not null;uniqueIndex:idx_tool_fingerprint"`
	Fingerprint    string       `gorm:"not null;uniqueIndex:idx_tool_fingerprint"`
	OrganizationID snowflake.ID `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TrialFingerprint) TableName() string { return "trial_fingerprints" }

type Repository interface {
	// PriorTrialExists reports whether the organization already consumed a
	// trial for the tool, including trials revoked for duplicate cards.
	PriorTrialExists(ctx context.Context, db *gorm.DB, orgID, toolID snowflake.ID) (bool, error)

	FindFingerprint(ctx context.Context, db *gorm.DB, toolID snowflake.ID, fingerprint string) (*TrialFingerprint, error)

	// Insert records the claim. It reports false when (tool_id, fingerprint)
	// was already claimed; the conflict must not poison the surrounding
	// transaction, callers keep issuing statements on it afterwards.
	Insert(ctx context.Context, db *gorm.DB, record *TrialFingerprint) (bool, error)
}

// Guard gates trial creation.
type Guard interface {
	// CheckEligibility fails with ErrTrialAlreadyUsed when the organization
	// has a prior trial for the tool.
	CheckEligibility(ctx context.Context, db *gorm.DB, orgID, toolID snowflake.ID) error

	// ClaimFingerprint atomically claims (tool, fingerprint) for the
	// organization. Returns true when this organization owns the claim
	// (fresh insert or its own earlier claim) and false when another
	// organization claimed it first; the caller then cancels the trial.
	ClaimFingerprint(ctx context.Context, tx *gorm.DB, orgID, toolID snowflake.ID, fingerprint string) (bool, error)
}

var (
	ErrInvalidFingerprint = errors.New("invalid_card_fingerprint")
	ErrTrialAlreadyUsed   = errors.New("trial_already_used")
)
