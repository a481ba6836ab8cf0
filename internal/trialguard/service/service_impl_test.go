package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/trialguard/domain"
	trialguardrepository "github.com/smallbiznis/plangate/internal/trialguard/repository"
	trialguardservice "github.com/smallbiznis/plangate/internal/trialguard/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type guardFixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	guard domain.Guard

	toolID snowflake.ID
}

func setupGuard(t *testing.T) *guardFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:trialguard_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&domain.TrialFingerprint{}))

	node, err := snowflake.NewNode(16)
	require.NoError(t, err)

	guard := trialguardservice.New(trialguardservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)),
		Repo:  trialguardrepository.Provide(),
	})

	return &guardFixture{
		db:     db,
		node:   node,
		guard:  guard,
		toolID: node.Generate(),
	}
}

func TestClaimFingerprintFirstClaimWins(t *testing.T) {
	f := setupGuard(t)
	ctx := context.Background()
	orgID := f.node.Generate()

	owned, err := f.guard.ClaimFingerprint(ctx, f.db, orgID, f.toolID, "fp_card_1")
	require.NoError(t, err)
	assert.True(t, owned)

	var record domain.TrialFingerprint
	require.NoError(t, f.db.First(&record).Error)
	assert.Equal(t, orgID, record.OrganizationID)
	assert.Equal(t, f.toolID, record.ToolID)
}

func TestClaimFingerprintOwnerMayReclaim(t *testing.T) {
	f := setupGuard(t)
	ctx := context.Background()
	orgID := f.node.Generate()

	owned, err := f.guard.ClaimFingerprint(ctx, f.db, orgID, f.toolID, "fp_card_1")
	require.NoError(t, err)
	require.True(t, owned)

	// Retrying its own checkout keeps the claim and does not add a row.
	owned, err = f.guard.ClaimFingerprint(ctx, f.db, orgID, f.toolID, "fp_card_1")
	require.NoError(t, err)
	assert.True(t, owned)

	var count int64
	require.NoError(t, f.db.Model(&domain.TrialFingerprint{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

// A lost claim must leave the caller's transaction usable: the loser still
// has to persist its revoked subscription in the same transaction.
func TestClaimFingerprintLossKeepsTransactionUsable(t *testing.T) {
	f := setupGuard(t)
	ctx := context.Background()
	winner := f.node.Generate()
	loser := f.node.Generate()

	owned, err := f.guard.ClaimFingerprint(ctx, f.db, winner, f.toolID, "fp_shared")
	require.NoError(t, err)
	require.True(t, owned)

	otherTool := f.node.Generate()
	err = f.db.Transaction(func(tx *gorm.DB) error {
		owned, err := f.guard.ClaimFingerprint(ctx, tx, loser, f.toolID, "fp_shared")
		require.NoError(t, err)
		require.False(t, owned)

		// Statements after the lost claim must still run on this transaction.
		return tx.Create(&domain.TrialFingerprint{
			ID:             f.node.Generate(),
			ToolID:         otherTool,
			Fingerprint:    "fp_other",
			OrganizationID: loser,
			CreatedAt:      time.Now().UTC(),
		}).Error
	})
	require.NoError(t, err)

	var record domain.TrialFingerprint
	require.NoError(t, f.db.Where("tool_id = ?", f.toolID).First(&record).Error)
	assert.Equal(t, winner, record.OrganizationID)

	var count int64
	require.NoError(t, f.db.Model(&domain.TrialFingerprint{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestClaimFingerprintRejectsEmptyFingerprint(t *testing.T) {
	f := setupGuard(t)

	_, err := f.guard.ClaimFingerprint(context.Background(), f.db, f.node.Generate(), f.toolID, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidFingerprint)
}
