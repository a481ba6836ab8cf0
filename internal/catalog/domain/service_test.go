package domain_test

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/catalog/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limit(v int64) *int64 { return &v }

func TestMergeGrantsKeepsMostPermissive(t *testing.T) {
	feature := snowflake.ID(101)
	other := snowflake.ID(102)

	merged := domain.MergeGrants([]domain.FeatureGrant{
		{FeatureID: feature, FeatureSlug: "exports", Limit: limit(100)},
		{FeatureID: other, FeatureSlug: "seats", Limit: limit(5)},
		{FeatureID: feature, FeatureSlug: "exports", Limit: limit(1000)},
		{FeatureID: feature, FeatureSlug: "exports", Limit: limit(50)},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, feature, merged[0].FeatureID)
	require.NotNil(t, merged[0].Limit)
	assert.Equal(t, int64(1000), *merged[0].Limit)
	assert.Equal(t, other, merged[1].FeatureID)
}

func TestMergeGrantsUnlimitedWins(t *testing.T) {
	feature := snowflake.ID(101)

	merged := domain.MergeGrants([]domain.FeatureGrant{
		{FeatureID: feature, Limit: limit(1000)},
		{FeatureID: feature, Limit: nil},
		{FeatureID: feature, Limit: limit(5000)},
	})

	require.Len(t, merged, 1)
	assert.Nil(t, merged[0].Limit)
}

func TestMergeGrantsPreservesFirstSeenOrder(t *testing.T) {
	a, b, c := snowflake.ID(1), snowflake.ID(2), snowflake.ID(3)

	merged := domain.MergeGrants([]domain.FeatureGrant{
		{FeatureID: c}, {FeatureID: a}, {FeatureID: b}, {FeatureID: a},
	})

	require.Len(t, merged, 3)
	assert.Equal(t, []snowflake.ID{c, a, b}, []snowflake.ID{merged[0].FeatureID, merged[1].FeatureID, merged[2].FeatureID})
}

func TestPlanTierRank(t *testing.T) {
	assert.Greater(t, domain.TierDiamond.Rank(), domain.TierPlatinum.Rank())
	assert.Greater(t, domain.TierPlatinum.Rank(), domain.TierPremium.Rank())
	assert.Greater(t, domain.TierPremium.Rank(), domain.TierBasic.Rank())

	// An unknown tier can never look like an upgrade.
	assert.Less(t, domain.PlanTier("legacy").Rank(), domain.TierBasic.Rank())
}
