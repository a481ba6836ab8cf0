package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type PlanResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ToolID          string          `json:"tool_id"`
	Tier            PlanTier        `json:"tier"`
	Price           int64           `json:"price"`
	Currency        string          `json:"currency"`
	Interval        BillingInterval `json:"interval"`
	TrialPeriodDays int             `json:"trial_period_days"`
	Grants          []GrantResponse `json:"grants,omitempty"`
}

type BundleResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Slug     string          `json:"slug"`
	Rank     int             `json:"rank"`
	Price    int64           `json:"price"`
	Currency string          `json:"currency"`
	Interval BillingInterval `json:"interval"`
	Grants   []GrantResponse `json:"grants,omitempty"`
}

type GrantResponse struct {
	FeatureID   string      `json:"feature_id"`
	FeatureSlug string      `json:"feature_slug"`
	FeatureType FeatureType `json:"feature_type"`
	Limit       *int64      `json:"limit"`
	ResetPeriod ResetPeriod `json:"reset_period"`
}

type Service interface {
	ListPlans(ctx context.Context, toolID string) ([]PlanResponse, error)
	GetPlan(ctx context.Context, id string) (*PlanResponse, error)
	ListBundles(ctx context.Context) ([]BundleResponse, error)
	GetBundle(ctx context.Context, id string) (*BundleResponse, error)

	// GrantsFor resolves the merged grant set of a subscription target.
	// Exactly one of planID/bundleID is non-zero.
	GrantsFor(ctx context.Context, planID, bundleID snowflake.ID) ([]FeatureGrant, error)
}

// MergeGrants collapses duplicate feature rows, keeping the most permissive
// grant per feature. Bundles that include the same feature through several
// plans resolve to the widest limit.
func MergeGrants(grants []FeatureGrant) []FeatureGrant {
	merged := make([]FeatureGrant, 0, len(grants))
	index := make(map[snowflake.ID]int, len(grants))
	for _, g := range grants {
		at, ok := index[g.FeatureID]
		if !ok {
			index[g.FeatureID] = len(merged)
			merged = append(merged, g)
			continue
		}
		if g.MorePermissiveThan(merged[at]) {
			merged[at] = g
		}
	}
	return merged
}
