package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/plangate/internal/catalog/repository"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/orgcontext"
	planchangedomain "github.com/smallbiznis/plangate/internal/planchange/domain"
	planchangerepository "github.com/smallbiznis/plangate/internal/planchange/repository"
	planchangeservice "github.com/smallbiznis/plangate/internal/planchange/service"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/plangate/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type resolverSpy struct {
	calls int
}

func (r *resolverSpy) ResolveOrganization(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error {
	r.calls++
	return nil
}

type changeFixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clk      *clock.FakeClock
	svc      planchangedomain.Service
	resolver *resolverSpy

	orgID    snowflake.ID
	toolID   snowflake.ID
	basic    snowflake.ID
	premium  snowflake.ID
	platinum snowflake.ID
	bundle   snowflake.ID
}

func setupChange(t *testing.T) *changeFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:planchange_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&catalogdomain.Tool{},
		&catalogdomain.Plan{},
		&catalogdomain.Bundle{},
		&subscriptiondomain.Subscription{},
	))

	node, err := snowflake.NewNode(13)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	resolver := &resolverSpy{}

	svc := planchangeservice.New(planchangeservice.Params{
		DB:               db,
		Log:              zap.NewNop(),
		Clock:            clk,
		Repo:             planchangerepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
		CatalogRepo:      catalogrepository.Provide(),
		Resolver:         resolver,
	})

	f := &changeFixture{
		db:       db,
		node:     node,
		clk:      clk,
		svc:      svc,
		resolver: resolver,
		orgID:    node.Generate(),
		toolID:   node.Generate(),
	}

	require.NoError(t, db.Create(&catalogdomain.Tool{
		ID: f.toolID, Name: "Scanner", Slug: "scanner", IsActive: true,
	}).Error)

	f.basic = node.Generate()
	f.premium = node.Generate()
	f.platinum = node.Generate()
	f.bundle = node.Generate()
	for _, plan := range []*catalogdomain.Plan{
		{ID: f.basic, Name: "Basic", ToolID: f.toolID, Tier: catalogdomain.TierBasic, Price: 900, Currency: "USD", Interval: catalogdomain.IntervalMonthly, IsPublic: true, Active: true},
		{ID: f.premium, Name: "Premium", ToolID: f.toolID, Tier: catalogdomain.TierPremium, Price: 2900, Currency: "USD", Interval: catalogdomain.IntervalMonthly, IsPublic: true, Active: true},
		{ID: f.platinum, Name: "Platinum", ToolID: f.toolID, Tier: catalogdomain.TierPlatinum, Price: 9900, Currency: "USD", Interval: catalogdomain.IntervalMonthly, IsPublic: true, Active: true},
	} {
		require.NoError(t, db.Create(plan).Error)
	}
	require.NoError(t, db.Create(&catalogdomain.Bundle{
		ID: f.bundle, Name: "Everything", Slug: "everything",
		Rank: catalogdomain.TierDiamond.Rank(), Price: 19900, Currency: "USD",
		Interval: catalogdomain.IntervalMonthly, Active: true,
	}).Error)

	return f
}

func (f *changeFixture) ctx() context.Context {
	return orgcontext.WithOrgID(context.Background(), int64(f.orgID))
}

func (f *changeFixture) seedSubscription(t *testing.T, planID snowflake.ID, status subscriptiondomain.SubscriptionStatus, mutate func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	t.Helper()

	now := f.clk.Now().UTC()
	periodEnd := now.AddDate(0, 1, 0)
	sub := &subscriptiondomain.Subscription{
		ID:                     f.node.Generate(),
		OrganizationID:         f.orgID,
		PlanID:                 &planID,
		ProviderSubscriptionID: fmt.Sprintf("sub_%s", f.node.Generate()),
		Status:                 status,
		CurrentPeriodStart:     &now,
		CurrentPeriodEnd:       &periodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, f.db.Create(sub).Error)
	return sub
}

func (f *changeFixture) reload(t *testing.T, providerSubscriptionID string) *subscriptiondomain.Subscription {
	t.Helper()

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("provider_subscription_id = ?", providerSubscriptionID).First(&sub).Error)
	return &sub
}

func TestScheduleChangeUpgradeAppliesImmediately(t *testing.T) {
	f := setupChange(t)
	sub := f.seedSubscription(t, f.premium, subscriptiondomain.SubscriptionStatusActive, nil)

	resp, err := f.svc.ScheduleChange(f.ctx(), planchangedomain.ChangeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PlanID:                 f.platinum.String(),
	})
	require.NoError(t, err)

	require.NotNil(t, resp.PlanID)
	assert.Equal(t, f.platinum.String(), *resp.PlanID)
	assert.Nil(t, resp.UpcomingPlanID)
	assert.Equal(t, 1, f.resolver.calls)

	stored := f.reload(t, sub.ProviderSubscriptionID)
	require.NotNil(t, stored.PlanID)
	assert.Equal(t, f.platinum, *stored.PlanID)
}

func TestScheduleChangeDowngradeIsDeferred(t *testing.T) {
	f := setupChange(t)
	sub := f.seedSubscription(t, f.platinum, subscriptiondomain.SubscriptionStatusActive, nil)

	resp, err := f.svc.ScheduleChange(f.ctx(), planchangedomain.ChangeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PlanID:                 f.premium.String(),
	})
	require.NoError(t, err)

	// The live target is untouched; the downgrade is parked until the
	// period boundary and entitlements stay as they are.
	require.NotNil(t, resp.PlanID)
	assert.Equal(t, f.platinum.String(), *resp.PlanID)
	require.NotNil(t, resp.UpcomingPlanID)
	assert.Equal(t, f.premium.String(), *resp.UpcomingPlanID)
	assert.Equal(t, 0, f.resolver.calls)
}

func TestScheduleChangeUpgradeClearsParkedDowngrade(t *testing.T) {
	f := setupChange(t)
	downgradeTo := f.basic
	sub := f.seedSubscription(t, f.premium, subscriptiondomain.SubscriptionStatusActive, func(s *subscriptiondomain.Subscription) {
		s.UpcomingPlanID = &downgradeTo
	})

	resp, err := f.svc.ScheduleChange(f.ctx(), planchangedomain.ChangeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PlanID:                 f.platinum.String(),
	})
	require.NoError(t, err)

	require.NotNil(t, resp.PlanID)
	assert.Equal(t, f.platinum.String(), *resp.PlanID)
	assert.Nil(t, resp.UpcomingPlanID)
}

func TestScheduleChangeUpgradeToBundle(t *testing.T) {
	f := setupChange(t)
	sub := f.seedSubscription(t, f.premium, subscriptiondomain.SubscriptionStatusActive, nil)

	resp, err := f.svc.ScheduleChange(f.ctx(), planchangedomain.ChangeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		BundleID:               f.bundle.String(),
	})
	require.NoError(t, err)

	assert.Nil(t, resp.PlanID)
	require.NotNil(t, resp.BundleID)
	assert.Equal(t, f.bundle.String(), *resp.BundleID)
	assert.Equal(t, 1, f.resolver.calls)
}

func TestScheduleChangeSameTarget(t *testing.T) {
	f := setupChange(t)
	sub := f.seedSubscription(t, f.premium, subscriptiondomain.SubscriptionStatusActive, nil)

	_, err := f.svc.ScheduleChange(f.ctx(), planchangedomain.ChangeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PlanID:                 f.premium.String(),
	})
	require.ErrorIs(t, err, planchangedomain.ErrSameTarget)
}

func TestScheduleChangeRejectsCanceledSubscription(t *testing.T) {
	f := setupChange(t)
	sub := f.seedSubscription(t, f.premium, subscriptiondomain.SubscriptionStatusCanceled, nil)

	_, err := f.svc.ScheduleChange(f.ctx(), planchangedomain.ChangeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PlanID:                 f.platinum.String(),
	})
	require.ErrorIs(t, err, planchangedomain.ErrNotChangeable)
}

func TestScheduleChangeRejectsAmbiguousTarget(t *testing.T) {
	f := setupChange(t)
	sub := f.seedSubscription(t, f.premium, subscriptiondomain.SubscriptionStatusActive, nil)

	_, err := f.svc.ScheduleChange(f.ctx(), planchangedomain.ChangeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PlanID:                 f.platinum.String(),
		BundleID:               f.bundle.String(),
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrAmbiguousTarget)

	_, err = f.svc.ScheduleChange(f.ctx(), planchangedomain.ChangeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrMissingTarget)
}

func TestSweepDueChangesCommitsAfterPeriodEnd(t *testing.T) {
	f := setupChange(t)
	downgradeTo := f.premium
	due := f.seedSubscription(t, f.platinum, subscriptiondomain.SubscriptionStatusActive, func(s *subscriptiondomain.Subscription) {
		s.UpcomingPlanID = &downgradeTo
	})
	notDue := f.seedSubscription(t, f.platinum, subscriptiondomain.SubscriptionStatusActive, func(s *subscriptiondomain.Subscription) {
		s.UpcomingPlanID = &downgradeTo
		later := f.clk.Now().UTC().AddDate(0, 3, 0)
		s.CurrentPeriodEnd = &later
	})

	f.clk.Advance(32 * 24 * time.Hour)

	applied, err := f.svc.SweepDueChanges(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.resolver.calls)

	committed := f.reload(t, due.ProviderSubscriptionID)
	require.NotNil(t, committed.PlanID)
	assert.Equal(t, f.premium, *committed.PlanID)
	assert.Nil(t, committed.UpcomingPlanID)

	parked := f.reload(t, notDue.ProviderSubscriptionID)
	require.NotNil(t, parked.UpcomingPlanID)
	assert.Equal(t, f.premium, *parked.UpcomingPlanID)
	require.NotNil(t, parked.PlanID)
	assert.Equal(t, f.platinum, *parked.PlanID)

	// Nothing left to apply on the next pass.
	applied, err = f.svc.SweepDueChanges(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}
