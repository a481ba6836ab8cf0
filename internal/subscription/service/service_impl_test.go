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
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/plangate/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/plangate/internal/subscription/service"
	trialguarddomain "github.com/smallbiznis/plangate/internal/trialguard/domain"
	trialguardrepository "github.com/smallbiznis/plangate/internal/trialguard/repository"
	trialguardservice "github.com/smallbiznis/plangate/internal/trialguard/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type providerStub struct {
	calls []string
	err   error
}

func (p *providerStub) FetchSubscription(ctx context.Context, providerSubscriptionID string) (*providerdomain.RemoteSubscription, error) {
	p.calls = append(p.calls, "fetch")
	return nil, p.err
}

func (p *providerStub) CancelAtPeriodEnd(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*providerdomain.RemoteSubscription, error) {
	p.calls = append(p.calls, "cancel_at_period_end")
	return &providerdomain.RemoteSubscription{ProviderSubscriptionID: providerSubscriptionID}, p.err
}

func (p *providerStub) CancelNow(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*providerdomain.RemoteSubscription, error) {
	p.calls = append(p.calls, "cancel_now")
	return &providerdomain.RemoteSubscription{ProviderSubscriptionID: providerSubscriptionID}, p.err
}

func (p *providerStub) Resume(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*providerdomain.RemoteSubscription, error) {
	p.calls = append(p.calls, "resume")
	return &providerdomain.RemoteSubscription{ProviderSubscriptionID: providerSubscriptionID}, p.err
}

func (p *providerStub) CreateCheckoutSession(ctx context.Context, req providerdomain.CheckoutSessionRequest, idempotencyKey string) (*providerdomain.CheckoutSession, error) {
	p.calls = append(p.calls, "checkout")
	return &providerdomain.CheckoutSession{SessionID: "cs_test", URL: "https://example.test/checkout"}, p.err
}

func (p *providerStub) CreatePortalSession(ctx context.Context, providerCustomerID string) (*providerdomain.PortalSession, error) {
	p.calls = append(p.calls, "portal")
	return &providerdomain.PortalSession{URL: "https://example.test/portal"}, p.err
}

func (p *providerStub) ListInvoices(ctx context.Context, providerCustomerID string) ([]providerdomain.Invoice, error) {
	p.calls = append(p.calls, "invoices")
	return nil, p.err
}

type resolverStub struct {
	calls int
}

func (r *resolverStub) ResolveOrganization(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error {
	r.calls++
	return nil
}

type subFixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clk      *clock.FakeClock
	svc      subscriptiondomain.Service
	provider *providerStub
	resolver *resolverStub

	orgID       snowflake.ID
	toolID      snowflake.ID
	freePlan    snowflake.ID
	paidPlan    snowflake.ID
	noTrialPlan snowflake.ID
}

func setupSubscription(t *testing.T) *subFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:subscription_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&catalogdomain.Tool{},
		&catalogdomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.OneTimePurchase{},
		&trialguarddomain.TrialFingerprint{},
	))

	node, err := snowflake.NewNode(12)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC))

	provider := &providerStub{}
	resolver := &resolverStub{}

	guard := trialguardservice.New(trialguardservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  trialguardrepository.Provide(),
	})

	svc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Repo:        subscriptionrepository.Provide(),
		CatalogRepo: catalogrepository.Provide(),
		Guard:       guard,
		Resolver:    resolver,
		Provider:    provider,
	})

	f := &subFixture{
		db:       db,
		node:     node,
		clk:      clk,
		svc:      svc,
		provider: provider,
		resolver: resolver,
		orgID:    node.Generate(),
		toolID:   node.Generate(),
	}

	require.NoError(t, db.Create(&catalogdomain.Tool{
		ID: f.toolID, Name: "Scanner", Slug: "scanner", IsActive: true,
	}).Error)

	f.freePlan = node.Generate()
	f.paidPlan = node.Generate()
	f.noTrialPlan = node.Generate()
	require.NoError(t, db.Create(&catalogdomain.Plan{
		ID: f.freePlan, Name: "Starter", ToolID: f.toolID, Tier: catalogdomain.TierBasic,
		Price: 0, Currency: "USD", Interval: catalogdomain.IntervalMonthly,
		TrialPeriodDays: 14, IsPublic: true, Active: true,
	}).Error)
	require.NoError(t, db.Create(&catalogdomain.Plan{
		ID: f.paidPlan, Name: "Premium", ToolID: f.toolID, Tier: catalogdomain.TierPremium,
		Price: 2900, Currency: "USD", Interval: catalogdomain.IntervalMonthly,
		TrialPeriodDays: 14, IsPublic: true, Active: true,
	}).Error)
	require.NoError(t, db.Create(&catalogdomain.Plan{
		ID: f.noTrialPlan, Name: "Enterprise", ToolID: f.toolID, Tier: catalogdomain.TierDiamond,
		Price: 9900, Currency: "USD", Interval: catalogdomain.IntervalMonthly,
		TrialPeriodDays: 0, IsPublic: true, Active: true,
	}).Error)

	return f
}

func (f *subFixture) ctx(orgID snowflake.ID) context.Context {
	return orgcontext.WithOrgID(context.Background(), int64(orgID))
}

func (f *subFixture) seedSubscription(t *testing.T, orgID snowflake.ID, planID snowflake.ID, status subscriptiondomain.SubscriptionStatus, mutate func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	t.Helper()

	now := f.clk.Now().UTC()
	periodEnd := now.AddDate(0, 1, 0)
	sub := &subscriptiondomain.Subscription{
		ID:                     f.node.Generate(),
		OrganizationID:         orgID,
		PlanID:                 &planID,
		ProviderSubscriptionID: fmt.Sprintf("sub_%s", f.node.Generate()),
		Status:                 status,
		CurrentPeriodStart:     &now,
		CurrentPeriodEnd:       &periodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if status == subscriptiondomain.SubscriptionStatusTrialing {
		sub.TrialStart = &now
		sub.TrialEnd = &periodEnd
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, f.db.Create(sub).Error)
	return sub
}

func (f *subFixture) reload(t *testing.T, providerSubscriptionID string) *subscriptiondomain.Subscription {
	t.Helper()

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("provider_subscription_id = ?", providerSubscriptionID).First(&sub).Error)
	return &sub
}

func TestStartTrialCreatesTrialingSubscription(t *testing.T) {
	f := setupSubscription(t)

	resp, err := f.svc.StartTrial(f.ctx(f.orgID), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.paidPlan.String(),
		ProviderSubscriptionID: "sub_trial_1",
		CardFingerprint:        "fp_alpha",
	})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, resp.Status)
	require.NotNil(t, resp.TrialStart)
	require.NotNil(t, resp.TrialEnd)

	now := f.clk.Now().UTC()
	assert.Equal(t, now, *resp.TrialStart)
	assert.Equal(t, now.AddDate(0, 0, 14), *resp.TrialEnd)
	assert.Equal(t, *resp.TrialStart, *resp.CurrentPeriodStart)
	assert.Equal(t, *resp.TrialEnd, *resp.CurrentPeriodEnd)

	stored := f.reload(t, "sub_trial_1")
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, stored.Status)
	assert.Equal(t, f.orgID, stored.OrganizationID)
	assert.Equal(t, 1, f.resolver.calls)
}

func TestStartTrialDuplicateCardBlocksSecondOrganization(t *testing.T) {
	f := setupSubscription(t)

	_, err := f.svc.StartTrial(f.ctx(f.orgID), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.paidPlan.String(),
		ProviderSubscriptionID: "sub_winner",
		CardFingerprint:        "fp_shared",
	})
	require.NoError(t, err)

	otherOrg := f.node.Generate()
	_, err = f.svc.StartTrial(f.ctx(otherOrg), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.paidPlan.String(),
		ProviderSubscriptionID: "sub_loser",
		CardFingerprint:        "fp_shared",
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrTrialBlocked)

	// The losing organization still gets a row for its records, canceled
	// with the duplicate-card reason, and never grants access.
	loser := f.reload(t, "sub_loser")
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, loser.Status)
	require.NotNil(t, loser.CancellationReason)
	assert.Equal(t, subscriptiondomain.CancellationReasonDuplicateCard, *loser.CancellationReason)

	winner := f.reload(t, "sub_winner")
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, winner.Status)
	assert.Equal(t, 2, f.resolver.calls)
}

func TestStartTrialSameOrganizationMayRetryItsOwnFingerprint(t *testing.T) {
	f := setupSubscription(t)

	// Claim the fingerprint up front without a prior subscription, as if a
	// checkout had been abandoned mid-flow.
	require.NoError(t, f.db.Create(&trialguarddomain.TrialFingerprint{
		ID:             f.node.Generate(),
		ToolID:         f.toolID,
		Fingerprint:    "fp_retry",
		OrganizationID: f.orgID,
		CreatedAt:      f.clk.Now().UTC(),
	}).Error)

	resp, err := f.svc.StartTrial(f.ctx(f.orgID), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.paidPlan.String(),
		ProviderSubscriptionID: "sub_retry",
		CardFingerprint:        "fp_retry",
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, resp.Status)
}

func TestStartTrialRejectsRepeatTrial(t *testing.T) {
	f := setupSubscription(t)

	_, err := f.svc.StartTrial(f.ctx(f.orgID), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.paidPlan.String(),
		ProviderSubscriptionID: "sub_first",
		CardFingerprint:        "fp_one",
	})
	require.NoError(t, err)

	// A second trial for the same tool is refused even on a different plan
	// and a different card.
	_, err = f.svc.StartTrial(f.ctx(f.orgID), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.freePlan.String(),
		ProviderSubscriptionID: "sub_second",
		CardFingerprint:        "fp_two",
	})
	require.ErrorIs(t, err, trialguarddomain.ErrTrialAlreadyUsed)
}

func TestStartTrialBlockedAttemptStillConsumesEligibility(t *testing.T) {
	f := setupSubscription(t)

	_, err := f.svc.StartTrial(f.ctx(f.orgID), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.paidPlan.String(),
		ProviderSubscriptionID: "sub_winner",
		CardFingerprint:        "fp_shared",
	})
	require.NoError(t, err)

	otherOrg := f.node.Generate()
	_, err = f.svc.StartTrial(f.ctx(otherOrg), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.paidPlan.String(),
		ProviderSubscriptionID: "sub_blocked",
		CardFingerprint:        "fp_shared",
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrTrialBlocked)

	// The duplicate-card row counts as a consumed trial: a fresh card does
	// not reopen the door.
	_, err = f.svc.StartTrial(f.ctx(otherOrg), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.paidPlan.String(),
		ProviderSubscriptionID: "sub_blocked_retry",
		CardFingerprint:        "fp_fresh",
	})
	require.ErrorIs(t, err, trialguarddomain.ErrTrialAlreadyUsed)
}

func TestStartTrialPlanWithoutTrial(t *testing.T) {
	f := setupSubscription(t)

	_, err := f.svc.StartTrial(f.ctx(f.orgID), subscriptiondomain.StartTrialRequest{
		PlanID:                 f.noTrialPlan.String(),
		ProviderSubscriptionID: "sub_no_trial",
		CardFingerprint:        "fp_any",
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrTrialNotOffered)
}

func TestCancelFreeTrialCancelsImmediately(t *testing.T) {
	f := setupSubscription(t)
	sub := f.seedSubscription(t, f.orgID, f.freePlan, subscriptiondomain.SubscriptionStatusTrialing, nil)

	resp, err := f.svc.Cancel(f.ctx(f.orgID), subscriptiondomain.CancelRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, resp.Status)
	assert.False(t, resp.CancelAtPeriodEnd)
	require.NotNil(t, resp.CancellationReason)
	assert.Equal(t, string(subscriptiondomain.CancellationReasonUser), *resp.CancellationReason)
	assert.Equal(t, []string{"cancel_now"}, f.provider.calls)
	assert.Equal(t, 1, f.resolver.calls)
}

func TestCancelPaidSubscriptionDefersToPeriodEnd(t *testing.T) {
	f := setupSubscription(t)
	sub := f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusActive, nil)

	resp, err := f.svc.Cancel(f.ctx(f.orgID), subscriptiondomain.CancelRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	})
	require.NoError(t, err)

	// Access continues until the period ends; only the flag flips.
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, resp.Status)
	assert.True(t, resp.CancelAtPeriodEnd)
	assert.Nil(t, resp.CancellationReason)
	assert.Equal(t, []string{"cancel_at_period_end"}, f.provider.calls)
}

func TestCancelPaidTrialDefersToPeriodEnd(t *testing.T) {
	f := setupSubscription(t)
	sub := f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusTrialing, nil)

	resp, err := f.svc.Cancel(f.ctx(f.orgID), subscriptiondomain.CancelRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, resp.Status)
	assert.True(t, resp.CancelAtPeriodEnd)
	assert.Equal(t, []string{"cancel_at_period_end"}, f.provider.calls)
}

func TestCancelAlreadyCanceled(t *testing.T) {
	f := setupSubscription(t)
	sub := f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusCanceled, nil)

	_, err := f.svc.Cancel(f.ctx(f.orgID), subscriptiondomain.CancelRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
	assert.Empty(t, f.provider.calls)
}

func TestCancelOtherOrganizationSubscription(t *testing.T) {
	f := setupSubscription(t)
	sub := f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusActive, nil)

	otherOrg := f.node.Generate()
	_, err := f.svc.Cancel(f.ctx(otherOrg), subscriptiondomain.CancelRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
	assert.Empty(t, f.provider.calls)
}

func TestResumeClearsPendingCancel(t *testing.T) {
	f := setupSubscription(t)
	sub := f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusActive, func(s *subscriptiondomain.Subscription) {
		s.CancelAtPeriodEnd = true
	})

	resp, err := f.svc.Resume(f.ctx(f.orgID), subscriptiondomain.ResumeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	})
	require.NoError(t, err)
	assert.False(t, resp.CancelAtPeriodEnd)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, resp.Status)
	assert.Equal(t, []string{"resume"}, f.provider.calls)

	_, err = f.svc.Resume(f.ctx(f.orgID), subscriptiondomain.ResumeRequest{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrNoPendingCancel)
}

func TestCancelTrialNowRevokesAccess(t *testing.T) {
	f := setupSubscription(t)
	sub := f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusTrialing, func(s *subscriptiondomain.Subscription) {
		s.CancelAtPeriodEnd = true
	})

	resp, err := f.svc.CancelTrialNow(f.ctx(f.orgID), sub.ProviderSubscriptionID)
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, resp.Status)
	assert.False(t, resp.CancelAtPeriodEnd)
	require.NotNil(t, resp.CancellationReason)
	assert.Equal(t, string(subscriptiondomain.CancellationReasonUser), *resp.CancellationReason)
	assert.Equal(t, []string{"cancel_now"}, f.provider.calls)
}

func TestCancelTrialNowRequiresTrialing(t *testing.T) {
	f := setupSubscription(t)
	sub := f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusActive, nil)

	_, err := f.svc.CancelTrialNow(f.ctx(f.orgID), sub.ProviderSubscriptionID)
	require.ErrorIs(t, err, subscriptiondomain.ErrNotTrialing)
	assert.Empty(t, f.provider.calls)
}

func TestCancelScheduledChangeClearsUpcomingTarget(t *testing.T) {
	f := setupSubscription(t)
	downgradeTo := f.freePlan
	sub := f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusActive, func(s *subscriptiondomain.Subscription) {
		s.UpcomingPlanID = &downgradeTo
	})

	resp, err := f.svc.CancelScheduledChange(f.ctx(f.orgID), sub.ProviderSubscriptionID)
	require.NoError(t, err)

	assert.Nil(t, resp.UpcomingPlanID)
	assert.Nil(t, resp.UpcomingBundleID)
	require.NotNil(t, resp.PlanID)
	assert.Equal(t, f.paidPlan.String(), *resp.PlanID)

	// Entitlements never changed when the downgrade was parked, so
	// withdrawing it resolves nothing.
	assert.Equal(t, 0, f.resolver.calls)

	_, err = f.svc.CancelScheduledChange(f.ctx(f.orgID), sub.ProviderSubscriptionID)
	require.ErrorIs(t, err, subscriptiondomain.ErrNoScheduledChange)
}

func TestListFiltersByStatusAndOrganization(t *testing.T) {
	f := setupSubscription(t)
	f.seedSubscription(t, f.orgID, f.paidPlan, subscriptiondomain.SubscriptionStatusActive, nil)
	f.seedSubscription(t, f.orgID, f.freePlan, subscriptiondomain.SubscriptionStatusCanceled, nil)
	f.seedSubscription(t, f.node.Generate(), f.paidPlan, subscriptiondomain.SubscriptionStatusActive, nil)

	resp, err := f.svc.List(f.ctx(f.orgID), subscriptiondomain.ListSubscriptionRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Subscriptions, 2)

	resp, err = f.svc.List(f.ctx(f.orgID), subscriptiondomain.ListSubscriptionRequest{Status: "active"})
	require.NoError(t, err)
	require.Len(t, resp.Subscriptions, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, resp.Subscriptions[0].Status)

	_, err = f.svc.List(f.ctx(f.orgID), subscriptiondomain.ListSubscriptionRequest{Status: "bogus"})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)
}
