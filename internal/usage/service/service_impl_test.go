package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/plangate/internal/catalog/repository"
	"github.com/smallbiznis/plangate/internal/clock"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/orgcontext"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	usagerepository "github.com/smallbiznis/plangate/internal/usage/repository"
	usageservice "github.com/smallbiznis/plangate/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type usageFixture struct {
	db   *gorm.DB
	node *snowflake.Node
	clk  *clock.FakeClock
	svc  usagedomain.Service

	orgID     snowflake.ID
	toolID    snowflake.ID
	featureID snowflake.ID
}

func setupUsage(t *testing.T) *usageFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:usage_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&catalogdomain.Feature{},
		&entitlementdomain.OrganizationEntitlement{},
	))

	node, err := snowflake.NewNode(12)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	f := &usageFixture{
		db:        db,
		node:      node,
		clk:       clk,
		orgID:     node.Generate(),
		toolID:    node.Generate(),
		featureID: node.Generate(),
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	f.svc = usageservice.New(usageservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       clk,
		Repo:        usagerepository.Provide(),
		CatalogRepo: catalogrepository.Provide(),
	})

	require.NoError(t, db.Create(&catalogdomain.Feature{
		ID: f.featureID, ToolID: f.toolID, Name: "Exports", Slug: "exports", Type: catalogdomain.FeatureTypeMetered,
	}).Error)

	return f
}

func (f *usageFixture) ctx() context.Context {
	return orgcontext.WithOrgID(context.Background(), int64(f.orgID))
}

func (f *usageFixture) seedEntitlement(t *testing.T, limit *int64, period catalogdomain.ResetPeriod, lastResetAt time.Time) snowflake.ID {
	t.Helper()

	id := f.node.Generate()
	reset := lastResetAt
	require.NoError(t, f.db.Create(&entitlementdomain.OrganizationEntitlement{
		ID:             id,
		OrganizationID: f.orgID,
		ToolID:         f.toolID,
		FeatureID:      f.featureID,
		LimitAmount:    limit,
		ResetPeriod:    &period,
		LastResetAt:    &reset,
		Enabled:        true,
		UpdatedAt:      f.clk.Now(),
	}).Error)
	return id
}

func (f *usageFixture) usageAmount(t *testing.T) int64 {
	t.Helper()
	var row entitlementdomain.OrganizationEntitlement
	require.NoError(t, f.db.Where("organization_id = ? AND feature_id = ?", f.orgID, f.featureID).First(&row).Error)
	return row.UsageAmount
}

func TestCheckEntitlementNotEntitled(t *testing.T) {
	f := setupUsage(t)

	resp, err := f.svc.CheckEntitlement(f.ctx(), "exports")
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, usagedomain.ReasonNotEntitled, resp.Reason)
}

func TestRecordUsageEnforcesLimit(t *testing.T) {
	f := setupUsage(t)
	limit := int64(100)
	f.seedEntitlement(t, &limit, catalogdomain.ResetMonthly, f.clk.Now())

	ctx := f.ctx()
	for i := 0; i < 100; i++ {
		_, err := f.svc.RecordUsage(ctx, "exports", 1)
		require.NoError(t, err, "call %d must pass", i+1)
	}

	_, err := f.svc.RecordUsage(ctx, "exports", 1)
	require.ErrorIs(t, err, usagedomain.ErrLimitExceeded, "call 101 must be rejected")
	assert.Equal(t, int64(100), f.usageAmount(t), "rejected call must not increment")

	check, err := f.svc.CheckEntitlement(ctx, "exports")
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, usagedomain.ReasonLimitExceeded, check.Reason)
}

func TestRecordUsageBatchOverLimitRejectedWhole(t *testing.T) {
	f := setupUsage(t)
	limit := int64(10)
	f.seedEntitlement(t, &limit, catalogdomain.ResetMonthly, f.clk.Now())

	ctx := f.ctx()
	_, err := f.svc.RecordUsage(ctx, "exports", 8)
	require.NoError(t, err)

	_, err = f.svc.RecordUsage(ctx, "exports", 5)
	require.ErrorIs(t, err, usagedomain.ErrLimitExceeded)
	assert.Equal(t, int64(8), f.usageAmount(t), "partial increments are not allowed")

	_, err = f.svc.RecordUsage(ctx, "exports", 2)
	require.NoError(t, err, "exactly reaching the limit is allowed")
	assert.Equal(t, int64(10), f.usageAmount(t))
}

func TestRecordUsageUnlimited(t *testing.T) {
	f := setupUsage(t)
	f.seedEntitlement(t, nil, catalogdomain.ResetNever, f.clk.Now())

	ctx := f.ctx()
	for i := 0; i < 500; i++ {
		_, err := f.svc.RecordUsage(ctx, "exports", 7)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3500), f.usageAmount(t))
}

func TestRecordUsageInvalidAmount(t *testing.T) {
	f := setupUsage(t)
	limit := int64(10)
	f.seedEntitlement(t, &limit, catalogdomain.ResetMonthly, f.clk.Now())

	_, err := f.svc.RecordUsage(f.ctx(), "exports", 0)
	require.ErrorIs(t, err, usagedomain.ErrInvalidAmount)
	_, err = f.svc.RecordUsage(f.ctx(), "exports", -3)
	require.ErrorIs(t, err, usagedomain.ErrInvalidAmount)
}

func TestLazyMonthlyReset(t *testing.T) {
	f := setupUsage(t)
	limit := int64(100)
	// Counter filled up in February; nobody touched it since.
	lastReset := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	id := f.seedEntitlement(t, &limit, catalogdomain.ResetMonthly, lastReset)
	require.NoError(t, f.db.Model(&entitlementdomain.OrganizationEntitlement{}).
		Where("id = ?", id).
		Update("usage_amount", 100).Error)

	// clk is in March: the first touch resets before judging the limit.
	resp, err := f.svc.RecordUsage(f.ctx(), "exports", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.UsageAmount)
	assert.Equal(t, int64(1), f.usageAmount(t))

	var row entitlementdomain.OrganizationEntitlement
	require.NoError(t, f.db.Where("id = ?", id).First(&row).Error)
	require.NotNil(t, row.LastResetAt)
	assert.Equal(t, f.clk.Now().Unix(), row.LastResetAt.UTC().Unix())
}

func TestLazyYearlyReset(t *testing.T) {
	f := setupUsage(t)
	limit := int64(5)
	lastReset := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	id := f.seedEntitlement(t, &limit, catalogdomain.ResetYearly, lastReset)
	require.NoError(t, f.db.Model(&entitlementdomain.OrganizationEntitlement{}).
		Where("id = ?", id).
		Update("usage_amount", 5).Error)

	resp, err := f.svc.CheckEntitlement(f.ctx(), "exports")
	require.NoError(t, err)
	assert.True(t, resp.Allowed, "new calendar year resets the counter")
	assert.Equal(t, int64(0), resp.UsageAmount)
}

func TestNoResetWithinSamePeriod(t *testing.T) {
	f := setupUsage(t)
	limit := int64(100)
	id := f.seedEntitlement(t, &limit, catalogdomain.ResetMonthly, f.clk.Now())
	require.NoError(t, f.db.Model(&entitlementdomain.OrganizationEntitlement{}).
		Where("id = ?", id).
		Update("usage_amount", 60).Error)

	// Later in the same month: nothing resets.
	f.clk.Advance(10 * 24 * time.Hour)
	resp, err := f.svc.RecordUsage(f.ctx(), "exports", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(61), resp.UsageAmount)
}

func TestConcurrentRecordUsageNeverOvershoots(t *testing.T) {
	f := setupUsage(t)
	limit := int64(50)
	f.seedEntitlement(t, &limit, catalogdomain.ResetMonthly, f.clk.Now())

	ctx := f.ctx()
	var wg sync.WaitGroup
	errs := make(chan error, 80)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordUsage(ctx, "exports", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var accepted, rejected int
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		default:
			rejected++
		}
	}

	assert.Equal(t, int64(50), f.usageAmount(t), "counter must land exactly on the limit")
	assert.Equal(t, 50, accepted)
	assert.Equal(t, 30, rejected)
}
