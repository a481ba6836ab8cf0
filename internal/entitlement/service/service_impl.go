package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	"github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/observability/metrics"
	"github.com/smallbiznis/plangate/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Repo    domain.Repository
	Catalog catalogdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	catalog catalogdomain.Service
	metrics *metrics.Metrics

	gracePeriod time.Duration
}

func New(p Params) (domain.Service, domain.Resolver) {
	s := &Service{
		db:          p.DB,
		log:         p.Log.Named("entitlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		catalog:     p.Catalog,
		metrics:     p.Metrics,
		gracePeriod: time.Duration(p.Config.Billing.GracePeriodDays) * 24 * time.Hour,
	}
	return s, s
}

func (s *Service) List(ctx context.Context) ([]domain.EntitlementResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	items, err := s.repo.ListByOrganization(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.EntitlementResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toResponse(&item))
	}
	return resp, nil
}

func (s *Service) Resolve(ctx context.Context) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ResolveOrganization(ctx, tx, orgID)
	})
}

// ResolveOrganization recomputes the organization's entitlement rows from
// its live subscriptions. It only writes rows whose resolved grant actually
// changed, so re-running with unchanged inputs is a no-op.
func (s *Service) ResolveOrganization(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) error {
	now := s.clock.Now().UTC()
	graceCutoff := now.Add(-s.gracePeriod)

	targets, err := s.repo.ActiveTargets(ctx, tx, orgID, now, graceCutoff)
	if err != nil {
		return err
	}

	resolved, err := s.resolveGrants(ctx, targets)
	if err != nil {
		return err
	}

	existing, err := s.repo.ListByOrganization(ctx, tx, orgID)
	if err != nil {
		return err
	}
	byFeature := make(map[snowflake.ID]*domain.OrganizationEntitlement, len(existing))
	for i := range existing {
		byFeature[existing[i].FeatureID] = &existing[i]
	}

	writes := 0
	for _, grant := range resolved {
		current, ok := byFeature[grant.FeatureID]
		if !ok {
			reset := grant.ResetPeriod
			row := &domain.OrganizationEntitlement{
				ID:             s.genID.Generate(),
				OrganizationID: orgID,
				ToolID:         grant.ToolID,
				FeatureID:      grant.FeatureID,
				LimitAmount:    grant.Limit,
				UsageAmount:    0,
				ResetPeriod:    &reset,
				LastResetAt:    &now,
				Enabled:        true,
				UpdatedAt:      now,
			}
			if err := s.repo.Insert(ctx, tx, row); err != nil {
				return err
			}
			writes++
			continue
		}

		if grantUnchanged(current, grant) {
			continue
		}

		reset := grant.ResetPeriod
		current.ToolID = grant.ToolID
		current.LimitAmount = grant.Limit
		current.ResetPeriod = &reset
		current.Enabled = true
		current.UpdatedAt = now
		if err := s.repo.UpdateGrant(ctx, tx, current); err != nil {
			return err
		}
		writes++
	}

	// Anything previously entitled but absent from the resolved set loses
	// access, keeping its usage history.
	resolvedSet := make(map[snowflake.ID]struct{}, len(resolved))
	for _, grant := range resolved {
		resolvedSet[grant.FeatureID] = struct{}{}
	}
	for i := range existing {
		row := &existing[i]
		if _, ok := resolvedSet[row.FeatureID]; ok {
			continue
		}
		if !row.Enabled {
			continue
		}
		if err := s.repo.SetEnabled(ctx, tx, row.ID, false, now); err != nil {
			return err
		}
		writes++
	}

	if writes > 0 {
		s.metrics.RecordResolverWrites(writes)
		s.log.Debug("entitlements resolved",
			zap.String("organization_id", orgID.String()),
			zap.Int("writes", writes),
		)
	}
	return nil
}

// resolveGrants collects grants from every live subscription target and
// merges them, most permissive limit per feature.
func (s *Service) resolveGrants(ctx context.Context, targets []domain.SubscriptionTarget) ([]catalogdomain.FeatureGrant, error) {
	var all []catalogdomain.FeatureGrant
	for _, target := range targets {
		var planID, bundleID snowflake.ID
		if target.PlanID != nil {
			planID = *target.PlanID
		}
		if target.BundleID != nil {
			bundleID = *target.BundleID
		}
		if planID == 0 && bundleID == 0 {
			continue
		}

		grants, err := s.catalog.GrantsFor(ctx, planID, bundleID)
		if err != nil {
			return nil, err
		}
		all = append(all, grants...)
	}
	return catalogdomain.MergeGrants(all), nil
}

func grantUnchanged(current *domain.OrganizationEntitlement, grant catalogdomain.FeatureGrant) bool {
	if !current.Enabled {
		return false
	}
	if current.ToolID != grant.ToolID {
		return false
	}
	if (current.LimitAmount == nil) != (grant.Limit == nil) {
		return false
	}
	if current.LimitAmount != nil && *current.LimitAmount != *grant.Limit {
		return false
	}
	if current.ResetPeriod == nil || *current.ResetPeriod != grant.ResetPeriod {
		return false
	}
	return true
}

func toResponse(e *domain.OrganizationEntitlement) domain.EntitlementResponse {
	resp := domain.EntitlementResponse{
		ID:             e.ID.String(),
		OrganizationID: e.OrganizationID.String(),
		ToolID:         e.ToolID.String(),
		FeatureID:      e.FeatureID.String(),
		LimitAmount:    e.LimitAmount,
		UsageAmount:    e.UsageAmount,
		LastResetAt:    e.LastResetAt,
		Enabled:        e.Enabled,
	}
	if e.ResetPeriod != nil {
		value := string(*e.ResetPeriod)
		resp.ResetPeriod = &value
	}
	return resp
}
