package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/catalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("catalog.service"),
		repo: p.Repo,
	}
}

func (s *Service) ListPlans(ctx context.Context, toolID string) ([]domain.PlanResponse, error) {
	var tool snowflake.ID
	if trimmed := strings.TrimSpace(toolID); trimmed != "" {
		parsed, err := snowflake.ParseString(trimmed)
		if err != nil {
			return nil, domain.ErrToolNotFound
		}
		tool = parsed
	}

	items, err := s.repo.ListPlans(ctx, s.db, tool)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.PlanResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toPlanResponse(&item, nil))
	}
	return resp, nil
}

func (s *Service) GetPlan(ctx context.Context, id string) (*domain.PlanResponse, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.ErrPlanNotFound
	}

	plan, err := s.repo.FindPlan(ctx, s.db, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrPlanNotFound
	}

	grants, err := s.repo.PlanGrants(ctx, s.db, plan.ID)
	if err != nil {
		return nil, err
	}

	resp := toPlanResponse(plan, domain.MergeGrants(grants))
	return &resp, nil
}

func (s *Service) ListBundles(ctx context.Context) ([]domain.BundleResponse, error) {
	items, err := s.repo.ListBundles(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.BundleResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toBundleResponse(&item, nil))
	}
	return resp, nil
}

func (s *Service) GetBundle(ctx context.Context, id string) (*domain.BundleResponse, error) {
	bundleID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.ErrBundleNotFound
	}

	bundle, err := s.repo.FindBundle(ctx, s.db, bundleID)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, domain.ErrBundleNotFound
	}

	grants, err := s.repo.BundleGrants(ctx, s.db, bundle.ID)
	if err != nil {
		return nil, err
	}

	resp := toBundleResponse(bundle, domain.MergeGrants(grants))
	return &resp, nil
}

func (s *Service) GrantsFor(ctx context.Context, planID, bundleID snowflake.ID) ([]domain.FeatureGrant, error) {
	switch {
	case planID != 0:
		grants, err := s.repo.PlanGrants(ctx, s.db, planID)
		if err != nil {
			return nil, err
		}
		return domain.MergeGrants(grants), nil
	case bundleID != 0:
		grants, err := s.repo.BundleGrants(ctx, s.db, bundleID)
		if err != nil {
			return nil, err
		}
		return domain.MergeGrants(grants), nil
	default:
		return nil, domain.ErrPlanNotFound
	}
}

func toPlanResponse(p *domain.Plan, grants []domain.FeatureGrant) domain.PlanResponse {
	return domain.PlanResponse{
		ID:              p.ID.String(),
		Name:            p.Name,
		ToolID:          p.ToolID.String(),
		Tier:            p.Tier,
		Price:           p.Price,
		Currency:        p.Currency,
		Interval:        p.Interval,
		TrialPeriodDays: p.TrialPeriodDays,
		Grants:          toGrantResponses(grants),
	}
}

func toBundleResponse(b *domain.Bundle, grants []domain.FeatureGrant) domain.BundleResponse {
	return domain.BundleResponse{
		ID:       b.ID.String(),
		Name:     b.Name,
		Slug:     b.Slug,
		Rank:     b.Rank,
		Price:    b.Price,
		Currency: b.Currency,
		Interval: b.Interval,
		Grants:   toGrantResponses(grants),
	}
}

func toGrantResponses(grants []domain.FeatureGrant) []domain.GrantResponse {
	if len(grants) == 0 {
		return nil
	}
	resp := make([]domain.GrantResponse, 0, len(grants))
	for _, g := range grants {
		resp = append(resp, domain.GrantResponse{
			FeatureID:   g.FeatureID.String(),
			FeatureSlug: g.FeatureSlug,
			FeatureType: g.FeatureType,
			Limit:       g.Limit,
			ResetPeriod: g.ResetPeriod,
		})
	}
	return resp
}
