package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	"github.com/smallbiznis/plangate/internal/clock"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/observability/metrics"
	"github.com/smallbiznis/plangate/internal/orgcontext"
	"github.com/smallbiznis/plangate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Repo        domain.Repository
	CatalogRepo catalogdomain.Repository
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        domain.Repository
	catalogRepo catalogdomain.Repository
	metrics     *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("usage.service"),
		clock:       p.Clock,
		repo:        p.Repo,
		catalogRepo: p.CatalogRepo,
		metrics:     p.Metrics,
	}
}

func (s *Service) CheckEntitlement(ctx context.Context, featureSlug string) (domain.CheckResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.CheckResponse{}, domain.ErrInvalidOrganization
	}

	feature, err := s.findFeature(ctx, featureSlug)
	if err != nil {
		return domain.CheckResponse{}, err
	}

	resp := domain.CheckResponse{FeatureSlug: feature.Slug}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockAndReset(ctx, tx, orgID, feature.ID)
		if err != nil {
			return err
		}
		if row == nil || !row.Enabled {
			resp.Allowed = false
			resp.Reason = domain.ReasonNotEntitled
			return nil
		}

		resp.LimitAmount = row.LimitAmount
		resp.UsageAmount = row.UsageAmount
		if row.LimitAmount != nil && row.UsageAmount >= *row.LimitAmount {
			resp.Allowed = false
			resp.Reason = domain.ReasonLimitExceeded
			return nil
		}
		resp.Allowed = true
		return nil
	})
	if err != nil {
		return domain.CheckResponse{}, err
	}

	if resp.Allowed {
		s.metrics.RecordUsageCheck("pass")
	} else {
		s.metrics.RecordUsageCheck(resp.Reason)
	}
	return resp, nil
}

func (s *Service) RecordUsage(ctx context.Context, featureSlug string, amount int64) (domain.RecordResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.RecordResponse{}, domain.ErrInvalidOrganization
	}
	if amount <= 0 {
		return domain.RecordResponse{}, domain.ErrInvalidAmount
	}

	feature, err := s.findFeature(ctx, featureSlug)
	if err != nil {
		return domain.RecordResponse{}, err
	}

	resp := domain.RecordResponse{FeatureSlug: feature.Slug}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockAndReset(ctx, tx, orgID, feature.ID)
		if err != nil {
			return err
		}
		if row == nil || !row.Enabled {
			return domain.ErrNotEntitled
		}

		// The row is locked, so the limit comparison and the increment are
		// one atomic step; a losing concurrent caller re-reads the summed
		// counter and fails cleanly.
		if row.LimitAmount != nil && row.UsageAmount+amount > *row.LimitAmount {
			return domain.ErrLimitExceeded
		}

		now := s.clock.Now().UTC()
		if err := s.repo.IncrementUsage(ctx, tx, row.ID, amount, now); err != nil {
			return err
		}
		resp.LimitAmount = row.LimitAmount
		resp.UsageAmount = row.UsageAmount + amount
		return nil
	})
	if err != nil {
		if err == domain.ErrLimitExceeded {
			s.metrics.RecordLimitExceeded()
		}
		return domain.RecordResponse{}, err
	}

	return resp, nil
}

// lockAndReset loads the entitlement row under FOR UPDATE and applies a lazy
// period reset when now has crossed a calendar boundary since last_reset_at.
func (s *Service) lockAndReset(ctx context.Context, tx *gorm.DB, orgID, featureID snowflake.ID) (*entitlementdomain.OrganizationEntitlement, error) {
	row, err := s.repo.FindForUpdate(ctx, tx, orgID, featureID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	if needsReset(row.ResetPeriod, row.LastResetAt, now) {
		if err := s.repo.ResetUsage(ctx, tx, row.ID, now); err != nil {
			return nil, err
		}
		row.UsageAmount = 0
		row.LastResetAt = &now
		s.log.Debug("usage counter reset",
			zap.String("organization_id", orgID.String()),
			zap.String("feature_id", featureID.String()),
		)
	}
	return row, nil
}

func (s *Service) findFeature(ctx context.Context, featureSlug string) (*catalogdomain.Feature, error) {
	slug := strings.TrimSpace(featureSlug)
	if slug == "" {
		return nil, domain.ErrInvalidFeature
	}
	feature, err := s.catalogRepo.FindFeatureBySlug(ctx, s.db, slug)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, domain.ErrInvalidFeature
	}
	return feature, nil
}

// needsReset reports whether a counter with the given cadence should return
// to zero at now. Monthly and yearly reset at calendar boundaries in UTC,
// anchored at the last reset.
func needsReset(period *catalogdomain.ResetPeriod, lastResetAt *time.Time, now time.Time) bool {
	if period == nil || lastResetAt == nil {
		return false
	}
	last := lastResetAt.UTC()
	now = now.UTC()
	if !now.After(last) {
		return false
	}

	switch *period {
	case catalogdomain.ResetMonthly:
		return now.Year() != last.Year() || now.Month() != last.Month()
	case catalogdomain.ResetYearly:
		return now.Year() != last.Year()
	default:
		return false
	}
}
