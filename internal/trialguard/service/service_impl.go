package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/trialguard/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Guard struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Guard {
	return &Guard{
		log:   p.Log.Named("trialguard.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (g *Guard) CheckEligibility(ctx context.Context, dbc *gorm.DB, orgID, toolID snowflake.ID) error {
	used, err := g.repo.PriorTrialExists(ctx, dbc, orgID, toolID)
	if err != nil {
		return err
	}
	if used {
		return domain.ErrTrialAlreadyUsed
	}
	return nil
}

func (g *Guard) ClaimFingerprint(ctx context.Context, tx *gorm.DB, orgID, toolID snowflake.ID, fingerprint string) (bool, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false, domain.ErrInvalidFingerprint
	}

	record := &domain.TrialFingerprint{
		ID:             g.genID.Generate(),
		ToolID:         toolID,
		Fingerprint:    fingerprint,
		OrganizationID: orgID,
		CreatedAt:      g.clock.Now().UTC(),
	}

	inserted, err := g.repo.Insert(ctx, tx, record)
	if err != nil {
		return false, err
	}
	if inserted {
		return true, nil
	}

	// Lost the insert race or the fingerprint was claimed earlier. The
	// organization that already owns the claim may retry its own checkout.
	existing, findErr := g.repo.FindFingerprint(ctx, tx, toolID, fingerprint)
	if findErr != nil {
		return false, findErr
	}
	if existing != nil && existing.OrganizationID == orgID {
		return true, nil
	}

	g.log.Info("trial fingerprint already claimed",
		zap.String("tool_id", toolID.String()),
		zap.String("organization_id", orgID.String()),
	)
	return false, nil
}
