package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/observability/metrics"
	planchangedomain "github.com/smallbiznis/plangate/internal/planchange/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

const sweepLockKey = "plangate:scheduler:sweep"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config

	PlanChangeSvc    planchangedomain.Service
	SubscriptionRepo subscriptiondomain.Repository
	Resolver         entitlementdomain.Resolver
	Locker           *Locker          `optional:"true"`
	Metrics          *metrics.Metrics `optional:"true"`
}

// Scheduler runs the periodic sweeps that cannot ride on a request or a
// webhook: committing deferred downgrades at the period boundary, and
// expiring past_due subscriptions once the grace period runs out.
type Scheduler struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	cfg   config.BillingConfig

	planchangeSvc    planchangedomain.Service
	subscriptionRepo subscriptiondomain.Repository
	resolver         entitlementdomain.Resolver
	locker           *Locker
	metrics          *metrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.PlanChangeSvc == nil || p.SubscriptionRepo == nil || p.Resolver == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Cfg.Billing
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 50
	}
	return &Scheduler{
		db:               p.DB,
		log:              p.Log.Named("scheduler"),
		clock:            p.Clock,
		cfg:              cfg,
		planchangeSvc:    p.PlanChangeSvc,
		subscriptionRepo: p.SubscriptionRepo,
		resolver:         p.Resolver,
		locker:           p.Locker,
		metrics:          p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		s.metrics.RecordSweepRun(name, "ok")
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.RecordSweepRun(name, "timeout")
		s.log.Warn("job timed out", zap.String("job", name), zap.Duration("timeout", timeout))
		return nil
	}

	s.metrics.RecordSweepRun(name, "error")
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every job one time. When a locker is configured the whole
// run is serialized across replicas; a replica that loses the lock skips the
// run and lets the holder do the work.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(parent, sweepLockKey, s.cfg.SweepInterval)
		if err != nil {
			s.log.Warn("sweep lock unavailable, running unlocked", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(parent, sweepLockKey, token); err != nil {
					s.log.Warn("sweep lock release failed", zap.Error(err))
				}
			}()
		}
	}

	var err error
	err = errors.Join(err, s.runJob(parent, "commit_downgrades", 30*time.Second, s.CommitDowngradesJob))
	err = errors.Join(err, s.runJob(parent, "expire_past_due", 30*time.Second, s.ExpirePastDueJob))
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CommitDowngradesJob applies deferred plan changes whose period boundary has
// passed. A subscription that renewed through a webhook already had its
// change committed during reconciliation; this job catches the rest.
func (s *Scheduler) CommitDowngradesJob(ctx context.Context) error {
	committed, err := s.planchangeSvc.SweepDueChanges(ctx, s.cfg.SweepBatchSize)
	if committed > 0 {
		s.log.Info("committed scheduled changes", zap.Int("count", committed))
	}
	return err
}

type workSubscription struct {
	ID             snowflake.ID
	OrganizationID snowflake.ID
}

// ExpirePastDueJob cancels past_due subscriptions whose grace period has run
// out, then re-resolves the affected organizations so their entitlements
// drop. Rows claimed by another replica are skipped.
func (s *Scheduler) ExpirePastDueJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-time.Duration(s.cfg.GracePeriodDays) * 24 * time.Hour)

	var expired int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidates, err := s.claimExpiredPastDue(ctx, tx, cutoff)
		if err != nil {
			return err
		}

		for _, candidate := range candidates {
			subscription, err := s.subscriptionRepo.FindByIDForUpdate(ctx, tx, candidate.OrganizationID, candidate.ID)
			if err != nil {
				return err
			}
			if subscription == nil || subscription.Status != subscriptiondomain.SubscriptionStatusPastDue {
				continue
			}

			prevUpdatedAt := subscription.UpdatedAt
			reason := subscriptiondomain.CancellationReasonPaymentFailed
			subscription.Status = subscriptiondomain.SubscriptionStatusCanceled
			subscription.CancellationReason = &reason
			subscription.UpdatedAt = now

			if err := s.subscriptionRepo.UpdateLifecycle(ctx, tx, subscription, prevUpdatedAt); err != nil {
				if errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
					continue
				}
				return err
			}
			if err := s.resolver.ResolveOrganization(ctx, tx, subscription.OrganizationID); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if expired > 0 {
		s.log.Info("expired past_due subscriptions out of grace",
			zap.Int("count", expired),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

func (s *Scheduler) claimExpiredPastDue(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]workSubscription, error) {
	query := `SELECT id, organization_id
		 FROM subscriptions
		 WHERE status = ?
		   AND current_period_end IS NOT NULL
		   AND current_period_end < ?
		 ORDER BY id
		 LIMIT ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var candidates []workSubscription
	err := tx.WithContext(ctx).Raw(query,
		subscriptiondomain.SubscriptionStatusPastDue,
		cutoff,
		s.cfg.SweepBatchSize,
	).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}
