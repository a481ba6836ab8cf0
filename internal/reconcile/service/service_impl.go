package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	"github.com/smallbiznis/plangate/internal/clock"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/observability/metrics"
	"github.com/smallbiznis/plangate/internal/orgcontext"
	planchangedomain "github.com/smallbiznis/plangate/internal/planchange/domain"
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
	"github.com/smallbiznis/plangate/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	trialguarddomain "github.com/smallbiznis/plangate/internal/trialguard/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Repo             domain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	CatalogRepo      catalogdomain.Repository
	PlanChange       planchangedomain.Service
	Guard            trialguarddomain.Guard
	Resolver         entitlementdomain.Resolver
	Provider         providerdomain.Client
	Metrics          *metrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo             domain.Repository
	subscriptionRepo subscriptiondomain.Repository
	catalogRepo      catalogdomain.Repository
	planchange       planchangedomain.Service
	guard            trialguarddomain.Guard
	resolver         entitlementdomain.Resolver
	provider         providerdomain.Client
	metrics          *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("reconcile.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		catalogRepo:      p.CatalogRepo,
		planchange:       p.PlanChange,
		guard:            p.Guard,
		resolver:         p.Resolver,
		provider:         p.Provider,
		metrics:          p.Metrics,
	}
}

func (s *Service) HandleEvent(ctx context.Context, event *providerdomain.Event) error {
	if event == nil || strings.TrimSpace(event.ProviderEventID) == "" {
		return providerdomain.ErrInvalidEvent
	}

	now := s.clock.Now().UTC()
	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		ProviderEventID: event.ProviderEventID,
		EventType:       string(event.Type),
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      now,
	}
	if event.Subscription != nil {
		id := event.Subscription.ProviderSubscriptionID
		record.ProviderSubscriptionID = &id
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	stored := record
	if !inserted {
		stored, err = s.repo.LoadEvent(ctx, s.db, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return providerdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.metrics.RecordProviderEvent(string(event.Type), "duplicate")
			return domain.ErrEventAlreadyProcessed
		}
	}

	if err := s.applyEvent(ctx, event); err != nil {
		s.metrics.RecordProviderEvent(string(event.Type), "error")
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, now); err != nil {
		return err
	}

	s.metrics.RecordProviderEvent(string(event.Type), "applied")
	return nil
}

func (s *Service) SyncSubscription(ctx context.Context, providerSubscriptionID string) (subscriptiondomain.SubscriptionResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidOrganization
	}

	trimmed := strings.TrimSpace(providerSubscriptionID)
	if trimmed == "" {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidSubscription
	}

	local, err := s.subscriptionRepo.FindByProviderID(ctx, s.db, trimmed)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if local == nil || local.OrganizationID != orgID {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	remote, err := s.provider.FetchSubscription(ctx, trimmed)
	if err != nil {
		s.metrics.RecordSyncRun("error")
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	if err := s.applySnapshot(ctx, remote, nil); err != nil {
		s.metrics.RecordSyncRun("error")
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	refreshed, err := s.subscriptionRepo.FindByProviderID(ctx, s.db, trimmed)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if refreshed == nil {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	s.metrics.RecordSyncRun("applied")
	return toResponse(refreshed), nil
}

// applyEvent routes one event type to the shared snapshot core. Every known
// type is handled here; Parse already rejected the rest.
func (s *Service) applyEvent(ctx context.Context, event *providerdomain.Event) error {
	switch event.Type {
	case providerdomain.EventTypeCheckoutCompleted:
		if event.Subscription != nil && event.Subscription.Metadata["mode"] == "payment" {
			return s.recordPurchase(ctx, event.Subscription)
		}
		return s.applySnapshot(ctx, event.Subscription, nil)

	case providerdomain.EventTypeSubscriptionCreated,
		providerdomain.EventTypeSubscriptionUpdated:
		return s.applySnapshot(ctx, event.Subscription, nil)

	case providerdomain.EventTypeSubscriptionDeleted:
		reason := subscriptiondomain.CancellationReasonProvider
		return s.applySnapshot(ctx, event.Subscription, &reason)

	case providerdomain.EventTypeInvoicePaid:
		return s.applyViaFetch(ctx, event.Subscription, nil)

	case providerdomain.EventTypeInvoiceFailed:
		reason := subscriptiondomain.CancellationReasonPaymentFailed
		return s.applyViaFetch(ctx, event.Subscription, &reason)

	default:
		return providerdomain.ErrInvalidEvent
	}
}

// applyViaFetch handles invoice events, whose payload only names the
// subscription. The authoritative state is re-fetched before the
// transaction so no lock is held across the network call.
func (s *Service) applyViaFetch(ctx context.Context, partial *providerdomain.RemoteSubscription, failureReason *subscriptiondomain.CancellationReason) error {
	if partial == nil {
		return providerdomain.ErrInvalidEvent
	}

	remote, err := s.provider.FetchSubscription(ctx, partial.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	return s.applySnapshot(ctx, remote, failureReason)
}

// applySnapshot is the core reconciliation step shared by push and pull.
// Remote wins for provider-owned fields; local wins for upcoming_* except
// exactly at the period boundary, when the scheduled change commits inside
// the same transaction. A stale snapshot (remote updated_at not newer than
// what was last applied) is a no-op.
func (s *Service) applySnapshot(ctx context.Context, remote *providerdomain.RemoteSubscription, cancelReason *subscriptiondomain.CancellationReason) error {
	if remote == nil || strings.TrimSpace(remote.ProviderSubscriptionID) == "" {
		return providerdomain.ErrInvalidEvent
	}

	status, err := mapRemoteStatus(remote.Status)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := s.subscriptionRepo.FindByProviderIDForUpdate(ctx, tx, remote.ProviderSubscriptionID)
			if err != nil {
				return err
			}
			if locked == nil {
				return s.createFromRemote(ctx, tx, remote, status)
			}

			if locked.ProviderUpdatedAt != nil && !remote.UpdatedAt.After(*locked.ProviderUpdatedAt) {
				return nil
			}

			prevUpdatedAt := locked.UpdatedAt
			now := s.clock.Now().UTC()

			// Commit a scheduled change first, judged against the old
			// period bounds: a renewal snapshot means the boundary passed.
			boundary := now
			if remote.CurrentPeriodStart != nil && remote.CurrentPeriodStart.After(boundary) {
				boundary = *remote.CurrentPeriodStart
			}
			s.planchange.CommitDueChange(locked, boundary)

			locked.Status = status
			locked.TrialStart = remote.TrialStart
			locked.TrialEnd = remote.TrialEnd
			locked.CurrentPeriodStart = remote.CurrentPeriodStart
			locked.CurrentPeriodEnd = remote.CurrentPeriodEnd
			locked.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
			if status == subscriptiondomain.SubscriptionStatusCanceled && locked.CancellationReason == nil {
				reason := subscriptiondomain.CancellationReasonProvider
				if cancelReason != nil {
					reason = *cancelReason
				}
				locked.CancellationReason = &reason
			}
			remoteUpdatedAt := remote.UpdatedAt
			locked.ProviderUpdatedAt = &remoteUpdatedAt
			locked.UpdatedAt = now

			if err := s.subscriptionRepo.UpdateLifecycle(ctx, tx, locked, prevUpdatedAt); err != nil {
				return err
			}

			return s.resolver.ResolveOrganization(ctx, tx, locked.OrganizationID)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) {
			return err
		}

		s.metrics.RecordConflictRetry()
		s.log.Warn("reconciliation lost concurrency race",
			zap.String("provider_subscription_id", remote.ProviderSubscriptionID),
			zap.Int("attempt", attempt+1),
		)
	}

	return subscriptiondomain.ErrConcurrentUpdate
}

// createFromRemote materializes a local row for a subscription this engine
// has never seen, keyed off the checkout metadata. Without an organization
// in the metadata there is nothing to attach it to.
func (s *Service) createFromRemote(ctx context.Context, tx *gorm.DB, remote *providerdomain.RemoteSubscription, status subscriptiondomain.SubscriptionStatus) error {
	orgID, err := snowflake.ParseString(strings.TrimSpace(remote.Metadata["organization_id"]))
	if err != nil || orgID == 0 {
		return domain.ErrUnknownSubscription
	}

	planID, bundleID, err := parseTargetMetadata(remote.Metadata)
	if err != nil {
		return err
	}

	var revokeReason *subscriptiondomain.CancellationReason
	if status == subscriptiondomain.SubscriptionStatusTrialing {
		eligible, err := s.trialAllowed(ctx, tx, orgID, planID, remote.CardFingerprint)
		if err != nil {
			return err
		}
		if !eligible {
			// The row is still materialized so the remote subscription has a
			// local mirror, but it never grants access.
			status = subscriptiondomain.SubscriptionStatusCanceled
			reason := subscriptiondomain.CancellationReasonDuplicateCard
			revokeReason = &reason
			s.log.Info("trial revoked during reconciliation",
				zap.String("provider_subscription_id", remote.ProviderSubscriptionID),
				zap.String("organization_id", orgID.String()),
			)
		}
	}

	now := s.clock.Now().UTC()
	remoteUpdatedAt := remote.UpdatedAt
	subscription := &subscriptiondomain.Subscription{
		ID:                     s.genID.Generate(),
		OrganizationID:         orgID,
		PlanID:                 planID,
		BundleID:               bundleID,
		ProviderSubscriptionID: remote.ProviderSubscriptionID,
		Status:                 status,
		TrialStart:             remote.TrialStart,
		TrialEnd:               remote.TrialEnd,
		CurrentPeriodStart:     remote.CurrentPeriodStart,
		CurrentPeriodEnd:       remote.CurrentPeriodEnd,
		CancelAtPeriodEnd:      remote.CancelAtPeriodEnd,
		CancellationReason:     revokeReason,
		ProviderUpdatedAt:      &remoteUpdatedAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.subscriptionRepo.Insert(ctx, tx, subscription); err != nil {
		return err
	}

	s.log.Info("created subscription from provider snapshot",
		zap.String("provider_subscription_id", remote.ProviderSubscriptionID),
		zap.String("organization_id", orgID.String()),
	)
	return s.resolver.ResolveOrganization(ctx, tx, orgID)
}

// trialAllowed applies the trial guard to a trialing subscription arriving
// over the webhook path. Checkout goes through the same checks before the
// session is created, but the webhook is the authority: a claim forged or
// replayed straight at the endpoint must not mint a trial the checkout flow
// would have refused. Bundle checkouts carry no single tool to key the guard
// on and pass through.
func (s *Service) trialAllowed(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, planID *snowflake.ID, fingerprint string) (bool, error) {
	if planID == nil {
		return true, nil
	}
	plan, err := s.catalogRepo.FindPlan(ctx, tx, *planID)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return true, nil
	}

	if err := s.guard.CheckEligibility(ctx, tx, orgID, plan.ToolID); err != nil {
		if errors.Is(err, trialguarddomain.ErrTrialAlreadyUsed) {
			return false, nil
		}
		return false, err
	}

	if strings.TrimSpace(fingerprint) == "" {
		return true, nil
	}
	return s.guard.ClaimFingerprint(ctx, tx, orgID, plan.ToolID, fingerprint)
}

// recordPurchase logs a one-time (mode=payment) checkout. Purchases carry no
// lifecycle; the row is the receipt.
func (s *Service) recordPurchase(ctx context.Context, remote *providerdomain.RemoteSubscription) error {
	orgID, err := snowflake.ParseString(strings.TrimSpace(remote.Metadata["organization_id"]))
	if err != nil || orgID == 0 {
		return domain.ErrUnknownSubscription
	}

	planID, bundleID, err := parseTargetMetadata(remote.Metadata)
	if err != nil {
		return err
	}

	amount, _ := strconv.ParseInt(strings.TrimSpace(remote.Metadata["amount_total"]), 10, 64)
	currency := strings.ToUpper(strings.TrimSpace(remote.Metadata["currency"]))
	if currency == "" {
		currency = "USD"
	}

	purchase := &subscriptiondomain.OneTimePurchase{
		ID:                      s.genID.Generate(),
		OrganizationID:          orgID,
		PlanID:                  planID,
		BundleID:                bundleID,
		ProviderPaymentIntentID: remote.ProviderSubscriptionID,
		AmountPaid:              amount,
		Currency:                currency,
		Status:                  "paid",
		CreatedAt:               s.clock.Now().UTC(),
	}
	return s.subscriptionRepo.InsertOneTimePurchase(ctx, s.db, purchase)
}

func parseTargetMetadata(metadata map[string]string) (*snowflake.ID, *snowflake.ID, error) {
	var planID, bundleID *snowflake.ID
	if raw := strings.TrimSpace(metadata["plan_id"]); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			return nil, nil, providerdomain.ErrInvalidEvent
		}
		planID = &parsed
	}
	if raw := strings.TrimSpace(metadata["bundle_id"]); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			return nil, nil, providerdomain.ErrInvalidEvent
		}
		bundleID = &parsed
	}
	if (planID == nil) == (bundleID == nil) {
		return nil, nil, providerdomain.ErrInvalidEvent
	}
	return planID, bundleID, nil
}

// mapRemoteStatus translates provider vocabulary onto the local lifecycle.
func mapRemoteStatus(remote string) (subscriptiondomain.SubscriptionStatus, error) {
	switch strings.TrimSpace(strings.ToLower(remote)) {
	case "incomplete":
		return subscriptiondomain.SubscriptionStatusIncomplete, nil
	case "trialing":
		return subscriptiondomain.SubscriptionStatusTrialing, nil
	case "active":
		return subscriptiondomain.SubscriptionStatusActive, nil
	case "past_due", "unpaid":
		return subscriptiondomain.SubscriptionStatusPastDue, nil
	case "canceled", "incomplete_expired":
		return subscriptiondomain.SubscriptionStatusCanceled, nil
	default:
		return "", domain.ErrUnknownRemoteStatus
	}
}

func toResponse(subscription *subscriptiondomain.Subscription) subscriptiondomain.SubscriptionResponse {
	resp := subscriptiondomain.SubscriptionResponse{
		ID:                     subscription.ID.String(),
		OrganizationID:         subscription.OrganizationID.String(),
		ProviderSubscriptionID: subscription.ProviderSubscriptionID,
		Status:                 subscription.Status,
		TrialStart:             subscription.TrialStart,
		TrialEnd:               subscription.TrialEnd,
		CurrentPeriodStart:     subscription.CurrentPeriodStart,
		CurrentPeriodEnd:       subscription.CurrentPeriodEnd,
		CancelAtPeriodEnd:      subscription.CancelAtPeriodEnd,
		CreatedAt:              subscription.CreatedAt,
	}
	if subscription.PlanID != nil && *subscription.PlanID != 0 {
		value := subscription.PlanID.String()
		resp.PlanID = &value
	}
	if subscription.BundleID != nil && *subscription.BundleID != 0 {
		value := subscription.BundleID.String()
		resp.BundleID = &value
	}
	if subscription.UpcomingPlanID != nil && *subscription.UpcomingPlanID != 0 {
		value := subscription.UpcomingPlanID.String()
		resp.UpcomingPlanID = &value
	}
	if subscription.UpcomingBundleID != nil && *subscription.UpcomingBundleID != 0 {
		value := subscription.UpcomingBundleID.String()
		resp.UpcomingBundleID = &value
	}
	if subscription.CancellationReason != nil {
		reason := string(*subscription.CancellationReason)
		resp.CancellationReason = &reason
	}
	return resp
}
