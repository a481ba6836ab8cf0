package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/plangate/internal/catalog"
	catalogdomain "github.com/smallbiznis/plangate/internal/catalog/domain"
	"github.com/smallbiznis/plangate/internal/config"
	"github.com/smallbiznis/plangate/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/plangate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	"github.com/smallbiznis/plangate/internal/planchange"
	planchangedomain "github.com/smallbiznis/plangate/internal/planchange/domain"
	"github.com/smallbiznis/plangate/internal/provider"
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
	"github.com/smallbiznis/plangate/internal/reconcile"
	reconciledomain "github.com/smallbiznis/plangate/internal/reconcile/domain"
	"github.com/smallbiznis/plangate/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"github.com/smallbiznis/plangate/internal/trialguard"
	trialguarddomain "github.com/smallbiznis/plangate/internal/trialguard/domain"
	"github.com/smallbiznis/plangate/internal/usage"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	catalog.Module,
	subscription.Module,
	entitlement.Module,
	trialguard.Module,
	usage.Module,
	planchange.Module,
	provider.Module,
	reconcile.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node

	catalogSvc      catalogdomain.Service
	subscriptionSvc subscriptiondomain.Service
	entitlementSvc  entitlementdomain.Service
	usageSvc        usagedomain.Service
	planChangeSvc   planchangedomain.Service
	reconcileSvc    reconciledomain.Service
	trialGuard      trialguarddomain.Guard
	providerClient  providerdomain.Client
	providerWebhook providerdomain.Webhook
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node

	CatalogSvc      catalogdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	EntitlementSvc  entitlementdomain.Service
	UsageSvc        usagedomain.Service
	PlanChangeSvc   planchangedomain.Service
	ReconcileSvc    reconciledomain.Service
	TrialGuard      trialguarddomain.Guard
	ProviderClient  providerdomain.Client
	ProviderWebhook providerdomain.Webhook
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		catalogSvc:      p.CatalogSvc,
		subscriptionSvc: p.SubscriptionSvc,
		entitlementSvc:  p.EntitlementSvc,
		usageSvc:        p.UsageSvc,
		planChangeSvc:   p.PlanChangeSvc,
		reconcileSvc:    p.ReconcileSvc,
		trialGuard:      p.TrialGuard,
		providerClient:  p.ProviderClient,
		providerWebhook: p.ProviderWebhook,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", s.OrgContext())

	api.GET("/plans", s.ListPlans)
	api.GET("/plans/:id", s.GetPlan)
	api.GET("/bundles", s.ListBundles)
	api.GET("/bundles/:id", s.GetBundle)

	api.GET("/subscriptions", s.ListSubscriptions)
	api.GET("/subscriptions/:providerId", s.GetSubscription)
	api.POST("/subscriptions/trial", s.StartTrial)
	api.POST("/subscriptions/:providerId/cancel", s.CancelSubscription)
	api.POST("/subscriptions/:providerId/resume", s.ResumeSubscription)
	api.POST("/subscriptions/:providerId/cancel-trial", s.CancelTrial)
	api.POST("/subscriptions/:providerId/change", s.ScheduleChange)
	api.POST("/subscriptions/:providerId/change/cancel", s.CancelScheduledChange)
	api.POST("/subscriptions/:providerId/sync", s.SyncSubscription)
	api.GET("/purchases", s.ListOneTimePurchases)

	api.GET("/entitlements", s.ListEntitlements)
	api.POST("/entitlements/resolve", s.ResolveEntitlements)
	api.GET("/usage/:featureSlug/check", s.CheckEntitlement)
	api.POST("/usage/:featureSlug", s.RecordUsage)

	api.POST("/billing/checkout", s.CreateCheckoutSession)
	api.POST("/billing/portal", s.CreatePortalSession)
	api.GET("/billing/invoices", s.ListInvoices)
}

func (s *Server) registerWebhookRoutes() {
	// Signature-verified, deliberately outside the org middleware: the
	// provider does not send X-Org-ID.
	s.engine.POST("/webhooks/billing", s.HandleBillingWebhook)
}
