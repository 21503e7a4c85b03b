package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/meterline/internal/audit"
	auditdomain "github.com/smallbiznis/meterline/internal/audit/domain"
	"github.com/smallbiznis/meterline/internal/cache"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/installation"
	installationdomain "github.com/smallbiznis/meterline/internal/installation/domain"
	"github.com/smallbiznis/meterline/internal/license"
	licensedomain "github.com/smallbiznis/meterline/internal/license/domain"
	"github.com/smallbiznis/meterline/internal/observability"
	obsmiddleware "github.com/smallbiznis/meterline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	obstracing "github.com/smallbiznis/meterline/internal/observability/tracing"
	"github.com/smallbiznis/meterline/internal/pricing"
	"github.com/smallbiznis/meterline/internal/ratelimit"
	"github.com/smallbiznis/meterline/internal/reporting"
	reportingdomain "github.com/smallbiznis/meterline/internal/reporting/domain"
	"github.com/smallbiznis/meterline/internal/scheduler"
	"github.com/smallbiznis/meterline/internal/signature"
	"github.com/smallbiznis/meterline/internal/usage"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Services is every domain module the HTTP adapter fronts. Binaries that run
// only the scheduler include it without the server.
var Services = fx.Options(
	cache.Module,
	pricing.Module,
	signature.Module,
	installation.Module,
	usage.Module,
	license.Module,
	reporting.Module,
	audit.Module,
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
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

	usagesvc        usagedomain.Service
	installationSvc installationdomain.Service
	licenseSvc      licensedomain.Service
	reportingSvc    reportingdomain.Service
	auditSvc        auditdomain.Service

	obsMetrics   *obsmetrics.Metrics
	usageLimiter *ratelimit.IngestLimiter
	scheduler    *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Usagesvc        usagedomain.Service
	InstallationSvc installationdomain.Service
	LicenseSvc      licensedomain.Service
	ReportingSvc    reportingdomain.Service
	AuditSvc        auditdomain.Service
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
	UsageLimiter    *ratelimit.IngestLimiter `optional:"true"`
	Scheduler       *scheduler.Scheduler     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		usagesvc:        p.Usagesvc,
		installationSvc: p.InstallationSvc,
		licenseSvc:      p.LicenseSvc,
		reportingSvc:    p.ReportingSvc,
		auditSvc:        p.AuditSvc,
		obsMetrics:      p.ObsMetrics,
		usageLimiter:    p.UsageLimiter,
		scheduler:       p.Scheduler,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// -------- Usage --------
	api.POST("/usage/batch", s.UsageIngestRateLimit(), s.IngestUsage)

	// -------- Licenses --------
	lic := api.Group("/license")
	{
		lic.POST("/attach", s.AttachSite)
		lic.POST("/activate", s.ActivateLicense)
		lic.POST("/deactivate", s.DeactivateSite)
		lic.GET("/quota", s.GetQuota)
		lic.POST("/authorize", s.AuthorizeGeneration)
		lic.POST("/commit", s.CommitUsage)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/v1/admin", s.AdminAuthRequired())

	// -------- Installations --------
	installations := admin.Group("/installations")
	{
		installations.GET("", s.ListInstallations)
		installations.GET("/:install_id/summary", s.InstallationSummary)
		installations.GET("/:install_id/events", s.InstallationEvents)
		installations.POST("/:install_id/deactivate", s.DeactivateInstallation)
		installations.POST("/:install_id/reactivate", s.ReactivateInstallation)
		installations.POST("/:install_id/secret", s.RegisterInstallSecret)
	}

	// -------- Licenses --------
	licenses := admin.Group("/licenses")
	{
		licenses.POST("/subscription", s.UpdateSubscription)
		licenses.POST("/credits", s.AddCredits)
	}

	// -------- Audit --------
	admin.GET("/audit-logs", s.ListAuditLogs)

	// -------- Jobs --------
	if s.scheduler != nil {
		admin.POST("/jobs/:job/run", s.RunJob)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
