package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/tokenbill/docs"
	"github.com/fatflowers/tokenbill/internal/app/api/handlers"
	mw "github.com/fatflowers/tokenbill/internal/app/api/middleware"
	customersvc "github.com/fatflowers/tokenbill/internal/app/service/customer"
	invoicesvc "github.com/fatflowers/tokenbill/internal/app/service/invoice"
	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
	plansvc "github.com/fatflowers/tokenbill/internal/app/service/plan"
	"github.com/fatflowers/tokenbill/internal/app/service/reconciler"
	"github.com/fatflowers/tokenbill/internal/app/service/statistics"
	subsvc "github.com/fatflowers/tokenbill/internal/app/service/subscription"
	tokensvc "github.com/fatflowers/tokenbill/internal/app/service/token"
	"github.com/fatflowers/tokenbill/internal/platform/broker"
	cfgpkg "github.com/fatflowers/tokenbill/pkg/config"
	"github.com/fatflowers/tokenbill/pkg/metrics"
)

// Services is everything the HTTP layer can expose. Services of an authority
// this process does not run are nil and their routes are not mounted.
type Services struct {
	fx.In

	Router        *broker.Router
	Plans         *plansvc.Service     `optional:"true"`
	Subscriptions *subsvc.Service      `optional:"true"`
	Invoices      *invoicesvc.Service  `optional:"true"`
	Statistics    *statistics.Service  `optional:"true"`
	Customers     *customersvc.Service `optional:"true"`
	Tokens        *tokensvc.Service    `optional:"true"`
	Outbox        *outbox.Dispatchers  `optional:"true"`
	Reconciler    *reconciler.Service  `optional:"true"`
}

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

// RegisterRoutes mounts the public API, admin API and event ingress on r.
func RegisterRoutes(r *gin.Engine, log *zap.SugaredLogger, cfg *cfgpkg.Config, s Services) {
	authorities := []string{}
	if s.Reconciler != nil {
		authorities = s.Reconciler.Authorities()
	}
	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterHealthRoutes(pub, authorities)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Peer ingress carries its own trace context and no actor
	handlers.RegisterEventRoutes(pub, s.Router, log)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.ActorMiddleware(cfg.Auth.JWTSecret), mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	if s.Plans != nil {
		handlers.RegisterPlanRoutes(apiV1.Group("/plans"), s.Plans, log)
	}
	if s.Subscriptions != nil {
		handlers.RegisterSubscriptionRoutes(apiV1.Group("/subscriptions"), s.Subscriptions, log)
	}
	if s.Invoices != nil {
		handlers.RegisterInvoiceRoutes(apiV1.Group("/invoices"), s.Invoices, log)
	}
	if s.Customers != nil {
		handlers.RegisterCustomerRoutes(apiV1.Group("/customers"), s.Customers, log)
	}
	if s.Tokens != nil {
		handlers.RegisterTokenRoutes(apiV1.Group("/tokens"), s.Tokens, cfg.TokenPackages, log)
	}
	handlers.RegisterAdminRoutes(apiV1.Group("/admin"), &handlers.Admin{
		Outbox:     s.Outbox,
		Reconciler: s.Reconciler,
		Ledger:     s.Tokens,
		Statistics: s.Statistics,
		Log:        log,
	})
}

func useMetrics(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	if cfg.MetricsAddr == "" {
		return
	}
	p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
		ReqCntURLLabelMappingFn: func(c *gin.Context) string {
			if fp := c.FullPath(); fp != "" {
				return fp
			}
			return c.Request.URL.Path
		},
		Logger: log,
	})
	p.Use(r)
	srv := p.Server(cfg.MetricsAddr)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go p.Serve(srv)
			log.Infow("metrics started", "addr", cfg.MetricsAddr)
			return nil
		},
		OnStop: func(ctx context.Context) error { return p.Shutdown(ctx, srv) },
	})
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr, "authority", cfg.Authority)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// Module mounts metrics before routes so the middleware sees every request.
var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(useMetrics),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(runServer),
)
