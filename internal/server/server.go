package server

import (
	"context"
	"net/http"
	"time"

	"github.com/fableloom/loom-credits/internal/config"
	creditsdomain "github.com/fableloom/loom-credits/internal/credits/domain"
	"github.com/fableloom/loom-credits/internal/observability"
	obslogger "github.com/fableloom/loom-credits/internal/observability/logger"
	obsmetrics "github.com/fableloom/loom-credits/internal/observability/metrics"
	obstracing "github.com/fableloom/loom-credits/internal/observability/tracing"
	"github.com/fableloom/loom-credits/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, m *obsmetrics.Metrics, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyError,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(m))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	return r
}

type ServerParams struct {
	fx.In

	Engine     *gin.Engine
	Log        *zap.Logger
	Cfg        config.Config
	CreditsSvc creditsdomain.Service
	Limiter    *ratelimit.TokenBucket `optional:"true"`
}

type Server struct {
	engine     *gin.Engine
	log        *zap.Logger
	cfg        config.Config
	creditssvc creditsdomain.Service
	limiter    *ratelimit.TokenBucket
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Engine,
		log:        p.Log.Named("server"),
		cfg:        p.Cfg,
		creditssvc: p.CreditsSvc,
		limiter:    p.Limiter,
	}
}

func registerRoutes(s *Server) {
	s.RegisterAPIRoutes()
}

// RegisterAPIRoutes wires the credits API under /v1.
func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1", IdentityMiddleware())

	credits := v1.Group("/credits")
	credits.POST("/reservations", s.rateLimitReserve(), s.ReserveCredits)
	credits.POST("/reservations/:key/complete", s.CompleteReservation)
	credits.POST("/reservations/:key/refund", s.RefundReservation)
	credits.GET("/balance", s.GetOwnBalance)
	credits.GET("/balance/:user_id", s.GetUserBalance)
	credits.POST("/bonus", s.AddBonusCredits)
	credits.POST("/purchases", s.ConfirmPurchase)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server", zap.Error(err))
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
