package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/http/middleware"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmehdipour/quota-gateway/internal/upstream"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Admission is the admission engine as used by the HTTP surface.
type Admission interface {
	middleware.Admitter
	WindowReader
}

type Usage interface {
	middleware.UsageRecorder
	UsageStats
}

type Deps struct {
	Admission Admission
	Directory Directory
	Usage     Usage
	Events    repository.CHUsageRepository // optional; event endpoints answer 503 without it
	Analyzer  upstream.Analyzer
	Gatherer  prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
	cfg config.HTTPConfig
}

func NewServer(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLogLevel(cfg.Log.Level))

	e.Use(
		echoMid.Recover(),
		echoMid.RequestIDWithConfig(echoMid.RequestIDConfig{
			Generator: func() string { return uuid.NewString() },
		}),
		requestLogger(logger),
	)
	if cfg.HTTP.BodyLimit != "" {
		e.Use(echoMid.BodyLimit(cfg.HTTP.BodyLimit))
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	admitMW := middleware.AdmissionMiddleware(deps.Admission)
	usageMW := middleware.UsageMiddleware(deps.Usage)
	authMW := middleware.AuthMiddleware(deps.Directory)

	// routes: admission runs first, usage wraps only admitted calls
	v1 := e.Group("/v1")
	v1.POST("/analyze", analyzeHandler(deps.Analyzer), admitMW, usageMW)
	v1.GET("/usage", usageHandler(deps.Admission, deps.Usage), authMW)
	v1.GET("/usage/events", listUsageEventsHandler(deps.Events), authMW)
	v1.GET("/usage/daily", dailyUsageHandler(deps.Events), authMW)

	if cfg.Admission.Anonymous.Enabled {
		anon := cfg.Admission.Anonymous
		v1.POST("/anonymous/analyze", analyzeHandler(deps.Analyzer),
			middleware.IPThrottleMiddleware(middleware.IPThrottleConfig{RPS: anon.PerIPRPS, Burst: anon.PerIPBurst}),
			middleware.AnonymousAdmissionMiddleware(deps.Admission),
			usageMW,
		)
	}

	admin := e.Group("/admin", middleware.AdminTokenMiddleware(cfg.Admin.Token))
	admin.POST("/customers", createCustomerHandler(deps.Directory, cfg.Customers.DefaultExpiryDays))
	admin.GET("/customers", listCustomersHandler(deps.Directory))
	admin.GET("/customers/:id", getCustomerHandler(deps.Directory))
	admin.PATCH("/customers/:id/limits", updateLimitsHandler(deps.Directory))
	admin.POST("/customers/:id/renew", renewHandler(deps.Directory))
	admin.POST("/customers/:id/deactivate", setActiveHandler(deps.Directory, false))
	admin.POST("/customers/:id/activate", setActiveHandler(deps.Directory, true))
	admin.GET("/customers/:id/usage", customerUsageHandler(deps.Directory, deps.Admission, deps.Usage))

	return &Server{e: e, log: logger, cfg: cfg.HTTP}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	s.e.Server.ReadTimeout = s.cfg.ReadTimeout
	s.e.Server.WriteTimeout = s.cfg.WriteTimeout
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
				zap.String("request_id", v.RequestID),
			}
			if cu, ok := middleware.CustomerFromCtx(c); ok {
				fields = append(fields, zap.Int64("customer_id", cu.ID))
			}
			if v.Error != nil {
				logger.Error("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}

func echoLogLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

// ShutdownTimeout is the configured grace period for in-flight requests.
func (s *Server) ShutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout <= 0 {
		return 15 * time.Second
	}
	return s.cfg.ShutdownTimeout
}
