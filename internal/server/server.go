// Package server exposes the gateway over OpenAI and Anthropic compatible
// HTTP endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"llama-gateway/internal/catalog"
	"llama-gateway/internal/config"
	"llama-gateway/internal/engine"
	"llama-gateway/internal/logger"
	"llama-gateway/internal/metrics"
	"llama-gateway/internal/orchestrator"
	"llama-gateway/internal/scheduler"
)

const (
	maxBodyBytes        = 4 << 20 // 4 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	writeMargin         = 30 * time.Second
	healthTimeout       = 3 * time.Second
)

// Deps are the collaborators the HTTP layer serves from.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Engine       engine.Engine
	Scheduler    *scheduler.Scheduler
	Catalog      *catalog.Catalog
	// Metrics is optional; nil disables the metrics endpoint.
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	engine  engine.Engine
	sched   *scheduler.Scheduler
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	log     *zap.Logger
	app     *echo.Echo
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator must not be nil")
	}
	if deps.Engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler must not be nil")
	}
	if deps.Catalog == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		cfg:     cfg,
		orch:    deps.Orchestrator,
		engine:  deps.Engine,
		sched:   deps.Scheduler,
		catalog: deps.Catalog,
		metrics: deps.Metrics,
		log:     log.Named("http").Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(orchestrator.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.log.Info("request", fields...)
			return nil
		},
	}))
	if s.metrics != nil {
		e.Use(s.instrument)
	}
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if len(cfg.CORS.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     cfg.CORS.AllowMethods,
			AllowHeaders:     cfg.CORS.AllowHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
		}))
	}

	s.app = e
	s.registerRoutes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	address := s.cfg.Address()
	s.printStartupBanner()
	s.log.Info("starting server", zap.String("addr", address))

	httpServer := &http.Server{
		Addr:         address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.writeTimeout(),
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// writeTimeout leaves room for a full queue wait plus a full generation.
// Without a generation bound writes are not bounded either.
func (s *Server) writeTimeout() time.Duration {
	if s.cfg.Engine.GenerationTimeout <= 0 {
		return 0
	}
	return s.cfg.Engine.QueueTimeout + s.cfg.Engine.GenerationTimeout + writeMargin
}

func (s *Server) registerRoutes() {
	auth := s.authMiddleware()

	s.app.GET("/health", s.handleHealth)

	v1 := s.app.Group("/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChatCompletions, auth...)
	v1.POST("/completions", s.handleCompletions, auth...)
	v1.POST("/messages", s.handleMessages, auth...)

	if s.metrics != nil {
		s.app.GET(s.cfg.Monitoring.MetricsPath, echo.WrapHandler(s.metrics.Handler()))
	}
}

// authMiddleware checks the API key in the configured header or as a bearer
// token. It returns nothing when security is disabled.
func (s *Server) authMiddleware() []echo.MiddlewareFunc {
	if !s.cfg.Security.Enabled {
		return nil
	}
	expected := []byte(s.cfg.Security.APIKey)
	return []echo.MiddlewareFunc{middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + s.cfg.Security.APIKeyHeader + ",header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), expected) == 1, nil
		},
		ErrorHandler: func(error, echo.Context) error {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "invalid or missing API key",
				Type:    typeAuthentication,
				Code:    "invalid_api_key",
			}
		},
	})}
}

// instrument records every request in the HTTP metrics. Errors are rendered
// here so the recorded status is the one the client receives.
func (s *Server) instrument(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequest(c.Request().Method, route, c.Response().Status, time.Since(start))
		return err
	}
}

func (s *Server) printStartupBanner() {
	host := "127.0.0.1"
	port := s.cfg.Server.Port
	fmt.Println()
	fmt.Println("llama-gateway ready")
	fmt.Printf("Serving %s on http://%s:%d\n", s.orch.ModelName(), host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health, /v1/health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/completions")
	fmt.Println("  POST /v1/messages")
	if s.metrics != nil {
		fmt.Printf("  GET  %s\n", s.cfg.Monitoring.MetricsPath)
	}
	fmt.Printf("OpenAI-style example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"%s\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port, s.orch.ModelName())
}
