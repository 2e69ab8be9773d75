package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"msgflow/backend/internal/api"
	"msgflow/backend/internal/auth"
	"msgflow/backend/internal/engine"
	"msgflow/backend/internal/faq"
	"msgflow/backend/internal/gateway"
	"msgflow/backend/internal/logging"
	"msgflow/backend/internal/mcp"
	"msgflow/backend/internal/metrics"
	"msgflow/backend/internal/quota"
	"msgflow/backend/internal/repository"
	"msgflow/backend/internal/services"
	"msgflow/backend/internal/tls"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, MCP endpoint and metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded",
		"okta_client_id", cfg.Auth.ClientID,
		"okta_domain", cfg.Auth.OktaDomain,
		"secret_len", len(cfg.Auth.ClientSecret),
		"swagger_client_id", cfg.Auth.SwaggerClientID,
		"gateway", cfg.Gateway.Driver,
		"config_file", viper.ConfigFileUsed(),
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; PKCE login from the docs page will fail if the backend is a web app")
	}

	if cfg.Server.WriteTimeout > 0 && cfg.Engine.MaxTotalDelay >= cfg.Server.WriteTimeout {
		logger.Warn("Run delay budget reaches the HTTP write timeout; delayed runs may outlive their response",
			"max_total_delay", cfg.Engine.MaxTotalDelay, "write_timeout", cfg.Server.WriteTimeout)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	logger.Info("Database connected")

	if err := repository.Migrate(ctx, dbPool, logger); err != nil {
		return err
	}

	store := repository.NewPostgresStore(dbPool)
	guard := quota.NewGuard(store)

	gw, closeGateway, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGateway()

	matcher := faq.NewMatcher(store, cfg.Engine.FaqLimit)
	executor := engine.New(store, gw, matcher, guard, logger.With("component", "engine"),
		engine.WithOptions(engine.Options{
			MaxSteps:        cfg.Engine.MaxSteps,
			MaxDelay:        cfg.Engine.MaxDelay,
			MaxSubflowDepth: cfg.Engine.MaxSubflowDepth,
			MaxTotalDelay:   cfg.Engine.MaxTotalDelay,
		}),
	)
	flowService := services.NewFlowService(store, guard, logger.With("component", "flows"))
	faqService := services.NewFaqService(store, matcher, cfg.Engine.FaqLimit)
	logger.Info("Service layer initialized")

	authz, err := auth.New(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	e := newEcho(cfg.Server.RequestsPerSecond, logger)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiServer := api.NewServer(flowService, faqService, executor, guard, store, logger)
	e.GET("/health", apiServer.HandleHealth)
	e.GET("/ready", apiServer.HandleReady)

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	requireAuth := echo.WrapMiddleware(authz.RequireAuth)
	apiServer.RegisterRoutes(e.Group("/api/v1", requireAuth))
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(flowService, executor)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers), requireAuth)
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers), requireAuth)
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", api.SpecHandler(cfg.Auth.OktaDomain))
	e.GET("/docs", api.SwaggerHandler(cfg.Auth.SwaggerClientID))
	e.GET("/docs/oauth2-redirect.html", api.OAuthRedirectHandler)

	if cfg.TLS.Enable {
		generated, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return err
		}
		if generated {
			logger.Warn("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		var err error
		if cfg.TLS.Enable {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			return server.Close()
		}
		logger.Info("Server stopped gracefully")
		return nil
	})
	return g.Wait()
}

// newEcho builds the router with tracing, recovery, rate limiting, request
// logging and problem+json errors.
func newEcho(rps float64, logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(otelecho.Middleware("msgflow"))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency.String())
			return nil
		},
	}))
	if rps > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(rps))))
	}
	e.Use(api.Metrics())
	return e
}
