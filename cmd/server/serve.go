package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/api"
	"mcp-forge/backend/internal/auth"
	"mcp-forge/backend/internal/config"
	"mcp-forge/backend/internal/mcp"
	"mcp-forge/backend/internal/observability"
	"mcp-forge/backend/internal/poller"
	"mcp-forge/backend/internal/registry"
	"mcp-forge/backend/internal/repository"
	"mcp-forge/backend/internal/services"
	"mcp-forge/backend/internal/tls"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the wizard API and MCP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := pslog.Ctx(ctx)
	logger.Info("configuration loaded",
		"environment", cfg.Environment,
		"config_file", cfg.ConfigFile,
		"registry_store", cfg.Registry.Store,
		"backend_simulated", cfg.Backend.Simulate,
	)

	// the tenant directory always lives in Postgres; in-progress sessions
	// may be kept on disk instead
	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	pg := repository.NewPostgresStore(pool, logger)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	var sessions registry.Store = pg
	if cfg.Registry.Store == "file" {
		fs, err := repository.NewFileSessionStore(cfg.Registry.Dir, logger)
		if err != nil {
			return err
		}
		sessions = fs
	}

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	wizard := services.NewWizardService(backend, sessions, services.WizardConfig{
		Poll: poller.Config{
			Interval:    cfg.Poll.Interval,
			MaxFailures: cfg.Poll.MaxFailures,
		},
		CacheTTL: cfg.Cache.TTL,
	}, observability.Default(), logger)
	defer wizard.Close()
	logger.Info("service layer initialized")

	authz, err := auth.New(ctx, cfg, pg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	requireAuth := echo.WrapMiddleware(authz.RequireAuth)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(otelecho.Middleware("mcp-forge"))
	e.Use(requestLogger(logger))

	e.GET("/healthz", api.NewHandler(pg, version).HandleHealth)
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1", requireAuth)
	api.RegisterHandlers(apiGroup, api.NewWizardServer(wizard))
	api.RegisterAuthorizeHandlers(e.Group("", requireAuth), api.NewAuthorizeServer(auth.NewIssuer(backend)))
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(wizard, version, logger)
	mcpServer.Mount(e, requireAuth)
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      e,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	if cfg.TLS.Enable {
		generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return err
		}
		if generated {
			logger.Warn("generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", cfg.HTTP.Addr, "tls", cfg.TLS.Enable, "version", version)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "err", err)
		if err := server.Close(); err != nil {
			logger.Error("server close error", "err", err)
		}
	}
	logger.Info("server stopped gracefully")
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger pslog.Logger) (services.Backend, error) {
	if cfg.Backend.Simulate {
		logger.Warn("using the simulated generation backend", "delay", cfg.Backend.SimulatedDelay)
		return services.NewSimulatedBackend(cfg.Backend.SimulatedDelay), nil
	}
	client, err := services.NewHTTPBackendClient(ctx, services.BackendConfig{
		URL:          cfg.Backend.URL,
		TokenURL:     cfg.Backend.TokenURL,
		ClientID:     cfg.Backend.ClientID,
		ClientSecret: cfg.Backend.ClientSecret,
		Scopes:       cfg.Backend.Scopes,
		Timeout:      cfg.Backend.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("generation backend client: %w", err)
	}
	return client, nil
}

func requestLogger(logger pslog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogError:     true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warn("request", "id", v.RequestID, "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "err", v.Error)
				return nil
			}
			logger.Debug("request", "id", v.RequestID, "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	})
}

func initDatabase(ctx context.Context, cfg *config.Config, logger pslog.Logger) (*pgxpool.Pool, error) {
	logger.Debug("initializing database connection", "host", cfg.DB.Host, "database", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("database connected")
	return pool, nil
}
