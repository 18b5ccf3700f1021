package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/internal/config"
	"github.com/jwalitptl/transfer-portal/internal/handler/auth"
	geocodingHandler "github.com/jwalitptl/transfer-portal/internal/handler/geocoding"
	"github.com/jwalitptl/transfer-portal/internal/handler/health"
	"github.com/jwalitptl/transfer-portal/internal/handler/language"
	notificationHandler "github.com/jwalitptl/transfer-portal/internal/handler/notification"
	promhandler "github.com/jwalitptl/transfer-portal/internal/handler/prometheus"
	queueHandler "github.com/jwalitptl/transfer-portal/internal/handler/queue"
	realtimeHandler "github.com/jwalitptl/transfer-portal/internal/handler/realtime"
	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/internal/realtime"
	"github.com/jwalitptl/transfer-portal/internal/router"
	"github.com/jwalitptl/transfer-portal/internal/service/geocoding"
	"github.com/jwalitptl/transfer-portal/internal/session"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	})
	gin.SetMode(cfg.Server.Mode)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(cfg.Monitoring.Namespace, reg)

	backendClient := backend.NewClient(cfg.Backend.ToClientConfig(), appLogger, m)
	geocoder := geocoding.NewService(
		backend.NewClient(cfg.Geocoding.ToClientConfig(), appLogger, m),
		cfg.Geocoding.ToServiceConfig(cfg.Locale.Default),
		appLogger,
	)

	sessions := session.NewSessions(
		cfg.ToSessionConfig(),
		backendClient,
		realtime.NewWebsocketDialer(cfg.Realtime.HandshakeTimeout),
		appLogger,
		m,
	)

	notifications := notificationHandler.NewHandler(notificationHandler.Config{}, appLogger)

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Security.AllowedOrigins
	cors.AllowMethods = cfg.Security.AllowedMethods
	cors.AllowHeaders = cfg.Security.AllowedHeaders

	r := router.NewRouter(router.RouterConfig{
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimit: middleware.RateLimiterConfig{
			RPS:   cfg.RateLimit.RequestsPerSecond,
			Burst: cfg.RateLimit.Burst,
		},
		CORSConfig:  cors,
		MetricsPath: cfg.Monitoring.MetricsPath,
		CookieName:  cfg.Auth.CookieName,
		RoleRedirect: middleware.RoleRedirectConfig{
			CookieName:      cfg.Auth.CookieName,
			LoginPath:       cfg.Auth.LoginPath,
			DefaultRedirect: cfg.Auth.DefaultRedirect,
			RoleClaims:      cfg.Auth.RoleClaims,
			Redirects:       cfg.Auth.RoleRedirects,
		},
	}, router.Handlers{
		Public: []router.Handler{
			auth.NewHandler(sessions, auth.Config{
				CookieName:    cfg.Auth.CookieName,
				SecureCookies: cfg.Auth.SecureCookies,
			}, appLogger),
			language.NewHandler(language.Config{
				CookieName:    cfg.Locale.CookieName,
				Supported:     cfg.Locale.Supported,
				Default:       cfg.Locale.Default,
				MaxAge:        cfg.Locale.MaxAge,
				SecureCookies: cfg.Auth.SecureCookies,
			}),
		},
		Authenticated: []router.Handler{
			geocodingHandler.NewHandler(geocoder),
		},
		Protected: []router.Handler{
			notifications,
			queueHandler.NewHandler(),
			realtimeHandler.NewHandler(cfg.Realtime.HandshakeTimeout + 5*time.Second),
		},
		Health: health.NewHandler(map[string]health.Check{
			"backend": backendClient.Ready,
		}),
		Metrics: promhandler.New(reg, m),
	}, sessions, appLogger)
	r.Setup()

	// WriteTimeout is zero by default so event streams stay open.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	srv.RegisterOnShutdown(notifications.Close)

	go func() {
		appLogger.Info("starting portal", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error(err, "server forced to shutdown")
	}
	sessions.Shutdown()

	appLogger.Info("server exited properly")
}
