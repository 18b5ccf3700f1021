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
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/transfer-portal/internal/config"
	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/internal/handler/health"
	promhandler "github.com/jwalitptl/transfer-portal/internal/handler/prometheus"
	"github.com/jwalitptl/transfer-portal/internal/model"
	"github.com/jwalitptl/transfer-portal/internal/realtime"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/messaging/redis"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
	"github.com/jwalitptl/transfer-portal/pkg/worker"
)

func setupHealthCheck(port int, mgr *realtime.Manager, reg *prometheus.Registry, m *metrics.Metrics, appLogger *logger.Logger) *http.Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	health.NewHandler(map[string]health.Check{
		"realtime": func(context.Context) error {
			if st := mgr.Status(); !st.Connected {
				return fmt.Errorf("hub %s", st.State)
			}
			return nil
		},
	}).RegisterRoutes(engine)
	engine.GET("/metrics", promhandler.New(reg, m).Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(err, "Health check server failed")
		}
	}()
	return srv
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Relay.ServiceToken == "" {
		log.Fatal().Msg("PORTAL_SERVICE_TOKEN is required for the relay")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	}).WithComponent("relay")
	gin.SetMode(gin.ReleaseMode)

	reg := prometheus.NewRegistry()
	m := metrics.New(cfg.Monitoring.Namespace, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, err := redis.NewRedisBroker(ctx, cfg.Redis.ToBrokerConfig(), appLogger)
	if err != nil {
		appLogger.Fatal(err, "Failed to create Redis broker")
	}
	defer broker.Close()

	mgr, err := realtime.NewManager(
		cfg.Realtime.ToManagerConfig(),
		realtime.NewWebsocketDialer(cfg.Realtime.HandshakeTimeout),
		realtime.StaticToken(cfg.Relay.ServiceToken),
		events.NewRegistry(appLogger, m),
		appLogger,
		m,
	)
	if err != nil {
		appLogger.Fatal(err, "Failed to create realtime manager")
	}

	relay := worker.NewRelay(mgr, broker, cfg.ToRelayConfig(), appLogger, m)
	healthSrv := setupHealthCheck(cfg.Relay.HealthPort, mgr, reg, m, appLogger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Shutting down...")
		cancel()
	}()

	// Reconnect until shutdown. A terminal failure only delays the next try.
	go func() {
		for ctx.Err() == nil {
			if err := <-mgr.Connect(); err != nil && ctx.Err() == nil {
				appLogger.Error(err, "Realtime connection failed, retrying")
				select {
				case <-ctx.Done():
				case <-time.After(cfg.Realtime.MaxInterval):
				}
				continue
			}
			waitForDrop(ctx, mgr)
		}
	}()

	if err := relay.Start(ctx); err != nil {
		appLogger.Error(err, "Relay stopped")
	}

	mgr.Disconnect()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = healthSrv.Shutdown(shutdownCtx)
}

// waitForDrop blocks until the manager leaves the connected states on its
// own, or ctx ends.
func waitForDrop(ctx context.Context, mgr *realtime.Manager) {
	changed := make(chan struct{}, 1)
	unregister := mgr.OnStatusChange(func(st model.ConnectionStatus) {
		if !st.Connected && !st.Connecting {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unregister()

	if st := mgr.Status(); !st.Connected && !st.Connecting {
		return
	}
	select {
	case <-ctx.Done():
	case <-changed:
	}
}
