package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/systemsim/live-components/internal/auth"
	"github.com/systemsim/live-components/internal/cleanup"
	"github.com/systemsim/live-components/internal/config"
	"github.com/systemsim/live-components/internal/dispatch"
	"github.com/systemsim/live-components/internal/eventengine"
	"github.com/systemsim/live-components/internal/http2"
	"github.com/systemsim/live-components/internal/httpapi"
	"github.com/systemsim/live-components/internal/logging"
	"github.com/systemsim/live-components/internal/model"
	"github.com/systemsim/live-components/internal/observability"
	"github.com/systemsim/live-components/internal/registry"
	"github.com/systemsim/live-components/internal/sink"
	"github.com/systemsim/live-components/internal/syncengine"
	"github.com/systemsim/live-components/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Server.Mode, "live-components")
	logger.Info().Str("port", cfg.Server.Port).Str("transport", cfg.Server.TransportKind).Msg("starting live components runtime")

	metrics := observability.New(prometheus.NewRegistry(), logger)

	var stateSink syncengine.Sink
	if cfg.Redis.Enabled {
		redisSink, err := sink.New(cfg.Redis, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis sink unavailable, continuing without durable sink")
		} else {
			stateSink = redisSink
			defer redisSink.Close()
		}
	}

	mux := transport.New(transport.Config{
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		IdleTimeout:       cfg.Connection.IdleTimeout,
		SendQueueSize:     cfg.Connection.SendQueueSize,
		MaxConnections:    cfg.Connection.MaxConnections,
	}, nil, logger)

	reg := registry.New(logger, syncengine.Config{
		ToleranceWindow:    cfg.Sync.ConflictToleranceWindow,
		AutoResolveDelay:   cfg.Sync.ConflictAutoResolveDelay,
		MaxHistory:         cfg.Sync.MaxHistory,
		MaxConflictHistory: cfg.Sync.MaxConflictHistory,
		DefaultStrategy:    model.ConflictStrategy(cfg.Sync.ConflictStrategy),
		DebounceInterval:   cfg.Sync.DebounceMs,
	}, mux, stateSink, nil, cfg.Services)
	reg.SetObserver(metrics)

	events := eventengine.New(eventengine.Config{
		MaxQueue:          cfg.Events.MaxQueue,
		ProcessingTimeout: cfg.Events.ProcessingTimeout,
		BatchSize:         cfg.Events.BatchSize,
		BatchTimeout:      cfg.Events.BatchTimeout,
		MaxHistory:        cfg.Events.MaxHistory,
		DeadLetterSize:    cfg.Events.DeadLetter,
	}, logger, reg, mux, reg)
	events.SetObserver(metrics)

	cleanupMgr := cleanup.New(cleanup.Config{
		GCInterval:      cfg.Cleanup.GCInterval,
		StaleThreshold:  cfg.Cleanup.StaleThreshold,
		MaxBatch:        cfg.Cleanup.MaxBatch,
		EnableWeakRef:   cfg.Cleanup.EnableWeakRef,
		EmergencyBudget: cfg.Cleanup.EmergencyBudget,
		GracePeriod:     cfg.Connection.GracePeriod,
	}, logger, reg, metrics)

	disp := dispatch.New(logger, reg, events, cleanupMgr, metrics)
	mux.SetDispatcher(disp)

	var authenticator auth.Authenticator = auth.AllowAll{}
	if cfg.Security.AuthEnabled {
		authenticator = auth.NewJWT(cfg.Security.JWTSecret)
	}

	go events.Run()
	go cleanupMgr.Run()
	go mux.Run()

	upgradeMux := http.NewServeMux()
	upgradeMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if _, err := authenticator.Authenticate(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := transport.UpgradeGorilla(w, r)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		mux.Accept(conn)
	})

	wsServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      upgradeMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Info().Str("addr", wsServer.Addr).Msg("websocket listener starting")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("websocket listener failed")
		}
	}()

	debug := httpapi.New(logger, reg, metrics)
	debugCfg := cfg.Server
	debugCfg.Port = "9090"

	var debugHTTP2 *http2.Server
	var debugServer *http.Server
	if cfg.Server.TLSEnabled {
		var err error
		debugHTTP2, err = http2.NewServer(&debugCfg, debug.Handler())
		if err != nil {
			logger.Warn().Err(err).Msg("http2 debug listener unavailable, falling back to plain HTTP")
		}
	}
	if debugHTTP2 != nil {
		go func() {
			logger.Info().Str("addr", debugCfg.Host+":"+debugCfg.Port).Msg("debug listener starting (HTTP/2+TLS)")
			if err := debugHTTP2.Start(); err != nil {
				logger.Warn().Err(err).Msg("debug listener failed")
			}
		}()
	} else {
		debugServer = &http.Server{
			Addr:    debugCfg.Host + ":" + debugCfg.Port,
			Handler: debug.Handler(),
		}
		go func() {
			logger.Info().Str("addr", debugServer.Addr).Msg("debug listener starting")
			if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("debug listener failed")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cleanupMgr.EmergencyShutdown()
	mux.Shutdown()
	events.Stop()
	cleanupMgr.Stop()

	if err := wsServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("websocket listener forced shutdown")
	}
	if debugHTTP2 != nil {
		if err := debugHTTP2.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("debug listener forced shutdown")
		}
	} else if debugServer != nil {
		if err := debugServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("debug listener forced shutdown")
		}
	}
	if err := reg.Close(); err != nil {
		logger.Warn().Err(err).Msg("registry close failed")
	}

	logger.Info().Msg("shutdown complete")
}
