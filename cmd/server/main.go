// Command server runs the real-time collaboration service for shared scan
// documents. Clients connect over WebSocket, authenticate with a bearer
// token, and collaborate on a scan's device topology with per-device locks
// and optimistic versioning.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/scanopy/scanopy/api"
	"github.com/scanopy/scanopy/auth"
	"github.com/scanopy/scanopy/auth/db"
	"github.com/scanopy/scanopy/internal/config"
	"github.com/scanopy/scanopy/internal/slogging"
)

func main() {
	configFile := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logCfg := slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}
	if err := slogging.Initialize(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer slogging.Close()
	logger := slogging.Get()

	// Redis backs the token revocation list; optional.
	var redisDB *db.RedisDB
	if cfg.RedisEnabled() {
		var err error
		redisDB, err = db.NewRedisDB(db.RedisConfig{
			Host:     cfg.Database.Redis.Host,
			Port:     cfg.Database.Redis.Port,
			Password: cfg.Database.Redis.Password,
			DB:       cfg.Database.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer func() { _ = redisDB.Close() }()
	} else {
		logger.Warn("Redis not configured, token revocation checks disabled")
	}

	authService, err := auth.NewService(auth.Config{
		Secret:            cfg.Auth.JWT.Secret,
		Issuer:            cfg.Auth.JWT.Issuer,
		ExpirationSeconds: cfg.Auth.JWT.ExpirationSeconds,
	}, redisDB)
	if err != nil {
		return fmt.Errorf("failed to create auth service: %w", err)
	}

	// Postgres backs scan document persistence; optional. Without it,
	// sessions start empty and accepted changes live only in memory.
	var store api.ScanStore
	var persister *api.ChangePersister
	if cfg.PostgresEnabled() {
		gormDB, err := gorm.Open(postgres.Open(cfg.PostgresDSN()), &gorm.Config{})
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		if err := gormDB.AutoMigrate(&api.ScanRecord{}); err != nil {
			return fmt.Errorf("failed to migrate scan schema: %w", err)
		}
		store = api.NewGormScanStore(gormDB)
		persister = api.NewChangePersister(store, 1024)
	} else {
		logger.Warn("Postgres not configured, scan persistence disabled")
	}

	wsOptions := api.WebSocketOptions{
		AuthGracePeriod:    cfg.WebSocket.AuthGracePeriod,
		HeartbeatInterval:  cfg.WebSocket.HeartbeatInterval,
		ProbeTimeout:       cfg.WebSocket.ProbeTimeout,
		SessionIdleTimeout: cfg.WebSocket.SessionIdleTimeout,
		ReadLimit:          cfg.WebSocket.ReadLimit,
		SendBufferSize:     cfg.WebSocket.SendBufferSize,
	}
	wsLogging := slogging.WebSocketLoggingConfig{
		Enabled:      cfg.Logging.LogWebSocketMsg,
		RedactTokens: cfg.Logging.RedactAuthTokens,
	}

	var sink api.ChangeSink
	if persister != nil {
		sink = persister
	}
	hub := api.NewWebSocketHub(
		api.ServiceTokenValidator{Service: authService},
		store,
		sink,
		wsOptions,
		wsLogging,
	)

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws/scans/:scan_id", hub.HandleWS)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": hub.SessionCount()})
	})

	server := &http.Server{
		Addr:         cfg.Server.Interface + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Starting collaboration server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		hub.StartLivenessMonitor(groupCtx)
		return nil
	})

	group.Go(func() error {
		hub.StartCleanupTimer(groupCtx)
		return nil
	})

	if persister != nil {
		group.Go(func() error {
			persister.Run(groupCtx)
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down collaboration server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
