// cmd/api/main.go
// Bootstraps the messaging core: message store, relay hub, call relay and HTTP surface

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

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imadgeboyega/jobchat/internal/auth"
	"github.com/imadgeboyega/jobchat/internal/common/database"
	"github.com/imadgeboyega/jobchat/internal/common/logger"
	"github.com/imadgeboyega/jobchat/internal/config"
	"github.com/imadgeboyega/jobchat/internal/messaging"
	"github.com/imadgeboyega/jobchat/internal/realtime"
)

const shutdownTimeout = 30 * time.Second

var startTime = time.Now()

func main() {
	// 1. Load environment variables
	envErr := godotenv.Load()

	// 2. Load and validate configuration
	cfg := config.Load()

	log, err := logger.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("configuration validation failed", zap.Error(err))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped with error", zap.Error(err))
	}
	log.Info("server exited gracefully")
}

// closers collects resources released on shutdown
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		err = multierr.Append(err, c[i]())
	}
	return err
}

func run(cfg *config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var resources closers
	defer func() {
		err = multierr.Append(err, resources.close())
	}()

	// 3. Durable store
	repo, tokens, err := openStore(ctx, cfg, log, &resources)
	if err != nil {
		return err
	}

	// 4. Presence and cross-process fan-out
	presence, bus, err := openPresence(ctx, cfg, log, &resources)
	if err != nil {
		return err
	}

	// 5. Media storage
	blobs, breaker, err := openBlobStore(cfg, log)
	if err != nil {
		return err
	}

	// 6. Push notifications
	push := openPush(ctx, cfg, tokens, log)

	// 7. Message store, relay hub and call relay
	service := messaging.NewService(repo, blobs, push, tokens, log.Named("messaging"), cfg.MaxUploadSize)
	hub := realtime.NewHub(presence, bus, service, log.Named("relay"))
	service.SetRelay(hub)

	var history realtime.CallHistory
	if cfg.RecordCallHistory {
		history = service
	}
	calls := realtime.NewCallRelay(hub, history, cfg.CallRingTimeout, log.Named("calls"))
	hub.OnDisconnect(calls.ConnectionClosed)

	dispatch := realtime.NewDispatcher(hub, service, calls, log.Named("dispatch"))
	wsHandler := realtime.NewHandler(hub, dispatch, realtime.ConnOptions{
		SendBuffer:   cfg.WSSendBuffer,
		InboundRate:  float64(cfg.WSInboundRPS),
		InboundBurst: cfg.WSInboundBurst,
	}, cfg.WSAllowedOrigins, log.Named("ws"))

	// 8. Routes
	authenticate := auth.NewMiddleware(cfg.JWTSecret).Authenticate
	router := mux.NewRouter()

	if !cfg.UseS3 {
		router.PathPrefix("/uploads/").Handler(
			http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.LocalUploadDir))))
	}
	router.HandleFunc("/health", healthCheck(breaker)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	messaging.RegisterRoutes(router, messaging.NewHandler(service, log.Named("http"), cfg.MaxUploadSize), authenticate)
	realtime.RegisterRoutes(router, wsHandler, authenticate)

	router.Use(loggingMiddleware(log.Named("access")))
	router.Use(corsMiddleware)

	// 9. Serve until a signal arrives
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.String("store", cfg.StoreDriver),
			zap.String("presence", cfg.PresenceDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger, resources *closers) (messaging.Repository, messaging.TokenStore, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory message store; data is lost on restart")
		return messaging.NewMemoryRepository(), messaging.NewMemoryTokenStore(), nil
	}

	db, err := database.NewPostgresDBFromURL(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig)
	if err != nil {
		return nil, nil, err
	}
	resources.add(db.Close)

	if err := messaging.Migrate(ctx, db); err != nil {
		return nil, nil, err
	}
	log.Info("connected to PostgreSQL")
	return messaging.NewPostgresRepository(db), messaging.NewPostgresTokenStore(db), nil
}

func openPresence(ctx context.Context, cfg *config.Config, log *zap.Logger, resources *closers) (realtime.PresenceStore, realtime.Bus, error) {
	if cfg.PresenceDriver == "memory" {
		return realtime.NewMemoryPresence(), nil, nil
	}

	client, err := database.NewRedisClientFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	resources.add(client.Close)

	log.Info("connected to Redis")
	return realtime.NewRedisPresence(client), realtime.NewRedisBus(client, "", log.Named("bus")), nil
}

func openBlobStore(cfg *config.Config, log *zap.Logger) (messaging.BlobStore, *messaging.BreakerBlobStore, error) {
	var store messaging.BlobStore
	if cfg.UseS3 {
		awsSession, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
		if err != nil {
			return nil, nil, fmt.Errorf("aws session: %w", err)
		}
		store = messaging.NewS3BlobStore(awsSession, cfg.S3BucketName, cfg.CDNURL)
		log.Info("using S3 for message media", zap.String("bucket", cfg.S3BucketName))
	} else {
		local, err := messaging.NewLocalBlobStore(cfg.LocalUploadDir, cfg.BaseURL+"/uploads")
		if err != nil {
			return nil, nil, err
		}
		store = local
		log.Info("using local storage for message media", zap.String("dir", cfg.LocalUploadDir))
	}

	breaker := messaging.NewBreakerBlobStore(store, uint32(cfg.BlobBreakerFailures), cfg.BlobBreakerTimeout)
	return breaker, breaker, nil
}

func openPush(ctx context.Context, cfg *config.Config, tokens messaging.TokenStore, log *zap.Logger) messaging.PushService {
	if cfg.FCMCredentialsFile == "" {
		log.Info("push notifications go to the log; FCM credentials not configured")
		return messaging.NewLogPushService(log.Named("push"))
	}

	push, err := messaging.NewFCMPushService(ctx, cfg.FCMCredentialsFile, tokens, log.Named("push"))
	if err != nil {
		log.Warn("push notifications disabled", zap.Error(err))
		return messaging.NewLogPushService(log.Named("push"))
	}
	log.Info("firebase push notifications enabled")
	return push
}

