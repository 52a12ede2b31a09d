// Package main is the entry point for the headless sync agent.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/api"
	"github.com/mylg-studio/chatsync/internal/cache"
	"github.com/mylg-studio/chatsync/internal/clock"
	"github.com/mylg-studio/chatsync/internal/coalesce"
	"github.com/mylg-studio/chatsync/internal/config"
	"github.com/mylg-studio/chatsync/internal/handler"
	"github.com/mylg-studio/chatsync/internal/history"
	"github.com/mylg-studio/chatsync/internal/middleware"
	natsclient "github.com/mylg-studio/chatsync/internal/nats"
	"github.com/mylg-studio/chatsync/internal/retry"
	"github.com/mylg-studio/chatsync/internal/service"
	"github.com/mylg-studio/chatsync/internal/store"
	"github.com/mylg-studio/chatsync/internal/transport"
	"github.com/mylg-studio/chatsync/internal/transport/websocket"
	"github.com/mylg-studio/chatsync/internal/upload"
	"github.com/mylg-studio/chatsync/pkg/logger"
	"github.com/mylg-studio/chatsync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting sync agent",
		zap.String("user_id", cfg.UserID),
		zap.String("transport", cfg.TransportKind),
		zap.String("cache", cfg.CacheBackend),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// HTTP API client: history fetches and project writes
	apiClient := api.New(api.Config{
		MessagesURL: cfg.MessagesURL,
		ProjectsURL: cfg.ProjectsURL,
		Token:       cfg.APIToken,
		Timeout:     cfg.APITimeout,
	}, log)
	var fetcher history.Fetcher = apiClient

	// Cache
	var msgCache cache.Store
	switch cfg.CacheBackend {
	case config.CacheRedis:
		rc, err := cache.ConnectRedis(ctx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rc.Close()
		msgCache = rc
	default:
		msgCache = cache.NewMemory(clock.Real{})
	}
	msgStore := store.New(msgCache, cfg.CacheTTL, log)

	// Transport
	var conn transport.Conn
	switch cfg.TransportKind {
	case config.TransportNATS:
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:           cfg.NATSURL,
			CAFile:        cfg.NATSCAFile,
			CertFile:      cfg.NATSCertFile,
			KeyFile:       cfg.NATSKeyFile,
			Token:         cfg.NATSToken,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		nc, err := natsclient.NewConn(natsClient, cfg.NATSSubjectPrefix, cfg.UserID)
		if err != nil {
			log.Fatal("failed to subscribe to inbox", zap.Error(err))
		}
		defer nc.Unsubscribe()
		conn = nc

		if cfg.NATSHistory {
			streamManager := natsclient.NewStreamManager(natsClient, cfg.NATSSubjectPrefix)
			if err := streamManager.EnsureStream(ctx); err != nil {
				log.Fatal("failed to ensure stream", zap.Error(err))
			}
			archiver := natsclient.NewArchiver(streamManager, log)
			defer msgStore.OnChange(archiver.Observe)()
			go archiver.Run(ctx)
			fetcher = streamManager
		}
	default:
		socket := websocket.New(cfg.WebSocketURL, websocket.Options{}, log)
		go func() {
			if err := socket.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("websocket stopped", zap.Error(err))
			}
		}()
		conn = socket
	}

	// Object storage
	var uploader upload.Uploader
	if cfg.S3Bucket != "" {
		s3, err := upload.NewS3(ctx, upload.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			log.Fatal("failed to configure object storage", zap.Error(err))
		}
		uploader = s3
	} else {
		log.Warn("S3_BUCKET not set, attachments disabled")
	}

	// Initialize services
	messageSvc := service.NewMessageService(service.Options{
		UserID:   cfg.UserID,
		Conn:     conn,
		Store:    msgStore,
		Uploader: uploader,
		History:  history.Timed(fetcher),
		Retry: retry.Policy{
			MaxAttempts: cfg.SendMaxAttempts,
			Interval:    cfg.SendRetryInterval,
		},
		Logger: log,
	})
	queue := coalesce.New(coalesce.WithWindow(cfg.CoalesceWindow), coalesce.WithLogger(log))
	projectSvc := service.NewProjectService(queue, apiClient.UpdateProject, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(conn)
	conversationHandler := handler.NewConversationHandler(messageSvc, log)
	messageHandler := handler.NewMessageHandler(messageSvc, log)
	projectHandler := handler.NewProjectHandler(projectSvc, messageSvc, log)
	streamHandler := handler.NewStreamHandler(msgStore, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", conversationHandler.Open)
			r.Get("/stream", streamHandler.Stream)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeMessagesWrite))

				r.Post("/messages", messageHandler.Send)
				r.Patch("/messages/{messageId}", messageHandler.Edit)
				r.Delete("/messages/{messageId}", messageHandler.Delete)
				r.Post("/messages/{messageId}/reactions", messageHandler.React)
				r.Post("/read", conversationHandler.Read)
				r.Post("/active", conversationHandler.Activate)
			})
		})

		r.Route("/projects/{id}", func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeProjectsWrite))

			r.Patch("/", projectHandler.Update)
			r.Post("/files/strip", projectHandler.StripFiles)
		})
	})

	// Create HTTP server; no write timeout so change streams stay open
	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Teardown flush of batched project writes, then stop retries and uploads
	queue.Close(shutdownCtx)
	messageSvc.Close()
	stop()

	log.Info("agent stopped")
}
