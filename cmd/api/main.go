package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/ledgersync/internal/api"
	"github.com/example/ledgersync/internal/app"
	"github.com/example/ledgersync/internal/config"
	"github.com/example/ledgersync/internal/crypto"
	"github.com/example/ledgersync/internal/ingest"
	"github.com/example/ledgersync/internal/security"
	"github.com/example/ledgersync/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		return fmt.Errorf("invalid API_IP_ALLOWLIST: %w", err)
	}
	webhookAllowlist, err := security.ParseCIDRAllowlist(cfg.WebhookIPAllowlist)
	if err != nil {
		return fmt.Errorf("invalid WEBHOOK_IP_ALLOWLIST: %w", err)
	}

	var verifier crypto.Verifier
	if cfg.WebhookPublicKeyPath != "" {
		v, err := crypto.LoadRSAVerifier(cfg.WebhookPublicKeyPath)
		if err != nil {
			return err
		}
		verifier = v
	} else {
		logger.Warn("no webhook public key configured, signed deliveries will be rejected")
	}

	// Events go to SQS when a queue is configured so that any instance (or
	// the lambda worker) can process them; otherwise an in-process pool.
	var (
		dispatcher ingest.Dispatcher
		pool       *ingest.WorkerPool
	)
	if cfg.SQSQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("unable to load AWS SDK config: %w", err)
		}
		dispatcher = ingest.NewSQSDispatcher(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL)
		logger.Info("dispatching events to sqs", "queue_url", cfg.SQSQueueURL)
	} else {
		pool = ingest.NewWorkerPool(a.ProcessEvent, ingest.WorkerConfig{
			Workers:    cfg.WorkerCount,
			QueueSize:  cfg.WorkerQueueSize,
			MaxRetries: cfg.WorkerMaxRetries,
		}, logger.With("component", "worker"))
		pool.Start(ctx)
		dispatcher = pool
	}

	monitor := webhook.NewMonitor(cfg.WebhookRecentEvents)
	receiver, err := webhook.NewReceiver(a.Store, verifier, dispatcher, monitor, a.Audit, webhook.Config{
		AllowTestNotifications: cfg.WebhookAllowTestNotifications,
		MaxBodyBytes:           cfg.MaxBodyBytes,
	}, logger.With("component", "webhook"))
	if err != nil {
		return err
	}
	replayer := ingest.NewReplayer(a.Store, dispatcher, cfg.ReplayAfter, logger.With("component", "replay"))

	var rateLimiter *security.RedisTokenBucket
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		rateLimiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "ledgersync",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillPerSec,
		}
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:             logger,
		Review:             a.Review,
		Sync:               a.Orchestrator,
		Balances:           a.Reconciler,
		Rates:              a.Rates,
		Replayer:           replayer,
		Webhook:            receiver,
		Monitor:            monitor,
		HealthPing:         a.Store.Ping,
		Auditor:            a.Audit,
		RateLimiter:        rateLimiter,
		IPAllowlist:        allowlist,
		WebhookIPAllowlist: webhookAllowlist,
		MaxBodyBytes:       cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	if cfg.ProviderAPIToken != "" && cfg.SyncInterval > 0 {
		go a.Orchestrator.Run(ctx, cfg.SyncInterval)
	}
	if cfg.BalanceRefreshInterval > 0 {
		go refreshBalances(ctx, a, cfg, logger)
	}
	if cfg.ReplayInterval > 0 {
		go replayer.Run(ctx, cfg.ReplayInterval)
	}

	grpcServer, err := startHealthServer(ctx, a, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.TLS.Enabled() {
		tlsCfg, err := security.LoadServerTLSConfig(cfg.TLS)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgersync api listening", "addr", cfg.APIAddr, "tls", cfg.TLS.Enabled())
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	stopGRPC(shutdownCtx, grpcServer)
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Error("worker pool shutdown", "error", err)
		}
	}
	logger.Info("ledgersync api stopped")
	return serveErr
}

// stopGRPC drains gracefully but gives up when ctx expires; health Watch
// streams never finish on their own.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}

// refreshBalances pulls provider balances, recomputes the local ones and
// logs any gap on every tick.
func refreshBalances(ctx context.Context, a *app.App, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.BalanceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.ProviderAPIToken != "" {
				if _, err := a.Reconciler.RefreshProviderBalances(ctx); err != nil {
					logger.Warn("provider_balance_refresh_failed", "error", err)
				}
			}
			if _, err := a.Reconciler.RecomputeAll(ctx); err != nil {
				logger.Error("balance_recompute_failed", "error", err)
			}
			if _, err := a.Reconciler.Gaps(ctx); err != nil {
				logger.Error("reconciliation_failed", "error", err)
			}
		}
	}
}

// startHealthServer serves grpc.health.v1 reporting store reachability.
func startHealthServer(ctx context.Context, a *app.App, cfg *config.Config, logger *slog.Logger) (*grpc.Server, error) {
	var opts []grpc.ServerOption
	if cfg.TLS.Enabled() {
		tlsCfg, err := security.LoadServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(opts...)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, err
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			status := grpc_health_v1.HealthCheckResponse_SERVING
			if err := a.Store.Ping(ctx); err != nil {
				logger.Warn("health_check_failed", "error", err)
				status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus("", status)
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		logger.Info("grpc health listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc server error", "error", err)
		}
	}()
	return grpcServer, nil
}
