package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/messaging"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/port"
	"github.com/rl1809/stock-ledger/internal/worker"
	"github.com/rl1809/stock-ledger/pkg/logger"
	"github.com/rl1809/stock-ledger/pkg/tracing"
)

const (
	shutdownTimeout     = 5 * time.Second
	healthCheckInterval = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(config.ServiceName, false)
		logger.Logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(cfg.ServiceName, cfg.IsDevelopment())
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.OtelEndpoint)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to initialize tracer")
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("Failed to open ledger store")
	}
	logger.Logger.Info().Str("driver", cfg.StoreDriver).Msg("Ledger store ready")

	var opts []service.Option
	var snapshots port.SnapshotCache
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect redis")
		}
		redisAdapter := storage.NewRedisAdapter(rdb)
		opts = append(opts, service.WithIdempotencyStore(redisAdapter))
		snapshots = redisAdapter
		logger.Logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to redis")
	}

	ledger := service.NewLedgerService(store, service.Config{
		MaxRetries:         cfg.MaxRetries,
		ReservationTTL:     cfg.ReservationTTL,
		RequireReservation: cfg.RequireReservation,
		EventQueueSize:     cfg.EventQueueSize,
		DefaultThreshold:   &cfg.DefaultThreshold,
	}, opts...)
	query := service.NewQueryService(store)

	var publisher *messaging.KafkaPublisher
	var consumer *messaging.CommandConsumer
	var events port.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to create Kafka publisher")
		}
		events = publisher

		consumer, err = messaging.NewCommandConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaCommandsTopic, ledger)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to create Kafka consumer")
		}
		consumer.Start(ctx)
	}

	var projector *worker.Projector
	if ledger.Events() != nil {
		projector = worker.NewProjector(ledger.Events(), events, snapshots, cfg.WorkerCount)
		projector.Start()
	}

	if cfg.ReservationTTL > 0 {
		go worker.NewSweeper(store, ledger, cfg.SweepInterval).Run(ctx)
	}

	// gRPC: health and reflection
	grpcHandler := handler.NewGRPCHandler(query)
	grpcServer := grpcHandler.NewServer()
	go grpcHandler.WatchHealth(ctx, healthCheckInterval)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("Failed to listen")
	}

	go func() {
		logger.Logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.NewHTTPHandler(ledger, query).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Logger.Info().
			Str("port", cfg.HTTPPort).
			Str("metrics_endpoint", "/metrics").
			Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	logger.Logger.Info().Msg("HTTP server stopped")

	grpcHandler.Shutdown()
	grpcServer.GracefulStop()
	logger.Logger.Info().Msg("gRPC server stopped")

	// Stop consumers and the sweeper before closing the event queue
	cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to close Kafka consumer")
		}
	}

	ledger.Close()
	if projector != nil {
		projector.Wait()
	}
	logger.Logger.Info().Msg("Workers stopped")

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to close Kafka publisher")
		}
	}
	if rdb != nil {
		rdb.Close()
	}
	closeStore()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to flush traces")
	}
	logger.Logger.Info().Msg("Connections closed")
}

func openStore(ctx context.Context, cfg *config.Config) (port.LedgerStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return adapter, func() { db.Close() }, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		adapter := storage.NewPostgresAdapter(pool)
		if err := adapter.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return adapter, pool.Close, nil

	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}
