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

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/mesikahq/patient-index/internal/api"
	"github.com/mesikahq/patient-index/internal/audit"
	"github.com/mesikahq/patient-index/internal/auth"
	"github.com/mesikahq/patient-index/internal/blocking"
	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/comparator"
	"github.com/mesikahq/patient-index/internal/config"
	"github.com/mesikahq/patient-index/internal/database"
	"github.com/mesikahq/patient-index/internal/decision"
	"github.com/mesikahq/patient-index/internal/encryption"
	"github.com/mesikahq/patient-index/internal/pipeline"
	"github.com/mesikahq/patient-index/internal/review"
	"github.com/mesikahq/patient-index/internal/store"
)

func main() {
	// Load .env if present; real deployments set the environment directly.
	_ = godotenv.Load()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit sink: Elasticsearch when configured, process-local otherwise.
	var sink audit.Sink
	if cfg.Elasticsearch.URL != "" {
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: []string{cfg.Elasticsearch.URL},
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
		})
		if err != nil {
			zapLogger.Fatal("Failed to create Elasticsearch client", zap.Error(err))
		}
		sink = audit.NewService(esClient, logger)
	} else {
		zapLogger.Warn("No Elasticsearch configured, audit events stay in memory")
		sink = audit.NewMemory()
	}

	// Cluster store: Postgres behind a circuit breaker when configured.
	var clusterStore cluster.Store
	if cfg.Database.Host != "" {
		pool, err := database.ConnectPostgres(ctx, cfg)
		if err != nil {
			zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer database.Disconnect(pool)

		crypto, err := encryption.NewService()
		if err != nil {
			zapLogger.Fatal("Failed to initialize encryption", zap.Error(err))
		}
		clusterStore = store.NewBreaker(store.NewPostgres(pool, crypto), logger)
	} else {
		zapLogger.Warn("No PostgreSQL configured, using in-memory store")
		clusterStore = store.NewMemory()
	}

	// Blocking index: Redis-backed when configured.
	var index blocking.Index
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		index = blocking.NewRedisIndex(redisClient, logger, cfg.Matching.BlockCap)
	} else {
		zapLogger.Warn("No Redis configured, using in-memory blocking index")
		index = blocking.NewMemoryIndex(cfg.Matching.BlockCap)
	}

	// Review queue: Mongo-backed when configured.
	var reviewRepo review.Repository
	if cfg.Mongo.URI != "" {
		mongoClient, err := database.ConnectMongo(ctx, cfg)
		if err != nil {
			zapLogger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer mongoClient.Disconnect(context.Background())

		reviewRepo, err = review.NewMongoRepository(ctx, mongoClient, cfg.Mongo.Database)
		if err != nil {
			zapLogger.Fatal("Failed to initialize review repository", zap.Error(err))
		}
	} else {
		zapLogger.Warn("No MongoDB configured, using in-memory review queue")
		reviewRepo = review.NewMemoryRepository()
	}

	scorer, err := comparator.NewScorer(cfg.Matching)
	if err != nil {
		zapLogger.Fatal("Invalid matching configuration", zap.Error(err))
	}
	decider, err := decision.NewEngine(cfg.Matching, logger)
	if err != nil {
		zapLogger.Fatal("Invalid matching configuration", zap.Error(err))
	}

	clusters := cluster.NewService(clusterStore, sink, logger)
	reviews := review.NewService(reviewRepo, sink, logger, time.Duration(cfg.Matching.ClaimTimeout), cfg.Matching.ThresholdHigh)
	engine := pipeline.NewEngine(cfg.Matching, clusterStore, clusters, index, scorer, decider, reviews, sink, logger)

	authService, err := auth.NewService(loadCredentials())
	if err != nil {
		zapLogger.Fatal("Failed to initialize auth", zap.Error(err))
	}

	// Revert abandoned review claims in the background.
	go reapLoop(ctx, reviews, time.Duration(cfg.Matching.ClaimTimeout), logger)

	handler := api.NewHandler(engine, reviews, authService, logger)
	router := api.NewRouter(handler, authService, zapLogger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zapLogger.Info("Starting patient index server", zap.String("addr", addr))
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Forced shutdown", zap.Error(err))
	}
}

// loadCredentials reads the bootstrap principals from the environment. A
// proper credential store is deployment-specific; this covers single-node
// installs.
func loadCredentials() []auth.Credential {
	var creds []auth.Credential
	if hash := os.Getenv("MPI_SOURCE_SECRET_HASH"); hash != "" {
		creds = append(creds, auth.Credential{
			UserID: "source-default", Username: "source", SecretHash: hash,
			Roles: []string{auth.RoleSource},
		})
	}
	if hash := os.Getenv("MPI_REVIEWER_SECRET_HASH"); hash != "" {
		creds = append(creds, auth.Credential{
			UserID: "reviewer-default", Username: "reviewer", SecretHash: hash,
			Roles: []string{auth.RoleReviewer},
		})
	}
	if hash := os.Getenv("MPI_OPERATOR_SECRET_HASH"); hash != "" {
		creds = append(creds, auth.Credential{
			UserID: "operator-default", Username: "operator", SecretHash: hash,
			Roles: []string{auth.RoleOperator},
		})
	}
	return creds
}

func reapLoop(ctx context.Context, reviews review.Service, claimTimeout time.Duration, logger *logrus.Logger) {
	interval := claimTimeout / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := reviews.ReapExpiredClaims(ctx)
			if err != nil {
				logger.WithError(err).Error("Failed to reap expired review claims")
				continue
			}
			if reaped > 0 {
				logger.WithField("count", reaped).Info("Reaped expired review claims")
			}
		}
	}
}
