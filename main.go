package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/biovote/internal/auth"
	"github.com/example/biovote/internal/embedding"
	"github.com/example/biovote/internal/gates"
	"github.com/example/biovote/internal/handlers"
	"github.com/example/biovote/internal/ledger"
	"github.com/example/biovote/internal/logging"
	"github.com/example/biovote/internal/registry"
	"github.com/example/biovote/internal/verification"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, logger)

	store := registry.NewGormStore(db, logger)
	if err := store.AutoMigrate(ctx); err != nil {
		logger.Fatal("identity store migration failed", zap.Error(err))
	}
	logStore := verification.NewGormLogStore(db)
	if err := logStore.AutoMigrate(ctx); err != nil {
		logger.Fatal("outcome log migration failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, logger)

	artifacts, err := registry.NewArtifactStore(getEnv("ARTIFACT_DIR", "data/known_faces"))
	if err != nil {
		logger.Fatal("artifact store init failed", zap.Error(err))
	}

	// "secure" mode tightens the match tolerance and requires liveness on
	// every request; "basic" leaves liveness to the caller.
	secureMode := getEnv("VERIFICATION_MODE", "basic") == "secure"
	defaultTolerance := 0.6
	if secureMode {
		defaultTolerance = 0.5
	}
	tolerance := getEnvFloat("MATCH_TOLERANCE", defaultTolerance)

	reg := registry.NewRegistry(store, artifacts, tolerance, logger)
	quality := gates.NewQualityGate(getEnvInt("MIN_FACE_SIZE", 100), getEnvFloat("FOCUS_THRESHOLD", 100))
	liveness := gates.NewLivenessGate(getEnvInt("MIN_EYE_REGIONS", 2))

	provider := embedding.NewHTTPProvider(getEnv("EMBEDDER_URL", "http://embedder:9090"), logger)

	chainClient, err := ethclient.DialContext(ctx, getEnv("LEDGER_URL", "http://localhost:8545"))
	if err != nil {
		logger.Fatal("failed to connect to ledger", zap.Error(err))
	}
	defer chainClient.Close()

	bridge, err := ledger.NewBridge(chainClient, os.Getenv("CONTRACT_ADDRESS"), logger)
	if err != nil {
		logger.Fatal("ledger bridge init failed", zap.Error(err))
	}

	cache := verification.NewRedisCache(redisClient)
	orchestrator := verification.NewOrchestrator(
		provider, quality, liveness, reg, logStore, cache,
		verification.Options{RequireLiveness: secureMode}, logger,
	)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(getEnv("JWT_SECRET", "dev-secret"), os.Getenv("JWT_AUDIENCE"))
	handlers.RegisterRoutes(r, orchestrator, bridge, reg,
		handlers.Config{AdminAddress: os.Getenv("ADMIN_ADDRESS")}, authMiddleware)

	server := &http.Server{
		Addr:    ":" + getEnv("PORT", "8080"),
		Handler: r,
	}

	logger.Info("biovote API listening", zap.String("addr", server.Addr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, zapLogger *zap.Logger) *gorm.DB {
	dsn := getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=biovote port=5432 sslmode=disable")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, zapLogger *zap.Logger) *redis.Client {
	addr := getEnv("REDIS_ADDR", "redis:6379")
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
