// Package app wires stores, adapters and services from configuration. Both binaries
// build on it so the upload service and the recovery CLI see the same stack.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/filesaga/platform/internal/blob"
	"github.com/filesaga/platform/internal/config"
	"github.com/filesaga/platform/internal/events"
	"github.com/filesaga/platform/internal/metrics"
	"github.com/filesaga/platform/internal/notify"
	"github.com/filesaga/platform/internal/repository"
	"github.com/filesaga/platform/internal/service"
	"github.com/filesaga/platform/pkg/health"
	"github.com/filesaga/platform/pkg/logger"
	redisstream "github.com/filesaga/platform/pkg/redis"
)

// App 进程内共享的依赖
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Metrics
	Health  *health.Health

	DB      *sql.DB
	Redis   *goredis.Client
	Streams *redisstream.StreamClient
	Bus     *events.Bus
	Notify  *notify.Publisher

	Blobs blob.Store
	Sagas service.SagaStore
	Files service.FileStore

	SagaService *service.SagaService
	Executor    *service.CompensationExecutor
	Uploads     *service.UploadService
	FileService *service.FileService

	closers []func() error
}

// Build connects every backend named by cfg. On error, whatever was opened is closed.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (a *App, err error) {
	if log == nil {
		log = logger.Nop()
	}
	a = &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.New(),
		Health:  health.New(),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err = a.openStores(ctx); err != nil {
		return nil, err
	}
	if err = a.openRedis(ctx); err != nil {
		return nil, err
	}
	if err = a.openBlobs(ctx); err != nil {
		return nil, err
	}

	policy := cfg.StepPolicy()
	a.SagaService = service.NewSagaService(a.Sagas, nil, a.Metrics, log)
	a.Executor = service.NewCompensationExecutor(a.SagaService, a.Blobs, a.Files, a.Notify, a.Bus, policy, a.Metrics, log)
	a.Uploads = service.NewUploadService(a.SagaService, a.Blobs, a.Files, a.Executor, a.Bus, a.Metrics, log, service.UploadConfig{
		MaxUploadBytes:   cfg.MaxUploadBytes,
		AllowedMimeTypes: cfg.AllowedMimeTypes,
		StepPolicy:       policy,
	})
	a.FileService = service.NewFileService(a.Files, a.Blobs, a.Notify, cfg.S3PresignTTL, log)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	switch a.Config.StoreDriver {
	case config.DriverMemory:
		a.Sagas = repository.NewMemorySagaStore()
		a.Files = repository.NewMemoryFileStore()
		a.Log.Warn("using in-memory saga and file stores")
		return nil
	case config.DriverPostgres, "":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", a.Config.StoreDriver)
	}

	db, err := sql.Open("postgres", a.Config.DSN())
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		return err
	}

	a.DB = db
	a.Sagas = repository.NewSagaRepository(db)
	a.Files = repository.NewFileRepository(db)
	a.Health.Register(health.NewPostgresChecker(db))
	a.Log.Info("connected to postgres")
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	client, err := redisstream.NewClient(ctx, a.Config.RedisConfig())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	a.Redis = client
	a.Streams = redisstream.NewStreamClient(client, a.Config.StreamMaxLen)
	a.Bus = events.NewBus(a.Streams)
	a.Notify = notify.NewPublisher(client, a.Config.NotifyChannel)
	a.Health.Register(health.NewRedisChecker(client))
	a.Log.Info("connected to redis")
	return nil
}

func (a *App) openBlobs(ctx context.Context) error {
	switch a.Config.BlobDriver {
	case config.DriverMemory:
		a.Blobs = blob.NewMemoryStore(a.Config.S3Bucket)
		a.Log.Warn("using in-memory blob store")
		return nil
	case config.DriverS3, "":
	default:
		return fmt.Errorf("unknown BLOB_DRIVER %q", a.Config.BlobDriver)
	}

	store, err := blob.NewS3Store(ctx, blob.S3Config{
		Bucket:     a.Config.S3Bucket,
		Region:     a.Config.S3Region,
		Endpoint:   a.Config.S3Endpoint,
		PresignTTL: a.Config.S3PresignTTL,
	})
	if err != nil {
		return err
	}
	a.Blobs = store
	a.Health.Register(health.NewFuncChecker("s3", store.Ping))
	return nil
}

// Reconciler 基于当前配置构造恢复器
func (a *App) Reconciler(dryRun bool, staleAfter time.Duration) *service.Reconciler {
	rc := a.Config.Recovery
	if staleAfter <= 0 {
		staleAfter = rc.StaleAfter
	}
	lock := redisstream.NewLock(a.Redis, rc.LockKey, rc.LockTTL)
	return service.NewReconciler(a.SagaService, a.Blobs, a.Files, a.Executor, a.Bus, lock, a.Metrics, a.Log, service.ReconcilerConfig{
		StaleAfter: staleAfter,
		Limit:      rc.Limit,
		DryRun:     dryRun,
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
