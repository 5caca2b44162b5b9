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

	"golang.org/x/sync/errgroup"

	"github.com/filesaga/platform/internal/api"
	"github.com/filesaga/platform/internal/app"
	"github.com/filesaga/platform/internal/config"
	"github.com/filesaga/platform/internal/events"
	"github.com/filesaga/platform/internal/service"
	"github.com/filesaga/platform/pkg/health"
	"github.com/filesaga/platform/pkg/logger"
	redisstream "github.com/filesaga/platform/pkg/redis"
	"github.com/filesaga/platform/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout).SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("service exited")
		os.Exit(1)
	}
	log.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Infof("starting", map[string]interface{}{
		"httpPort":    cfg.HTTPPort,
		"storeDriver": cfg.StoreDriver,
		"blobDriver":  cfg.BlobDriver,
	})

	shutdownTracing, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	consumers := newConsumers(a)

	handler := &api.Handler{
		Uploads:        a.Uploads,
		Files:          a.FileService,
		Sagas:          a.SagaService,
		Health:         a.Health,
		Metrics:        a.Metrics,
		Log:            log,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("http server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for name, c := range consumers {
		g.Go(func() error {
			if err := c.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s consumer: %w", name, err)
			}
			return nil
		})
	}

	if cfg.Recovery.Cron != "" {
		if _, err := a.Reconciler(false, 0).Schedule(gctx, cfg.Recovery.Cron); err != nil {
			return err
		}
		log.Infof("recovery scheduled", map[string]interface{}{"cron": cfg.Recovery.Cron})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	a.Health.SetReady(true)
	return g.Wait()
}

// newConsumers gives each handler its own group: both consume the failed topic and each
// must see every message.
func newConsumers(a *app.App) map[string]*redisstream.Consumer {
	cfg := a.Config
	log := a.Log

	compensation := service.NewCompensationHandler(a.SagaService, a.Executor, a.Bus, log).
		Register(events.NewRouter(log))
	notification := service.NewNotificationHandler(a.SagaService, a.Notify, log).
		Register(events.NewRouter(log))

	routers := map[string]*events.Router{
		"compensation": compensation,
		"notification": notification,
	}
	maxAge := 3 * cfg.StreamOptions().BlockTime

	consumers := make(map[string]*redisstream.Consumer, len(routers))
	for name, router := range routers {
		c := redisstream.NewConsumer(
			a.Streams,
			cfg.ConsumerGroup+"-"+name,
			cfg.ConsumerName,
			router.Topics(),
			router.Handle,
			cfg.StreamOptions(),
		).WithHooks(a.Metrics).WithLogger(log)
		a.Health.RegisterOptional(health.NewLoopChecker(name+"-consumer", c, maxAge))
		consumers[name] = c
	}
	return consumers
}
