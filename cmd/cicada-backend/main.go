// Cicada backend server. Hosts the coordination API that the CLI and
// test worker processes talk to, and schedules worker instances.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cicadatesting/cicada/pkg/api"
	"github.com/cicadatesting/cicada/pkg/config"
	"github.com/cicadatesting/cicada/pkg/datastore"
	"github.com/cicadatesting/cicada/pkg/scheduling"
	"github.com/cicadatesting/cicada/pkg/services"
	"github.com/cicadatesting/cicada/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	slog.Info("starting cicada backend",
		"version", version.Full(),
		"addr", cfg.Addr(),
		"datastore", cfg.Datastore)

	ctx := context.Background()

	store, cleanup, err := newDatastore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize datastore", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	scheduler := newScheduler(ctx)
	server := api.NewServer(services.NewBackendService(store, scheduler))

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}

// newDatastore builds the configured state store and returns a cleanup
// to run on shutdown.
func newDatastore(ctx context.Context, cfg config.Config) (datastore.Datastore, func(), error) {
	switch cfg.Datastore {
	case config.DatastoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}

		slog.Info("connected to redis", "addr", cfg.RedisAddr)

		return datastore.NewRedisDatastore(client), func() {
			if err := client.Close(); err != nil {
				slog.Error("error closing redis client", "error", err)
			}
		}, nil

	case config.DatastorePostgres:
		store, err := datastore.NewPostgresDatastore(ctx, cfg.DatabaseURL)

		if err != nil {
			return nil, nil, err
		}

		slog.Info("connected to postgres")

		return store, store.Close, nil

	default:
		return datastore.NewMemoryDatastore(), func() {}, nil
	}
}

// newScheduler wires every scheduling mode the host supports. Docker
// is optional: without a reachable daemon, DOCKER mode tests fail at
// creation instead of preventing startup.
func newScheduler(ctx context.Context) *scheduling.Router {
	var docker scheduling.Scheduler

	dockerScheduler, err := scheduling.NewDockerScheduler(ctx)
	if err != nil {
		slog.Warn("docker scheduler unavailable", "error", err)
	} else {
		docker = dockerScheduler
	}

	return scheduling.NewRouter(scheduling.NewLocalScheduler(), docker, scheduling.NewKubeScheduler())
}
