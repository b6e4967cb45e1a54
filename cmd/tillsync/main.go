// Package main runs the till synchronization service: an offline-first
// HTTP server over a locally cached catalog, order history and cart, with a
// durable pending-operation queue that converges the remote store whenever
// connectivity allows.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/tillworks/tillsync/internal/app"
	"github.com/tillworks/tillsync/internal/config"
	"github.com/tillworks/tillsync/internal/connectivity"
	"github.com/tillworks/tillsync/pkg/config/configloader"
	"github.com/tillworks/tillsync/pkg/logger"
	"github.com/tillworks/tillsync/pkg/messaging"
	natsclient "github.com/tillworks/tillsync/pkg/nats"
)

const serviceName = "tillsync"

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("application run failed: %v", err)
		os.Exit(1)
	}
	log.Println("application stopped gracefully")
}

// run initializes the application and starts the HTTP server, the periodic
// queue drain and the connectivity listener. The remote store being down at
// startup is not an error: the till serves from the local cache and catches
// up later.
func run(ctx context.Context) error {
	cfg, cfgErr := configloader.Load[*config.Config](serviceName)
	if cfgErr != nil {
		return fmt.Errorf("failed to load configuration: %w", cfgErr)
	}
	log.Printf("Configuration loaded: %v", cfg)

	slogger := logger.New(cfg.Log.Level)
	slog.SetDefault(slogger)

	dbPool, err := newDbPool(ctx, cfg, slogger)
	if err != nil {
		return fmt.Errorf("failed to create remote store pool: %w", err)
	}
	defer dbPool.Close()

	var publisher messaging.Publisher
	var nc *nats.Conn
	if cfg.Nats.Enabled {
		conn, err := natsclient.NewClient(cfg.Nats.Url, cfg.Nats.Timeout)
		if err != nil {
			// Connectivity signalling is an optimization, not a requirement.
			slogger.Warn("NATS unavailable, continuing without connectivity events", "error", err)
		} else {
			nc = conn
			defer closeNats(nc, slogger)
			js, err := natsclient.NewJetStreamContext(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}
			publisher = natsclient.NewNatsPublisher(js)
		}
	}

	deps, err := app.SetupDependencies(ctx, dbPool, publisher, cfg, slogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Cache.Close(); err != nil {
			slogger.Warn("failed to close local cache", "error", err)
		}
	}()

	httpServer := app.SetupHttpServer(deps, cfg)
	pprofServer := &http.Server{
		Addr: cfg.PProf.Addr,
	}

	// Best-effort initial sync; failure just means we start from cache.
	go func() {
		syncCtx, cancel := context.WithTimeout(ctx, cfg.Remote.Timeout)
		defer cancel()
		if err := deps.Engine.SyncNow(syncCtx); err != nil {
			slogger.Warn("initial sync failed, serving cached state", "error", err)
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)

	// Start the HTTP server
	g.Go(func() error {
		slogger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	// gracefully shutdown HTTP server on context cancellation
	g.Go(func() error {
		<-gCtx.Done()
		slogger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Retry the pending queue on a fixed interval
	g.Go(func() error {
		deps.Engine.RunPeriodicDrain(gCtx, cfg.Sync.Interval)
		return nil
	})

	// React to network recovery announcements
	if nc != nil {
		g.Go(func() error {
			listener := connectivity.NewListener(nc, cfg.Nats.OnlineSubject, deps.Engine.SyncNow, slogger)
			return listener.Run(gCtx)
		})
	}

	// Start the pprof server if enabled
	if cfg.PProf.Enabled {
		g.Go(func() error {
			slogger.Info("Pprof server listening", slog.String("addr", pprofServer.Addr))
			if err := pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("pprof server failed: %w", err)
			}
			return nil
		})
		// gracefully shutdown pprof server on context cancellation
		g.Go(func() error {
			<-gCtx.Done()
			slogger.Info("Shutting down pprof server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
			defer cancel()
			return pprofServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("errgroup encountered an error: %w", err)
	}

	// Let in-flight background applies finish before the cache closes.
	deps.Engine.Wait()
	return nil
}

// newDbPool creates the remote store pool without requiring the database to
// be reachable. A failed ping downgrades to a warning; migrations run only
// when the store answers.
func newDbPool(ctx context.Context, cfg *config.Config, slogger *slog.Logger) (*pgxpool.Pool, error) {
	dbPool, err := pgxpool.New(ctx, cfg.Remote.URL)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Remote.Timeout)
	defer cancel()
	if err := dbPool.Ping(pingCtx); err != nil {
		slogger.Warn("remote store unreachable at startup, continuing offline", "error", err)
		return dbPool, nil
	}
	slogger.Info("Successfully connected to the remote store")

	if cfg.Remote.Migrate {
		if err := runMigrations(cfg.Remote.MigrationsDir, cfg.Remote.URL); err != nil {
			slogger.Warn("failed to run migrations", "error", err)
		} else {
			slogger.Info("Migrations applied")
		}
	}
	return dbPool, nil
}

func runMigrations(dir, url string) error {
	m, err := migrate.New("file://"+dir, url)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// closeNats drains the connection so queued publishes get out, forcing a
// close if the drain stalls.
func closeNats(nc *nats.Conn, slogger *slog.Logger) {
	drainDone := make(chan struct{})
	go func() {
		if err := nc.Drain(); err != nil {
			slogger.Warn("failed to drain NATS connection", "error", err)
		}
		close(drainDone)
	}()
	select {
	case <-drainDone:
	case <-time.After(5 * time.Second):
		nc.Close()
	}
}
