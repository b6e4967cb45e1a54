// Package app contains the application setup for the till.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillworks/tillsync/internal/cache"
	"github.com/tillworks/tillsync/internal/config"
	"github.com/tillworks/tillsync/internal/engine"
	"github.com/tillworks/tillsync/internal/enrich"
	"github.com/tillworks/tillsync/internal/remote"
	"github.com/tillworks/tillsync/internal/transport/rest"
	"github.com/tillworks/tillsync/pkg/messaging"
	"github.com/tillworks/tillsync/pkg/server"
)

type Dependencies struct {
	Engine *engine.Engine
	Cache  *cache.Cache
	Logger *slog.Logger
}

// SetupDependencies wires the durable cache, the remote store behind its
// circuit breaker, the enrichment client and the engine together. The remote
// store is not contacted here; the engine starts from cached state.
func SetupDependencies(ctx context.Context, dbPool *pgxpool.Pool, publisher messaging.Publisher, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	localCache, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}

	fns := remote.NewFunctionClient(cfg.Remote.Functions, cfg.Remote.FunctionTimeout)
	store := remote.NewBreakerStore(remote.NewPgStore(dbPool, fns), cfg.Breaker)
	enricher := enrich.New(store, cfg.Enrich.Function, cfg.Enrich.Timeout, logger)

	opts := []engine.Option{
		engine.WithOrdersLimit(cfg.Sync.OrdersLimit),
	}
	if publisher != nil {
		opts = append(opts, engine.WithPublisher(publisher))
	}
	eng, err := engine.New(ctx, localCache, store, enricher, logger, opts...)
	if err != nil {
		localCache.Close()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	return &Dependencies{
		Engine: eng,
		Cache:  localCache,
		Logger: logger,
	}, nil
}

// SetupHttpHandler initializes the router and routes for the till.
// Used by E2E tests to set up the HTTP server with the necessary routes and middleware.
func SetupHttpHandler(deps *Dependencies) http.Handler {
	mux := server.NewChiRouter(deps.Logger)
	wireRoutes(mux, deps)
	return mux
}

// wireRoutes sets up the HTTP routes for the till.
func wireRoutes(mux *chi.Mux, deps *Dependencies) {
	handler := rest.NewHandler(deps.Engine, deps.Logger)
	handler.RegisterRoutes(mux)
}

// SetupHttpServer creates and configures the till's HTTP server.
func SetupHttpServer(deps *Dependencies, cfg *config.Config) *http.Server {
	mux := SetupHttpHandler(deps)

	httpCfg := server.HTTPConfig{
		Port:           cfg.HTTPServer.Port,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		ReadTimeout:    cfg.HTTPServer.Timeout.Read,
		WriteTimeout:   cfg.HTTPServer.Timeout.Write,
		IdleTimeout:    cfg.HTTPServer.Timeout.Idle,
		ReadHeader:     cfg.HTTPServer.Timeout.ReadHeader,
	}

	return server.NewHTTPServer(httpCfg, mux)
}
