package infrastructure

import (
	"context"
	"fmt"
	"log/slog"

	"tally/internal/config"
	"tally/internal/guard"
	"tally/internal/purchase"
	"tally/internal/reconcile"
	"tally/internal/repository"
	"tally/internal/service"
	"tally/internal/telemetry"
	transportHTTP "tally/internal/transport/http"
	transportNATS "tally/internal/transport/nats"
	"tally/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}

	rdb, err := connectRedis(ctx, cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	// NATS is optional: without it telemetry and credited events are
	// dropped and the job topics are unavailable, but the HTTP API and
	// the accounting core still work.
	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), fmt.Errorf("nats: %w", err)
	}

	var bus *transportNATS.Bus
	if nc != nil {
		bus = transportNATS.NewBus(nc)
		cleanupFns = append(cleanupFns, func() { _ = bus.Drain() })
	} else {
		slog.Warn("NATS is not configured; telemetry and job topics are disabled")
	}

	sink := telemetry.New(publisherOrNil(bus))

	store := repository.NewStore(db, cfg)
	consumptionGuard := guard.New(rdb, cfg)
	reconciler := reconcile.New(store, sink, cfg.SweepParallelism)
	verifier := purchase.NewVerifier(store, rdb, purchase.DefaultPlatforms(),
		publisherOrNil(bus), sink, cfg)

	svc := service.New(store, consumptionGuard, verifier, reconciler, sink, cfg)

	var servers []Server
	if nc != nil {
		servers = append(servers,
			transportNATS.NewHandler(svc, nc),
			worker.NewReceiptWorker(svc, nc),
		)
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		if cfg.JWTSecret == "" {
			return nil, runCleanup(cleanupFns), fmt.Errorf("TALLY_JWT_SECRET is required when the HTTP API is enabled")
		}
		servers = append(servers, transportHTTP.NewServer(addr, cfg.JWTSecret, svc))
	}
	if len(servers) == 0 {
		return nil, runCleanup(cleanupFns), fmt.Errorf("nothing to run: enable the HTTP API or configure NATS")
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// publisherOrNil keeps a nil *Bus from becoming a non-nil interface.
func publisherOrNil(bus *transportNATS.Bus) telemetry.Publisher {
	if bus == nil {
		return nil
	}
	return bus
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
