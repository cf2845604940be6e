package infrastructure

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Server is anything with a Start/Stop lifecycle: the HTTP server, the
// NATS job handler, the receipt worker.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type App struct {
	servers []Server
}

func NewApp(servers []Server) *App {
	return &App{servers: servers}
}

// Run starts every server and blocks until the context is cancelled or
// one of them fails, then stops them all.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range a.servers {
		s := srv
		g.Go(func() error {
			return s.Start(ctx)
		})
	}

	<-ctx.Done()

	for _, srv := range a.servers {
		_ = srv.Stop(context.Background())
	}

	return g.Wait()
}
