package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forecastex/marketd/internal/crypto"
	"github.com/forecastex/marketd/internal/keeper"
	"github.com/forecastex/marketd/internal/notify"
	"github.com/forecastex/marketd/internal/server"
	"github.com/forecastex/marketd/internal/server/handler"
	"github.com/forecastex/marketd/internal/server/ws"
	"github.com/forecastex/marketd/internal/service"
)

// shutdownGrace is how long in-flight HTTP requests get to finish after the
// context is cancelled.
const shutdownGrace = 10 * time.Second

// ServeMode runs the HTTP/WebSocket API over the engine, with checkpointing,
// event notifications, and the optional journal archiver. No keeper loop.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering serve mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startBackground(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// KeeperMode runs the liquidation keeper loop over the engine without the
// API surface. Checkpointing and notifications still run so the keeper's
// liquidations are durable and visible.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering keeper mode")

	k, err := a.buildKeeper(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	a.startBackground(ctx, g, deps)
	g.Go(func() error {
		return k.Run(ctx)
	})

	return g.Wait()
}

// FullMode runs the API surface and the keeper loop in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering full mode")

	k, err := a.buildKeeper(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	a.startBackground(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	g.Go(func() error {
		return k.Run(ctx)
	})

	return g.Wait()
}

// startBackground starts the goroutines common to every mode: periodic
// checkpointing, the notification watcher, and the journal archiver when
// archiving is enabled.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Checkpointer.Run(ctx, a.cfg.Checkpoint.Interval.Duration)
	})

	watcher := notify.NewWatcher(deps.SignalBus, deps.Notifier, a.base)
	channel := service.EventsChannel(a.cfg.Market.ID)
	g.Go(func() error {
		return watcher.Run(ctx, channel)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiver(ctx, deps)
		})
	}
}

// runArchiver periodically uploads journal segments older than the retention
// window to cold storage, then prunes the archived rows when pruning is
// enabled.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	marketID := a.cfg.Market.ID

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-retention)
		n, err := deps.Archiver.ArchiveEvents(ctx, marketID, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "journal archive failed",
				slog.String("error", err.Error()),
			)
			continue
		}
		if n == 0 || !a.cfg.Archive.Prune {
			continue
		}
		if _, err := deps.Archiver.PruneEvents(ctx, marketID, cutoff); err != nil {
			a.logger.ErrorContext(ctx, "journal prune failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// buildKeeper loads the keeper and authority signing keys and assembles the
// liquidation keeper.
func (a *App) buildKeeper(deps *Dependencies) (*keeper.Keeper, error) {
	keeperKey, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Keeper.PrivateKey,
		EncryptedKeyPath: a.cfg.Keeper.EncryptedKeyPath,
		KeyPassword:      a.cfg.Keeper.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load keeper key: %w", err)
	}
	keeperSigner, err := crypto.NewSigner(keeperKey)
	if err != nil {
		return nil, fmt.Errorf("app: keeper signer: %w", err)
	}

	authorityKey, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Authority.PrivateKey,
		EncryptedKeyPath: a.cfg.Authority.EncryptedKeyPath,
		KeyPassword:      a.cfg.Authority.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load authority key: %w", err)
	}
	authoritySigner, err := crypto.NewSigner(authorityKey)
	if err != nil {
		return nil, fmt.Errorf("app: authority signer: %w", err)
	}

	return keeper.New(keeper.Config{
		Market:    deps.Market,
		Signer:    keeperSigner,
		Authority: authoritySigner,
		Locks:     deps.LockManager,
		Alerter:   deps.Notifier,
		Interval:  a.cfg.Keeper.Interval.Duration,
		Logger:    a.base,
	}), nil
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, ws.Config{
		MarketID:  a.cfg.Market.ID,
		Channels:  []string{service.EventsChannel(a.cfg.Market.ID)},
		StartedAt: time.Now().UTC(),
	}, a.base)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": deps.Postgres,
			"redis":    deps.Redis,
		}, a.base),
		Market:    handler.NewMarketHandler(deps.Market, deps.Reader, a.base),
		Positions: handler.NewPositionHandler(deps.Market, deps.History, a.base),
		Claims:    handler.NewClaimHandler(deps.Market, a.base),
		Events:    handler.NewEventHandler(a.cfg.Market.ID, deps.Events, a.base),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(a.cfg.Market.ID, deps.BlobReader, a.base)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimiter:     deps.RateLimiter,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, a.base)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "http server listening",
			slog.Int("port", a.cfg.Server.Port),
		)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
