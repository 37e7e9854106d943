// Command broker runs the player-facing lobby: session handling,
// matchmaking rooms, game downloads and dedicated server launches, plus the
// operational HTTP surface with the live event feed.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"gameforge/platform/internal/broker"
	"gameforge/platform/internal/config"
	"gameforge/platform/internal/events"
	httpapi "gameforge/platform/internal/http"
	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/manifest"
	"gameforge/platform/internal/orchestrator"
	"gameforge/platform/internal/rooms"
	"gameforge/platform/internal/session"
	"gameforge/platform/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging, "broker")
	if err != nil {
		logging.L().Fatal("logger init failed", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	client := store.NewClient(cfg.StoreAddr)
	gateway := session.New(client, store.PlayerCategory, session.WithLogger(logger))

	bundles, err := manifest.NewStore(cfg.CatalogDir)
	if err != nil {
		logger.Fatal("bundle store init failed", logging.Error(err))
	}
	gamesDir := cfg.GamesDir
	if gamesDir == "" {
		gamesDir = bundles.Root()
	}
	host, _, err := net.SplitHostPort(cfg.BrokerAddr)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	launcher := orchestrator.NewLauncher(gamesDir, host, orchestrator.WithLogger(logger))
	stream := events.NewStream(events.Config{})

	b := broker.New(broker.Options{
		Logger:      logger,
		Gateway:     gateway,
		Store:       client,
		Registry:    rooms.NewRegistry(logger),
		Launcher:    launcher,
		Bundles:     bundles,
		Stream:      stream,
		IdleTimeout: cfg.IdleTimeout,
	})

	ln, err := net.Listen("tcp", cfg.BrokerAddr)
	if err != nil {
		logger.Fatal("listen failed", logging.String("addr", cfg.BrokerAddr), logging.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := b.Serve(ctx, ln); err != nil {
			logger.Error("broker stopped", logging.Error(err))
		}
	}()

	opsServer := opsSurface(cfg, b, client, bundles, stream, logger)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server stopped", logging.Error(err))
		}
	}()
	logger.Info("broker up",
		logging.String("lobby_addr", cfg.BrokerAddr),
		logging.String("ops_addr", cfg.OpsAddr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	opsServer.Shutdown(shutdownCtx)
	launcher.StopAll()
}

func opsSurface(cfg *config.Config, b *broker.Broker, client *store.Client, bundles *manifest.Store, stream *events.Stream, logger *logging.Logger) *http.Server {
	flush := httpapi.FlusherFunc(func(ctx context.Context) error {
		for _, category := range []string{store.PlayerCategory, store.DeveloperCategory, store.CatalogCategory} {
			if err := client.Flush(category); err != nil {
				return err
			}
		}
		return nil
	})
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: b,
		Stats:     b.Stats,
		Flusher:   flush,
		Bundles:   bundles,
		OpsToken:  cfg.OpsToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(
			cfg.FeedWindow, cfg.FeedBurst, nil),
	})
	feedLimit := rate.NewLimiter(rate.Every(cfg.FeedWindow/time.Duration(cfg.FeedBurst)), cfg.FeedBurst)
	feed := httpapi.NewFeed(stream, cfg.OpsToken, feedLimit, logger)

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.HandleFunc("/events", feed.Handler())
	return &http.Server{
		Addr:    cfg.OpsAddr,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}
}
