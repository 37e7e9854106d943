// Command devgate runs the developer gateway: publishing, updating and
// retiring game bundles in the catalog.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"gameforge/platform/internal/config"
	"gameforge/platform/internal/devgate"
	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/manifest"
	"gameforge/platform/internal/session"
	"gameforge/platform/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging, "devgate")
	if err != nil {
		logging.L().Fatal("logger init failed", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	client := store.NewClient(cfg.StoreAddr)
	gateway := session.New(client, store.DeveloperCategory, session.WithLogger(logger))

	bundles, err := manifest.NewStore(cfg.CatalogDir)
	if err != nil {
		logger.Fatal("bundle store init failed", logging.Error(err))
	}

	// No ops surface runs here, so there is no event stream to feed.
	svc := devgate.New(devgate.Options{
		Logger:      logger,
		Gateway:     gateway,
		Store:       client,
		Bundles:     bundles,
		IdleTimeout: cfg.IdleTimeout,
	})

	ln, err := net.Listen("tcp", cfg.DevgateAddr)
	if err != nil {
		logger.Fatal("listen failed", logging.String("addr", cfg.DevgateAddr), logging.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := svc.Serve(ctx, ln); err != nil {
			logger.Error("devgate stopped", logging.Error(err))
		}
	}()
	logger.Info("devgate up", logging.String("addr", cfg.DevgateAddr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()
}
