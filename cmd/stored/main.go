// Command stored runs the persistent store engine: one crash-safe category
// file each for players, developers and the game catalog, served over the
// framed JSON protocol to the lobby broker and the developer gateway.
package main

import (
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gameforge/platform/internal/config"
	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging, "stored")
	if err != nil {
		logging.L().Fatal("logger init failed", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("data dir", logging.Error(err))
	}

	opts := []store.Option{
		store.WithQuiescence(cfg.FlushQuiescence),
		store.WithMaxBatch(cfg.FlushMaxBatch),
		store.WithQueueDepth(cfg.MutationQueueDepth),
		store.WithLogger(logger),
	}
	categories := []store.Category{store.Players(), store.Developers(), store.Catalog()}
	engines := make([]*store.Engine, 0, len(categories))
	for _, category := range categories {
		engine, err := store.NewEngine(filepath.Join(cfg.DataDir, category.Name+".json"), category, opts...)
		if err != nil {
			logger.Fatal("engine init failed", logging.String("category", category.Name), logging.Error(err))
		}
		engines = append(engines, engine)
	}

	ln, err := net.Listen("tcp", cfg.StoreAddr)
	if err != nil {
		logger.Fatal("listen failed", logging.String("addr", cfg.StoreAddr), logging.Error(err))
	}

	srv := store.NewServer(engines, cfg.StoreAllowedHosts, logger)
	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Error("store serve stopped", logging.Error(err))
		}
	}()
	logger.Info("store engine up", logging.String("addr", cfg.StoreAddr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ln.Close()
	for _, engine := range engines {
		if err := engine.Close(); err != nil {
			logger.Error("engine close failed", logging.String("category", engine.Name()), logging.Error(err))
		}
	}
}
