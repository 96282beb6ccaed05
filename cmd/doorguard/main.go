package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"doorguard/internal/api"
	"doorguard/internal/config"
	"doorguard/internal/doorstate"
	"doorguard/internal/ingest"
	"doorguard/internal/logging"
	"doorguard/internal/metrics"
	"doorguard/internal/probe"
	"doorguard/internal/realtime"
	"doorguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "doorguard.yaml", "path to config file")
	flag.Parse()

	cfgMgr, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			logger.Error("storage schema init failed", "err", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	state := doorstate.NewStore()
	ring := doorstate.NewRing(cfg.Recent.StoreLimit)

	var worker *ingest.Worker
	if store != nil {
		worker = ingest.NewWorker(cfg, store, logger)
		worker.Start(ctx)
	} else {
		logger.Warn("storage disabled, event ingestion unavailable")
	}

	var hub *realtime.Hub
	if cfg.Realtime.Enabled {
		hub = realtime.NewHub(worker, logger)
		go hub.Run(ctx)
	} else {
		logger.Info("realtime disabled")
	}

	if store != nil {
		prober := probe.NewProber(cfg, store, state, ring, hubOrNil(hub), logger)
		go prober.Run(ctx)

		ingest.StartREST(ctx, cfgMgr, worker, store, logger)
		ingest.StartKafka(ctx, cfgMgr, worker, logger)

		go cfgMgr.Watch(0, func(next *config.Config) {
			prober.UpdateConfig(next)
			worker.UpdateConfig(next)
			logger.Info("config reloaded")
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	} else {
		logger.Warn("storage disabled, prober not started")
	}

	api.Start(ctx, cfgMgr, store, state, ring, hub, logger, version)

	<-ctx.Done()
	logger.Info("shutting down")
}

// hubOrNil keeps the prober's Broadcaster interface nil when realtime
// is disabled; a typed nil *Hub would defeat its nil check.
func hubOrNil(h *realtime.Hub) probe.Broadcaster {
	if h == nil {
		return nil
	}
	return h
}
