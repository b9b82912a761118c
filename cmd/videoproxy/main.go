package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber"
	"go.uber.org/zap"

	"github.com/krizcold/videoproxy/internal/config"
	"github.com/krizcold/videoproxy/internal/origin"
	"github.com/krizcold/videoproxy/internal/originstate"
	"github.com/krizcold/videoproxy/internal/rangeengine"
	"github.com/krizcold/videoproxy/internal/router"
	"github.com/krizcold/videoproxy/internal/segcache"
	"github.com/krizcold/videoproxy/internal/stats"
	"github.com/krizcold/videoproxy/internal/transport"
)

func main() {
	// 1. Load configuration: defaults, then environment, then flags.
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	cfg.LogSummary(log)

	// 2. Build the shared outbound connection pool and the origin client.
	pool := transport.New()
	client := origin.New(pool, log.Named("origin"))

	// 3. Build the caches: metadata, redirect, preload-dedup, and segments.
	metadata := originstate.NewMetadataCache(cfg.MetadataTTL)
	redirects := originstate.NewRedirectCache(cfg.RedirectTTL)
	preload := originstate.NewPreloadCache(cfg.PreloadTTL)
	segments := segcache.New(cfg.SegmentSize, cfg.CacheCap)

	// 4. Build the streaming range engine, stats, and router.
	engine := rangeengine.New(metadata, redirects, segments, client, cfg.SegmentSize, log.Named("engine"))
	st := stats.New()
	rt := router.New(cfg, engine, metadata, redirects, preload, segments, client, st, pool, log.Named("router"))

	app := fiber.New(&fiber.Settings{DisableStartupMessage: true})
	rt.Register(app)

	// 5. Start the background TTL sweeper.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweeper := originstate.NewSweeper(metadata, redirects, preload, cfg.SweepInterval, log.Named("sweeper"))
	go sweeper.Run(sweepCtx)

	// 6. Serve until SIGINT/SIGTERM, then shut down gracefully: the sweeper
	//    stops immediately, in-flight streams finish or hit their own 30s
	//    upstream timeouts.
	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	log.Info("video proxy listening", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() { errCh <- app.Listen(addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
		stopSweep()
		if err := app.Shutdown(); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}
}
