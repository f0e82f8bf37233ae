// Package main is the entry point for the llmrelay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/howard-nolan/llmrelay/internal/cache"
	"github.com/howard-nolan/llmrelay/internal/config"
	"github.com/howard-nolan/llmrelay/internal/logging"
	"github.com/howard-nolan/llmrelay/internal/provider"
	"github.com/howard-nolan/llmrelay/internal/relay"
	"github.com/howard-nolan/llmrelay/internal/server"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	store, closeStore := newCache(cfg.Cache, log)
	defer closeStore()

	reg := provider.NewRegistry(cfg, provider.Options{
		Timeout:  cfg.Relay.UpstreamTimeout,
		Logger:   log,
		Cache:    store,
		CacheTTL: cfg.Cache.TTL,
	})
	for _, p := range reg.Providers() {
		d := p.Descriptor()
		log.Info().
			Str("provider", d.ID).
			Bool("configured", p.IsConfigured()).
			Bool("native_streaming", d.SupportsStreaming).
			Msg("registered provider")
	}

	rl := relay.New(reg, relay.Options{
		TokenDelay:         cfg.Relay.TokenDelay,
		MaxMessageBytes:    cfg.Relay.MaxMessageBytes,
		MaxSystemPromptLen: cfg.Relay.MaxSystemPromptLen,
		Logger:             log,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.New(rl, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("llmrelay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

// newCache builds the configured catalogue cache. An unreachable Redis
// falls back to the in-process cache.
func newCache(cfg config.CacheConfig, log zerolog.Logger) (cache.Cache, func()) {
	if cfg.Backend != "redis" {
		return cache.NewMemory(), func() {}
	}

	rc := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "llmrelay:")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, using in-memory cache")
		_ = rc.Close()
		return cache.NewMemory(), func() {}
	}

	log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis cache")
	return rc, func() { _ = rc.Close() }
}
