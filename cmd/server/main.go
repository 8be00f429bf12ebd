package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/admission"
	"github.com/laurikarhu/hls-gatekeeper/internal/config"
	"github.com/laurikarhu/hls-gatekeeper/internal/delivery"
	"github.com/laurikarhu/hls-gatekeeper/internal/handlers"
	"github.com/laurikarhu/hls-gatekeeper/internal/hmacsign"
	"github.com/laurikarhu/hls-gatekeeper/internal/middleware"
	"github.com/laurikarhu/hls-gatekeeper/internal/storage"
	"github.com/laurikarhu/hls-gatekeeper/internal/transfer"
	"github.com/laurikarhu/hls-gatekeeper/internal/validation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults for development")
		cfg = config.LoadWithDefaults()
	}

	log.Info().
		Str("port", cfg.Port).
		Str("base_url", cfg.BaseURL).
		Str("backend_mode", cfg.BackendMode).
		Msg("Starting HLS gatekeeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(ctx, cfg.RedisURL, cfg.EnableRedisPipeline)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer store.Close()
	log.Info().Msg("Connected to Redis")

	whitelist := storage.NewWhitelistStore(store, cfg.IPAccessTTL, cfg.MaxPathsPerCIDR, cfg.MaxUAIPPairsPerUID)
	sessions := storage.NewSessionStore(store, cfg.SessionTTL, cfg.UserSessionTTL)
	jsWhitelist := storage.NewJSWhitelistStore(store, cfg.JSWhitelistTrackerTTL)
	logs := storage.NewLogRing(store)
	tokenReplay := storage.NewTokenReplayCounter(store, logs)
	keyAccess := storage.NewKeyAccessCounter(store, logs)
	m3u8Cache := storage.NewM3U8CacheStore(store, cfg.M3U8ContentCacheTTL)

	tracker := transfer.New()

	var backend delivery.Backend
	if cfg.BackendMode == "http" {
		backend = delivery.NewUpstreamBackend(cfg.BackendHost, cfg.BackendPort, cfg.BackendUseHTTPS, cfg.BackendSSLVerify, cfg.StaticFileExtensions, tracker)
	} else {
		backend = &delivery.FilesystemBackend{
			Root:               cfg.BackendFilesystemRoot,
			StreamingThreshold: cfg.StreamingThreshold,
			SendfileMaxChunk:   cfg.SendfileMaxChunk,
			StaticExtensions:   cfg.StaticFileExtensions,
			Tracker:            tracker,
		}
	}

	coordinator := validation.NewCoordinator(whitelist, sessions, cfg.EnableParallelValidation, cfg.EnableRequestDeduplication)

	playbackSigner := hmacsign.New(cfg.SecretKey)
	jsSigner := hmacsign.New(cfg.JSWhitelistSecretKey)

	pipeline := admission.New(cfg, whitelist, sessions, jsWhitelist, tokenReplay, keyAccess, m3u8Cache, logs, coordinator, backend, playbackSigner)

	proxyHandler := handlers.NewProxyHandler(pipeline)
	adminHandler := handlers.NewAdminHandler(cfg, whitelist, jsWhitelist, sessions, m3u8Cache, logs, tracker, backend, store, jsSigner)
	adminMiddleware := middleware.NewAdminMiddleware(cfg)

	mux := http.NewServeMux()

	protect := func(h http.HandlerFunc) http.Handler {
		return adminMiddleware.RequireAdmin(h)
	}

	mux.Handle("POST /api/whitelist", protect(adminHandler.AddWhitelist))
	mux.Handle("POST /api/static-whitelist", protect(adminHandler.AddStaticWhitelist))
	mux.HandleFunc("POST /api/js-whitelist", adminHandler.AddJSWhitelist)
	mux.HandleFunc("GET /api/js-whitelist", adminHandler.AddJSWhitelist)
	mux.Handle("GET /api/js-whitelist/check", protect(adminHandler.CheckJSWhitelist))
	mux.Handle("GET /api/js-whitelist/stats", protect(adminHandler.JSWhitelistStats))
	mux.Handle("POST /api/file/check", protect(adminHandler.CheckFile))
	mux.Handle("POST /api/file/check/batch", protect(adminHandler.CheckFileBatch))

	mux.HandleFunc("GET /health", adminHandler.Health)
	mux.Handle("GET /stats", protect(adminHandler.Stats))
	mux.Handle("GET /traffic", protect(adminHandler.Traffic))
	mux.Handle("GET /active-transfers", protect(adminHandler.ActiveTransfers))
	mux.Handle("GET /whitelist-info", protect(adminHandler.WhitelistInfo))
	mux.Handle("GET /api/access-logs/{kind}", protect(adminHandler.AccessLogs))
	mux.Handle("GET /api/replay-logs", protect(adminHandler.ReplayLogs))
	mux.Handle("GET /api/replay-logs/summary", protect(adminHandler.ReplayLogs))
	mux.Handle("GET /api/key-access-logs", protect(adminHandler.KeyAccessLogs))
	mux.Handle("GET /api/key-access-logs/summary", protect(adminHandler.KeyAccessLogs))
	mux.Handle("GET /api/m3u8-cache-stats", protect(adminHandler.M3U8CacheStats))
	mux.Handle("GET /probe/backend", protect(adminHandler.ProbeBackend))
	mux.Handle("GET /debug/browser", protect(adminHandler.DebugBrowser))
	mux.Handle("GET /debug/cidr", protect(adminHandler.DebugCIDR))
	mux.Handle("GET /debug/ip-whitelist", protect(adminHandler.DebugIPWhitelist))
	mux.Handle("GET /debug/session", protect(adminHandler.DebugSession))

	// The proxy endpoint is the catch-all: every path not claimed by one of
	// the admin routes above falls through to the admission pipeline.
	mux.Handle("/", proxyHandler)

	handler := middleware.Recovery(middleware.Logging(mux))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived segment transfers must not be capped
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	go pruneLoop(ctx, tracker)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// pruneLoop periodically removes stale active Live Transfer entries
// (§4.13), the in-process analogue of the teacher's background cleanup
// goroutines. Terminal entries are removed by the timer Finish schedules,
// not here.
func pruneLoop(ctx context.Context, tracker *transfer.Tracker) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.Prune()
		}
	}
}
