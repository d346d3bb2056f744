package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	ragvault "github.com/RobThePCGuy/rag-vault-sub003"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// A local .env is convenient for development; absence is fine.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}

	cfg := ragvault.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	applyEnv(&cfg)

	apiKey := os.Getenv("RAGVAULT_API_KEY")
	corsOrigins := os.Getenv("RAGVAULT_CORS_ORIGINS")
	ratePerMinute := envInt("RAGVAULT_RATE_LIMIT", 120)

	engine, err := ragvault.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine, cfg.Dev)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("POST /ingest/file", h.handleIngestFile)
	mux.HandleFunc("POST /ingest/data", h.handleIngestData)
	mux.HandleFunc("POST /related", h.handleRelated)
	mux.HandleFunc("POST /delete", h.handleDelete)
	mux.HandleFunc("GET /files", h.handleListFiles)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("POST /feedback/pin", h.handleFeedbackPin)
	mux.HandleFunc("POST /feedback/dismiss", h.handleFeedbackDismiss)
	mux.HandleFunc("GET /feedback/stats", h.handleFeedbackStats)
	mux.HandleFunc("POST /db/swap", h.handleSwap)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> logging -> cors -> auth -> rate limit -> mux
	var handler http.Handler = mux
	handler = rateLimitMiddleware(ratePerMinute, handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = logMiddleware(handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ingest can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// applyEnv overlays RAGVAULT_* environment variables onto the config.
func applyEnv(cfg *ragvault.Config) {
	if v := os.Getenv("RAGVAULT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RAGVAULT_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("RAGVAULT_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("RAGVAULT_EMBED_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dim = n
		}
	}
	if v := os.Getenv("RAGVAULT_EMBED_CACHE_DIR"); v != "" {
		cfg.Embedding.CacheDir = v
	}
	if v := os.Getenv("RAGVAULT_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("RAGVAULT_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFileSize = n
		}
	}
	if v := os.Getenv("RAGVAULT_HYBRID_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HybridWeight = f
		}
	}
	if v := os.Getenv("RAGVAULT_GROUPING"); v != "" {
		cfg.Grouping = v
	}
	if v := os.Getenv("RAGVAULT_MAX_DISTANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MaxDistance = f
		}
	}
	if v := os.Getenv("RAGVAULT_ALLOWED_SCAN_ROOTS"); v != "" {
		cfg.AllowedScanRoots = strings.Split(v, ",")
	}
	if v := os.Getenv("RAGVAULT_DEV"); v == "1" || v == "true" {
		cfg.Dev = true
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
