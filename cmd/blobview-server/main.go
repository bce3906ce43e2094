// Command blobview-server runs the development blob host.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kilupskalvis/blobview/internal/remote/server"
)

func main() {
	listen := flag.String("listen", envOrDefault("BLOBVIEW_LISTEN", "0.0.0.0:8730"), "Listen address")
	dataDir := flag.String("data-dir", envOrDefault("BLOBVIEW_DATA_DIR", "/var/lib/blobview-server"), "Data directory")
	metaBackend := flag.String("meta-backend", envOrDefault("BLOBVIEW_META_BACKEND", server.BackendBbolt), "Metadata store for new repositories (bbolt, sqlite)")
	adminToken := flag.String("admin-token", os.Getenv("BLOBVIEW_ADMIN_TOKEN"), "Admin API token")
	accessToken := flag.String("access-token", os.Getenv("BLOBVIEW_ACCESS_TOKEN"), "Bearer token required on repo routes")
	rateLimit := flag.Int("rate-limit", 600, "Requests per minute per client, 0 disables")
	logLevel := flag.String("log-level", envOrDefault("BLOBVIEW_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("BLOBVIEW_LOG_FORMAT", "json"), "Log format (json, text)")
	tlsCert := flag.String("tls-cert", os.Getenv("BLOBVIEW_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("BLOBVIEW_TLS_KEY"), "TLS key file")
	webhookURLs := flag.String("webhook-urls", os.Getenv("BLOBVIEW_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify on upload")
	flag.Parse()

	// Setup logger
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	repos, err := server.NewDiskRepos(filepath.Join(*dataDir, "repos"), *metaBackend, logger)
	if err != nil {
		logger.Error("failed to open repos directory", "error", err, "path", *dataDir)
		os.Exit(1)
	}

	// Server config
	cfg := server.DefaultServerConfig()
	cfg.AdminToken = *adminToken
	cfg.AccessToken = *accessToken
	cfg.RequestsPerMinute = *rateLimit

	// Webhooks
	var urls []string
	for _, u := range strings.Split(*webhookURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) > 0 {
		cfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{URLs: urls}, logger)
		logger.Info("webhooks configured", "count", len(urls))
	}

	h, handlerCleanup := server.Handler(repos, cfg, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:              *listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting blobview-server", "listen", *listen, "data_dir", *dataDir, "meta_backend", *metaBackend)
		var err error
		if *tlsCert != "" && *tlsKey != "" {
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	cfg.Webhooks.Wait()
	repos.CloseAll()
	logger.Info("server stopped")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
