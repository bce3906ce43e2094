// Package cli implements the command-line interface for blobview.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kilupskalvis/blobview/internal/config"
	"github.com/kilupskalvis/blobview/internal/core"
	"github.com/kilupskalvis/blobview/internal/remote"
	"github.com/kilupskalvis/blobview/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	serverURL  string
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config   *config.Config
	Logger   *slog.Logger
	Client   remote.BlobClient
	Fetcher  core.Fetcher
	Resolver *core.Resolver
	Store    *store.Store
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// initContext loads config and builds the retrying client, the fetcher chain
// (network, then the on-disk store, then the in-memory cache) and the resolver.
func initContext() *cmdContext {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}

	logger := newLogger(logLevel, "text")

	retry := &remote.RetryConfig{
		MaxRetries:     cfg.Fetch.MaxRetries,
		InitialBackoff: time.Duration(cfg.Fetch.InitialBackoff),
		MaxBackoff:     time.Duration(cfg.Fetch.MaxBackoff),
		JitterFraction: cfg.Fetch.JitterFraction,
		AttemptTimeout: time.Duration(cfg.Fetch.Timeout),
	}
	client := remote.NewRetryClient(remote.NewHTTPClient(cfg.ServerURL, cfg.Token), retry, logger)

	c := &cmdContext{
		Config:   cfg,
		Logger:   logger,
		Client:   client,
		Resolver: core.NewResolver(cfg.Render.CeilingBytes, cfg.Render.RichTypes),
	}

	rf := remote.NewFetcher(client, cfg.Fetch.CeilingBytes, logger)
	var fetcher core.Fetcher = rf
	if path := cfg.DiskCachePath(); path != "" {
		st, err := store.New(path, cfg.Fetch.DiskCacheEntries)
		if err != nil {
			// Another process may hold the lock; load without it.
			logger.Warn("content store unavailable", "path", path, "error", err)
		} else {
			c.Store = st
			fetcher = store.NewFetcher(fetcher, st, rf.Ceiling(), logger)
		}
	}
	if cfg.Fetch.CacheEntries > 0 {
		fetcher = remote.NewCachedFetcher(fetcher, cfg.Fetch.CacheEntries)
	}
	c.Fetcher = fetcher
	return c
}

var rootCmd = &cobra.Command{
	Use:   "blobview",
	Short: "Load and view repository blobs",
	Long: `blobview loads a file at a ref from a code-hosting server, decides how
it should be displayed, and prints it. It can also upload new content to
a branch and run a small development blob host.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: nearest .blobview.toml or $BLOBVIEW_CONFIG)")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
	pf.StringVar(&serverURL, "server", "", "Server base URL, overrides the config file")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(refsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serverCmd)
}

// newLogger builds a slog logger writing to stderr.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
