package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/kilupskalvis/blobview/internal/remote"
	"github.com/kilupskalvis/blobview/internal/remote/server"
	"github.com/spf13/cobra"
)

var (
	serverListen      string
	serverDataDir     string
	serverBackend     string
	serverLogLevel    string
	serverLogFormat   string
	serverTLSCert     string
	serverTLSKey      string
	serverWebhookURLs string
	serverAccessToken string

	serverImportBranch  string
	serverImportMessage string

	serverAdminURL   string
	serverAdminToken string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run and manage a development blob host",
	Long: `Commands for a small blob host that serves repository snapshots over
the same HTTP API the loader talks to.`,
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the blob host",
	Long: `Start the blob host.

Each repository lives under <data-dir>/repos/<name> with commit metadata in
bbolt or SQLite and blob content on the local filesystem.

The admin token is read from BLOBVIEW_ADMIN_TOKEN and enables garbage
collection over HTTP.

Examples:
  blobview server start
  blobview server start --listen 0.0.0.0:8730 --data-dir /var/lib/blobview
  blobview server start --meta-backend sqlite --tls-cert server.crt --tls-key server.key`,
	Args: cobra.NoArgs,
	Run:  runServerStart,
}

var serverImportCmd = &cobra.Command{
	Use:   "import <repo> <dir>",
	Short: "Snapshot a directory into a repository",
	Long: `Copy every file under dir into a new commit on a branch and point HEAD
at that branch. The repository is created if needed.

Examples:
  blobview server import u-boot ~/src/u-boot
  blobview server import u-boot ~/src/u-boot --branch next -m "next snapshot"`,
	Args: cobra.ExactArgs(2),
	Run:  runServerImport,
}

var serverTagCmd = &cobra.Command{
	Use:   "tag <repo> <name> <ref>",
	Short: "Create a tag at the commit a ref points to",
	Args:  cobra.ExactArgs(3),
	Run:   runServerTag,
}

var serverGCCmd = &cobra.Command{
	Use:   "gc <repo>",
	Short: "Delete blobs no commit references",
	Long: `Garbage collect a repository.

With --url the running server does the work through its admin endpoint.
Without it the repository is opened directly from --data-dir, which must
not be in use by a running server.

Examples:
  blobview server gc u-boot
  blobview server gc u-boot --url http://localhost:8730`,
	Args: cobra.ExactArgs(1),
	Run:  runServerGC,
}

func init() {
	serverCmd.AddCommand(serverStartCmd, serverImportCmd, serverTagCmd, serverGCCmd)

	// Shared by every subcommand that opens repositories from disk.
	pf := serverCmd.PersistentFlags()
	pf.StringVar(&serverDataDir, "data-dir", envOrDefault("BLOBVIEW_DATA_DIR", defaultDataDir()), "Directory for repo data")
	pf.StringVar(&serverBackend, "meta-backend", envOrDefault("BLOBVIEW_META_BACKEND", server.BackendBbolt), "Metadata store for new repositories (bbolt|sqlite)")

	f := serverStartCmd.Flags()
	f.StringVar(&serverListen, "listen", envOrDefault("BLOBVIEW_LISTEN", "127.0.0.1:8730"), "Listen address (host:port)")
	f.StringVar(&serverLogLevel, "log-level", envOrDefault("BLOBVIEW_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	f.StringVar(&serverLogFormat, "log-format", envOrDefault("BLOBVIEW_LOG_FORMAT", "json"), "Log format (json|text)")
	f.StringVar(&serverTLSCert, "tls-cert", os.Getenv("BLOBVIEW_TLS_CERT"), "TLS certificate file")
	f.StringVar(&serverTLSKey, "tls-key", os.Getenv("BLOBVIEW_TLS_KEY"), "TLS key file")
	f.StringVar(&serverWebhookURLs, "webhook-urls", os.Getenv("BLOBVIEW_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify on upload")
	f.StringVar(&serverAccessToken, "access-token", os.Getenv("BLOBVIEW_ACCESS_TOKEN"), "Bearer token required on repo routes")

	imf := serverImportCmd.Flags()
	imf.StringVarP(&serverImportBranch, "branch", "b", "main", "Branch to commit the snapshot to")
	imf.StringVarP(&serverImportMessage, "message", "m", "", "Commit message")

	gf := serverGCCmd.Flags()
	gf.StringVar(&serverAdminURL, "url", os.Getenv("BLOBVIEW_SERVER_URL"), "Server base URL (env: BLOBVIEW_SERVER_URL)")
	gf.StringVar(&serverAdminToken, "admin-token", os.Getenv("BLOBVIEW_ADMIN_TOKEN"), "Admin token (env: BLOBVIEW_ADMIN_TOKEN)")
}

// openDiskRepos opens the repos directory under --data-dir.
func openDiskRepos(logLevel, logFormat string) *server.DiskRepos {
	logger := newLogger(logLevel, logFormat)
	repos, err := server.NewDiskRepos(filepath.Join(serverDataDir, "repos"), serverBackend, logger)
	if err != nil {
		exitError("%v", err)
	}
	return repos
}

func runServerStart(_ *cobra.Command, _ []string) {
	logger := newLogger(serverLogLevel, serverLogFormat)
	repos := openDiskRepos(serverLogLevel, serverLogFormat)

	cfg := server.DefaultServerConfig()
	cfg.AdminToken = os.Getenv("BLOBVIEW_ADMIN_TOKEN")
	cfg.AccessToken = serverAccessToken
	if urls := splitList(serverWebhookURLs); len(urls) > 0 {
		cfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{URLs: urls}, logger)
		logger.Info("webhooks configured", "count", len(urls))
	}

	h, handlerCleanup := server.Handler(repos, cfg, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:              serverListen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting blob host", "listen", serverListen, "data_dir", serverDataDir, "meta_backend", serverBackend)
		var err error
		if serverTLSCert != "" && serverTLSKey != "" {
			err = srv.ListenAndServeTLS(serverTLSCert, serverTLSKey)
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

func runServerImport(cmd *cobra.Command, args []string) {
	repos := openDiskRepos(logLevel, "text")
	defer repos.CloseAll()

	meta, blobs, err := repos.Create(args[0])
	if err != nil {
		exitError("%v", err)
	}

	result, err := server.ImportDir(context.Background(), meta, blobs, args[1], serverImportBranch, serverImportMessage, newLogger(logLevel, "text"))
	if err != nil {
		exitError("import: %v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Imported %d files (%s) ", result.Files, humanSize(result.Bytes))
	fmt.Printf("into %s/%s at %s\n", args[0], serverImportBranch, shortID(result.CommitID))
}

func runServerTag(cmd *cobra.Command, args []string) {
	repos := openDiskRepos(logLevel, "text")
	defer repos.CloseAll()

	meta, _, err := repos.Open(args[0])
	if err != nil {
		exitError("%v", err)
	}
	ctx := context.Background()

	commitID := args[2]
	if ref, err := meta.GetRef(ctx, args[2]); err == nil {
		if ref.Kind == models.RefSymbolic {
			ref, err = meta.GetRef(ctx, ref.Target)
			if err != nil {
				exitError("%v", err)
			}
		}
		commitID = ref.CommitID
	} else if has, _ := meta.HasCommit(ctx, args[2]); !has {
		exitError("ref '%s' not found", args[2])
	}

	if err := meta.CreateRef(ctx, &models.Ref{Name: args[1], Kind: models.RefTag, CommitID: commitID}); err != nil {
		exitError("create tag: %v", err)
	}
	fmt.Printf("Tagged %s as %s\n", shortID(commitID), args[1])
}

func runServerGC(cmd *cobra.Command, args []string) {
	var result *server.GCResult
	if serverAdminURL != "" {
		result = remoteGC(args[0])
	} else {
		repos := openDiskRepos(logLevel, "text")
		defer repos.CloseAll()

		meta, blobs, err := repos.Open(args[0])
		if err != nil {
			exitError("%v", err)
		}
		result, err = server.GarbageCollect(context.Background(), meta, blobs, newLogger(logLevel, "text"))
		if err != nil {
			exitError("gc: %v", err)
		}
	}

	fmt.Printf("Scanned %d blobs, %d referenced, ", result.BlobsScanned, result.ReferencedBlobs)
	color.New(color.FgYellow).Printf("%d deleted\n", result.BlobsDeleted)
}

// remoteGC asks a running server to collect garbage.
func remoteGC(repo string) *server.GCResult {
	if serverAdminToken == "" {
		exitError("admin token required: set --admin-token or BLOBVIEW_ADMIN_TOKEN")
	}

	url := strings.TrimRight(serverAdminURL, "/") + "/admin/repos/" + repo + "/gc"
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		exitError("%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+serverAdminToken)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		exitError("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		var errResp remote.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
			exitError("server: %s", errResp.Message)
		}
		exitError("server returned HTTP %d", resp.StatusCode)
	}

	var result server.GCResult
	if err := json.Unmarshal(body, &result); err != nil {
		exitError("decode response: %v", err)
	}
	return &result
}

// defaultDataDir returns the default server data directory (~/.blobview-server).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/blobview-server"
	}
	return filepath.Join(home, ".blobview-server")
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
