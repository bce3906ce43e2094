package server

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/kilupskalvis/blobview/internal/remote"
	"github.com/kilupskalvis/blobview/internal/remote/blobstore"
	"github.com/kilupskalvis/blobview/internal/remote/metastore"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody    int64  // bytes, for JSON request bodies
	DefaultMaxBytes   int64  // content returned when max_bytes is absent
	MaxBlobSize       int64  // upper bound for max_bytes and for uploads
	RequestsPerMinute int    // per-client rate limit, 0 disables it
	AccessToken       string // bearer token for repo routes, empty for open access
	AdminToken        string // for admin endpoints
	Webhooks          *WebhookNotifier
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    64 * 1024 * 1024,
		DefaultMaxBytes:   remote.DefaultFetchCeiling,
		MaxBlobSize:       32 * 1024 * 1024,
		RequestsPerMinute: 600,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(repos RepoOpener, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := tokenAuth(cfg.AccessToken)

	// Execution order: auth -> rl -> handler
	withRepo := func(fn repoHandlerFunc) http.Handler {
		return applyMiddleware(makeRepoHandler(repos, cfg, logger, fn), auth, rl.middleware)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rc, ok := repos.(interface{ Ready() error }); ok {
			if err := rc.Ready(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("not ready: " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Admin routes are registered one by one: a catch-all /admin/ prefix
	// would overlap the /{repo}/... patterns.
	if cfg.AdminToken != "" {
		mux.Handle("POST /admin/repos/{repo}/gc", adminAuth(cfg.AdminToken, makeAdminGCHandler(repos, logger)))
	}

	mux.Handle("GET /{repo}/blob/{ref}/{path...}", withRepo(handleGetBlob))
	mux.Handle("POST /{repo}/upload/{ref}/{path...}", withRepo(handleUpload))

	mux.Handle("GET /api/v1/repos/{repo}/refs", withRepo(handleListRefs))
	mux.Handle("GET /api/v1/repos/{repo}/refs/{ref}", withRepo(handleGetRef))
	mux.Handle("GET /api/v1/repos/{repo}/info", withRepo(handleRepoInfo))

	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}
	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type repoHandlerFunc func(w http.ResponseWriter, r *http.Request, rc *repoContext)

// repoContext carries everything a repo route needs.
type repoContext struct {
	name   string
	meta   metastore.MetaStore
	blobs  blobstore.BlobStore
	cfg    *ServerConfig
	logger *slog.Logger
}

// makeRepoHandler resolves the repo and calls the handler with its stores.
func makeRepoHandler(repos RepoOpener, cfg *ServerConfig, logger *slog.Logger, fn repoHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repoName := r.PathValue("repo")
		if repoName == "" {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "missing repository name in path")
			return
		}

		meta, blobs, err := repos.Open(repoName)
		if err != nil {
			if !errors.Is(err, ErrRepoNotFound) {
				logger.Error("open repository", "repo", repoName, "error", err)
			}
			writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("repository '%s' not found", repoName))
			return
		}
		fn(w, r, &repoContext{name: repoName, meta: meta, blobs: blobs, cfg: cfg, logger: logger})
	}
}

// --- Blob Handlers ---

func handleGetBlob(w http.ResponseWriter, r *http.Request, rc *repoContext) {
	ctx := r.Context()
	refName := r.PathValue("ref")
	filePath, err := cleanRepoPath(r.PathValue("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	}

	maxBytes := rc.cfg.DefaultMaxBytes
	if s := r.URL.Query().Get("max_bytes"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "max_bytes must be a positive integer")
			return
		}
		maxBytes = n
	}
	if rc.cfg.MaxBlobSize > 0 && maxBytes > rc.cfg.MaxBlobSize {
		maxBytes = rc.cfg.MaxBlobSize
	}

	resolved, err := resolveRef(ctx, rc.meta, refName)
	if err != nil {
		writeStoreError(w, rc.logger, err, fmt.Sprintf("ref '%s' not found", refName))
		return
	}
	commit, err := rc.meta.GetCommit(ctx, resolved.CommitID)
	if err != nil {
		writeStoreError(w, rc.logger, err, "commit not found")
		return
	}
	entry := commit.Entry(filePath)
	if entry == nil {
		writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("path '%s' not found at %s", filePath, refName))
		return
	}

	reader, size, err := rc.blobs.Get(ctx, entry.BlobID)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			rc.logger.Error("tree references missing blob", "repo", rc.name, "blob", entry.BlobID, "path", filePath)
		}
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, "read blob")
		return
	}
	defer reader.Close()

	// Read enough to sniff the type even when the caller wants less.
	limit := max(maxBytes, sniffLen)
	head, err := io.ReadAll(io.LimitReader(reader, limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, remote.CodeInternal, "read blob")
		return
	}
	binary := isBinary(head, int64(len(head)) == size)
	mimeType := detectMime(filePath, head, binary)

	if r.URL.Query().Get("format") != "json" {
		writeRaw(w, head, reader, size, mimeType, binary)
		return
	}

	data := head
	truncated := false
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	if int64(len(data)) < size {
		truncated = true
	}

	resp := &remote.BlobResponse{
		Path:      filePath,
		Ref:       refName,
		CommitID:  commit.ID,
		Size:      size,
		Truncated: truncated,
		Binary:    binary,
		MimeType:  mimeType,
	}
	if truncated && !binary {
		data = trimPartialRune(data)
	}
	if !binary && utf8.Valid(data) {
		resp.Encoding = remote.EncodingText
		resp.Content = string(data)
	} else {
		resp.Encoding = remote.EncodingBase64
		resp.Content = base64.StdEncoding.EncodeToString(data)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeRaw streams the whole blob: head has already been read from rest.
func writeRaw(w http.ResponseWriter, head []byte, rest io.Reader, size int64, mimeType string, binary bool) {
	if !binary && mimeType != "" {
		mimeType += "; charset=utf-8"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(head)
	io.Copy(w, rest)
}

func handleUpload(w http.ResponseWriter, r *http.Request, rc *repoContext) {
	ctx := r.Context()
	refName := r.PathValue("ref")
	filePath, err := cleanRepoPath(r.PathValue("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	}

	var req remote.UploadRequest
	if err := readJSON(r, rc.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "content must be base64")
		return
	}
	if rc.cfg.MaxBlobSize > 0 && int64(len(data)) > rc.cfg.MaxBlobSize {
		writeError(w, http.StatusRequestEntityTooLarge, remote.CodeBadRequest,
			fmt.Sprintf("blob exceeds %d bytes", rc.cfg.MaxBlobSize))
		return
	}

	result, err := commitFile(ctx, rc.meta, rc.blobs, refName, filePath, data, req.CommitMessage, req.ExpectedCommit)
	switch {
	case err == nil:
	case errors.Is(err, errNotBranch):
		writeError(w, http.StatusConflict, remote.CodeImmutableRef, fmt.Sprintf("'%s' is not a branch and cannot be written", refName))
		return
	case errors.Is(err, metastore.ErrNotFound) && models.LooksImmutable(refName):
		// A commit ID that is not a ref can still never be written through.
		writeError(w, http.StatusConflict, remote.CodeImmutableRef, fmt.Sprintf("'%s' is a commit and cannot be written", refName))
		return
	case errors.Is(err, metastore.ErrConflict):
		tip := ""
		if ref, err := rc.meta.GetRef(ctx, refName); err == nil {
			tip = ref.CommitID
		}
		writeJSON(w, http.StatusConflict, &remote.ErrorResponse{
			Error:   remote.CodeConflict,
			Message: fmt.Sprintf("branch '%s' moved, expected tip %s", refName, req.ExpectedCommit),
			Detail:  map[string]string{"tip": tip},
		})
		return
	default:
		writeStoreError(w, rc.logger, err, fmt.Sprintf("branch '%s' not found", refName))
		return
	}

	rc.logger.Info("blob uploaded", "repo", rc.name, "branch", refName, "path", filePath, "commit", result.CommitID)
	rc.cfg.Webhooks.NotifyUpload(rc.name, refName, filePath, result.CommitID)

	writeJSON(w, http.StatusCreated, result)
}

// --- Ref Handlers ---

func refInfo(resolved *resolvedRef) *remote.RefInfo {
	return &remote.RefInfo{
		Name:     resolved.Ref.Name,
		Kind:     resolved.Ref.Kind,
		CommitID: resolved.CommitID,
		Target:   resolved.Ref.Target,
		Mutable:  resolved.Ref.Mutable(),
	}
}

func handleListRefs(w http.ResponseWriter, r *http.Request, rc *repoContext) {
	refs, err := rc.meta.ListRefs(r.Context())
	if err != nil {
		writeStoreError(w, rc.logger, err, "")
		return
	}

	infos := make([]*remote.RefInfo, 0, len(refs))
	for _, ref := range refs {
		resolved, err := resolveRef(r.Context(), rc.meta, ref.Name)
		if err != nil {
			rc.logger.Warn("skipping unresolvable ref", "repo", rc.name, "ref", ref.Name, "error", err)
			continue
		}
		infos = append(infos, refInfo(resolved))
	}
	writeJSON(w, http.StatusOK, infos)
}

func handleGetRef(w http.ResponseWriter, r *http.Request, rc *repoContext) {
	name := r.PathValue("ref")
	resolved, err := resolveRef(r.Context(), rc.meta, name)
	if err != nil {
		writeStoreError(w, rc.logger, err, fmt.Sprintf("ref '%s' not found", name))
		return
	}
	writeJSON(w, http.StatusOK, refInfo(resolved))
}

// --- Info Handler ---

// RepoInfo summarizes a repository.
type RepoInfo struct {
	RefCount    int `json:"ref_count"`
	CommitCount int `json:"commit_count"`
	TotalBlobs  int `json:"total_blobs"`
}

func handleRepoInfo(w http.ResponseWriter, r *http.Request, rc *repoContext) {
	refs, err := rc.meta.ListRefs(r.Context())
	if err != nil {
		writeStoreError(w, rc.logger, err, "")
		return
	}
	commitCount, err := rc.meta.GetCommitCount(r.Context())
	if err != nil {
		writeStoreError(w, rc.logger, err, "")
		return
	}
	blobCount, err := rc.blobs.TotalCount(r.Context())
	if err != nil {
		writeStoreError(w, rc.logger, err, "")
		return
	}
	writeJSON(w, http.StatusOK, &RepoInfo{
		RefCount:    len(refs),
		CommitCount: commitCount,
		TotalBlobs:  blobCount,
	})
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Admin ---

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// makeAdminGCHandler creates a handler for garbage collecting a repo's unreferenced blobs.
func makeAdminGCHandler(repos RepoOpener, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repoName := r.PathValue("repo")
		meta, blobs, err := repos.Open(repoName)
		if err != nil {
			writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("repository '%s' not found", repoName))
			return
		}

		result, err := GarbageCollect(r.Context(), meta, blobs, logger)
		if err != nil {
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &remote.ErrorResponse{Error: code, Message: message})
}

// writeStoreError maps metastore errors to responses. notFound is the
// message used for metastore.ErrNotFound.
func writeStoreError(w http.ResponseWriter, logger *slog.Logger, err error, notFound string) {
	if errors.Is(err, metastore.ErrNotFound) {
		if notFound == "" {
			notFound = "not found"
		}
		writeError(w, http.StatusNotFound, remote.CodeNotFound, notFound)
		return
	}
	logger.Error("store error", "error", err)
	writeError(w, http.StatusInternalServerError, remote.CodeInternal, "internal error")
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// retryAfter formats d for the Retry-After header.
func retryAfter(d time.Duration) string {
	return strconv.Itoa(int((d + time.Second - 1) / time.Second))
}
