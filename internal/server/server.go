package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"dedupstore/internal/api"
	"dedupstore/internal/dedup"
	"dedupstore/internal/metrics"
	"dedupstore/internal/models"
	"dedupstore/internal/store"
)

const (
	allowRemoteEnvKey = "DEDUP_ALLOW_REMOTE"
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second

	defaultUploadMaxBytes     int64 = 100 << 20
	defaultMultipartMaxMemory int64 = 8 << 20
	// multipartOverhead covers boundaries and form fields around the payload.
	multipartOverhead int64 = 1 << 20

	defaultSmallFileMaxBytes int64 = 10 << 20

	reconcileConcurrencyLimit = 1
)

// FileService is what the HTTP layer needs from the dedup coordinator.
type FileService interface {
	Upload(ctx context.Context, r io.Reader, filename, mediaType string) (*dedup.UploadResult, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.FileRecord, error)
	Download(ctx context.Context, id string) (*dedup.Download, error)
	List(ctx context.Context, filter store.FileFilter) ([]models.FileRecord, error)
	ListSmall(ctx context.Context, maxBytes int64) ([]models.FileRecord, error)
	Count(ctx context.Context, filter store.FileFilter) (int64, error)
	Stats(ctx context.Context) (models.StorageStats, error)
	Reconcile(ctx context.Context, dryRun bool) (*dedup.ReconcileResult, error)
	Ping(ctx context.Context) error
}

var _ FileService = (*dedup.Coordinator)(nil)

// Options tune upload handling. Zero values pick defaults.
type Options struct {
	// UploadMaxBytes bounds the payload; the request body may exceed it by
	// the multipart framing overhead.
	UploadMaxBytes     int64
	MultipartMaxMemory int64
	Metrics            *metrics.Metrics
}

// Server wraps HTTP handlers for the dedupstore API.
type Server struct {
	addr               string
	files              FileService
	logger             *slog.Logger
	metrics            *metrics.Metrics
	uploadMaxBytes     int64
	multipartMaxMemory int64
	reconcileLimiter   chan struct{}
}

// New creates a new server instance.
func New(addr string, files FileService, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:               addr,
		files:              files,
		logger:             logger,
		metrics:            opts.Metrics,
		uploadMaxBytes:     opts.UploadMaxBytes,
		multipartMaxMemory: opts.MultipartMaxMemory,
		reconcileLimiter:   make(chan struct{}, reconcileConcurrencyLimit),
	}
	if s.uploadMaxBytes <= 0 {
		s.uploadMaxBytes = defaultUploadMaxBytes
	}
	if s.multipartMaxMemory <= 0 {
		s.multipartMaxMemory = defaultMultipartMaxMemory
	}
	return s
}

// Handler returns the full HTTP handler chain.
func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.routes())
}

// ListenAndServe serves until ctx is canceled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.log().Info("starting server", "addr", s.addr)
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAddr converts a base API URL into a listen address.
func ListenAddr(apiURL string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("api url is required")
	}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(apiURL)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return apiURL, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) acquireLimiter(limiter chan struct{}, w http.ResponseWriter, r *http.Request, name string) bool {
	if limiter == nil {
		return true
	}
	select {
	case limiter <- struct{}{}:
		return true
	default:
		err := makeAPIError(http.StatusTooManyRequests, api.CodeResourceExhausted, ErrCodeResourceExhausted,
			fmt.Errorf("a %s is already running", name))
		s.writeErrorReq(w, r, http.StatusTooManyRequests, err)
		return false
	}
}

func (s *Server) releaseLimiter(limiter chan struct{}) {
	if limiter == nil {
		return
	}
	select {
	case <-limiter:
	default:
	}
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
