// Package httpapi exposes the updater over HTTP: package upload (raw body
// or multipart form), update from URL, and a small JSON RPC surface for
// boot-state management.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bigbag/papyrix-ota/internal/boot"
	"github.com/bigbag/papyrix-ota/internal/fetch"
	"github.com/bigbag/papyrix-ota/internal/hal"
	"github.com/bigbag/papyrix-ota/internal/updater"
)

// BootControl is the boot manager as used by the RPC handlers.
type BootControl interface {
	Commit() (bool, error)
	Revert(reboot bool) (bool, error)
	State() (boot.State, error)
	SetState(st hal.BootState, commitTimeout time.Duration) error
}

// Opener opens a package by URL.
type Opener interface {
	Open(ctx context.Context, rawURL string) (*fetch.Blob, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRestart sets the hook run after an update that needs a reboot.
func WithRestart(restart func()) Option {
	return func(s *Server) {
		s.restart = restart
	}
}

// WithOpener enables updates from a URL.
func WithOpener(o Opener) Option {
	return func(s *Server) {
		s.opener = o
	}
}

// WithDefaults sets the commit timeout and same-version policy used when
// a request does not specify them.
func WithDefaults(commitTimeout time.Duration, ignoreSameVersion bool) Option {
	return func(s *Server) {
		s.commitTimeout = commitTimeout
		s.ignoreSameVersion = ignoreSameVersion
	}
}

// Server serves the update endpoints.
type Server struct {
	engine *updater.Engine
	boot   BootControl
	opener Opener

	restart           func()
	commitTimeout     time.Duration
	ignoreSameVersion bool
	logger            *slog.Logger

	mux *http.ServeMux
}

// New creates a Server.
func New(engine *updater.Engine, bc BootControl, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		boot:   bc,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /update", s.handleUpload)
	s.mux.HandleFunc("GET /update", s.handleUpdateURL)
	s.mux.HandleFunc("POST /rpc/{method}", s.handleRPC)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// session starts an update with the request's settings applied.
func (s *Server) session(commitTimeout time.Duration, ignoreSameVersion bool) (*updater.Context, error) {
	c, err := s.engine.Create()
	if err != nil {
		return nil, err
	}
	c.SetCommitTimeout(commitTimeout)
	c.SetIgnoreSameVersion(ignoreSameVersion)
	return c, nil
}

// afterUpdate schedules the restart an installed update needs.
func (s *Server) afterUpdate(c *updater.Context, res updater.Result) {
	if res.OK() && c.NeedsReboot() && s.restart != nil {
		s.logger.Info("rebooting device")
		go s.restart()
	}
}

func (s *Server) queryOptions(r *http.Request) (time.Duration, bool, error) {
	commitTimeout := s.commitTimeout
	ignore := s.ignoreSameVersion

	q := r.URL.Query()
	if v := q.Get("commit_timeout"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return 0, false, err
		}
		commitTimeout = d
	}
	if v := q.Get("ignore_same_version"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return 0, false, fmt.Errorf("invalid ignore_same_version %q", v)
		}
		ignore = b
	}
	return commitTimeout, ignore, nil
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid commit_timeout %q", v)
	}
	return time.Duration(n) * time.Second, nil
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	io.WriteString(w, msg+"\r\n")
}

func resultStatus(res updater.Result) int {
	if res.Code > 0 {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

func createStatus(err error) int {
	switch {
	case errors.Is(err, updater.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, updater.ErrDeclined):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
