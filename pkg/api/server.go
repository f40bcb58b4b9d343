// Package api exposes the popup message surface, navigation events and the
// blocked page over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"marshal/pkg/blocklist"
	"marshal/pkg/navigation"
	"marshal/pkg/reconciler"
	"marshal/pkg/telemetry"
)

const (
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 5 * time.Second
	defaultTopSites = 5
)

// Reconciler is the subset of the block-rule reconciler the API drives.
type Reconciler interface {
	SetStudyMode(ctx context.Context, active bool) error
	AddCustomSite(ctx context.Context, host string) error
	RemoveCustomSite(ctx context.Context, host string) error
	SetDefaultSiteEnabled(ctx context.Context, host string, enabled bool) error
	ToggleDefaultSite(ctx context.Context, host string) error
	SetCustomSiteEnabled(ctx context.Context, host string, enabled bool) error
	Lists(ctx context.Context) (blocklist.Lists, error)
	Stats(ctx context.Context, topN int) telemetry.Summary
	Status() reconciler.Status
}

// Dispatcher delivers navigation events to the registered listeners.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev navigation.Event) string
}

type Options struct {
	Reconciler Reconciler
	Navigation Dispatcher
	TopSites   int
	// AllowedOrigins lists browser origins, besides the server's own, that
	// may post messages (e.g. the extension popup).
	AllowedOrigins []string
	Log            *slog.Logger
}

var errNotJSON = errors.New("content type must be application/json")

// Server routes HTTP requests to the reconciler.
type Server struct {
	rec      Reconciler
	nav      Dispatcher
	topSites int
	origins  []string
	log      *slog.Logger
	mux      *http.ServeMux
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	topSites := opts.TopSites
	if topSites <= 0 {
		topSites = defaultTopSites
	}
	s := &Server{
		rec:      opts.Reconciler,
		nav:      opts.Navigation,
		topSites: topSites,
		origins:  opts.AllowedOrigins,
		log:      log,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/messages", s.handleMessage)
	s.mux.HandleFunc("POST /api/navigation", s.handleNavigation)
	s.mux.HandleFunc("GET /blocked", s.handleBlockedPage)
	// Requests redirected by DNS arrive for the blocked host at any path.
	s.mux.HandleFunc("GET /", s.handleBlockedPage)
}

// ServeHTTP implements http.Handler. Browser posts from foreign origins are
// refused so other pages cannot switch study mode off.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && !s.originAllowed(r) {
		s.log.Warn("refused cross-origin request", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
		writeError(w, http.StatusForbidden, "cross-origin request refused")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), same-origin requests and the configured origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("HTTP server stopped", "address", ln.Addr().String())
	return nil
}

// handleNavigation feeds a navigation event to the listeners and returns
// the redirect they requested, if any.
func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	var ev navigation.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		writeDecodeError(w, err)
		return
	}
	if ev.Kind != navigation.BeforeNavigate && ev.Kind != navigation.Committed {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown navigation kind %q", ev.Kind))
		return
	}
	if ev.Client == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ev.Client = host
		}
	}
	redirect := ""
	if s.nav != nil {
		redirect = s.nav.Dispatch(r.Context(), ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"redirect":    redirect != "",
		"redirectUrl": redirect,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// decodeJSON requires a JSON content type, which browsers cannot send
// cross-origin without a preflight.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errNotJSON
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errNotJSON) {
		status = http.StatusUnsupportedMediaType
	}
	writeError(w, status, err.Error())
}
