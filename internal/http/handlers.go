package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/manifest"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	SnapshotCounts() (clients, rooms, instances int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative login and game start counters.
type StatsFunc func() (logins, starts uint64)

// Flusher forces the persistent store to write its categories out.
type Flusher interface {
	FlushAll(ctx context.Context) error
}

// FlusherFunc adapts a function into a Flusher.
type FlusherFunc func(ctx context.Context) error

// FlushAll implements Flusher.
func (f FlusherFunc) FlushAll(ctx context.Context) error { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// BundleInspector exposes the read side of the game bundle store for
// operator inspection.
type BundleInspector interface {
	Audit(game, author string) ([]manifest.AuditRecord, error)
	ReadArchive(game, author string) (map[string][]byte, error)
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Flusher     Flusher
	Bundles     BundleInspector
	OpsToken    string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the platform's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	flusher     Flusher
	bundles     BundleInspector
	opsToken    string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		flusher:     opts.Flusher,
		bundles:     opts.Bundles,
		opsToken:    strings.TrimSpace(opts.OpsToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/store/flush", h.FlushHandler())
	mux.HandleFunc("/bundles/audit", h.BundleAuditHandler())
	mux.HandleFunc("/bundles/archive", h.BundleArchiveHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports platform readiness with live session counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Rooms         int     `json:"rooms"`
		Instances     int     `json:"instances"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, rooms, instances := h.readiness.SnapshotCounts()
			resp.Clients = clients
			resp.Rooms = rooms
			resp.Instances = instances
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var clients, rooms, instances int
		var uptime float64
		if h.readiness != nil {
			clients, rooms, instances = h.readiness.SnapshotCounts()
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP platform_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE platform_uptime_seconds gauge\n")
		fmt.Fprintf(w, "platform_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP platform_clients Currently connected TCP clients.\n")
		fmt.Fprintf(w, "# TYPE platform_clients gauge\n")
		fmt.Fprintf(w, "platform_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP platform_rooms Open matchmaking rooms.\n")
		fmt.Fprintf(w, "# TYPE platform_rooms gauge\n")
		fmt.Fprintf(w, "platform_rooms %d\n", rooms)

		fmt.Fprintf(w, "# HELP platform_game_instances Running dedicated game servers.\n")
		fmt.Fprintf(w, "# TYPE platform_game_instances gauge\n")
		fmt.Fprintf(w, "platform_game_instances %d\n", instances)

		if h.stats != nil {
			logins, starts := h.stats()
			fmt.Fprintf(w, "# HELP platform_logins_total Total successful logins.\n")
			fmt.Fprintf(w, "# TYPE platform_logins_total counter\n")
			fmt.Fprintf(w, "platform_logins_total %d\n", logins)

			fmt.Fprintf(w, "# HELP platform_game_starts_total Total game instances launched.\n")
			fmt.Fprintf(w, "# TYPE platform_game_starts_total counter\n")
			fmt.Fprintf(w, "platform_game_starts_total %d\n", starts)
		}
	}
}

// FlushHandler authorises and triggers an immediate store flush.
func (h *HandlerSet) FlushHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "store_flush"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.opsToken == "" {
			reqLogger.Warn("store flush denied: ops auth disabled")
			http.Error(w, "ops authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("store flush denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("store flush denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.flusher == nil {
			reqLogger.Warn("store flush denied: no store configured")
			http.Error(w, "store flushing is unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := h.flusher.FlushAll(r.Context()); err != nil {
			reqLogger.Error("store flush failed", logging.Error(err))
			http.Error(w, "failed to flush store", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("store flush triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
	}
}

// BundleAuditHandler serves the upload history of one published bundle.
func (h *HandlerSet) BundleAuditHandler() http.HandlerFunc {
	type response struct {
		Game   string                 `json:"game"`
		Author string                 `json:"author"`
		Audit  []manifest.AuditRecord `json:"audit"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		game, author, ok := h.bundleRequest(w, r, "bundle_audit")
		if !ok {
			return
		}
		records, err := h.bundles.Audit(game, author)
		if err != nil {
			h.bundleFailure(w, r, "bundle_audit", err)
			return
		}
		writeJSON(w, http.StatusOK, response{Game: game, Author: author, Audit: records})
	}
}

// BundleArchiveHandler lists the archived payload of one published bundle:
// every entry name with its decompressed size.
func (h *HandlerSet) BundleArchiveHandler() http.HandlerFunc {
	type response struct {
		Game   string         `json:"game"`
		Author string         `json:"author"`
		Files  map[string]int `json:"files"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		game, author, ok := h.bundleRequest(w, r, "bundle_archive")
		if !ok {
			return
		}
		entries, err := h.bundles.ReadArchive(game, author)
		if err != nil {
			h.bundleFailure(w, r, "bundle_archive", err)
			return
		}
		files := make(map[string]int, len(entries))
		for name, body := range entries {
			files[name] = len(body)
		}
		writeJSON(w, http.StatusOK, response{Game: game, Author: author, Files: files})
	}
}

// bundleRequest performs the shared method, auth and parameter checks for
// the bundle inspection endpoints.
func (h *HandlerSet) bundleRequest(w http.ResponseWriter, r *http.Request, handler string) (game, author string, ok bool) {
	reqLogger := h.logger.With(
		logging.String("handler", handler),
		logging.String("remote_addr", r.RemoteAddr),
	)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", "", false
	}
	if h.opsToken == "" {
		reqLogger.Warn("bundle inspection denied: ops auth disabled")
		http.Error(w, "ops authentication not configured", http.StatusForbidden)
		return "", "", false
	}
	if !h.authorise(r) {
		reqLogger.Warn("bundle inspection denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	if h.bundles == nil {
		http.Error(w, "bundle inspection is unavailable", http.StatusServiceUnavailable)
		return "", "", false
	}
	game = strings.TrimSpace(r.URL.Query().Get("game"))
	author = strings.TrimSpace(r.URL.Query().Get("author"))
	if game == "" || author == "" {
		http.Error(w, "game and author are required", http.StatusBadRequest)
		return "", "", false
	}
	return game, author, true
}

func (h *HandlerSet) bundleFailure(w http.ResponseWriter, r *http.Request, handler string, err error) {
	if errors.Is(err, manifest.ErrBundleNotFound) {
		http.Error(w, "bundle not found", http.StatusNotFound)
		return
	}
	h.logger.Error("bundle inspection failed",
		logging.String("handler", handler),
		logging.String("remote_addr", r.RemoteAddr),
		logging.Error(err))
	http.Error(w, "bundle inspection failed", http.StatusInternalServerError)
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	return tokenMatches(r, h.opsToken)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
