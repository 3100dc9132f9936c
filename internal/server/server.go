package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediaserver/internal/download"
	"mediaserver/internal/files"
	"mediaserver/internal/logging"
	"mediaserver/internal/scan"
	"mediaserver/internal/store"
	"mediaserver/internal/ui"
)

// Manager is the part of the download engine the HTTP layer drives.
type Manager interface {
	Submit(rawURL, path, query string) (download.Record, error)
	Get(id uuid.UUID) (download.Record, bool)
	List() download.Listing
	Cancel(id uuid.UUID)
	Slots() int
}

// History exposes the finished-downloads journal.
type History interface {
	List(ctx context.Context, f store.ListFilter) ([]store.Entry, error)
	Count(ctx context.Context, outcome string) (int64, error)
	SubscribeChanges(buffer int) (<-chan store.ChangeEvent, func())
}

// Scanner lists scan files and the links inside them.
type Scanner interface {
	Files() ([]string, error)
	Links(name string) ([]string, error)
}

// FileLister lists regular files in a subfolder of the download root.
type FileLister interface {
	ListFiles(sub string) ([]string, error)
}

// Options carries the optional collaborators. A nil History disables the
// history endpoint, a nil Scanner or Files disables the matching listings.
type Options struct {
	History           History
	Scanner           Scanner
	Files             FileLister
	ProgressInterval  time.Duration
	RequestsPerMinute int
}

const (
	defaultProgressInterval = time.Second
	defaultHistoryLimit     = 100
	dashboardHistoryLimit   = 20
)

// Server is the HTTP front of the download engine.
type Server struct {
	handler  http.Handler
	mgr      Manager
	history  History
	scanner  Scanner
	files    FileLister
	interval time.Duration
	rl       *ipRateLimiter
	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Server with routes and middleware wired.
func New(mgr Manager, opts Options) *Server {
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	s := &Server{
		mgr:      mgr,
		history:  opts.History,
		scanner:  opts.Scanner,
		files:    opts.Files,
		interval: interval,
		rl:       newIPRateLimiter(rpm, time.Minute, time.Hour),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		done:     make(chan struct{}),
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methodNotAllowed(w)
	})
	r.Use(routeMetrics)

	// Fixed paths first; /download/{id} would otherwise shadow them.
	r.HandleFunc("/download", with(s.rl, s.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/download", with(s.rl, s.handleList)).Methods(http.MethodGet)
	r.HandleFunc("/download/history", with(s.rl, s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/download/scan", with(s.rl, s.handleScanFiles)).Methods(http.MethodGet)
	r.HandleFunc("/download/scan/{file}", with(s.rl, s.handleScanLinks)).Methods(http.MethodGet)
	r.HandleFunc("/download/files", with(s.rl, s.handleFiles)).Methods(http.MethodGet)
	r.HandleFunc("/download/files/{subfolder:.+}", with(s.rl, s.handleFiles)).Methods(http.MethodGet)
	r.HandleFunc("/download/ws", with(s.rl, s.handleWebsocket)).Methods(http.MethodGet)
	r.HandleFunc("/download/{id}", with(s.rl, s.handleGet)).Methods(http.MethodGet)
	r.HandleFunc("/download/{id}", with(s.rl, s.handleCancel)).Methods(http.MethodDelete)

	// Dashboard (HTML via Templ + HTMX)
	r.HandleFunc("/", with(s.rl, s.handleDashboard)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", with(s.rl, s.handleDashboard)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/rows", with(s.rl, s.handleDashboardRows)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/enqueue", with(s.rl, s.handleDashboardEnqueue)).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.handler = recoverer(logger(r))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the rate limiter janitor and ends open progress websockets.
// It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.rl.Stop()
	})
}

type submitRequest struct {
	URL   string `json:"url"`
	Path  string `json:"path"`
	Query string `json:"query"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	rec, err := s.mgr.Submit(req.URL, req.Path, req.Query)
	if err != nil {
		code, msg := submitErrorStatus(err)
		writeError(w, code, msg)
		return
	}
	w.Header().Set("Location", "/download/"+rec.ID.String())
	writeJSON(w, http.StatusCreated, rec)
}

func submitErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, download.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, download.ErrInvalidURL):
		return http.StatusBadRequest, "invalid_url"
	case errors.Is(err, download.ErrInvalidPath):
		return http.StatusBadRequest, "invalid_path"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, found := s.mgr.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	s.mgr.Cancel(id)
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history_disabled")
		return
	}
	q := r.URL.Query()
	f := store.ListFilter{
		Outcome: q.Get("outcome"),
		Order:   q.Get("order"),
		Limit:   defaultHistoryLimit,
	}
	if lim := q.Get("limit"); lim != "" {
		n, err := strconv.Atoi(lim)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		f.Limit = n
	}
	entries, err := s.history.List(r.Context(), f)
	if err != nil {
		if errors.Is(err, store.ErrInvalidOutcome) {
			writeError(w, http.StatusBadRequest, "invalid_outcome")
			return
		}
		logging.With(r.Context(), "event", "history_list").Error("list history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	total, err := s.history.Count(r.Context(), f.Outcome)
	if err != nil {
		logging.With(r.Context(), "event", "history_count").Error("count history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	// Total matching entries, so clients can tell when limit cut the page.
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleScanFiles(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusNotFound, "scan_not_configured")
		return
	}
	names, err := s.scanner.Files()
	if err != nil {
		writeListError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleScanLinks(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusNotFound, "scan_not_configured")
		return
	}
	links, err := s.scanner.Links(mux.Vars(r)["file"])
	if err != nil {
		writeListError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	names, err := s.files.ListFiles(mux.Vars(r)["subfolder"])
	if err != nil {
		writeListError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func writeListError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scan.ErrNotConfigured):
		writeError(w, http.StatusNotFound, "scan_not_configured")
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, files.ErrEmptyPath):
		writeError(w, http.StatusBadRequest, "invalid_path")
	default:
		logging.With(r.Context(), "event", "list_files").Error("list files", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (s *Server) dashboardView(ctx context.Context) ui.DashboardView {
	v := ui.DashboardView{Listing: s.mgr.List(), Slots: s.mgr.Slots()}
	if s.history != nil {
		entries, err := s.history.List(ctx, store.ListFilter{Limit: dashboardHistoryLimit})
		if err != nil {
			logging.With(ctx, "event", "history_list").Warn("dashboard history", "error", err)
		}
		v.History = entries
	}
	return v
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = ui.Dashboard(s.dashboardView(r.Context())).Render(r.Context(), w)
}

func (s *Server) handleDashboardRows(w http.ResponseWriter, r *http.Request) {
	v := s.dashboardView(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.QueueTable(v.Listing).Render(r.Context(), w); err != nil {
		return
	}
	_ = ui.HistoryTable(v.History).Render(r.Context(), w)
}

func (s *Server) handleDashboardEnqueue(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid form"))
		return
	}
	_, err := s.mgr.Submit(r.Form.Get("url"), r.Form.Get("path"), r.Form.Get("query"))
	if err != nil {
		code, msg := submitErrorStatus(err)
		w.WriteHeader(code)
		_, _ = w.Write([]byte(strings.ReplaceAll(msg, "_", " ")))
		return
	}
	// Redirect back to dashboard so the HTMX poll refreshes
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// Utilities

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"status": "error", "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
