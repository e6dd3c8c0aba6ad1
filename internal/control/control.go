// Package control implements the Control Surface: a bearer-authenticated
// JSON API the management shell uses to read logs, and to manage patterns,
// backends, and runtime settings.
package control

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"dlp-proxy/internal/backends"
	"dlp-proxy/internal/config"
	"dlp-proxy/internal/logger"
	"dlp-proxy/internal/metrics"
	"dlp-proxy/internal/patterns"
	"dlp-proxy/internal/reqlog"
)

// RestartFunc tears down the proxy listener (draining in-flight requests up
// to a deadline) and re-binds it, possibly on a new port.
type RestartFunc func(newPort int) error

// Server is the Control Surface HTTP API.
type Server struct {
	cfg       *config.Config
	patterns  *patterns.Store
	backends  *backends.Registry
	reqLog    *reqlog.Store
	metrics   *metrics.Metrics
	log       *logger.Logger
	token     string
	restartFn RestartFunc

	mu          sync.Mutex // serializes restart_proxy against itself
	startedAt   time.Time
}

// New creates a Control Surface server.
func New(cfg *config.Config, ps *patterns.Store, br *backends.Registry, rl *reqlog.Store, m *metrics.Metrics, log *logger.Logger, restartFn RestartFunc) *Server {
	return &Server{
		cfg: cfg, patterns: ps, backends: br, reqLog: rl, metrics: m, log: log,
		token: cfg.ManagementToken, restartFn: restartFn, startedAt: time.Now(),
	}
}

// Handler returns the HTTP handler exposing every Control Surface command
// under /api/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/logs", s.handleGetMessageLogs)
	mux.HandleFunc("/api/backends", s.handleGetBackends)
	mux.HandleFunc("/api/backends/custom", s.handleCustomBackends)
	mux.HandleFunc("/api/backends/custom/toggle", s.handleToggleCustomBackend)
	mux.HandleFunc("/api/backends/custom/update", s.handleUpdateCustomBackend)
	mux.HandleFunc("/api/backends/custom/delete", s.handleDeleteCustomBackend)
	mux.HandleFunc("/api/port", s.handlePortSetting)
	mux.HandleFunc("/api/restart", s.handleRestartProxy)
	mux.HandleFunc("/api/dlp/settings", s.handleDLPSettings)
	mux.HandleFunc("/api/dlp/builtin", s.handleSetDLPBuiltin)
	mux.HandleFunc("/api/dlp/patterns", s.handlePatterns)
	mux.HandleFunc("/api/dlp/patterns/toggle", s.handleTogglePattern)
	mux.HandleFunc("/api/dlp/patterns/delete", s.handleDeletePattern)
	return s.authMiddleware(mux)
}

// authMiddleware rejects requests lacking a matching bearer token, unless
// no token is configured (local-only deployments).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			if s.log != nil {
				s.log.Warnf("auth", "unauthorized control request from %s to %s", r.RemoteAddr, r.URL.Path)
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the Control Surface HTTP server on the loopback
// interface only.
func (s *Server) ListenAndServe(addr string) error {
	if s.log != nil {
		s.log.Infof("listen", "control surface listening on %s", addr)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// --- status / metrics ---

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"port":   s.cfg.ProxyPort,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// --- get_message_logs ---

func (s *Server) handleGetMessageLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	q := reqlog.Query{Backend: r.URL.Query().Get("backend")}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = &t
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			q.Until = &t
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			q.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			q.Offset = n
		}
	}
	records, err := s.reqLog.Query(q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- get_backends / get_custom_backends ---

func (s *Server) handleGetBackends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	all, err := s.backends.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleCustomBackends(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		all, err := s.backends.List()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		var custom []backends.Backend
		for _, b := range all {
			if !b.Builtin {
				custom = append(custom, b)
			}
		}
		writeJSON(w, http.StatusOK, custom)
	case http.MethodPost:
		s.handleAddCustomBackend(w, r)
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// --- add_custom_backend ---

func (s *Server) handleAddCustomBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string             `json:"name"`
		BaseURL   string             `json:"base_url"`
		Settings  backends.Settings  `json:"settings"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.backends.AddCustom(backends.Backend{
		Name: req.Name, UpstreamBaseURL: req.BaseURL, Settings: req.Settings, Enabled: true,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

// --- update_custom_backend ---

func (s *Server) handleUpdateCustomBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       int64             `json:"id"`
		Name     string            `json:"name"`
		BaseURL  string            `json:"base_url"`
		Settings backends.Settings `json:"settings"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	err := s.backends.UpdateCustom(req.ID, func(b *backends.Backend) {
		if req.Name != "" {
			b.Name = req.Name
		}
		if req.BaseURL != "" {
			b.UpstreamBaseURL = req.BaseURL
		}
		b.Settings = req.Settings
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// --- toggle_custom_backend ---

func (s *Server) handleToggleCustomBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      int64 `json:"id"`
		Enabled bool  `json:"enabled"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.backends.SetCustomEnabled(req.ID, req.Enabled); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// --- delete_custom_backend ---

func (s *Server) handleDeleteCustomBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.backends.DeleteCustom(req.ID); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- get_port_setting / save_port_setting ---

func (s *Server) handlePortSetting(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		port, ok, err := s.backends.GetPort()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			port = s.cfg.ProxyPort
		}
		writeJSON(w, http.StatusOK, map[string]int{"port": port})
	case http.MethodPost:
		var req struct {
			Port int `json:"port"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		if req.Port < 1 || req.Port > 65535 {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("port out of range: %d", req.Port))
			return
		}
		if err := s.backends.SavePort(req.Port); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// --- restart_proxy ---

func (s *Server) handleRestartProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Port int `json:"port"`
	}
	_ = decodeBody(w, r, &req) // port is optional; zero means "keep current"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restartFn == nil {
		writeJSONError(w, http.StatusServiceUnavailable, fmt.Errorf("restart not supported by this process"))
		return
	}
	port := req.Port
	if port == 0 {
		port = s.cfg.ProxyPort
	}
	if s.log != nil {
		s.log.Infof("restart", "restarting proxy listener on port %d", port)
	}
	if err := s.restartFn(port); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"port": port})
}

// --- get_dlp_settings / set_dlp_builtin ---

func (s *Server) handleDLPSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	all, err := s.patterns.List(false)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleSetDLPBuiltin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Group   string `json:"key"`
		Enabled bool   `json:"enabled"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.patterns.BuiltinToggle(req.Group, req.Enabled); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// --- add_dlp_pattern / toggle_dlp_pattern / delete_dlp_pattern ---

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name              string   `json:"name"`
		Group             string   `json:"group"`
		PatternType       string   `json:"pattern_type"`
		Body              string   `json:"body"`
		Negatives         []string `json:"negatives"`
		MinUniqueChars    int      `json:"min_unique_chars"`
		MinOccurrences    int      `json:"min_occurrences"`
		ContextWindow     int      `json:"context_window"`
		PlaceholderPrefix string   `json:"placeholder_prefix"`
		Action            string   `json:"action"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	p := patterns.Pattern{
		Name: req.Name, Group: req.Group, Kind: patterns.Kind(req.PatternType), Body: req.Body,
		Enabled: true, Negatives: req.Negatives, MinUniqueChars: req.MinUniqueChars,
		MinOccurrences: req.MinOccurrences, ContextWindow: req.ContextWindow,
		PlaceholderPrefix: req.PlaceholderPrefix, Action: patterns.Action(req.Action),
	}
	id, err := s.patterns.Add(p)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) handleTogglePattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      int64 `json:"id"`
		Enabled bool  `json:"enabled"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.patterns.SetEnabled(req.ID, req.Enabled); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.patterns.Delete(req.ID); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close() //nolint:errcheck
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
