// Package api provides the HTTP diagnostics API of a LowFive process
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/diatomic/LowFive/internal/circuit"
	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/vol"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Version is reported by /info.
const Version = "0.3.0"

// Source is the view of a connector the API serves.
type Source interface {
	types.Inspector
	MirrorStats() vol.MirrorStats
	Breakers() []circuit.Stats
	ResetBreakers()
	Inspect(path string, fn func(*metadata.File) error) error
}

// Server provides HTTP API endpoints for diagnostics
type Server struct {
	httpServer *http.Server
	source     Source
	store      types.Backend
	metrics    http.Handler
	logger     *utils.StructuredLogger
	config     ServerConfig
	started    time.Time
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// HealthTimeout bounds the store probe of /health
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		HealthTimeout: 2 * time.Second,
		EnableCORS:    true,
	}
}

// Options carries the optional collaborators of a Server.
type Options struct {
	// Store is probed by /health when set.
	Store types.Backend

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	Logger *utils.StructuredLogger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, source Source, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		source:  source,
		store:   opts.Store,
		metrics: opts.Metrics,
		logger:  logger.WithComponent("api"),
		config:  config,
		started: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the API routes with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/files", s.handleFiles)
	mux.HandleFunc("/files/", s.handleFile)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/rules", s.handleRules)
	mux.HandleFunc("/breakers/reset", s.handleResetBreakers)
	mux.HandleFunc("/info", s.handleInfo)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	handler := s.loggingMiddleware(mux)
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", utils.Fields{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", utils.Fields{"error": err.Error()})
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health

// Health states reported by /health.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state := StateHealthy
	checks := map[string]string{}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
		err := s.store.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks["store"] = err.Error()
			state = StateUnhealthy
		} else {
			checks["store"] = "ok"
		}
	}

	for _, ch := range s.source.Channels() {
		if ch.Valid {
			checks["channel:"+ch.ID] = ch.State
			continue
		}
		checks["channel:"+ch.ID] = "invalid"
		if state == StateHealthy {
			state = StateDegraded
		}
	}

	breakers := s.source.Breakers()
	for _, b := range breakers {
		checks["breaker:"+b.Name] = b.State
		if b.State == circuit.StateOpen.String() && state == StateHealthy {
			state = StateDegraded
		}
	}
	mirror := s.source.MirrorStats()
	checks["mirror"] = mirror.Breaker
	if mirror.Breaker == circuit.StateOpen.String() && state == StateHealthy {
		state = StateDegraded
	}

	statusCode := http.StatusOK
	if state == StateUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":    state,
		"checks":    checks,
		"breakers":  breakers,
		"timestamp": time.Now(),
	})
}

// Files

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	files := s.source.Files()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"files":     files,
		"count":     len(files),
		"timestamp": time.Now(),
	})
}

// NodeInfo describes one object of a resident file.
type NodeInfo struct {
	Path        string   `json:"path"`
	Kind        string   `json:"kind"`
	Datatype    string   `json:"datatype,omitempty"`
	Dims        []uint64 `json:"dims,omitempty"`
	Bytes       int64    `json:"bytes,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Target      string   `json:"target,omitempty"`
	Pending     bool     `json:"pending,omitempty"`
	Placeholder bool     `json:"placeholder,omitempty"`
}

func describeNode(n *metadata.Node) NodeInfo {
	info := NodeInfo{
		Path:        n.Path(),
		Kind:        n.Kind().String(),
		Target:      n.Target(),
		Placeholder: n.Placeholder(),
	}
	if n.Kind().HasData() {
		info.Datatype = n.Datatype().String()
		info.Dims = n.Dataspace().Dims
		info.Pending = n.Pending()
		if n.HasData() {
			info.Bytes = int64(len(n.Data()))
			info.Owner = n.Ownership().String()
		}
	}
	return info
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// File names may contain slashes
	name := strings.TrimPrefix(r.URL.Path, "/files/")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "File name required")
		return
	}

	if r.URL.Query().Get("format") == "text" {
		var b strings.Builder
		err := s.source.Inspect(name, func(f *metadata.File) error { return f.Print(&b) })
		if err != nil {
			s.respondCoded(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(w, b.String()); err != nil {
			s.logger.Warn("failed to write file listing", utils.Fields{"error": err.Error()})
		}
		return
	}

	var nodes []NodeInfo
	err := s.source.Inspect(name, func(f *metadata.File) error {
		return f.Walk(func(n *metadata.Node) error {
			nodes = append(nodes, describeNode(n))
			return nil
		})
	})
	if err != nil {
		s.respondCoded(w, err)
		return
	}

	var status *types.FileStatus
	for _, st := range s.source.Files() {
		if st.Name == name {
			st := st
			status = &st
			break
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"file":      status,
		"objects":   nodes,
		"timestamp": time.Now(),
	})
}

// Channels and rules

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	channels := s.source.Channels()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"channels":  channels,
		"count":     len(channels),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rules := s.source.Rules()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"rules":     rules,
		"count":     len(rules),
		"timestamp": time.Now(),
	})
}

// Breakers

func (s *Server) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.source.ResetBreakers()
	s.logger.Info("circuit breakers reset over the API")
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"breakers":  s.source.Breakers(),
		"timestamp": time.Now(),
	})
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	endpoints := []string{
		"/health",
		"/files",
		"/files/{name}",
		"/channels",
		"/rules",
		"/breakers/reset",
		"/info",
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "LowFive diagnostics",
		"version":   Version,
		"uptime":    time.Since(s.started).String(),
		"mirror":    s.source.MirrorStats(),
		"endpoints": endpoints,
		"timestamp": time.Now(),
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served", utils.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding JSON response", utils.Fields{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondCoded maps a coded error to its HTTP status.
func (s *Server) respondCoded(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	if code := pkgerrors.CodeOf(err); code != "" {
		statusCode = pkgerrors.GetDefaultHTTPStatus(code)
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     err.Error(),
		"code":      pkgerrors.CodeOf(err),
		"timestamp": time.Now(),
	})
}
