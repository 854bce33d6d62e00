// Package web serves the JSON and WebSocket diagnostic API of the heating
// controller.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"viessmann-go-home/internal/automation"
	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
	"viessmann-go-home/internal/schedule"
	"viessmann-go-home/internal/store"
)

// Controller is what the API needs from the polling engine.
// *controller.Controller implements it.
type Controller interface {
	Events() *controller.EventBus
	Model() *datapoint.Model
	Dialect() optolink.Dialect
	LinkState() optolink.State
	OperatingModes() []string

	Items() []controller.ItemStatus
	Values() map[string]controller.Value
	Blacklist() []string
	ResetBlacklist()
	UpdateAll(ctx context.Context) error

	Read(ctx context.Context, name string) (any, error)
	ReadAddress(ctx context.Context, addr uint16) (string, any, error)
	ReadRaw(ctx context.Context, addr string, length int, unit string) (any, error)
	Write(ctx context.Context, name string, value any) (controller.WriteResult, error)
	WriteWithReadback(ctx context.Context, name string, value any, delay time.Duration) (controller.WriteResult, error)
	WriteAddress(ctx context.Context, addr uint16, value any) (controller.WriteResult, error)

	TimerApplications() []string
	Timers(name string) (schedule.Document, bool)
	ReadTimers(ctx context.Context, name string) (schedule.Document, error)
	WriteTimers(ctx context.Context, name string, events []schedule.Event) (schedule.Document, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithJournal exposes the write journal under /api/journal.
func WithJournal(j store.Store) ServerOption {
	return func(s *Server) {
		s.journal = j
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server of the diagnostic API.
type Server struct {
	ctrl           Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	journal        store.Store
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts forwarding controller events to
// WebSocket clients.
func NewServer(ctrl Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:    ctrl,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		version: "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = ctrl.Events().OnAll(func(event controller.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/update", s.handleAPIUpdateAll)

	s.mux.HandleFunc("GET /api/datapoints", s.handleAPIListDatapoints)
	s.mux.HandleFunc("GET /api/datapoints/{name}", s.handleAPIReadDatapoint)
	s.mux.HandleFunc("POST /api/datapoints/{name}", s.handleAPIWriteDatapoint)
	s.mux.HandleFunc("GET /api/values", s.handleAPIValues)
	s.mux.HandleFunc("GET /api/modes", s.handleAPIModes)

	s.mux.HandleFunc("GET /api/address/{addr}", s.handleAPIReadAddress)
	s.mux.HandleFunc("POST /api/address/{addr}", s.handleAPIWriteAddress)
	s.mux.HandleFunc("POST /api/raw", s.handleAPIReadRaw)

	s.mux.HandleFunc("GET /api/blacklist", s.handleAPIBlacklist)
	s.mux.HandleFunc("POST /api/blacklist/reset", s.handleAPIResetBlacklist)

	s.mux.HandleFunc("GET /api/timers", s.handleAPIListTimers)
	s.mux.HandleFunc("GET /api/timers/{app}", s.handleAPIGetTimers)
	s.mux.HandleFunc("PUT /api/timers/{app}", s.handleAPIPutTimers)

	s.mux.HandleFunc("GET /api/journal", s.handleAPIJournal)
	s.mux.HandleFunc("GET /api/journal/{id}", s.handleAPIJournalEntry)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Mutating cross-origin requests must come from an allowed origin.
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		allowed := s.isOriginAllowed(origin)
		if r.Method == http.MethodOptions {
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	// Browsers cannot set headers on a WebSocket upgrade, so only /api/
	// requires the key.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
