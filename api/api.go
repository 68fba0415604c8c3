// Package api exposes the command surface over HTTP and the observer stream
// over WebSocket. Handlers decode and validate payloads, call one service
// operation, and map the error taxonomy onto status codes; no domain rules
// live here.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"brigade/config"
	"brigade/fanout"
	"brigade/ledger"
	"brigade/registry"
	"brigade/team"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API holds the HTTP server and its service dependencies.
type API struct {
	router         *mux.Router
	server         *http.Server
	registry       *registry.Registry
	ledger         *ledger.Ledger
	teams          *team.Coordinator
	hub            *fanout.Hub
	config         *config.Config
	logger         *zap.SugaredLogger
	validate       *validator.Validate
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates the API server and wires all routes.
func NewAPI(
	reg *registry.Registry,
	ldg *ledger.Ledger,
	teams *team.Coordinator,
	hub *fanout.Hub,
	cfg *config.Config,
	logger *zap.SugaredLogger,
) *API {
	a := &API{
		router:       mux.NewRouter(),
		registry:     reg,
		ledger:       ldg,
		teams:        teams,
		hub:          hub,
		config:       cfg,
		logger:       logger,
		validate:     validator.New(),
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.loggingMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/api/interventions", a.createIntervention).Methods("POST")
	a.router.HandleFunc("/api/interventions/{id}", a.getIntervention).Methods("GET")
	a.router.HandleFunc("/api/interventions/{id}/status", a.updateInterventionStatus).Methods("POST")
	a.router.HandleFunc("/api/interventions/{id}/location", a.updateInterventionLocation).Methods("PUT")
	a.router.HandleFunc("/api/interventions/{id}/notes", a.addInterventionNote).Methods("POST")

	a.router.HandleFunc("/api/resources", a.addResource).Methods("POST")
	a.router.HandleFunc("/api/resources/bulk/assign", a.assignManyResources).Methods("POST")
	a.router.HandleFunc("/api/resources/bulk/release", a.releaseManyResources).Methods("POST")
	a.router.HandleFunc("/api/resources/bulk/status", a.updateManyResourceStatuses).Methods("POST")
	a.router.HandleFunc("/api/resources/{id}", a.getResource).Methods("GET")
	a.router.HandleFunc("/api/resources/{id}/history", a.getResourceHistory).Methods("GET")
	a.router.HandleFunc("/api/resources/{id}/assign", a.assignResource).Methods("POST")
	a.router.HandleFunc("/api/resources/{id}/release", a.releaseResource).Methods("POST")
	a.router.HandleFunc("/api/resources/{id}/transfer", a.transferResource).Methods("POST")
	a.router.HandleFunc("/api/resources/{id}/status", a.updateResourceStatus).Methods("PUT")
	a.router.HandleFunc("/api/resources/{id}/maintenance", a.setResourceMaintenance).Methods("PUT")

	a.router.HandleFunc("/api/teams", a.createTeam).Methods("POST")
	a.router.HandleFunc("/api/teams/{id}", a.getTeam).Methods("GET")
	a.router.HandleFunc("/api/teams/{id}/members", a.addTeamMember).Methods("POST")
	a.router.HandleFunc("/api/teams/{id}/members/{userID}", a.removeTeamMember).Methods("DELETE")
	a.router.HandleFunc("/api/teams/{id}/leader", a.setTeamLeader).Methods("PUT")
	a.router.HandleFunc("/api/teams/{id}/vehicle", a.setTeamVehicle).Methods("PUT")
	a.router.HandleFunc("/api/teams/{id}/intervention", a.assignTeamIntervention).Methods("POST")
	a.router.HandleFunc("/api/teams/{id}/intervention/{interventionID}", a.removeTeamIntervention).Methods("DELETE")

	a.router.HandleFunc("/ws", a.serveObserver).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
}

// Start begins serving on the configured address. Blocks until the listener
// fails or the server is shut down.
func (a *API) Start() error {
	addr := fmt.Sprintf("%s:%d", a.config.API.Host, a.config.API.Port)
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	a.logger.Infow("api server starting", "addr", addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully. Safe to call more than once.
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Router exposes the handler tree, mainly for tests.
func (a *API) Router() http.Handler {
	return a.router
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": a.hub.ConnCount(),
	})
}

func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debugw("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !a.limiterFor(host).Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) limiterFor(host string) *rate.Limiter {
	a.rateLimitersMu.Lock()
	defer a.rateLimitersMu.Unlock()
	entry, ok := a.rateLimiters[host]
	if !ok {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(
				rate.Limit(a.config.API.RateLimit.RequestsPerSecond),
				a.config.API.RateLimit.Burst),
		}
		a.rateLimiters[host] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanupRateLimiters evicts limiters for clients not seen recently.
func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rateLimitersMu.Lock()
			for host, entry := range a.rateLimiters {
				if time.Since(entry.lastSeen) > 10*time.Minute {
					delete(a.rateLimiters, host)
				}
			}
			a.rateLimitersMu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}
