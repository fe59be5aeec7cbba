// Package api serves the debug and observability endpoints: health,
// metrics, coordinator state snapshots, and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/bus"
	"github.com/Isonimus/content-security-toolkit/internal/content"
	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/overlay"
	"github.com/Isonimus/content-security-toolkit/internal/strategy"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// API handles HTTP endpoints using Chi router
type API struct {
	config     Config
	router     *chi.Mux
	server     *http.Server
	bus        *bus.Bus
	overlays   *overlay.Coordinator
	contents   *content.Coordinator
	strategies *strategy.Set
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// New creates a new API instance
func New(
	config Config,
	b *bus.Bus,
	overlays *overlay.Coordinator,
	contents *content.Coordinator,
	strategies *strategy.Set,
) *API {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}

	return &API{
		config:     config,
		bus:        b,
		overlays:   overlays,
		contents:   contents,
		strategies: strategies,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.Component("api"),
	}
}

// Start initializes and runs the API server
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	a.router = r

	server := &http.Server{
		Addr:         a.config.Addr,
		Handler:      r,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}
	a.server = server

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("API server error")
		}
	}()

	a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")

	// Wait for context cancellation
	<-ctx.Done()
	return nil
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Debug endpoints. The stream stays outside the timeout middleware:
	// it is a long-lived WebSocket.
	r.Route("/debug", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/events", a.handleEvents)
			r.Get("/subscriptions", a.handleSubscriptions)
			r.Get("/overlays", a.handleOverlays)
			r.Get("/content", a.handleContent)
			r.Get("/strategies", a.handleStrategies)
		})
		r.Get("/stream", a.handleStream)
	})
}

// Helper method for sending JSON responses
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// handleEvents returns the recent event history, oldest first
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"events": a.bus.History(),
	})
}

// subscriptionView is the wire shape of one bus subscription
type subscriptionView struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Context  string `json:"context,omitempty"`
}

// handleSubscriptions returns every active subscription, grouped order
// preserved per event type
func (a *API) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	views := make([]subscriptionView, 0, a.bus.SubscriptionCount())
	for _, t := range protection.AllEventTypes() {
		for _, sub := range a.bus.Subscriptions(t) {
			views = append(views, subscriptionView{
				ID:       sub.ID,
				Type:     string(sub.Type),
				Priority: sub.Priority,
				Context:  sub.Context,
			})
		}
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"count":         a.bus.SubscriptionCount(),
		"subscriptions": views,
	})
}

// handleOverlays returns the overlay coordinator state
func (a *API) handleOverlays(w http.ResponseWriter, r *http.Request) {
	activeID, _ := a.overlays.ActiveID()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"active_id": activeID,
		"overlays":  a.overlays.States(),
	})
}

// handleContent returns the content coordinator state
func (a *API) handleContent(w http.ResponseWriter, r *http.Request) {
	activeID, _ := a.contents.ActiveID()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"active_id": activeID,
		"states":    a.contents.States(),
	})
}

// handleStrategies returns the currently applied strategy names
func (a *API) handleStrategies(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": a.strategies.Names(),
	})
}

// handleStream upgrades the connection to a WebSocket and forwards
// every published event to the client until it disconnects.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	streamCtx := "api-stream:" + clientID
	a.logger.Debug().Str("client", clientID).Msg("Stream client connected")

	// Slow clients drop events rather than stall publishers
	events := make(chan protection.Event, 64)
	forward := func(e protection.Event) error {
		select {
		case events <- e:
		default:
			a.logger.Debug().Str("client", clientID).Msg("Stream buffer full, dropping event")
		}
		return nil
	}

	for _, t := range protection.AllEventTypes() {
		a.bus.Subscribe(t, forward, bus.WithContext(streamCtx))
	}
	defer a.bus.UnsubscribeByContext(streamCtx)

	// Reader goroutine detects client disconnect
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-events:
			if err := conn.WriteJSON(e); err != nil {
				a.logger.Debug().Str("client", clientID).Err(err).Msg("Stream write failed")
				return
			}
		case <-done:
			a.logger.Debug().Str("client", clientID).Msg("Stream client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
