// Package gateway is the server side of the platform: it terminates
// websocket connections, keeps the connection registry, runs the voice
// session manager, and routes domain events back out as UI directives.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/pubsub"
	"github.com/tetherhq/tether/internal/registry"
	"github.com/tetherhq/tether/internal/router"
	"github.com/tetherhq/tether/internal/storage"
	"github.com/tetherhq/tether/internal/subscriptions"
	"github.com/tetherhq/tether/internal/voice"
	"github.com/tetherhq/tether/pkg/models"
)

// Config configures the gateway server.
type Config struct {
	ListenAddr string
	Auth       *auth.Service
	Stores     *storage.Stores
	Bus        *pubsub.Bus

	// CleanupSchedule is a cron expression for the stale-connection sweep
	// (default "@hourly").
	CleanupSchedule string
	// CleanupOlderThan is the age threshold for disconnected records
	// (default 24h).
	CleanupOlderThan time.Duration

	// VoiceDisconnectGrace is passed through to the voice manager.
	VoiceDisconnectGrace time.Duration

	// MetricsRegistry receives the gateway metrics (default Prometheus
	// default registry).
	MetricsRegistry prometheus.Registerer
}

// Server wires the registry, voice manager, and event router behind one
// websocket endpoint.
type Server struct {
	config  Config
	logger  *slog.Logger
	metrics *Metrics

	peers    *peerMap
	registry *registry.Registry
	voice    *voice.Manager
	router   *router.Router
	subs     *subscriptions.Manager
	bus      *pubsub.Bus

	cron       *cron.Cron
	httpServer *http.Server
}

// NewServer creates a gateway server.
func NewServer(config Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Auth == nil {
		return nil, fmt.Errorf("auth service is required")
	}
	if config.Stores == nil {
		return nil, fmt.Errorf("stores are required")
	}
	if config.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.CleanupSchedule == "" {
		config.CleanupSchedule = "@hourly"
	}
	if config.CleanupOlderThan == 0 {
		config.CleanupOlderThan = 24 * time.Hour
	}

	s := &Server{
		config:  config,
		logger:  logger.With("component", "gateway"),
		metrics: NewMetrics(config.MetricsRegistry),
		peers:   newPeerMap(),
		bus:     config.Bus,
		cron:    cron.New(),
	}

	s.registry = registry.New(registry.Config{
		Store:  config.Stores.Connections,
		Sender: s.peers,
	}, logger)

	s.voice = voice.NewManager(voice.Config{
		Store:           config.Stores.VoiceSessions,
		Notifier:        connectionNotifier{registry: s.registry},
		Publisher:       config.Bus,
		DisconnectGrace: config.VoiceDisconnectGrace,
	}, logger)

	s.router = router.New(router.Config{
		Panels: panelDirector{registry: s.registry},
		Notes:  config.Stores.Notes,
	}, logger)

	s.subs = subscriptions.NewManager(config.Bus, nil, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Start wires event routing and the cleanup schedule, then serves until
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.routeEvents(ctx); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.config.CleanupSchedule, func() {
		removed, err := s.registry.Cleanup(ctx, s.config.CleanupOlderThan)
		if err != nil {
			s.logger.Error("connection cleanup failed", "error", err)
			return
		}
		s.metrics.ConnectionsCleaned.Add(float64(removed))
	}); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.cron.Start()

	s.logger.Info("gateway listening", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// routeEvents subscribes the event router to every domain event family.
func (s *Server) routeEvents(ctx context.Context) error {
	families := []models.EventFamily{
		models.FamilyVoiceSession,
		models.FamilyChatMessage,
		models.FamilyNote,
	}
	for _, family := range families {
		_, err := s.subs.Subscribe(ctx, family, pubsub.Filters{},
			subscriptions.Options{AutoReconnect: true},
			subscriptions.Handlers{
				OnEvent: func(event models.DomainEvent) {
					s.router.Route(ctx, event)
				},
				OnError: func(err error) {
					s.logger.Error("event routing channel error", "error", err)
				},
			})
		if err != nil {
			return fmt.Errorf("subscribe router to %s: %w", family, err)
		}
	}
	return nil
}

// Shutdown stops background work and drains the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.subs.UnsubscribeAll()
	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // best-effort health body
		"status":      "ok",
		"connections": s.peers.count(),
	})
}

// connectionNotifier adapts the registry into a voice.Notifier.
type connectionNotifier struct {
	registry *registry.Registry
}

func (n connectionNotifier) Notify(ctx context.Context, connectionID string, event models.DomainEvent) error {
	payload, err := json.Marshal(wsFrame{Type: "event", Event: "voice.lifecycle", Payload: event})
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	return n.registry.Send(ctx, connectionID, payload)
}

// panelDirector adapts registry broadcast into a router.PanelDirector.
type panelDirector struct {
	registry *registry.Registry
}

func (d panelDirector) Direct(ctx context.Context, userID string, directive models.UIDirective) error {
	payload, err := json.Marshal(wsFrame{Type: "event", Event: "ui.directive", Payload: directive})
	if err != nil {
		return fmt.Errorf("marshal directive: %w", err)
	}
	return d.registry.Broadcast(ctx, userID, payload)
}
