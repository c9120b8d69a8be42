// Package server assembles the subscription engine, its WebSocket transport,
// the pubsub backend and the optional MQTT bridge into one HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/getmockd/subtransport/pkg/config"
	"github.com/getmockd/subtransport/pkg/logging"
	"github.com/getmockd/subtransport/pkg/metrics"
	"github.com/getmockd/subtransport/pkg/mqttbridge"
	"github.com/getmockd/subtransport/pkg/pubsub"
	"github.com/getmockd/subtransport/pkg/subscriptions"
	"github.com/getmockd/subtransport/pkg/websocket"
)

// TracerName is the instrumentation name used for engine spans.
const TracerName = "github.com/getmockd/subtransport"

// Server is a running subtransport instance.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	registry *prometheus.Registry
	ps       *pubsub.PubSub
	backend  *pubsub.Manager
	manager  *websocket.Manager
	engine   *subscriptions.Engine
	bridge   *mqttbridge.Bridge
	router   chi.Router

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	running    bool
	startTime  time.Time
}

// New builds a Server from cfg. The configuration must already be valid.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Server{
		cfg:      cfg,
		log:      logging.Component(logger, "server"),
		registry: prometheus.NewRegistry(),
		ps:       pubsub.New(),
		manager:  websocket.NewManager(),
	}

	schema, err := readSchema(cfg.PubSub.SchemaFile)
	if err != nil {
		return nil, err
	}

	channels := make(map[string]pubsub.ChannelOptions, len(cfg.PubSub.Channels))
	for field, ch := range cfg.PubSub.Channels {
		channels[field] = pubsub.ChannelOptions{Channel: ch.Channel, Filter: ch.Filter}
	}
	s.backend, err = pubsub.NewManager(s.ps, pubsub.ManagerOptions{
		Schema:   schema,
		Channels: channels,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.New(metrics.WithRegistry(s.registry))
	}

	s.engine = subscriptions.New(s.backend, s.manager, subscriptions.Options{
		ParseContext:       requestContext,
		RequireInit:        cfg.Engine.RequireInit,
		DeliverStalePushes: cfg.Engine.DeliverStalePushes,
		Logger:             logger,
		Metrics:            collector,
		Tracer:             otel.Tracer(TracerName),
	})

	if cfg.MQTT.Broker != "" {
		s.bridge = mqttbridge.New(s.ps, mqttbridge.Config{
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         cfg.MQTT.QoS,
			Logger:      logger,
		})
	}

	s.router = s.routes(websocket.NewHandler(s.engine, s.manager, websocket.HandlerOptions{
		OriginPatterns:     cfg.WebSocket.OriginPatterns,
		InsecureSkipVerify: cfg.WebSocket.InsecureSkipVerify,
		MaxMessageSize:     cfg.WebSocket.MaxMessageSize,
		KeepAlive:          cfg.WebSocket.KeepAlive.Duration(),
		WriteTimeout:       cfg.WebSocket.WriteTimeout.Duration(),
		Logger:             logger,
	}))

	return s, nil
}

func readSchema(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read schema file: %w", err)
	}
	return string(data), nil
}

// requestContext exposes the upgrade request to subscription filters as
// context.headers (lower-cased names, first value) and context.remoteAddr.
func requestContext(ctx context.Context, connID string) (any, error) {
	out := map[string]any{"connectionId": connID}
	r, ok := websocket.RequestFromContext(ctx)
	if !ok {
		return out, nil
	}

	headers := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	out["headers"] = headers
	out["remoteAddr"] = r.RemoteAddr
	return out, nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Engine returns the protocol engine.
func (s *Server) Engine() *subscriptions.Engine {
	return s.engine
}

// PubSub returns the in-process pubsub backing subscriptions.
func (s *Server) PubSub() *pubsub.PubSub {
	return s.ps
}

// Registry returns the Prometheus registry served on the metrics path.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener, connects the MQTT bridge if configured and
// serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server is already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Address, err)
	}

	if s.bridge != nil {
		if err := s.bridge.Start(ctx); err != nil {
			_ = listener.Close()
			return fmt.Errorf("failed to start MQTT bridge: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Handler: s.router,
		// only the header read is bounded so that upgraded connections are
		// not cut off
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout.Duration(),
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.running = true
	s.startTime = time.Now()
	s.log.Info("server started", "address", listener.Addr().String(), "path", s.cfg.Server.Path)
	return nil
}

// Shutdown notifies every client, closes all connections and stops the HTTP
// server and the MQTT bridge.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if s.bridge != nil {
		s.bridge.Stop()
	}

	s.engine.CloseAll(ctx)
	s.manager.CloseAll("server shutting down")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.running = false
	s.log.Info("server stopped")
	return errors.Join(errs...)
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *Server) routes(ws http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle(s.cfg.Server.Path, ws)

	r.Group(func(r chi.Router) {
		if d := s.cfg.Server.WriteTimeout.Duration(); d > 0 {
			r.Use(middleware.Timeout(d))
		}
		r.Get("/healthz", s.handleHealth)
		r.Post("/publish/*", s.handlePublish)
		if s.cfg.Metrics.Enabled {
			r.Method(http.MethodGet, s.cfg.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		}
	})

	return r
}
