// Package relay is a development chat backend: a durable per-conversation
// event log served over REST, WebSocket and Server-Sent Events, with an
// optional planner that answers user messages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"loopsync/pkg/api"
	"loopsync/pkg/bus"
	"loopsync/pkg/config"
	"loopsync/pkg/metrics"
	"loopsync/pkg/planner"
)

const (
	defaultHost     = "127.0.0.1"
	defaultPort     = 18790
	maxRequestBody  = 1 << 20
	publishTimeout  = 5 * time.Second
	anonymousSender = "anonymous"
)

var errEmptyBody = errors.New("body is required")

type Options struct {
	Config config.RelayConfig
	Store  *Store
	// Responder answers user messages. Nil disables the planner.
	Responder planner.Responder
	Bus       *bus.MessageBus
	Registry  *prometheus.Registry
	Logger    *slog.Logger
}

type Server struct {
	cfg       config.RelayConfig
	store     *Store
	hub       *hub
	limiter   *limiterPool
	bus       *bus.MessageBus
	ownsBus   bool
	responder planner.Responder
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	log       *slog.Logger

	startedAt   time.Time
	workersMu   sync.Mutex
	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
}

type statusResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Planner       bool   `json:"planner"`
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.New(registry)

	mb := opts.Bus
	ownsBus := mb == nil
	if ownsBus {
		mb = bus.NewMessageBus()
	}

	return &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		hub:       newHub(log, m),
		limiter:   newLimiterPool(opts.Config.RatePerSecond, opts.Config.Burst),
		bus:       mb,
		ownsBus:   ownsBus,
		responder: opts.Responder,
		registry:  registry,
		metrics:   m,
		upgrader:  newUpgrader(opts.Config.AllowedOrigins),
		log:       log.With("component", "relay.server"),
		startedAt: time.Now().UTC(),
	}, nil
}

// Metrics exposes the collectors registered for this server.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Handler returns the routed, CORS-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	c := r.PathPrefix("/conversations/{id:[A-Za-z0-9._-]+}").Subrouter()
	c.HandleFunc("/messages", s.instrument("history", s.handleHistory)).Methods(http.MethodGet)
	c.HandleFunc("/messages", s.instrument("send", s.handleSend)).Methods(http.MethodPost)
	c.HandleFunc("/messages/{messageId}", s.instrument("retract", s.handleRetract)).Methods(http.MethodDelete)
	c.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)
	c.HandleFunc("/events", s.handleStream).Methods(http.MethodGet)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", api.SenderHeader, "Last-Event-ID"},
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         300,
	}).Handler(r)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	s.StartWorkers(ctx)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Relay started", "address", addr, "planner", s.responder != nil)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start relay server: %w", err)
	}
	return nil
}

// Close stops live subscriptions and the planner workers.
func (s *Server) Close() {
	s.workersMu.Lock()
	if s.stopWorkers != nil {
		s.stopWorkers()
	}
	s.workersMu.Unlock()
	s.workers.Wait()

	s.hub.closeAll()
	if s.ownsBus {
		s.bus.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus("ok"))
}

// handleReady reports not_ready until the planner workers run. A relay
// without a planner is ready as soon as it serves.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady() {
		writeJSON(w, http.StatusServiceUnavailable, s.currentStatus("not_ready"))
		return
	}
	writeJSON(w, http.StatusOK, s.currentStatus("ready"))
}

func (s *Server) isReady() bool {
	if s.responder == nil {
		return true
	}
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	return s.stopWorkers != nil
}

func (s *Server) currentStatus(status string) statusResponse {
	return statusResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Planner:       s.responder != nil,
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", 50)

	events, err := s.store.Page(conversationID, page, size)
	if err != nil {
		s.log.Error("History lookup failed", "conversation", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	data := make([]any, 0, len(events))
	for _, ev := range events {
		data = append(data, ev.Wire())
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "page": page, "size": size})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req api.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID != "" && req.ConversationID != conversationID {
		writeError(w, http.StatusBadRequest, "conversation id does not match path")
		return
	}
	if !s.limiter.Allow(conversationID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ev, err := s.ingest(conversationID, senderOf(r), req)
	if errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("Send failed", "conversation", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	if ev == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
		return
	}
	writeJSON(w, http.StatusAccepted, ev.Wire())
}

func (s *Server) handleRetract(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conversationID, messageID := vars["id"], vars["messageId"]

	if _, err := s.store.Find(conversationID, messageID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		s.log.Error("Retract lookup failed", "conversation", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to retract message")
		return
	}

	ev, _, err := s.store.Append(Event{Kind: KindDelete, ConversationID: conversationID, Retracts: messageID})
	if err != nil {
		s.log.Error("Retract failed", "conversation", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to retract message")
		return
	}
	s.metrics.RelayEventStored()
	s.hub.publish(ev)
	w.WriteHeader(http.StatusNoContent)
}

// ingest stores a user message, broadcasts it, and queues it for the
// planner. A redelivered correlation id returns the stored event without
// broadcasting again. A retry with no note stores nothing and returns nil.
func (s *Server) ingest(conversationID, senderID string, req api.SendRequest) (*Event, error) {
	body := strings.TrimSpace(req.Body)
	variant := req.RequestVariant
	if variant == "" {
		variant = api.VariantSend
	}
	if body == "" && variant == api.VariantSend {
		return nil, errEmptyBody
	}

	var stored *Event
	if body != "" {
		ev, created, err := s.store.Append(Event{
			Kind:           KindMessage,
			ConversationID: conversationID,
			CorrelationID:  req.CorrelationID,
			SenderID:       senderID,
			Role:           "user",
			Body:           body,
			Variant:        string(variant),
		})
		if err != nil {
			return nil, err
		}
		if !created {
			s.log.Debug("Duplicate send ignored", "conversation", conversationID, "correlation_id", req.CorrelationID)
			return &ev, nil
		}
		s.metrics.RelayEventStored()
		s.hub.publish(ev)
		stored = &ev
	}

	if s.responder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		ok := s.bus.PublishRequest(ctx, bus.Request{
			ConversationID: conversationID,
			CorrelationID:  req.CorrelationID,
			SenderID:       senderID,
			Body:           body,
			Variant:        string(variant),
		})
		if !ok {
			s.log.Warn("Planner queue unavailable", "conversation", conversationID)
		}
	}
	return stored, nil
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RelayRequest(route, rec.status)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func senderOf(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(api.SenderHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("senderId")); id != "" {
		return id
	}
	return anonymousSender
}

func queryInt(r *http.Request, key string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
