package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"loopsync/pkg/api"
)

const (
	writeWait       = 10 * time.Second
	pingInterval    = 30 * time.Second
	streamHeartbeat = 15 * time.Second
)

// newUpgrader accepts any origin when allowed is empty, and requests without
// an Origin header always.
func newUpgrader(allowed []string) websocket.Upgrader {
	allowedMap := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedMap) == 0 {
				return true
			}
			return allowedMap[origin]
		},
	}
}

// handleSocket serves GET /conversations/{id}/ws. Events after lastEventId
// are replayed before live delivery; inbound message frames are ingested
// like POSTed sends.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	cursor := parseCursor(r.URL.Query().Get("lastEventId"))
	sender := senderOf(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.RelayRequest("socket", http.StatusBadRequest)
		s.log.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.metrics.RelayRequest("socket", http.StatusSwitchingProtocols)

	live, unsubscribe := s.hub.subscribe(conversationID)
	defer unsubscribe()

	log := s.log.With("conversation", conversationID, "transport", "socket")
	log.Debug("Client connected", "cursor", cursor)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleSocketFrame(conversationID, sender, data)
		}
	}()

	last := cursor
	write := func(ev Event) error {
		if ev.Seq <= last {
			return nil
		}
		last = ev.Seq
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev.Wire())
	}

	backlog, err := s.store.After(conversationID, cursor)
	if err != nil {
		log.Error("Replay failed", "error", err)
		return
	}
	for _, ev := range backlog {
		if err := write(ev); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber dropped"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			log.Debug("Client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleSocketFrame(conversationID, sender string, data []byte) {
	var frame api.SocketFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "message" {
		s.log.Debug("Ignoring socket frame", "conversation", conversationID)
		return
	}
	if frame.ConversationID != "" && frame.ConversationID != conversationID {
		s.log.Warn("Socket frame for another conversation dropped", "conversation", conversationID, "frame_conversation", frame.ConversationID)
		return
	}
	if !s.limiter.Allow(conversationID) {
		s.log.Warn("Socket send rate limited", "conversation", conversationID)
		return
	}

	_, err := s.ingest(conversationID, sender, api.SendRequest{
		ConversationID: conversationID,
		CorrelationID:  frame.CorrelationID,
		Body:           frame.Body,
		RequestVariant: frame.RequestVariant,
	})
	if err != nil {
		s.log.Warn("Socket send rejected", "conversation", conversationID, "error", err)
	}
}

// handleStream serves GET /conversations/{id}/events as Server-Sent Events,
// resuming after Last-Event-ID (or the lastEventId query parameter).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	cursor := parseCursor(raw)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.metrics.RelayRequest("stream", http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	live, unsubscribe := s.hub.subscribe(conversationID)
	defer unsubscribe()

	backlog, err := s.store.After(conversationID, cursor)
	if err != nil {
		s.metrics.RelayRequest("stream", http.StatusInternalServerError)
		s.log.Error("Replay failed", "conversation", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s.metrics.RelayRequest("stream", http.StatusOK)

	last := cursor
	write := func(ev Event) error {
		if ev.Seq <= last {
			return nil
		}
		data, err := json.Marshal(ev.Wire())
		if err != nil {
			return err
		}
		last = ev.Seq
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, ev := range backlog {
		if err := write(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if err := write(ev); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func parseCursor(raw string) uint64 {
	seq, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
