package relay

import (
	"context"
	"strings"

	"loopsync/pkg/bus"
)

const plannerSender = "planner"

// StartWorkers starts the planner loops: one drains requests through the
// responder, the other stores replies and broadcasts them. Calling it again
// is a no-op; the loops stop with ctx or Close.
func (s *Server) StartWorkers(ctx context.Context) {
	if s.responder == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	if s.stopWorkers != nil {
		return
	}
	ctx, s.stopWorkers = context.WithCancel(ctx)

	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		s.respondLoop(ctx)
	}()
	go func() {
		defer s.workers.Done()
		s.replyLoop(ctx)
	}()
}

func (s *Server) respondLoop(ctx context.Context) {
	log := s.log.With("worker", "respond")
	for {
		req, ok := s.bus.ConsumeRequest(ctx)
		if !ok {
			return
		}

		reply, err := s.responder.Respond(ctx, req)
		reply.ConversationID = req.ConversationID
		reply.ReplyTo = req.CorrelationID
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Planner failed", "conversation", req.ConversationID, "error", err)
			reply.Error = err.Error()
		}

		if !s.bus.PublishReply(ctx, reply) {
			return
		}
	}
}

func (s *Server) replyLoop(ctx context.Context) {
	log := s.log.With("worker", "reply")
	for {
		reply, ok := s.bus.ConsumeReply(ctx)
		if !ok {
			return
		}

		ev, ok := replyEvent(reply)
		if !ok {
			log.Debug("Empty planner reply dropped", "conversation", reply.ConversationID)
			continue
		}
		stored, _, err := s.store.Append(ev)
		if err != nil {
			log.Error("Storing planner reply failed", "conversation", reply.ConversationID, "error", err)
			continue
		}
		s.metrics.RelayEventStored()
		s.hub.publish(stored)
	}
}

// replyEvent converts a planner reply into a log entry. Replies reference
// the request through ReplyTo, never through its correlation id, so the
// requester does not mistake them for its own echo.
func replyEvent(reply bus.Reply) (Event, bool) {
	ev := Event{
		ConversationID: reply.ConversationID,
		ReplyTo:        reply.ReplyTo,
		SenderID:       plannerSender,
	}

	switch {
	case reply.Error != "":
		ev.Kind = KindMessage
		ev.Role = "system"
		ev.Body = "The planner could not answer: " + reply.Error
	case reply.Recommendations.Len() > 0:
		ev.Kind = KindRecommendations
		ev.Role = "assistant"
		ev.Body = strings.TrimSpace(reply.Body)
		ev.Recommendations = reply.Recommendations.Clone().Items
	case strings.TrimSpace(reply.Body) != "":
		ev.Kind = KindMessage
		ev.Role = "assistant"
		ev.Body = strings.TrimSpace(reply.Body)
	default:
		return Event{}, false
	}
	return ev, true
}
