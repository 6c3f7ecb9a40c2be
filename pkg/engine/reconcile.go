package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"loopsync/pkg/bus"
	"loopsync/pkg/message"
	"loopsync/pkg/pending"
)

// events collects notifications while the lock is held; they are published
// after it is released.
type events []bus.Event

func (evs *events) add(ev bus.Event) {
	*evs = append(*evs, ev)
}

// applyLocked runs the reconciliation rules for one inbound record:
// retraction, dedup skip, pending confirmation, empty control event, side
// channel, plain append.
func (e *Engine) applyLocked(msg message.Message, evs *events) {
	if msg.Retracts != "" {
		e.retractLocked(msg.Retracts, evs)
		e.ledger.MarkSeen(msg.Retracts, msg.ID)
		return
	}

	if e.ledger.HasSeenAny(msg.ID, msg.CorrelationID) {
		e.metrics.DuplicateSkipped()
		return
	}

	if e.confirmLocked(msg, evs) {
		return
	}

	if !msg.HasContent() {
		e.ledger.MarkSeen(msg.Identity()...)
		return
	}

	if msg.ConversationID == "" {
		msg.ConversationID = e.conversationID
	}
	msg.State = message.StateConfirmed
	if msg.ID == "" {
		msg.ID = "local-" + uuid.NewString()
	}

	switch {
	case msg.Recommendations != nil:
		msg.Recommendations = msg.Recommendations.Clone()
		if msg.Body == "" {
			msg.Body = recommendationSummary(msg.Recommendations.Len())
		}
		e.replaceRecommendationsLocked(msg.Recommendations, evs)
		e.clearOutstandingLocked()
		e.setAwaitingLocked(false, evs)
	case msg.Author == message.AuthorAssistant || msg.Author == message.AuthorSystem:
		if e.outstanding != "" {
			msg.NeedsInput = true
			e.clearOutstandingLocked()
		}
		e.setAwaitingLocked(false, evs)
	}

	e.ledger.MarkSeen(msg.Identity()...)
	e.appendLocked(msg, evs)
}

// confirmLocked resolves msg against the pending registry and, on a match,
// promotes the placeholder in place. Without a correlation id, text matching
// is attempted for local echoes and for records whose author was only
// defaulted; records explicitly authored by someone else never match.
func (e *Engine) confirmLocked(msg message.Message, evs *events) bool {
	if msg.CorrelationID == "" {
		if msg.Body == "" || msg.Recommendations != nil {
			return false
		}
		if msg.Author != message.AuthorLocal && !msg.AuthorInferred {
			return false
		}
	}
	localID, ok := e.pending.Resolve(pending.Key{CorrelationID: msg.CorrelationID, Text: msg.Body})
	if !ok {
		return false
	}
	if timer, ok := e.timers[localID]; ok {
		timer.Stop()
		delete(e.timers, localID)
	}

	idx := e.indexLocked(localID)
	if idx < 0 {
		return false
	}
	placeholder := &e.messages[idx]
	if msg.ID != "" {
		placeholder.ID = msg.ID
	}
	if msg.Body != "" {
		placeholder.Body = msg.Body
	}
	if !msg.CreatedAt.IsZero() {
		placeholder.CreatedAt = msg.CreatedAt
	}
	if msg.SenderID != "" {
		placeholder.SenderID = msg.SenderID
	}
	placeholder.EventID = msg.EventID
	placeholder.State = message.StateConfirmed

	e.ledger.MarkSeen(msg.ID, msg.CorrelationID, localID)
	evs.add(e.event(bus.EventMessageConfirmed, placeholder.ID, placeholder.CorrelationID, nil))
	return true
}

func (e *Engine) retractLocked(id string, evs *events) {
	idx := e.indexLocked(id)
	if idx < 0 {
		return
	}
	removed := e.messages[idx]
	e.messages = append(e.messages[:idx], e.messages[idx+1:]...)
	if e.seeding && idx < e.seedFloor {
		e.seedFloor--
	}

	if removed.State == message.StatePending {
		e.pending.Release(removed.CorrelationID, removed.ID)
		if timer, ok := e.timers[removed.CorrelationID]; ok {
			timer.Stop()
			delete(e.timers, removed.CorrelationID)
		}
	}
	evs.add(e.event(bus.EventMessageRemoved, removed.ID, removed.CorrelationID, nil))
}

// indexLocked finds a visible message by id or correlation id.
func (e *Engine) indexLocked(id string) int {
	for i := range e.messages {
		if e.messages[i].ID == id || (e.messages[i].CorrelationID != "" && e.messages[i].CorrelationID == id) {
			return i
		}
	}
	return -1
}

func (e *Engine) appendLocked(msg message.Message, evs *events) {
	if e.seeding {
		e.spliceLocked(msg)
	} else {
		e.messages = append(e.messages, msg)
	}
	e.metrics.MessageAppended()
	evs.add(e.event(bus.EventMessageAppended, msg.ID, msg.CorrelationID, map[string]string{
		"author": string(msg.Author),
		"state":  string(msg.State),
	}))
}

// spliceLocked inserts a history record before the first message at or after
// seedFloor that is newer than it. Messages without a timestamp, such as live
// records that arrived before the page, count as newer.
func (e *Engine) spliceLocked(msg message.Message) {
	at := len(e.messages)
	for i := e.seedFloor; i < len(e.messages); i++ {
		existing := e.messages[i].CreatedAt
		if msg.CreatedAt.IsZero() || existing.IsZero() || existing.After(msg.CreatedAt) {
			at = i
			break
		}
	}
	e.messages = slices.Insert(e.messages, at, msg)
	e.seedFloor = at + 1
}

func (e *Engine) appendNoticeLocked(body string, evs *events) {
	id := "local-" + uuid.NewString()
	e.ledger.MarkSeen(id)
	e.appendLocked(message.Message{
		ID:             id,
		ConversationID: e.conversationID,
		Author:         message.AuthorSystem,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
		State:          message.StateConfirmed,
	}, evs)
}

// replaceRecommendationsLocked swaps the displayed set; sets never merge.
func (e *Engine) replaceRecommendationsLocked(set *message.RecommendationSet, evs *events) {
	if e.recommendations == nil && set == nil {
		return
	}
	e.recommendations = set.Clone()
	evs.add(e.event(bus.EventRecommendationsReplaced, "", "", map[string]string{
		"count": strconv.Itoa(set.Len()),
	}))
}

func (e *Engine) clearOutstandingLocked() {
	e.outstanding = ""
	e.outstandingID = ""
}

func (e *Engine) setAwaitingLocked(awaiting bool, evs *events) {
	if e.awaiting == awaiting {
		return
	}
	e.awaiting = awaiting
	e.awaitSeq++
	if e.replyTimer != nil {
		e.replyTimer.Stop()
		e.replyTimer = nil
	}
	if awaiting && e.replyTimeout > 0 {
		gen, seq := e.generation, e.awaitSeq
		e.replyTimer = time.AfterFunc(e.replyTimeout, func() { e.expireReply(gen, seq) })
	}
	evs.add(e.event(bus.EventAwaitingChanged, "", "", map[string]string{
		"awaiting": strconv.FormatBool(awaiting),
	}))
}

// rollback undoes an optimistic send that will never be confirmed. It is a
// no-op when the placeholder was already confirmed or rolled back, so a
// failed send produces exactly one notice.
func (e *Engine) rollback(gen uint64, correlationID, notice, reason string, cause error) {
	var evs events
	e.mu.Lock()
	if gen != e.generation || !e.pending.Release(correlationID, correlationID) {
		e.mu.Unlock()
		return
	}
	if timer, ok := e.timers[correlationID]; ok {
		timer.Stop()
		delete(e.timers, correlationID)
	}
	if idx := e.indexLocked(correlationID); idx >= 0 {
		e.messages = append(e.messages[:idx], e.messages[idx+1:]...)
		evs.add(e.event(bus.EventMessageRemoved, correlationID, correlationID, nil))
	}

	failed := e.event(bus.EventSendFailed, correlationID, correlationID, map[string]string{"reason": reason})
	if cause != nil {
		failed.Error = cause.Error()
	}
	evs.add(failed)

	e.appendNoticeLocked(notice, &evs)
	e.clearOutstandingLocked()
	e.setAwaitingLocked(false, &evs)
	e.mu.Unlock()

	e.metrics.SendFailed(reason)
	e.publish(evs)
}

func (e *Engine) expirePending(gen uint64, correlationID string) {
	e.mu.Lock()
	current := gen == e.generation && e.pending.Pending(correlationID)
	e.mu.Unlock()
	if !current {
		return
	}

	e.log.Warn("pending message timed out", "correlation_id", correlationID, "timeout", e.pendingTimeout)
	e.metrics.PendingTimedOut()
	e.rollback(gen, correlationID, noticeTimeout, "timeout", fmt.Errorf("no echo within %s", e.pendingTimeout))
}

// failRequest clears the awaiting state left by a retry or revision request
// that could not be sent.
func (e *Engine) failRequest(gen uint64, correlationID string, cause error) {
	var evs events
	e.mu.Lock()
	if gen != e.generation || e.outstandingID != correlationID {
		e.mu.Unlock()
		return
	}
	failed := e.event(bus.EventSendFailed, "", correlationID, map[string]string{"reason": "request"})
	failed.Error = cause.Error()
	evs.add(failed)
	e.appendNoticeLocked(noticeRequest, &evs)
	e.clearOutstandingLocked()
	e.setAwaitingLocked(false, &evs)
	e.mu.Unlock()

	e.metrics.SendFailed("request")
	e.publish(evs)
}

func (e *Engine) expireReply(gen, seq uint64) {
	var evs events
	e.mu.Lock()
	if gen != e.generation || seq != e.awaitSeq || !e.awaiting {
		e.mu.Unlock()
		return
	}
	e.replyTimer = nil
	e.appendNoticeLocked(noticeNoReply, &evs)
	e.clearOutstandingLocked()
	e.setAwaitingLocked(false, &evs)
	e.mu.Unlock()

	e.log.Warn("reply timed out", "timeout", e.replyTimeout)
	e.publish(evs)
}

func (e *Engine) event(kind bus.EventType, messageID, correlationID string, payload map[string]string) bus.Event {
	return bus.Event{
		Type:           kind,
		At:             time.Now().UTC(),
		ConversationID: e.conversationID,
		MessageID:      messageID,
		CorrelationID:  correlationID,
		Payload:        payload,
	}
}

func (e *Engine) publish(evs events) {
	if e.bus == nil {
		return
	}
	for _, ev := range evs {
		e.bus.PublishEvent(context.Background(), ev)
	}
}

func recommendationSummary(n int) string {
	if n == 1 {
		return "1 recommendation ready"
	}
	return fmt.Sprintf("%d recommendations ready", n)
}
