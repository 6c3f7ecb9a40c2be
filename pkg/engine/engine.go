// Package engine reconciles optimistic sends, history pages and live push
// events into one ordered, de-duplicated message list per conversation.
//
// Every input enters through an Engine method and is applied under the
// engine's lock, so history completions, transport callbacks, timers and user
// actions never interleave mid-update. Network calls happen outside the lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loopsync/pkg/api"
	"loopsync/pkg/bus"
	"loopsync/pkg/ledger"
	"loopsync/pkg/message"
	"loopsync/pkg/metrics"
	"loopsync/pkg/pending"
	"loopsync/pkg/transport"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrAwaitingReply = errors.New("still awaiting a reply")
)

const DefaultPendingTimeout = 8 * time.Second

const (
	noticeUndelivered = "Message could not be delivered. Check your connection and try again."
	noticeTimeout     = "The server did not confirm your message. It was not delivered; please try again."
	noticeNoReply     = "No reply arrived. You can send your message again."
	noticeRequest     = "The request could not be sent. Check your connection and try again."
)

// Outbound is one send handed to the Dispatcher.
type Outbound struct {
	ConversationID string
	CorrelationID  string
	Body           string
	Variant        api.Variant
}

// Dispatcher delivers outbound sends over whatever channel the conversation
// uses: a socket frame or a request-style POST.
type Dispatcher interface {
	Dispatch(ctx context.Context, out Outbound) error
}

type DispatchFunc func(ctx context.Context, out Outbound) error

func (f DispatchFunc) Dispatch(ctx context.Context, out Outbound) error {
	return f(ctx, out)
}

type Options struct {
	ConversationID string
	SelfID         string
	// AwaitReplies enables the awaiting-reply state used by the planner
	// chat. Team chat leaves it off.
	AwaitReplies bool
	// PendingTimeout bounds how long a placeholder waits for its echo.
	PendingTimeout time.Duration
	// ReplyTimeout bounds how long the engine waits for a reply once
	// awaiting. Zero disables it.
	ReplyTimeout time.Duration
	Dispatcher   Dispatcher
	Bus          *bus.MessageBus
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// View is an immutable snapshot of the conversation for observers.
type View struct {
	ConversationID  string
	Messages        []message.Message
	Recommendations *message.RecommendationSet
	AwaitingReply   bool
	InputEnabled    bool
	Outstanding     api.Variant
	Connection      transport.State
	HistoryLoaded   bool
	Err             error
}

type Engine struct {
	conversationID string
	selfID         string
	awaitReplies   bool
	pendingTimeout time.Duration
	replyTimeout   time.Duration
	dispatcher     Dispatcher
	bus            *bus.MessageBus
	log            *slog.Logger
	metrics        *metrics.Metrics
	normalizer     message.Normalizer

	mu              sync.Mutex
	messages        []message.Message
	ledger          *ledger.Ledger
	pending         *pending.Registry
	timers          map[string]*time.Timer
	recommendations *message.RecommendationSet
	awaiting        bool
	awaitSeq        uint64
	replyTimer      *time.Timer
	outstanding     api.Variant
	outstandingID   string
	connection      transport.State
	historyLoaded   bool
	err             error
	generation      uint64

	// While a history page is applied, new records are spliced in by
	// createdAt starting at seedFloor instead of appended.
	seeding   bool
	seedFloor int
}

func New(opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.ConversationID) == "" {
		return nil, errors.New("conversation id is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.PendingTimeout
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	defaultAuthor := message.AuthorRemote
	if opts.AwaitReplies {
		defaultAuthor = message.AuthorAssistant
	}

	return &Engine{
		conversationID: opts.ConversationID,
		selfID:         opts.SelfID,
		awaitReplies:   opts.AwaitReplies,
		pendingTimeout: timeout,
		replyTimeout:   opts.ReplyTimeout,
		dispatcher:     opts.Dispatcher,
		bus:            opts.Bus,
		log:            log.With("component", "engine", "conversation", opts.ConversationID),
		metrics:        opts.Metrics,
		normalizer:     message.Normalizer{SelfID: opts.SelfID, DefaultAuthor: defaultAuthor},
		ledger:         ledger.New(),
		pending:        pending.New(),
		timers:         make(map[string]*time.Timer),
		connection:     transport.StateDisconnected,
	}, nil
}

func (e *Engine) ConversationID() string {
	return e.conversationID
}

// Submit appends text as a pending message and dispatches it. Empty text and
// submissions while awaiting a reply are rejected without side effects. A
// dispatch failure rolls the placeholder back into one error notice.
func (e *Engine) Submit(ctx context.Context, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	text = strings.TrimSpace(text)

	var evs events
	e.mu.Lock()
	if text == "" {
		e.mu.Unlock()
		return ErrEmptyMessage
	}
	if e.awaiting {
		e.mu.Unlock()
		return ErrAwaitingReply
	}

	correlationID := uuid.NewString()
	placeholder := message.Message{
		ID:             correlationID,
		CorrelationID:  correlationID,
		ConversationID: e.conversationID,
		Author:         message.AuthorLocal,
		SenderID:       e.selfID,
		Body:           text,
		CreatedAt:      time.Now().UTC(),
		State:          message.StatePending,
	}
	if err := e.pending.Register(pending.Key{CorrelationID: correlationID, Text: text}, correlationID); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("register pending message: %w", err)
	}
	e.appendLocked(placeholder, &evs)

	gen := e.generation
	e.timers[correlationID] = time.AfterFunc(e.pendingTimeout, func() {
		e.expirePending(gen, correlationID)
	})
	if e.awaitReplies {
		e.setAwaitingLocked(true, &evs)
	}
	e.mu.Unlock()
	e.publish(evs)

	err := e.dispatcher.Dispatch(ctx, Outbound{
		ConversationID: e.conversationID,
		CorrelationID:  correlationID,
		Body:           text,
		Variant:        api.VariantSend,
	})
	if err != nil {
		e.log.Warn("send failed", "correlation_id", correlationID, "error", err)
		e.rollback(gen, correlationID, noticeUndelivered, "dispatch", err)
		return fmt.Errorf("dispatch message: %w", err)
	}
	return nil
}

// Retry asks for a fresh answer to the last request.
func (e *Engine) Retry(ctx context.Context) error {
	return e.request(ctx, api.VariantRetry, "")
}

// RequestRevision asks for an updated answer, optionally with a note.
func (e *Engine) RequestRevision(ctx context.Context, note string) error {
	return e.request(ctx, api.VariantRevision, strings.TrimSpace(note))
}

// request sends a distinguished variant without a visible bubble. Its
// correlation id is marked seen up front so the server echo is ignored.
func (e *Engine) request(ctx context.Context, variant api.Variant, note string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var evs events
	e.mu.Lock()
	if e.awaiting {
		e.mu.Unlock()
		return ErrAwaitingReply
	}

	correlationID := uuid.NewString()
	e.ledger.MarkSeen(correlationID)
	e.replaceRecommendationsLocked(nil, &evs)
	e.outstanding = variant
	e.outstandingID = correlationID
	if e.awaitReplies {
		e.setAwaitingLocked(true, &evs)
	}
	gen := e.generation
	e.mu.Unlock()
	e.publish(evs)

	err := e.dispatcher.Dispatch(ctx, Outbound{
		ConversationID: e.conversationID,
		CorrelationID:  correlationID,
		Body:           note,
		Variant:        variant,
	})
	if err != nil {
		e.log.Warn("request failed", "variant", variant, "error", err)
		e.failRequest(gen, correlationID, err)
		return fmt.Errorf("dispatch %s request: %w", variant, err)
	}
	return nil
}

// HandleFrame normalizes one inbound push event and reconciles it.
// Malformed payloads are logged and dropped.
func (e *Engine) HandleFrame(eventType string, data []byte) {
	msgs, err := e.normalizer.NormalizeEvent(eventType, data)
	if err != nil {
		e.log.Warn("dropping malformed event", "event", eventType, "error", err)
		return
	}
	if len(msgs) == 0 {
		e.log.Debug("event carried no messages", "event", eventType)
		return
	}
	e.HandleBatch(msgs)
}

// HandleBatch reconciles already normalized records in order. It is the one
// path shared by history pages and live events.
func (e *Engine) HandleBatch(msgs []message.Message) {
	var evs events
	e.mu.Lock()
	for _, msg := range msgs {
		e.applyLocked(msg, &evs)
	}
	e.mu.Unlock()
	e.publish(evs)
}

// Normalizer returns the normalizer configured for this conversation.
func (e *Engine) Normalizer() message.Normalizer {
	return e.normalizer
}

// Generation identifies the current conversation instance. Async work
// captures it before suspending and hands it back so results that arrive
// after a Reset are discarded.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// ApplyHistory seeds the list with a history page if gen is still current.
// Records not yet displayed are placed ahead of live messages that are newer
// or carry no timestamp, so history stays ordered even when the live stream
// delivered first.
func (e *Engine) ApplyHistory(gen uint64, msgs []message.Message) bool {
	sorted := append([]message.Message(nil), msgs...)
	message.SortByCreatedAt(sorted)

	var evs events
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		e.log.Debug("discarding stale history", "generation", gen)
		return false
	}
	e.seeding, e.seedFloor = true, 0
	for _, msg := range sorted {
		e.applyLocked(msg, &evs)
	}
	e.seeding, e.seedFloor = false, 0
	e.historyLoaded = true
	e.err = nil
	evs.add(e.event(bus.EventHistoryLoaded, "", "", map[string]string{"count": fmt.Sprint(len(sorted))}))
	e.mu.Unlock()

	e.metrics.HistoryLoaded(nil)
	e.publish(evs)
	return true
}

// HistoryFailed records a history error if gen is still current. The live
// stream is unaffected.
func (e *Engine) HistoryFailed(gen uint64, err error) {
	var evs events
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	if err == nil {
		err = errors.New("history load failed")
	}
	e.err = err
	ev := e.event(bus.EventHistoryFailed, "", "", nil)
	ev.Error = err.Error()
	evs.add(ev)
	e.mu.Unlock()

	e.metrics.HistoryLoaded(err)
	e.publish(evs)
}

// SetConnection records the transport state for observers.
func (e *Engine) SetConnection(state transport.State) {
	var evs events
	e.mu.Lock()
	if e.connection == state {
		e.mu.Unlock()
		return
	}
	e.connection = state
	evs.add(e.event(bus.EventConnectionChanged, "", "", map[string]string{"state": string(state)}))
	e.mu.Unlock()
	e.publish(evs)
}

// Reset clears every piece of conversation state and cancels timers. Any
// async result captured under the previous generation is ignored afterwards.
func (e *Engine) Reset() {
	var evs events
	e.mu.Lock()
	e.generation++
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	if e.replyTimer != nil {
		e.replyTimer.Stop()
		e.replyTimer = nil
	}
	e.messages = nil
	e.ledger.Reset()
	e.pending.Reset()
	e.recommendations = nil
	e.awaiting = false
	e.awaitSeq++
	e.outstanding = ""
	e.outstandingID = ""
	e.historyLoaded = false
	e.err = nil
	evs.add(e.event(bus.EventConversationReset, "", "", nil))
	e.mu.Unlock()
	e.publish(evs)
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()

	msgs := make([]message.Message, len(e.messages))
	for i, msg := range e.messages {
		msgs[i] = msg.Clone()
	}
	return View{
		ConversationID:  e.conversationID,
		Messages:        msgs,
		Recommendations: e.recommendations.Clone(),
		AwaitingReply:   e.awaiting,
		InputEnabled:    !e.awaiting,
		Outstanding:     e.outstanding,
		Connection:      e.connection,
		HistoryLoaded:   e.historyLoaded,
		Err:             e.err,
	}
}

// Pending returns the number of unconfirmed sends.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Len()
}

// Close stops timers. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	if e.replyTimer != nil {
		e.replyTimer.Stop()
		e.replyTimer = nil
	}
}
