package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"

	"loopsync/pkg/message"
)

// Event kinds stored in the conversation log.
const (
	KindMessage         = "message"
	KindRecommendations = message.EventRecommendations
	KindDelete          = message.EventDelete
)

var ErrNotFound = errors.New("not found")

// Event is one entry of a conversation's append-only log. Seq is the
// per-conversation position clients resume from.
type Event struct {
	Seq             uint64                   `json:"seq"`
	Kind            string                   `json:"kind"`
	ID              string                   `json:"id,omitempty"`
	ConversationID  string                   `json:"conversationId"`
	CorrelationID   string                   `json:"correlationId,omitempty"`
	ReplyTo         string                   `json:"replyTo,omitempty"`
	SenderID        string                   `json:"senderId,omitempty"`
	Role            string                   `json:"role,omitempty"`
	Body            string                   `json:"body,omitempty"`
	Variant         string                   `json:"variant,omitempty"`
	Recommendations []message.Recommendation `json:"recommendations,omitempty"`
	Retracts        string                   `json:"retracts,omitempty"`
	CreatedAt       time.Time                `json:"createdAt"`
}

// wireEvent is the shape pushed to clients and returned from history.
type wireEvent struct {
	Type           string                   `json:"type"`
	EventID        string                   `json:"eventId"`
	ID             string                   `json:"id,omitempty"`
	ConversationID string                   `json:"conversationId"`
	CorrelationID  string                   `json:"correlationId,omitempty"`
	ReplyTo        string                   `json:"replyTo,omitempty"`
	SenderID       string                   `json:"senderId,omitempty"`
	Role           string                   `json:"role,omitempty"`
	Body           string                   `json:"body,omitempty"`
	Message        string                   `json:"message,omitempty"`
	Data           []message.Recommendation `json:"data,omitempty"`
	CreatedAt      string                   `json:"createdAt,omitempty"`
}

// Wire renders the event in the form clients normalize.
func (e Event) Wire() any {
	w := wireEvent{
		Type:           e.Kind,
		EventID:        e.EventID(),
		ConversationID: e.ConversationID,
	}
	if !e.CreatedAt.IsZero() {
		w.CreatedAt = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	switch e.Kind {
	case KindDelete:
		w.ID = e.Retracts
	case KindRecommendations:
		w.ID = e.ID
		w.ReplyTo = e.ReplyTo
		w.Role = e.Role
		w.Message = e.Body
		w.Data = e.Recommendations
	default:
		w.ID = e.ID
		w.CorrelationID = e.CorrelationID
		w.ReplyTo = e.ReplyTo
		w.SenderID = e.SenderID
		w.Role = e.Role
		w.Body = e.Body
	}
	return w
}

func (e Event) EventID() string {
	return strconv.FormatUint(e.Seq, 10)
}

// Store is the pebble-backed event log.
//
// Keys:
//
//	conv:<id>:evt:<seq %020d>   event JSON
//	conv:<id>:corr:<correlation> seq of the message that carried it
type Store struct {
	db  *pebble.DB
	log *slog.Logger

	mu   sync.Mutex
	last map[string]uint64
}

// OpenStore opens the log under dir. A nil fs uses the OS filesystem.
func OpenStore(dir string, fs vfs.FS, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return &Store{
		db:   db,
		log:  log.With("component", "relay.store"),
		last: make(map[string]uint64),
	}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close event store: %w", err)
	}
	return nil
}

// Append assigns the next sequence number and persists ev. A message whose
// correlation id was already stored returns the original event and false.
func (s *Store) Append(ev Event) (Event, bool, error) {
	if ev.ConversationID == "" {
		return Event{}, false, errors.New("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Kind == KindMessage && ev.CorrelationID != "" {
		existing, ok, err := s.byCorrelationLocked(ev.ConversationID, ev.CorrelationID)
		if err != nil {
			return Event{}, false, err
		}
		if ok {
			return existing, false, nil
		}
	}

	last, err := s.lastSeqLocked(ev.ConversationID)
	if err != nil {
		return Event{}, false, err
	}
	ev.Seq = last + 1
	if ev.ID == "" && ev.Kind != KindDelete {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, false, fmt.Errorf("encode event: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(eventKey(ev.ConversationID, ev.Seq), data, nil); err != nil {
		return Event{}, false, fmt.Errorf("stage event: %w", err)
	}
	if ev.Kind == KindMessage && ev.CorrelationID != "" {
		if err := batch.Set(correlationKey(ev.ConversationID, ev.CorrelationID), []byte(ev.EventID()), nil); err != nil {
			return Event{}, false, fmt.Errorf("stage correlation index: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Event{}, false, fmt.Errorf("commit event: %w", err)
	}

	s.last[ev.ConversationID] = ev.Seq
	s.log.Debug("event stored", "conversation", ev.ConversationID, "seq", ev.Seq, "kind", ev.Kind)
	return ev, true, nil
}

// After returns every event with a sequence number greater than seq.
func (s *Store) After(conversationID string, seq uint64) ([]Event, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(conversationID, seq+1),
		UpperBound: eventUpperBound(conversationID),
	})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var out []Event
	for iter.First(); iter.Valid(); iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			s.log.Warn("skipping corrupt event", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

// Page returns the visible messages of a conversation, newest page first,
// each page in chronological order. Retracted messages are omitted.
func (s *Store) Page(conversationID string, page, size int) ([]Event, error) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 50
	}

	all, err := s.After(conversationID, 0)
	if err != nil {
		return nil, err
	}

	retracted := make(map[string]bool)
	for _, ev := range all {
		if ev.Kind == KindDelete {
			retracted[ev.Retracts] = true
		}
	}
	visible := make([]Event, 0, len(all))
	for _, ev := range all {
		if ev.Kind != KindDelete && !retracted[ev.ID] {
			visible = append(visible, ev)
		}
	}

	end := len(visible) - (page-1)*size
	if end <= 0 {
		return []Event{}, nil
	}
	start := max(end-size, 0)
	return visible[start:end], nil
}

// Find returns the visible message with id.
func (s *Store) Find(conversationID, id string) (Event, error) {
	all, err := s.After(conversationID, 0)
	if err != nil {
		return Event{}, err
	}

	var found *Event
	for i := range all {
		ev := all[i]
		switch {
		case ev.Kind == KindDelete && ev.Retracts == id:
			found = nil
		case ev.Kind != KindDelete && ev.ID == id:
			found = &all[i]
		}
	}
	if found == nil {
		return Event{}, ErrNotFound
	}
	return *found, nil
}

func (s *Store) byCorrelationLocked(conversationID, correlationID string) (Event, bool, error) {
	raw, closer, err := s.db.Get(correlationKey(conversationID, correlationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("read correlation index: %w", err)
	}
	seq, parseErr := strconv.ParseUint(string(raw), 10, 64)
	_ = closer.Close()
	if parseErr != nil {
		return Event{}, false, fmt.Errorf("parse correlation index: %w", parseErr)
	}

	data, closer, err := s.db.Get(eventKey(conversationID, seq))
	if err != nil {
		return Event{}, false, fmt.Errorf("read event %d: %w", seq, err)
	}
	defer closer.Close()

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false, fmt.Errorf("decode event %d: %w", seq, err)
	}
	return ev, true, nil
}

func (s *Store) lastSeqLocked(conversationID string) (uint64, error) {
	if seq, ok := s.last[conversationID]; ok {
		return seq, nil
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(conversationID, 0),
		UpperBound: eventUpperBound(conversationID),
	})
	if err != nil {
		return 0, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var seq uint64
	if iter.Last() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return 0, fmt.Errorf("decode last event: %w", err)
		}
		seq = ev.Seq
	}
	s.last[conversationID] = seq
	return seq, nil
}

func eventPrefix(conversationID string) string {
	return "conv:" + conversationID + ":evt:"
}

func eventKey(conversationID string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", eventPrefix(conversationID), seq)
}

// eventUpperBound is the first key after every event of the conversation.
func eventUpperBound(conversationID string) []byte {
	prefix := []byte(eventPrefix(conversationID))
	prefix[len(prefix)-1]++
	return prefix
}

func correlationKey(conversationID, correlationID string) []byte {
	return []byte("conv:" + conversationID + ":corr:" + correlationID)
}
