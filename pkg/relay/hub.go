package relay

import (
	"log/slog"
	"sync"

	"loopsync/pkg/metrics"
)

const subscriberBuffer = 64

// hub fans stored events out to live subscribers of a conversation. A
// subscriber that falls a full buffer behind is dropped; its client resumes
// from its cursor on reconnect.
type hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan Event
}

func newHub(log *slog.Logger, m *metrics.Metrics) *hub {
	return &hub{
		log:     log.With("component", "relay.hub"),
		metrics: m,
		subs:    make(map[string]map[uint64]chan Event),
	}
}

// subscribe registers for live events. The channel is closed when the
// subscriber is dropped or unsubscribes.
func (h *hub) subscribe(conversationID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[uint64]chan Event)
	}
	h.subs[conversationID][id] = ch
	h.mu.Unlock()
	h.metrics.RelaySubscribers(1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			h.removeLocked(conversationID, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			h.log.Warn("dropping slow subscriber", "conversation", ev.ConversationID, "seq", ev.Seq)
			h.removeLocked(ev.ConversationID, id)
		}
	}
}

func (h *hub) removeLocked(conversationID string, id uint64) {
	subs := h.subs[conversationID]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.subs, conversationID)
	}
	close(ch)
	h.metrics.RelaySubscribers(-1)
}

func (h *hub) count(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conversationID, subs := range h.subs {
		for id := range subs {
			h.removeLocked(conversationID, id)
		}
	}
}
