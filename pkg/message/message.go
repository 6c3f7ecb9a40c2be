package message

import (
	"slices"
	"strings"
	"time"
)

// Author identifies who produced a message from the viewer's perspective.
type Author string

const (
	AuthorLocal     Author = "local"
	AuthorRemote    Author = "remote"
	AuthorAssistant Author = "assistant"
	AuthorSystem    Author = "system"
)

// State is the lifecycle state of a visible message.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateRetracted State = "retracted"
)

// Message is the canonical record every inbound shape is flattened into.
type Message struct {
	ID              string             `json:"id,omitempty"`
	CorrelationID   string             `json:"correlationId,omitempty"`
	ConversationID  string             `json:"conversationId,omitempty"`
	Author          Author             `json:"author"`
	SenderID        string             `json:"senderId,omitempty"`
	Body            string             `json:"body,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	Recommendations *RecommendationSet `json:"recommendations,omitempty"`
	State           State              `json:"state"`

	// Retracts names a previously delivered message this event removes.
	Retracts string `json:"retracts,omitempty"`
	// EventID is the stream position carried by the event, if any.
	EventID string `json:"eventId,omitempty"`
	// NeedsInput marks an assistant reply that answers a retry or revision
	// request by asking the user for more input.
	NeedsInput bool `json:"needsInput,omitempty"`
	// AuthorInferred is set when the record named neither an author nor a
	// sender and Author is the normalizer's default.
	AuthorInferred bool `json:"-"`
}

// RecommendationSet is the structured side-channel payload of a planner reply.
type RecommendationSet struct {
	Items []Recommendation `json:"items"`
}

// Recommendation is one suggested schedule entry.
type Recommendation struct {
	ID       string   `json:"id,omitempty"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
	StartsAt string   `json:"startsAt,omitempty"`
	EndsAt   string   `json:"endsAt,omitempty"`
	Days     []string `json:"days,omitempty"`
}

// Identity returns the keys under which the message is tracked for dedup.
func (m Message) Identity() []string {
	keys := make([]string, 0, 2)
	if m.ID != "" {
		keys = append(keys, m.ID)
	}
	if m.CorrelationID != "" && m.CorrelationID != m.ID {
		keys = append(keys, m.CorrelationID)
	}
	return keys
}

// HasContent reports whether the message carries anything worth displaying.
func (m Message) HasContent() bool {
	return strings.TrimSpace(m.Body) != "" || m.Recommendations != nil
}

// Clone returns a deep copy so callers can hand messages across goroutines.
func (m Message) Clone() Message {
	if m.Recommendations != nil {
		m.Recommendations = m.Recommendations.Clone()
	}
	return m
}

// Clone returns a deep copy of the set.
func (s *RecommendationSet) Clone() *RecommendationSet {
	if s == nil {
		return nil
	}

	items := make([]Recommendation, len(s.Items))
	for i, item := range s.Items {
		item.Days = slices.Clone(item.Days)
		items[i] = item
	}
	return &RecommendationSet{Items: items}
}

// Len returns the number of recommendations, tolerating a nil set.
func (s *RecommendationSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Items)
}
