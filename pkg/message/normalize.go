package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Event types with special meaning to the normalizer.
const (
	EventRecommendations        = "recommendations"
	EventRecommendationResult   = "recommendation_result"
	EventScheduleRecommendation = "schedule_recommendations"
	EventDelete                 = "delete"
)

var (
	envelopeKeys      = []string{"data", "message", "messages", "payload", "result", "items"}
	idKeys            = []string{"id", "messageId", "message_id", "_id"}
	correlationKeys   = []string{"correlationId", "correlation_id", "clientId", "clientMessageId", "tempId"}
	authorKeys        = []string{"author", "role", "authorType", "senderType", "sender_type"}
	senderKeys        = []string{"senderId", "sender_id", "userId", "user_id"}
	bodyKeys          = []string{"body", "content", "text", "message", "summary"}
	timeKeys          = []string{"createdAt", "created_at", "timestamp", "ts", "sentAt"}
	eventIDKeys       = []string{"eventId", "event_id", "lastEventId"}
	conversationKeys  = []string{"conversationId", "conversation_id", "roomId", "thread"}
	retractionKeys    = []string{"retractedId", "deletedId", "retracts"}
	retractionTypes   = []string{EventDelete, "retract", "message_deleted", "message_retracted"}
	recommendationTys = []string{EventRecommendations, EventRecommendationResult, EventScheduleRecommendation}
)

// Normalizer flattens heterogeneous server payloads into canonical messages.
//
// SelfID, when set, classifies user-authored records by sender: records sent
// by SelfID become AuthorLocal, everyone else AuthorRemote. DefaultAuthor is
// used for records that carry no author hint at all.
type Normalizer struct {
	SelfID        string
	DefaultAuthor Author
}

// envelope carries hints from an outer object down to nested records.
type envelope struct {
	eventType      string
	eventID        string
	conversationID string
}

func (e envelope) inherit(obj map[string]any) envelope {
	if value := stringField(obj, "type", "event"); value != "" {
		e.eventType = strings.ToLower(value)
	}
	if value := stringField(obj, eventIDKeys...); value != "" {
		e.eventID = value
	}
	if value := stringField(obj, conversationKeys...); value != "" {
		e.conversationID = value
	}
	return e
}

// Normalize flattens an already decoded payload.
func (n Normalizer) Normalize(raw any) []Message {
	var out []Message
	n.collect(raw, envelope{}, &out)
	SortByCreatedAt(out)
	return out
}

// NormalizeJSON decodes and flattens one raw payload.
func (n Normalizer) NormalizeJSON(data []byte) ([]Message, error) {
	return n.NormalizeEvent("", data)
}

// NormalizeEvent decodes and flattens a payload delivered under a named event
// (for example an SSE "event:" field). The name acts as the outermost type.
func (n Normalizer) NormalizeEvent(eventType string, data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var out []Message
	n.collect(raw, envelope{eventType: strings.ToLower(strings.TrimSpace(eventType))}, &out)
	SortByCreatedAt(out)
	return out, nil
}

func (n Normalizer) collect(raw any, env envelope, out *[]Message) {
	switch value := raw.(type) {
	case []any:
		for _, item := range value {
			n.collect(item, env, out)
		}
	case map[string]any:
		n.collectObject(value, env, out)
	}
}

func (n Normalizer) collectObject(obj map[string]any, env envelope, out *[]Message) {
	env = env.inherit(obj)

	if slices.Contains(recommendationTys, env.eventType) {
		if set, source, ok := recommendationBatch(obj); ok {
			if source != nil {
				env = env.inherit(source)
			} else {
				source = obj
			}
			*out = append(*out, n.record(source, env, set))
			return
		}
	}

	var set *RecommendationSet
	if list, ok := obj["recommendations"].([]any); ok {
		set = ParseRecommendations(list)
	}

	body := bodyOf(obj)
	identified := hasAnyField(obj, idKeys) || hasAnyField(obj, correlationKeys) || hasAnyField(obj, authorKeys)
	special := set != nil || retractionOf(obj, env) != ""

	// An object wrapping containers is an envelope unless it is an
	// identified message with text; an unidentified "message" string next to
	// a container is a status line.
	if !special && (body == "" || !identified) {
		if nested := nestedPayloads(obj); len(nested) > 0 {
			for _, value := range nested {
				n.collect(value, env, out)
			}
			return
		}
	}
	if !special && !identified && body == "" {
		return
	}

	*out = append(*out, n.record(obj, env, set))
}

func (n Normalizer) record(obj map[string]any, env envelope, set *RecommendationSet) Message {
	msg := Message{
		ID:              stringField(obj, idKeys...),
		CorrelationID:   stringField(obj, correlationKeys...),
		ConversationID:  stringField(obj, conversationKeys...),
		SenderID:        senderOf(obj),
		Body:            bodyOf(obj),
		CreatedAt:       timeField(obj, timeKeys...),
		Recommendations: set,
		State:           StateConfirmed,
		EventID:         stringField(obj, eventIDKeys...),
	}
	if msg.ConversationID == "" {
		msg.ConversationID = env.conversationID
	}
	if msg.EventID == "" {
		msg.EventID = env.eventID
	}

	msg.Retracts = retractionOf(obj, env)
	if msg.Retracts != "" && msg.Retracts == msg.ID {
		// The record names the message it removes; it has no identity of its own.
		msg.ID = ""
	}

	msg.Author, msg.AuthorInferred = n.author(obj, msg.SenderID, set != nil)
	return msg
}

func (n Normalizer) author(obj map[string]any, senderID string, hasRecommendations bool) (Author, bool) {
	switch strings.ToLower(stringField(obj, authorKeys...)) {
	case "assistant", "ai", "bot", "planner", "model":
		return AuthorAssistant, false
	case "system", "notice":
		return AuthorSystem, false
	case "local", "me", "self":
		return AuthorLocal, false
	case "remote", "member", "other":
		return AuthorRemote, false
	case "user", "human":
		if n.SelfID != "" && senderID != "" && senderID != n.SelfID {
			return AuthorRemote, false
		}
		return AuthorLocal, false
	}

	if n.SelfID != "" && senderID != "" {
		if senderID == n.SelfID {
			return AuthorLocal, false
		}
		return AuthorRemote, false
	}
	if hasRecommendations {
		return AuthorAssistant, false
	}
	if n.DefaultAuthor != "" {
		return n.DefaultAuthor, true
	}
	return AuthorRemote, true
}

// recommendationBatch locates the items of a recommendation event. The
// returned source is the nested object holding message fields, or nil when
// they live on obj itself.
func recommendationBatch(obj map[string]any) (*RecommendationSet, map[string]any, bool) {
	if list, ok := obj["recommendations"].([]any); ok {
		return ParseRecommendations(list), nil, true
	}

	switch data := obj["data"].(type) {
	case []any:
		return ParseRecommendations(data), nil, true
	case map[string]any:
		if list, ok := data["recommendations"].([]any); ok {
			return ParseRecommendations(list), data, true
		}
	}

	return nil, nil, false
}

// ParseRecommendations builds a set from a decoded list whose items are
// plain titles or objects; items with no title, detail or id are skipped.
func ParseRecommendations(list []any) *RecommendationSet {
	set := &RecommendationSet{Items: make([]Recommendation, 0, len(list))}
	for _, raw := range list {
		switch item := raw.(type) {
		case string:
			if title := strings.TrimSpace(item); title != "" {
				set.Items = append(set.Items, Recommendation{Title: title})
			}
		case map[string]any:
			rec := Recommendation{
				ID:       stringField(item, idKeys...),
				Title:    stringField(item, "title", "name", "summary"),
				Detail:   stringField(item, "detail", "description", "note"),
				StartsAt: stringField(item, "startsAt", "start", "startTime", "start_time"),
				EndsAt:   stringField(item, "endsAt", "end", "endTime", "end_time"),
				Days:     stringList(item["days"]),
			}
			if rec.Title == "" && rec.Detail == "" && rec.ID == "" {
				continue
			}
			set.Items = append(set.Items, rec)
		}
	}
	return set
}

func nestedPayloads(obj map[string]any) []any {
	var nested []any
	for _, key := range envelopeKeys {
		switch value := obj[key].(type) {
		case map[string]any, []any:
			nested = append(nested, value)
		}
	}
	return nested
}

func retractionOf(obj map[string]any, env envelope) string {
	if id := stringField(obj, retractionKeys...); id != "" {
		return id
	}
	if slices.Contains(retractionTypes, env.eventType) {
		return stringField(obj, idKeys...)
	}
	return ""
}

func bodyOf(obj map[string]any) string {
	for _, key := range bodyKeys {
		if text, ok := obj[key].(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return ""
}

func senderOf(obj map[string]any) string {
	if id := stringField(obj, senderKeys...); id != "" {
		return id
	}
	if author, ok := obj["author"].(map[string]any); ok {
		return stringField(author, "id", "userId")
	}
	if sender, ok := obj["sender"].(map[string]any); ok {
		return stringField(sender, "id", "userId")
	}
	return ""
}

func hasAnyField(obj map[string]any, keys []string) bool {
	return stringField(obj, keys...) != ""
}

// stringField returns the first non-empty scalar among keys, rendered as text.
func stringField(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		switch value := obj[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return value.String()
		case float64:
			return strconv.FormatFloat(value, 'f', -1, 64)
		}
	}
	return ""
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(list))
	for _, item := range list {
		if text, ok := item.(string); ok && strings.TrimSpace(text) != "" {
			out = append(out, strings.TrimSpace(text))
		}
	}
	return out
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

func timeField(obj map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		switch value := obj[key].(type) {
		case string:
			if parsed, ok := parseTime(value); ok {
				return parsed
			}
		case json.Number:
			if n, err := value.Int64(); err == nil {
				return epoch(n)
			}
			if f, err := value.Float64(); err == nil {
				return epoch(int64(f))
			}
		case float64:
			return epoch(int64(value))
		}
	}
	return time.Time{}
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), true
		}
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return epoch(n), true
	}
	return time.Time{}, false
}

// epoch interprets an integer timestamp by magnitude: seconds, milliseconds,
// microseconds or nanoseconds.
func epoch(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v > 1e17:
		return time.Unix(0, v).UTC()
	case v > 1e14:
		return time.UnixMicro(v).UTC()
	case v > 1e11:
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}

// SortByCreatedAt orders messages by timestamp, keeping arrival order for
// ties. A record without a timestamp sorts with its predecessor.
func SortByCreatedAt(msgs []Message) {
	if len(msgs) < 2 {
		return
	}

	type keyed struct {
		at  time.Time
		msg Message
	}

	items := make([]keyed, len(msgs))
	var last time.Time
	for i, msg := range msgs {
		if !msg.CreatedAt.IsZero() {
			last = msg.CreatedAt
		}
		items[i] = keyed{at: last, msg: msg}
	}

	slices.SortStableFunc(items, func(a, b keyed) int {
		return a.at.Compare(b.at)
	})

	for i, item := range items {
		msgs[i] = item.msg
	}
}
