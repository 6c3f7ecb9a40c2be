package bus

import "loopsync/pkg/message"

// Request is a conversation turn queued for the planner.
type Request struct {
	ConversationID string `json:"conversationId"`
	CorrelationID  string `json:"correlationId"`
	SenderID       string `json:"senderId,omitempty"`
	Body           string `json:"body"`
	Variant        string `json:"requestVariant,omitempty"`
}

// Reply is the planner's answer to a Request.
type Reply struct {
	ConversationID  string                     `json:"conversationId"`
	ReplyTo         string                     `json:"replyTo,omitempty"`
	Body            string                     `json:"body,omitempty"`
	Recommendations *message.RecommendationSet `json:"recommendations,omitempty"`
	Error           string                     `json:"error,omitempty"`
}
