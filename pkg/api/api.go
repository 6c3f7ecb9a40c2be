// Package api is the request/response side of the chat backend: history
// pages, request-style sends, and retractions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SenderHeader identifies the sending user to the relay.
const SenderHeader = "X-Sender-ID"

// ErrStatus wraps every non-2xx response.
var ErrStatus = errors.New("unexpected status")

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 512
)

// Variant distinguishes a normal send from the explicit re-request flows.
type Variant string

const (
	VariantSend     Variant = "send"
	VariantRetry    Variant = "retry"
	VariantRevision Variant = "revision"
)

// SendRequest is the body of a request-style send.
type SendRequest struct {
	ConversationID string  `json:"conversationId"`
	CorrelationID  string  `json:"correlationId"`
	Body           string  `json:"body"`
	RequestVariant Variant `json:"requestVariant"`
}

// SocketFrame is the outbound message frame written on a socket.
type SocketFrame struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversationId"`
	CorrelationID  string  `json:"correlationId"`
	Body           string  `json:"body"`
	RequestVariant Variant `json:"requestVariant,omitempty"`
}

// NewSocketFrame builds the socket form of req. The variant is omitted for
// normal sends.
func NewSocketFrame(req SendRequest) SocketFrame {
	frame := SocketFrame{
		Type:           "message",
		ConversationID: req.ConversationID,
		CorrelationID:  req.CorrelationID,
		Body:           req.Body,
	}
	if req.RequestVariant != VariantSend {
		frame.RequestVariant = req.RequestVariant
	}
	return frame
}

type Client struct {
	base   *url.URL
	http   *http.Client
	header http.Header
}

// New builds a client for baseURL. A nil httpClient gets a default timeout.
func New(baseURL string, httpClient *http.Client, header http.Header) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("base url host is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: u, http: httpClient, header: header.Clone()}, nil
}

// History fetches one page of messages. The raw envelope is returned so the
// caller can normalize whatever shape the server uses.
func (c *Client) History(ctx context.Context, conversationID string, page, size int) ([]byte, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}

	body, err := c.do(ctx, http.MethodGet, c.messagesPath(conversationID), q, nil)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return body, nil
}

// Send posts a message for conversations whose push channel is receive-only.
func (c *Client) Send(ctx context.Context, req SendRequest) error {
	if req.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if req.RequestVariant == "" {
		req.RequestVariant = VariantSend
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, c.messagesPath(req.ConversationID), nil, payload); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Retract asks the server to delete a message; the removal arrives on the
// push channel like any other event.
func (c *Client) Retract(ctx context.Context, conversationID, messageID string) error {
	if conversationID == "" || messageID == "" {
		return errors.New("conversation id and message id are required")
	}
	path := c.messagesPath(conversationID) + "/" + url.PathEscape(messageID)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("retract message: %w", err)
	}
	return nil
}

// SocketURL is the WebSocket endpoint for a conversation.
func (c *Client) SocketURL(conversationID string) string {
	u := c.endpoint(c.conversationPath(conversationID) + "/ws")
	return u.String()
}

// StreamURL is the Server-Sent Events endpoint for a conversation.
func (c *Client) StreamURL(conversationID string) string {
	u := c.endpoint(c.conversationPath(conversationID) + "/events")
	return u.String()
}

// Header returns a copy of the headers sent with every request.
func (c *Client) Header() http.Header {
	return c.header.Clone()
}

// conversationPath returns the escaped path of a conversation resource.
func (c *Client) conversationPath(conversationID string) string {
	return c.base.EscapedPath() + "/conversations/" + url.PathEscape(conversationID)
}

func (c *Client) endpoint(escapedPath string) url.URL {
	u := *c.base
	u.RawPath = escapedPath
	if p, err := url.PathUnescape(escapedPath); err == nil {
		u.Path = p
	}
	return u
}

func (c *Client) messagesPath(conversationID string) string {
	return c.conversationPath(conversationID) + "/messages"
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	u := c.endpoint(path)
	u.RawQuery = query.Encode()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range c.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, snippet)
	}
	return data, nil
}
