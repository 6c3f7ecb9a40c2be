// Package socket is the bidirectional WebSocket transport variant.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loopsync/pkg/transport"
)

const defaultHandshakeTimeout = 10 * time.Second

// Dialer opens WebSocket connections to one conversation endpoint.
type Dialer struct {
	url    *url.URL
	header http.Header
	ws     *websocket.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer accepts ws, wss, http or https URLs.
func NewDialer(rawURL string, header http.Header) (*Dialer, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported socket scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("socket url host is required")
	}

	return &Dialer{
		url:    u,
		header: header.Clone(),
		ws:     &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}, nil
}

func (d *Dialer) Name() string { return "socket" }

func (d *Dialer) CanSend() bool { return true }

// Dial connects and asks the server to replay events after cursor.
func (d *Dialer) Dial(ctx context.Context, cursor string) (transport.Conn, error) {
	target := *d.url
	if cursor != "" {
		q := target.Query()
		q.Set("lastEventId", cursor)
		target.RawQuery = q.Encode()
	}

	ws, resp, err := d.ws.DialContext(ctx, target.String(), d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial socket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial socket: %w", err)
	}
	return newConn(ws), nil
}

type conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

// Receive reads the next text frame. Cancelling ctx closes the connection.
func (c *conn) Receive(ctx context.Context) (transport.Frame, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return transport.Frame{}, ctx.Err()
			}
			return transport.Frame{}, fmt.Errorf("read socket: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		event, id := peek(data)
		return transport.Frame{Data: data, EventID: id, Event: event}, nil
	}
}

func (c *conn) Send(ctx context.Context, payload []byte) error {
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write socket: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// peek extracts the event type and resume id carried inside a socket frame.
func peek(data []byte) (string, string) {
	var head struct {
		Type    string          `json:"type"`
		Event   string          `json:"event"`
		EventID json.RawMessage `json:"eventId"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", ""
	}
	event := head.Type
	if event == "" {
		event = head.Event
	}
	id := strings.Trim(strings.TrimSpace(string(head.EventID)), `"`)
	if id == "null" {
		id = ""
	}
	return event, id
}
