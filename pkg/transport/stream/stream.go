// Package stream is the receive-only Server-Sent Events transport variant.
// Sends for conversations on this variant go through the request-style API.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"loopsync/pkg/transport"
)

// Dialer opens event streams for one conversation endpoint.
type Dialer struct {
	url    *url.URL
	client *http.Client
	header http.Header
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer builds a stream dialer. A nil client uses a client without a
// timeout, since the response body lives as long as the stream.
func NewDialer(rawURL string, client *http.Client, header http.Header) (*Dialer, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported stream scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("stream url host is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Dialer{url: u, client: client, header: header.Clone()}, nil
}

func (d *Dialer) Name() string { return "stream" }

func (d *Dialer) CanSend() bool { return false }

// Dial opens the stream. A non-empty cursor is sent both as the lastEventId
// query parameter and as the Last-Event-ID header.
func (d *Dialer) Dial(ctx context.Context, cursor string) (transport.Conn, error) {
	target := *d.url
	if cursor != "" {
		q := target.Query()
		q.Set("lastEventId", cursor)
		target.RawQuery = q.Encode()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	for key, values := range d.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if cursor != "" {
		req.Header.Set("Last-Event-ID", cursor)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	return &conn{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

type conn struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	cancel    context.CancelFunc
	closeOnce sync.Once

	// lastEventID outlives individual events: an event without an id line
	// carries the previous one, and an empty id line clears it. A cleared id
	// yields frames without EventID, which leave the adapter's cursor as is.
	lastEventID string
}

// Receive returns the next dispatched event. Comment lines and events with
// no data are skipped; an id line on a skipped event still updates the last
// event id.
func (c *conn) Receive(ctx context.Context) (transport.Frame, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	var (
		data  []string
		event string
	)
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return transport.Frame{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return transport.Frame{}, fmt.Errorf("stream ended: %w", err)
			}
			return transport.Frame{}, fmt.Errorf("read stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 {
				event = ""
				continue
			}
			return transport.Frame{Data: []byte(strings.Join(data, "\n")), Event: event, EventID: c.lastEventID}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				c.lastEventID = value
			}
		}
	}
}

func (c *conn) Send(context.Context, []byte) error {
	return transport.ErrSendUnsupported
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.body.Close()
	})
	return err
}
