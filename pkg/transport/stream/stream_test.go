package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loopsync/pkg/transport"
)

func TestDialSendsResumeCursor(t *testing.T) {
	type seen struct{ query, header string }
	got := make(chan seen, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{query: r.URL.Query().Get("lastEventId"), header: r.Header.Get("Last-Event-ID")}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := NewDialer(srv.URL+"/conversations/a/events", nil, nil)
	if err != nil {
		t.Fatalf("NewDialer error: %v", err)
	}
	conn, err := d.Dial(context.Background(), "12")
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	s := <-got
	if s.query != "12" || s.header != "12" {
		t.Fatalf("cursor = query %q header %q, want 12/12", s.query, s.header)
	}
}

func TestReceiveParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "id: 1\nevent: message\ndata: {\"id\":\"m1\",\ndata: \"body\":\"hi\"}\n\n")
		fmt.Fprint(w, "event: recommendations\r\nid: 2\r\ndata: {\"id\":\"r1\"}\r\n\r\n")
		flusher.Flush()
	}))
	defer srv.Close()

	d, err := NewDialer(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewDialer error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "")
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	first, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if first.EventID != "1" || first.Event != "message" || string(first.Data) != "{\"id\":\"m1\",\n\"body\":\"hi\"}" {
		t.Fatalf("first = %+v (%s)", first, first.Data)
	}

	second, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if second.EventID != "2" || second.Event != "recommendations" {
		t.Fatalf("second = %+v", second)
	}

	if _, err := conn.Receive(ctx); err == nil {
		t.Fatal("expected error once the stream ends")
	}
}

func TestDialRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, err := NewDialer(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewDialer error: %v", err)
	}
	if _, err := d.Dial(context.Background(), ""); err == nil {
		t.Fatal("expected dial error on 503")
	}
}

func TestStreamIsReceiveOnly(t *testing.T) {
	d, err := NewDialer("http://example.com/events", nil, nil)
	if err != nil {
		t.Fatalf("NewDialer error: %v", err)
	}
	if d.CanSend() {
		t.Fatal("stream dialer must be receive-only")
	}
	c := &conn{}
	if err := c.Send(context.Background(), nil); !errors.Is(err, transport.ErrSendUnsupported) {
		t.Fatalf("Send() error = %v, want ErrSendUnsupported", err)
	}
	if _, err := NewDialer("ws://example.com/events", nil, nil); err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestLastEventIDCarriesAcrossEvents(t *testing.T) {
	body := "id: 7\ndata: a\n\n" +
		"data: b\n\n" +
		"id: 9\n\n" +
		"data: c\n\n" +
		"id:\ndata: d\n\n"
	c := &conn{
		body:   io.NopCloser(strings.NewReader(body)),
		reader: bufio.NewReader(strings.NewReader(body)),
		cancel: func() {},
	}

	want := []struct{ data, id string }{{"a", "7"}, {"b", "7"}, {"c", "9"}, {"d", ""}}
	for _, w := range want {
		frame, err := c.Receive(context.Background())
		if err != nil {
			t.Fatalf("Receive error: %v", err)
		}
		if string(frame.Data) != w.data || frame.EventID != w.id {
			t.Fatalf("frame = %q/%q, want %q/%q", frame.Data, frame.EventID, w.data, w.id)
		}
	}
}
