package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T, cursors chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors <- r.URL.Query().Get("lastEventId")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","eventId":7,"id":"m1","body":"hello"}`))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			_ = ws.WriteMessage(websocket.TextMessage, data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewDialerRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/ws", "ws://", "::"} {
		if _, err := NewDialer(raw, nil); err == nil {
			t.Fatalf("NewDialer(%q) expected error", raw)
		}
	}

	d, err := NewDialer("https://example.com/conversations/a/ws", nil)
	if err != nil {
		t.Fatalf("NewDialer error: %v", err)
	}
	if d.url.Scheme != "wss" {
		t.Fatalf("scheme = %q, want wss", d.url.Scheme)
	}
}

func TestDialReceiveAndSend(t *testing.T) {
	cursors := make(chan string, 2)
	srv := newEchoServer(t, cursors)

	d, err := NewDialer(srv.URL+"/conversations/a/ws", nil)
	if err != nil {
		t.Fatalf("NewDialer error: %v", err)
	}
	if !d.CanSend() {
		t.Fatal("socket dialer must support sends")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "41")
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	if got := <-cursors; got != "41" {
		t.Fatalf("lastEventId = %q, want 41", got)
	}

	frame, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if frame.EventID != "7" || frame.Event != "message" {
		t.Fatalf("frame = %+v, want event message id 7", frame)
	}

	if err := conn.Send(ctx, []byte(`{"type":"message","correlationId":"c1","body":"hi"}`)); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	echo, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive echo error: %v", err)
	}
	if !strings.Contains(string(echo.Data), `"c1"`) {
		t.Fatalf("echo = %s, want correlation c1", echo.Data)
	}
}

func TestReceiveStopsOnContextCancel(t *testing.T) {
	srv := newEchoServer(t, make(chan string, 1))
	d, err := NewDialer(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewDialer error: %v", err)
	}

	conn, err := d.Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	if _, err := conn.Receive(context.Background()); err != nil {
		t.Fatalf("first Receive error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := conn.Receive(ctx); err == nil {
		t.Fatal("expected Receive to fail after cancel")
	}
}
