package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"loopsync/pkg/api"
	"loopsync/pkg/config"
	"loopsync/pkg/message"
	"loopsync/pkg/planner"
	"loopsync/pkg/session"
	"loopsync/pkg/transport"
)

func startRelay(t *testing.T, responder planner.Responder, cfg config.RelayConfig) (*Server, *httptest.Server) {
	t.Helper()

	store, err := OpenStore("relay", vfs.NewMem(), nil)
	require.NoError(t, err)

	srv, err := New(Options{Config: cfg, Store: store, Responder: responder})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv.StartWorkers(ctx)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		httpSrv.Close()
		_ = store.Close()
	})
	return srv, httpSrv
}

func openSession(t *testing.T, baseURL, conversationID string, kind session.Kind, selfID string) *session.Session {
	t.Helper()

	header := http.Header{}
	header.Set(api.SenderHeader, selfID)
	client, err := api.New(baseURL, nil, header)
	require.NoError(t, err)

	s, err := session.Open(context.Background(), session.Options{
		ConversationID: conversationID,
		Client:         client,
		Kind:           kind,
		SelfID:         selfID,
		AwaitReplies:   true,
		PendingTimeout: 3 * time.Second,
		Backoff:        transport.Backoff{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond, MaxAttempts: 3},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRelaySocketSessionRoundTrip(t *testing.T) {
	_, httpSrv := startRelay(t, planner.Echo{}, config.RelayConfig{})
	s := openSession(t, httpSrv.URL, "week", session.KindSocket, "me")

	require.Eventually(t, func() bool { return s.Snapshot().HistoryLoaded }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Submit(context.Background(), "plan: run, stretch"))

	require.Eventually(t, func() bool {
		view := s.Snapshot()
		return view.Recommendations.Len() == 2 && !view.AwaitingReply
	}, 5*time.Second, 10*time.Millisecond)

	view := s.Snapshot()
	require.Len(t, view.Messages, 2)
	require.Equal(t, message.AuthorLocal, view.Messages[0].Author)
	require.Equal(t, message.StateConfirmed, view.Messages[0].State)
	require.Equal(t, "plan: run, stretch", view.Messages[0].Body)
	require.Equal(t, message.AuthorAssistant, view.Messages[1].Author)
	require.Equal(t, "run", view.Recommendations.Items[0].Title)

	require.NoError(t, s.Retry(context.Background()))
	require.Eventually(t, func() bool {
		view := s.Snapshot()
		last := view.Messages[len(view.Messages)-1]
		return last.NeedsInput && !view.AwaitingReply
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, s.Snapshot().Recommendations.Len())
}

func TestRelayStreamSessionUsesRequestSends(t *testing.T) {
	_, httpSrv := startRelay(t, planner.Echo{}, config.RelayConfig{})
	s := openSession(t, httpSrv.URL, "stream-room", session.KindStream, "me")

	require.Eventually(t, func() bool { return s.Connection() == transport.StateOpen }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Submit(context.Background(), "hello"))

	require.Eventually(t, func() bool {
		view := s.Snapshot()
		return len(view.Messages) == 2 && view.Messages[0].State == message.StateConfirmed && !view.AwaitingReply
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "echo: hello", s.Snapshot().Messages[1].Body)
}

func TestRelayRetractionReachesObservers(t *testing.T) {
	_, httpSrv := startRelay(t, nil, config.RelayConfig{})
	alice := openSession(t, httpSrv.URL, "team", session.KindSocket, "alice")
	bob := openSession(t, httpSrv.URL, "team", session.KindStream, "bob")

	require.Eventually(t, func() bool {
		return alice.Connection() == transport.StateOpen && bob.Connection() == transport.StateOpen
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Submit(context.Background(), "hi team"))
	require.Eventually(t, func() bool { return len(bob.Snapshot().Messages) == 1 }, 5*time.Second, 10*time.Millisecond)

	seen := bob.Snapshot().Messages[0]
	require.Equal(t, message.AuthorRemote, seen.Author)
	require.Equal(t, "alice", seen.SenderID)

	require.NoError(t, bob.Retract(context.Background(), seen.ID))
	require.Eventually(t, func() bool {
		return len(alice.Snapshot().Messages) == 0 && len(bob.Snapshot().Messages) == 0
	}, 5*time.Second, 10*time.Millisecond)

	err := bob.Retract(context.Background(), seen.ID)
	require.ErrorIs(t, err, api.ErrStatus)
}

func TestRelayStreamReplaysAfterLastEventID(t *testing.T) {
	_, httpSrv := startRelay(t, nil, config.RelayConfig{})

	for _, body := range []string{"one", "two", "three"} {
		payload, _ := json.Marshal(api.SendRequest{CorrelationID: body, Body: body})
		resp, err := http.Post(httpSrv.URL+"/conversations/r/messages", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/conversations/r/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(ids) < 2 {
		if id, ok := strings.CutPrefix(scanner.Text(), "id: "); ok {
			ids = append(ids, id)
		}
	}
	require.Equal(t, []string{"2", "3"}, ids)
}

func TestRelayHistoryAndValidation(t *testing.T) {
	srv, httpSrv := startRelay(t, nil, config.RelayConfig{RatePerSecond: 1, Burst: 2})

	post := func(body string) int {
		payload, _ := json.Marshal(api.SendRequest{Body: body})
		resp, err := http.Post(httpSrv.URL+"/conversations/h/messages", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusBadRequest, post("  "))
	require.Equal(t, http.StatusAccepted, post("first"))
	require.Equal(t, http.StatusTooManyRequests, post("second"))

	client, err := api.New(httpSrv.URL, nil, nil)
	require.NoError(t, err)
	raw, err := client.History(context.Background(), "h", 1, 10)
	require.NoError(t, err)

	msgs, err := message.Normalizer{}.NormalizeJSON(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "first", msgs[0].Body)
	require.Equal(t, "anonymous", msgs[0].SenderID)

	resp, err := http.Get(httpSrv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(httpSrv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(resp.Body)
	require.Contains(t, body.String(), "loopsync_relay_events_stored_total")
	require.NotNil(t, srv.Metrics())
}

func TestReadinessFollowsWorkers(t *testing.T) {
	store, err := OpenStore("ready", vfs.NewMem(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, err := New(Options{Store: store, Responder: planner.Echo{}})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		httpSrv.Close()
	})

	readyStatus := func() (int, statusResponse) {
		resp, err := http.Get(httpSrv.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		var payload statusResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		return resp.StatusCode, payload
	}

	code, payload := readyStatus()
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "not_ready", payload.Status)
	require.True(t, payload.Planner)

	srv.StartWorkers(context.Background())
	code, payload = readyStatus()
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", payload.Status)
}
