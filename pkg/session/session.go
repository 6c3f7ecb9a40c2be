// Package session owns the lifecycle of one conversation: its engine,
// its push connection, and its history seed. A Manager keeps at most one
// session open and tears it down before opening the next.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loopsync/pkg/api"
	"loopsync/pkg/bus"
	"loopsync/pkg/engine"
	"loopsync/pkg/history"
	"loopsync/pkg/metrics"
	"loopsync/pkg/transport"
	"loopsync/pkg/transport/socket"
	"loopsync/pkg/transport/stream"
)

// Kind selects the push transport variant.
type Kind string

const (
	KindSocket Kind = "socket"
	KindStream Kind = "stream"
)

const defaultSendTimeout = 10 * time.Second

type Options struct {
	ConversationID  string
	Client          *api.Client
	Kind            Kind
	SelfID          string
	AwaitReplies    bool
	PendingTimeout  time.Duration
	ReplyTimeout    time.Duration
	SendTimeout     time.Duration
	HistoryPageSize int
	Backoff         transport.Backoff
	Bus             *bus.MessageBus
	Logger          *slog.Logger
	Metrics         *metrics.Metrics

	// Dialer overrides the dialer derived from Kind and Client.
	Dialer transport.Dialer
}

type Session struct {
	engine  *engine.Engine
	adapter *transport.Adapter
	client  *api.Client
	bus     *bus.MessageBus
	log     *slog.Logger

	cancelHistory context.CancelFunc
	historyDone   chan struct{}
}

// Open builds and starts a session: it connects the transport in the
// background and seeds history from page one.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(opts.ConversationID) == "" {
		return nil, errors.New("conversation id is required")
	}
	if opts.Client == nil {
		return nil, errors.New("api client is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "session", "conversation", opts.ConversationID)

	dialer, err := dialerFor(opts)
	if err != nil {
		return nil, err
	}

	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	dispatch := &router{client: opts.Client, timeout: sendTimeout}

	eng, err := engine.New(engine.Options{
		ConversationID: opts.ConversationID,
		SelfID:         opts.SelfID,
		AwaitReplies:   opts.AwaitReplies,
		PendingTimeout: opts.PendingTimeout,
		ReplyTimeout:   opts.ReplyTimeout,
		Dispatcher:     dispatch,
		Bus:            opts.Bus,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	adapter, err := transport.New(transport.Options{
		Dialer:  dialer,
		Backoff: opts.Backoff,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Handlers: transport.Handlers{
			OnMessage: func(frame transport.Frame) {
				eng.HandleFrame(frame.Event, frame.Data)
			},
			OnState: eng.SetConnection,
			OnError: func(err error) {
				log.Debug("transport error", "error", err)
			},
		},
	})
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	dispatch.transport = adapter

	loader, err := history.NewLoader(opts.Client, opts.Logger)
	if err != nil {
		eng.Close()
		_ = adapter.Close()
		return nil, fmt.Errorf("create history loader: %w", err)
	}

	if err := adapter.Connect(ctx); err != nil {
		eng.Close()
		_ = adapter.Close()
		return nil, fmt.Errorf("connect transport: %w", err)
	}

	historyCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		engine:        eng,
		adapter:       adapter,
		client:        opts.Client,
		bus:           opts.Bus,
		log:           log,
		cancelHistory: cancel,
		historyDone:   make(chan struct{}),
	}

	go func() {
		defer close(s.historyDone)
		_, _ = loader.Seed(historyCtx, eng, 1, opts.HistoryPageSize)
	}()

	log.Info("session opened", "transport", dialer.Name())
	return s, nil
}

func dialerFor(opts Options) (transport.Dialer, error) {
	if opts.Dialer != nil {
		return opts.Dialer, nil
	}

	switch opts.Kind {
	case KindSocket, "":
		d, err := socket.NewDialer(opts.Client.SocketURL(opts.ConversationID), opts.Client.Header())
		if err != nil {
			return nil, fmt.Errorf("create socket dialer: %w", err)
		}
		return d, nil
	case KindStream:
		d, err := stream.NewDialer(opts.Client.StreamURL(opts.ConversationID), nil, opts.Client.Header())
		if err != nil {
			return nil, fmt.Errorf("create stream dialer: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Kind)
	}
}

func (s *Session) ConversationID() string {
	return s.engine.ConversationID()
}

func (s *Session) Submit(ctx context.Context, text string) error {
	return s.engine.Submit(ctx, text)
}

func (s *Session) Retry(ctx context.Context) error {
	return s.engine.Retry(ctx)
}

func (s *Session) RequestRevision(ctx context.Context, note string) error {
	return s.engine.RequestRevision(ctx, note)
}

// Retract asks the server to delete a message. The removal is applied when
// the retraction event comes back on the push channel.
func (s *Session) Retract(ctx context.Context, messageID string) error {
	return s.client.Retract(ctx, s.ConversationID(), messageID)
}

func (s *Session) Snapshot() engine.View {
	return s.engine.Snapshot()
}

// Events subscribes to engine state transitions. It returns a closed
// channel when the session was opened without a bus.
func (s *Session) Events(ctx context.Context, buffer int) (<-chan bus.Event, func()) {
	if s.bus == nil {
		ch := make(chan bus.Event)
		close(ch)
		return ch, func() {}
	}
	return s.bus.SubscribeEvents(ctx, buffer)
}

func (s *Session) Connection() transport.State {
	return s.adapter.State()
}

// Close cancels the history fetch, closes the connection and any pending
// reconnect, and stops engine timers.
func (s *Session) Close() error {
	s.cancelHistory()
	err := s.adapter.Close()
	<-s.historyDone
	s.engine.Close()
	s.log.Info("session closed")
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// router sends over the socket when the transport supports it and falls
// back to the request-style API otherwise.
type router struct {
	transport transport.Transport
	client    *api.Client
	timeout   time.Duration
}

func (r *router) Dispatch(ctx context.Context, out engine.Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := api.SendRequest{
		ConversationID: out.ConversationID,
		CorrelationID:  out.CorrelationID,
		Body:           out.Body,
		RequestVariant: out.Variant,
	}
	if !r.transport.CanSend() {
		return r.client.Send(ctx, req)
	}

	payload, err := json.Marshal(api.NewSocketFrame(req))
	if err != nil {
		return fmt.Errorf("encode socket frame: %w", err)
	}
	return r.transport.Send(ctx, payload)
}
