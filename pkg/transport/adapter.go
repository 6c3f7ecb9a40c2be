package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loopsync/pkg/metrics"
)

type Options struct {
	Dialer   Dialer
	Handlers Handlers
	Backoff  Backoff
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type outbound struct {
	ctx     context.Context
	payload []byte
	done    chan error
}

// Adapter is the connection state machine:
// disconnected -> connecting -> open -> (closing -> disconnected) or
// (error/close -> disconnected, reconnect while attempts remain).
type Adapter struct {
	dialer   Dialer
	handlers Handlers
	backoff  Backoff
	log      *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu orders direct sends behind the flush of queued ones.
	writeMu sync.Mutex

	notifyMu     sync.Mutex
	lastNotified uint64

	mu        sync.Mutex
	state     State
	stateSeq  uint64
	attempts  int
	exhausted bool
	cursor    string
	conn      Conn
	epoch     uint64
	dialing   bool
	timer     *time.Timer
	queue     []*outbound
	closed    bool
}

var _ Transport = (*Adapter)(nil)

func New(opts Options) (*Adapter, error) {
	if opts.Dialer == nil {
		return nil, errors.New("transport dialer is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	policy := opts.Backoff
	if policy == (Backoff{}) {
		policy = DefaultBackoff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		dialer:   opts.Dialer,
		handlers: opts.Handlers,
		backoff:  policy.withDefaults(),
		log:      log.With("component", "transport.adapter", "transport", opts.Dialer.Name()),
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateDisconnected,
	}, nil
}

// Connect starts connecting in the background. It is a no-op while a dial is
// in flight or the connection is open; during backoff it dials immediately.
func (a *Adapter) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	notify := a.startLocked()
	a.mu.Unlock()

	notify()
	return nil
}

// Send writes payload on the open connection. While disconnected it starts a
// fresh connect; while connecting or backing off the payload is queued and
// flushed once when the connection opens. A queued payload whose ctx ends
// first is withdrawn.
func (a *Adapter) Send(ctx context.Context, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !a.dialer.CanSend() {
		return ErrSendUnsupported
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.state == StateOpen && a.conn != nil {
		conn := a.conn
		a.mu.Unlock()

		a.writeMu.Lock()
		err := conn.Send(ctx, payload)
		a.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		return nil
	}

	out := &outbound{ctx: ctx, payload: payload, done: make(chan error, 1)}
	a.queue = append(a.queue, out)
	notify := func() {}
	if !a.dialing && a.timer == nil {
		notify = a.startLocked()
	}
	a.mu.Unlock()
	notify()

	select {
	case err := <-out.done:
		return err
	case <-ctx.Done():
		a.mu.Lock()
		withdrawn := a.withdrawLocked(out)
		a.mu.Unlock()
		if withdrawn {
			return ctx.Err()
		}
		return <-out.done
	}
}

func (a *Adapter) CanSend() bool {
	return a.dialer.CanSend()
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Cursor returns the id of the last frame whose handler completed.
func (a *Adapter) Cursor() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// Attempts returns the current reconnect attempt count.
func (a *Adapter) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// Close tears down the connection and cancels any pending reconnect. Queued
// sends fail with ErrClosed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.epoch++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	conn := a.conn
	a.conn = nil
	a.failQueueLocked(ErrClosed)
	closing := a.setStateLocked(StateClosing)
	a.mu.Unlock()

	closing()
	a.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	a.mu.Lock()
	disconnected := a.setStateLocked(StateDisconnected)
	a.mu.Unlock()
	disconnected()

	if a.handlers.OnClose != nil {
		a.handlers.OnClose(nil)
	}
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func (a *Adapter) startLocked() func() {
	if a.state == StateOpen || a.dialing {
		return func() {}
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.exhausted {
		a.exhausted = false
		a.attempts = 0
	}

	a.dialing = true
	a.epoch++
	go a.dial(a.epoch, a.cursor)
	return a.setStateLocked(StateConnecting)
}

func (a *Adapter) dial(epoch uint64, cursor string) {
	a.log.Debug("dialing", "cursor", cursor)
	conn, err := a.dialer.Dial(a.ctx, cursor)

	a.mu.Lock()
	if a.closed || epoch != a.epoch {
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	a.dialing = false

	if err != nil {
		notify := a.failLocked(err)
		a.mu.Unlock()
		if a.handlers.OnError != nil {
			a.handlers.OnError(err)
		}
		notify()
		return
	}

	a.conn = conn
	a.attempts = 0
	queue := a.queue
	a.queue = nil
	notify := a.setStateLocked(StateOpen)
	a.writeMu.Lock()
	a.mu.Unlock()

	a.flush(conn, queue)
	a.writeMu.Unlock()

	a.log.Info("connection open", "cursor", cursor, "flushed", len(queue))
	notify()
	if a.handlers.OnOpen != nil {
		a.handlers.OnOpen()
	}

	go a.readLoop(epoch, conn)
}

func (a *Adapter) flush(conn Conn, queue []*outbound) {
	for _, out := range queue {
		if err := out.ctx.Err(); err != nil {
			out.done <- err
			continue
		}
		err := conn.Send(out.ctx, out.payload)
		if err != nil {
			err = fmt.Errorf("flush queued send: %w", err)
		}
		out.done <- err
	}
}

func (a *Adapter) readLoop(epoch uint64, conn Conn) {
	for {
		frame, err := conn.Receive(a.ctx)
		if err != nil {
			_ = conn.Close()

			a.mu.Lock()
			if a.closed || epoch != a.epoch {
				a.mu.Unlock()
				return
			}
			notify := a.failLocked(err)
			a.mu.Unlock()

			a.log.Warn("connection lost", "error", err)
			if a.handlers.OnClose != nil {
				a.handlers.OnClose(err)
			}
			notify()
			return
		}

		a.metrics.FrameReceived(a.dialer.Name())
		if a.handlers.OnMessage != nil {
			a.handlers.OnMessage(frame)
		}

		if frame.EventID != "" {
			a.mu.Lock()
			if epoch == a.epoch {
				a.cursor = frame.EventID
			}
			a.mu.Unlock()
		}
	}
}

// failLocked records a failed dial or lost connection and either schedules
// the next reconnect or gives up.
func (a *Adapter) failLocked(cause error) func() {
	a.conn = nil
	a.attempts++

	if a.backoff.Exhausted(a.attempts) {
		a.exhausted = true
		a.failQueueLocked(ErrUnavailable)
		a.log.Warn("reconnect attempts exhausted", "attempts", a.attempts-1, "error", cause)
		return a.setStateLocked(StateDisconnected)
	}

	delay := a.backoff.Delay(a.attempts)
	epoch := a.epoch
	a.timer = time.AfterFunc(delay, func() { a.reconnect(epoch) })
	a.metrics.ReconnectScheduled()
	a.log.Info("reconnect scheduled", "attempt", a.attempts, "delay", delay, "error", cause)
	return a.setStateLocked(StateDisconnected)
}

func (a *Adapter) reconnect(epoch uint64) {
	a.mu.Lock()
	if a.closed || epoch != a.epoch || a.timer == nil {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	notify := a.startLocked()
	a.mu.Unlock()
	notify()
}

func (a *Adapter) failQueueLocked(err error) {
	for _, out := range a.queue {
		out.done <- err
	}
	a.queue = nil
}

func (a *Adapter) withdrawLocked(target *outbound) bool {
	for i, out := range a.queue {
		if out == target {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return true
		}
	}
	return false
}

// setStateLocked changes the state and returns the notification to run once
// the lock is released. Notifications that lose a race to a newer state are
// skipped so observers never see states out of order.
func (a *Adapter) setStateLocked(next State) func() {
	if a.state == next {
		return func() {}
	}
	a.state = next
	a.stateSeq++
	seq := a.stateSeq

	return func() {
		a.notifyMu.Lock()
		defer a.notifyMu.Unlock()
		if seq <= a.lastNotified {
			return
		}
		a.lastNotified = seq
		a.metrics.ConnectionState(string(next))
		if a.handlers.OnState != nil {
			a.handlers.OnState(next)
		}
	}
}

// queued reports how many sends wait for the connection to open.
func (a *Adapter) queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
