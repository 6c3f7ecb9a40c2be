// Package bus moves work and notifications between goroutines: a request
// queue and reply queue for the relay's planner worker, and a fanout of
// engine events for observers.
package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

type MessageBus struct {
	requests chan Request
	replies  chan Reply

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		requests:         make(chan Request, defaultBufferSize),
		replies:          make(chan Reply, defaultBufferSize),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishRequest(ctx context.Context, req Request) bool {
	return publish(ctx, mb.done, mb.requests, req)
}

func (mb *MessageBus) ConsumeRequest(ctx context.Context) (Request, bool) {
	return consume(ctx, mb.done, mb.requests)
}

func (mb *MessageBus) PublishReply(ctx context.Context, reply Reply) bool {
	return publish(ctx, mb.done, mb.replies, reply)
}

func (mb *MessageBus) ConsumeReply(ctx context.Context) (Reply, bool) {
	return consume(ctx, mb.done, mb.replies)
}

func publish[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, v T) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case ch <- v:
		return true
	}
}

func consume[T any](ctx context.Context, done <-chan struct{}, ch <-chan T) (T, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	var zero T
	select {
	case <-ctx.Done():
		return zero, false
	case <-done:
		return zero, false
	case v := <-ch:
		return v, true
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
