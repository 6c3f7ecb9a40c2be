package history

import (
	"context"
	"errors"
	"testing"

	"loopsync/pkg/engine"
)

type fetchFunc func(ctx context.Context, conversationID string, page, size int) ([]byte, error)

func (f fetchFunc) History(ctx context.Context, conversationID string, page, size int) ([]byte, error) {
	return f(ctx, conversationID, page, size)
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Options{
		ConversationID: "room-1",
		Dispatcher:     engine.DispatchFunc(func(context.Context, engine.Outbound) error { return nil }),
	})
	if err != nil {
		t.Fatalf("engine.New error: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestSeedAppliesOrderedPage(t *testing.T) {
	var gotPage, gotSize int
	loader, err := NewLoader(fetchFunc(func(_ context.Context, id string, page, size int) ([]byte, error) {
		if id != "room-1" {
			t.Errorf("conversation = %q, want room-1", id)
		}
		gotPage, gotSize = page, size
		return []byte(`{"data":[{"id":"3","body":"c","ts":1767225603},{"id":"1","body":"a","ts":1767225601},{"id":"2","body":"b","ts":1767225602}]}`), nil
	}), nil)
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}

	e := newEngine(t)
	applied, err := loader.Seed(context.Background(), e, 0, 0)
	if err != nil || !applied {
		t.Fatalf("Seed() = %v/%v, want applied", applied, err)
	}
	if gotPage != 1 || gotSize != DefaultPageSize {
		t.Fatalf("page/size = %d/%d, want 1/%d", gotPage, gotSize, DefaultPageSize)
	}

	v := e.Snapshot()
	if len(v.Messages) != 3 || v.Messages[0].ID != "1" || v.Messages[2].ID != "3" {
		t.Fatalf("messages = %+v", v.Messages)
	}
}

func TestSeedDropsStalePage(t *testing.T) {
	e := newEngine(t)
	loader, err := NewLoader(fetchFunc(func(context.Context, string, int, int) ([]byte, error) {
		// The conversation is switched while the request is in flight.
		e.Reset()
		return []byte(`[{"id":"old","body":"from before"}]`), nil
	}), nil)
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}

	applied, err := loader.Seed(context.Background(), e, 1, 10)
	if err != nil {
		t.Fatalf("Seed error: %v", err)
	}
	if applied {
		t.Fatal("stale page must not be applied")
	}
	if got := len(e.Snapshot().Messages); got != 0 {
		t.Fatalf("messages = %d, want 0", got)
	}
}

func TestSeedFailureSetsConversationError(t *testing.T) {
	e := newEngine(t)
	boom := errors.New("503")
	loader, err := NewLoader(fetchFunc(func(context.Context, string, int, int) ([]byte, error) {
		return nil, boom
	}), nil)
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}

	if _, err := loader.Seed(context.Background(), e, 1, 10); !errors.Is(err, boom) {
		t.Fatalf("Seed() error = %v, want boom", err)
	}
	if got := e.Snapshot().Err; !errors.Is(got, boom) {
		t.Fatalf("view error = %v, want boom", got)
	}
}

func TestLoadRejectsMalformedPage(t *testing.T) {
	loader, err := NewLoader(fetchFunc(func(context.Context, string, int, int) ([]byte, error) {
		return []byte(`{"data":`), nil
	}), nil)
	if err != nil {
		t.Fatalf("NewLoader error: %v", err)
	}
	e := newEngine(t)
	if _, err := loader.Load(context.Background(), e.Normalizer(), "room-1", 1, 10); err == nil {
		t.Fatal("expected normalize error")
	}
	if _, err := NewLoader(nil, nil); err == nil {
		t.Fatal("expected error without fetcher")
	}
}
