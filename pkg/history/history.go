// Package history seeds an engine with a page of past messages.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"loopsync/pkg/message"
)

const DefaultPageSize = 50

// Fetcher returns one raw history page.
type Fetcher interface {
	History(ctx context.Context, conversationID string, page, size int) ([]byte, error)
}

// Target is the engine surface the loader feeds.
type Target interface {
	ConversationID() string
	Generation() uint64
	Normalizer() message.Normalizer
	ApplyHistory(gen uint64, msgs []message.Message) bool
	HistoryFailed(gen uint64, err error)
}

type Loader struct {
	fetcher Fetcher
	log     *slog.Logger
}

func NewLoader(fetcher Fetcher, log *slog.Logger) (*Loader, error) {
	if fetcher == nil {
		return nil, errors.New("history fetcher is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{fetcher: fetcher, log: log.With("component", "history.loader")}, nil
}

// Load fetches and normalizes one page, ordered by creation time.
func (l *Loader) Load(ctx context.Context, normalizer message.Normalizer, conversationID string, page, size int) ([]message.Message, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	if page <= 0 {
		page = 1
	}

	raw, err := l.fetcher.History(ctx, conversationID, page, size)
	if err != nil {
		return nil, err
	}
	msgs, err := normalizer.NormalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize history: %w", err)
	}
	return msgs, nil
}

// Seed loads a page into target. The generation is captured before the
// fetch, so a page that lands after the conversation changed is dropped.
// It reports whether the page was applied.
func (l *Loader) Seed(ctx context.Context, target Target, page, size int) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	gen := target.Generation()
	conversationID := target.ConversationID()

	msgs, err := l.Load(ctx, target.Normalizer(), conversationID, page, size)
	if err != nil {
		if ctx.Err() != nil {
			l.log.Debug("history load cancelled", "conversation", conversationID)
			return false, ctx.Err()
		}
		l.log.Warn("history load failed", "conversation", conversationID, "error", err)
		target.HistoryFailed(gen, err)
		return false, err
	}

	applied := target.ApplyHistory(gen, msgs)
	l.log.Debug("history loaded", "conversation", conversationID, "page", page, "count", len(msgs), "applied", applied)
	return applied, nil
}
