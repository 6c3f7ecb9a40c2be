// Package pending tracks locally originated sends that the server has not
// echoed back yet.
package pending

import (
	"errors"
	"strings"
)

var (
	ErrMissingLocalID = errors.New("pending entry requires a local id")
	ErrDuplicate      = errors.New("pending entry already registered")
)

// Key is the matching key of an outstanding send.
type Key struct {
	CorrelationID string
	Text          string
}

type entry struct {
	key     Key
	localID string
}

// Registry maps pending keys to the local placeholder ids they resolve to.
// Entries sharing the same text are kept in registration order so duplicate
// sends resolve first-in first-out. It is not safe for concurrent use.
type Registry struct {
	byCorrelation map[string]*entry
	byText        map[string][]*entry
	size          int
}

func New() *Registry {
	return &Registry{
		byCorrelation: make(map[string]*entry),
		byText:        make(map[string][]*entry),
	}
}

func normalizeText(text string) string {
	return strings.TrimSpace(text)
}

// Register records a new outstanding send.
func (r *Registry) Register(key Key, localID string) error {
	if localID == "" {
		return ErrMissingLocalID
	}
	if key.CorrelationID != "" {
		if _, exists := r.byCorrelation[key.CorrelationID]; exists {
			return ErrDuplicate
		}
	}

	e := &entry{key: Key{CorrelationID: key.CorrelationID, Text: normalizeText(key.Text)}, localID: localID}
	if e.key.CorrelationID != "" {
		r.byCorrelation[e.key.CorrelationID] = e
	}
	r.byText[e.key.Text] = append(r.byText[e.key.Text], e)
	r.size++
	return nil
}

// Resolve consumes the entry matching key and returns its local id.
// A correlation id match always wins. Text is only consulted when the key
// carries no correlation id, and then the oldest entry with that text is used.
func (r *Registry) Resolve(key Key) (string, bool) {
	if key.CorrelationID != "" {
		e, ok := r.byCorrelation[key.CorrelationID]
		if !ok {
			return "", false
		}
		r.remove(e)
		return e.localID, true
	}

	queue := r.byText[normalizeText(key.Text)]
	if len(queue) == 0 {
		return "", false
	}
	e := queue[0]
	r.remove(e)
	return e.localID, true
}

// Release drops the entry for correlationID, or the entry pointing at localID
// when no correlation id is given. It reports whether anything was removed.
func (r *Registry) Release(correlationID, localID string) bool {
	if correlationID != "" {
		if e, ok := r.byCorrelation[correlationID]; ok {
			r.remove(e)
			return true
		}
	}
	if localID == "" {
		return false
	}
	for _, queue := range r.byText {
		for _, e := range queue {
			if e.localID == localID {
				r.remove(e)
				return true
			}
		}
	}
	return false
}

// Pending reports whether correlationID is still outstanding.
func (r *Registry) Pending(correlationID string) bool {
	_, ok := r.byCorrelation[correlationID]
	return ok
}

func (r *Registry) Len() int {
	return r.size
}

func (r *Registry) Reset() {
	clear(r.byCorrelation)
	clear(r.byText)
	r.size = 0
}

func (r *Registry) remove(e *entry) {
	if e.key.CorrelationID != "" {
		delete(r.byCorrelation, e.key.CorrelationID)
	}
	queue := r.byText[e.key.Text]
	for i, candidate := range queue {
		if candidate == e {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(r.byText, e.key.Text)
	} else {
		r.byText[e.key.Text] = queue
	}
	r.size--
}
