// Package ledger remembers which message identities have been admitted to a
// conversation's visible list.
package ledger

// Ledger is a set of seen message identifiers. It is not safe for concurrent
// use; the owning engine serializes access.
type Ledger struct {
	seen map[string]struct{}
}

func New() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// HasSeen reports whether id was recorded. The empty id is never seen.
func (l *Ledger) HasSeen(id string) bool {
	if id == "" {
		return false
	}
	_, ok := l.seen[id]
	return ok
}

// HasSeenAny reports whether any of ids was recorded.
func (l *Ledger) HasSeenAny(ids ...string) bool {
	for _, id := range ids {
		if l.HasSeen(id) {
			return true
		}
	}
	return false
}

// MarkSeen records every non-empty id.
func (l *Ledger) MarkSeen(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		l.seen[id] = struct{}{}
	}
}

// Reset forgets everything; used when the active conversation changes.
func (l *Ledger) Reset() {
	clear(l.seen)
}

func (l *Ledger) Len() int {
	return len(l.seen)
}
