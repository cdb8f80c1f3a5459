package session

import (
	"sort"
	"sync"
	"time"
)

// CommitResult says what Table.Commit did with a transition.
type CommitResult int

const (
	// Discarded means the transition belonged to a session that is gone or
	// to an older generation.
	Discarded CommitResult = iota
	Applied
	// Removed means the session reached Closed and left the table; the
	// caller now owns its page handle and must release it.
	Removed
)

// Table maps channel names to sessions. It is the only owner of open page
// handles, and all mutations go through its lock.
type Table struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	generation uint64
	nextID     uint64
	observer   func(Event)
}

// NewTable returns an empty table at generation 0.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// SetObserver registers fn to be called for every state change. fn runs with
// the table lock held and must not call back into the table.
func (t *Table) SetObserver(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = fn
}

// Generation returns the generation new sessions are tagged with.
func (t *Table) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// Open adds an Opening session for name unless one exists.
func (t *Table) Open(name string, now time.Time) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[name]; ok {
		return *s, false
	}
	t.nextID++
	s := &Session{
		ID:         t.nextID,
		Name:       name,
		State:      Opening,
		Generation: t.generation,
		OpenedAt:   now,
	}
	t.sessions[name] = s
	return *s, true
}

// Get returns a copy of the session for name.
func (t *Table) Get(name string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[name]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Has reports whether name has a session.
func (t *Table) Has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[name]
	return ok
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Names returns the channel names in the table, sorted.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.sessions))
	for name := range t.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns copies of all sessions sorted by name.
func (t *Table) Snapshot() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Commit applies tr if it still refers to the live session in the current
// generation. A Raided result is closed on the spot.
func (t *Table) Commit(tr Transition) (Session, CommitResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := tr.Next
	cur, ok := t.sessions[next.Name]
	if !ok || cur.ID != next.ID || next.Generation != t.generation {
		return next, Discarded
	}
	if cur.State != next.State {
		t.emit(next, tr.From, next.State)
	}
	if next.State == Raided {
		next.State = Closed
		if next.Reason == "" {
			next.Reason = ReasonRaided
		}
		t.emit(next, Raided, Closed)
	}
	if next.State == Closed {
		delete(t.sessions, next.Name)
		return next, Removed
	}
	*cur = next
	return next, Applied
}

// Close force-closes name and hands its session back for release.
func (t *Table) Close(name, reason string, now time.Time) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(name, reason, now)
}

func (t *Table) closeLocked(name, reason string, now time.Time) (Session, bool) {
	cur, ok := t.sessions[name]
	if !ok {
		return Session{}, false
	}
	s := *cur
	from := s.State
	s.State = Closed
	s.Reason = reason
	s.LastProbe = now
	delete(t.sessions, name)
	t.emit(s, from, Closed)
	return s, true
}

// Reset closes every session, moves the table to generation gen and returns
// the closed sessions so their pages can be released.
func (t *Table) Reset(gen uint64, reason string, now time.Time) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.sessions))
	for name := range t.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	closed := make([]Session, 0, len(names))
	for _, name := range names {
		if s, ok := t.closeLocked(name, reason, now); ok {
			closed = append(closed, s)
		}
	}
	t.generation = gen
	return closed
}

// Advance moves the table to generation gen without touching sessions, so
// that results still in flight from the previous generation are discarded.
func (t *Table) Advance(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen > t.generation {
		t.generation = gen
	}
}

func (t *Table) emit(s Session, from, to State) {
	if t.observer == nil {
		return
	}
	t.observer(Event{
		Channel:    s.Name,
		Generation: s.Generation,
		From:       from,
		To:         to,
		Reason:     s.Reason,
		RaidTarget: s.RaidTarget,
		At:         s.LastProbe,
	})
}
