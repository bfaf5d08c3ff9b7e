package transcript

import (
	"sync"
	"time"
)

// Snapshot is a consistent view of the assembler at one instant.
type Snapshot struct {
	Entries      []Entry
	PartialHuman string
	PartialAgent string
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// Assembler accumulates transcription deltas into committed entries.
//
// A single writer (the session event loop) calls the mutating methods; any
// number of readers may call Snapshot, Entries, and Full concurrently.
type Assembler struct {
	now func() time.Time

	mu      sync.RWMutex
	entries []Entry
	human   string
	agent   string
	last    time.Time
}

// NewAssembler returns an empty Assembler.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AppendInput adds a delta of human speech to the partial buffer.
func (a *Assembler) AppendInput(delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	a.human += delta
	a.mu.Unlock()
}

// AppendOutput adds a delta of agent speech to the partial buffer.
func (a *Assembler) AppendOutput(delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	a.agent += delta
	a.mu.Unlock()
}

// CommitTurn commits the non-empty partials, human first, and clears them.
// It returns the entries committed.
func (a *Assembler) CommitTurn() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var committed []Entry
	if a.human != "" {
		committed = append(committed, a.commitLocked(RoleHuman, a.human))
		a.human = ""
	}
	if a.agent != "" {
		committed = append(committed, a.commitLocked(RoleAgent, a.agent))
		a.agent = ""
	}
	return committed
}

// Interrupt commits a non-empty agent partial with [TruncationMarker]
// appended. The human partial is left to accumulate. It returns the
// committed entry, if any.
func (a *Assembler) Interrupt() (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.agent == "" {
		return Entry{}, false
	}
	e := a.commitLocked(RoleAgent, a.agent+TruncationMarker)
	a.agent = ""
	return e, true
}

// commitLocked appends an entry with a timestamp no earlier than the previous
// commit. Callers hold a.mu.
func (a *Assembler) commitLocked(role Role, text string) Entry {
	ts := a.now()
	if ts.Before(a.last) {
		ts = a.last
	}
	a.last = ts
	e := Entry{Role: role, Text: text, Timestamp: ts}
	a.entries = append(a.entries, e)
	return e
}

// Snapshot returns a copy of the committed log and both partials taken under
// one lock.
func (a *Assembler) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		Entries:      append([]Entry(nil), a.entries...),
		PartialHuman: a.human,
		PartialAgent: a.agent,
	}
}

// Entries returns a copy of the committed log.
func (a *Assembler) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Entry(nil), a.entries...)
}

// Len returns the number of committed entries.
func (a *Assembler) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Full returns the committed log followed by any trailing partials as
// uncommitted entries, human first. The log itself is not modified.
func (a *Assembler) Full() []Entry {
	return a.Snapshot().Full(a.now())
}

// Full returns s.Entries plus the partials stamped with at.
func (s Snapshot) Full(at time.Time) []Entry {
	out := append([]Entry(nil), s.Entries...)
	if s.PartialHuman != "" {
		out = append(out, Entry{Role: RoleHuman, Text: s.PartialHuman, Timestamp: at})
	}
	if s.PartialAgent != "" {
		out = append(out, Entry{Role: RoleAgent, Text: s.PartialAgent, Timestamp: at})
	}
	return out
}
