// Package playback schedules decoded agent audio back-to-back on a sink so
// that consecutive buffers neither overlap nor leave gaps, and supports
// instant barge-in.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/callwright/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Buffer is one decoded chunk of agent audio.
type Buffer struct {
	ID         uint64
	PCM        []byte
	SampleRate int
}

// Duration returns the buffer's playback length.
func (b Buffer) Duration() time.Duration {
	return audio.Duration(b.PCM, b.SampleRate)
}

// Source is a buffer that has been handed to a [Sink].
type Source interface {
	// Stop halts playback immediately. Safe to call more than once and after
	// the source has finished.
	Stop()

	// Done is closed once the source finishes playing or is stopped.
	Done() <-chan struct{}
}

// Sink plays buffers at an absolute wall-clock instant.
type Sink interface {
	Play(b Buffer, at time.Time) (Source, error)
}

// Slot describes where a buffer landed on the playback timeline.
type Slot struct {
	ID    uint64
	Start time.Time
	End   time.Time

	// Activated is true when this buffer moved the active set from empty to
	// non-empty.
	Activated bool
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock overrides the time source. Tests use this to drive the timeline
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithIdleFunc registers fn to run whenever the last active source finishes
// on its own. It is not called for sources removed by [Scheduler.Interrupt].
// fn runs on a watcher goroutine and must not block.
func WithIdleFunc(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// Scheduler keeps the playback timeline and the set of sources currently
// playing or queued on the sink.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	sink   Sink
	now    func() time.Time
	onIdle func()

	mu        sync.Mutex
	nextStart time.Time
	active    map[uint64]Source
	nextID    uint64
	closed    bool
}

// New creates a Scheduler that plays through sink.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		now:    time.Now,
		active: make(map[uint64]Source),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule places pcm at max(nextStart, now) and advances nextStart by its
// duration. Empty buffers are ignored and return a zero Slot.
func (s *Scheduler) Schedule(pcm []byte, sampleRate int) (Slot, error) {
	if len(pcm) == 0 {
		return Slot{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Slot{}, ErrClosed
	}

	now := s.now()
	start := s.nextStart
	if start.Before(now) {
		start = now
	}

	s.nextID++
	b := Buffer{ID: s.nextID, PCM: pcm, SampleRate: sampleRate}
	end := start.Add(b.Duration())

	src, err := s.sink.Play(b, start)
	if err != nil {
		return Slot{}, fmt.Errorf("playback: schedule buffer %d: %w", b.ID, err)
	}

	s.nextStart = end
	activated := len(s.active) == 0
	s.active[b.ID] = src
	go s.watch(b.ID, src)

	return Slot{ID: b.ID, Start: start, End: end, Activated: activated}, nil
}

// watch removes id from the active set once its source finishes. The idle
// callback only fires if id was still present, so sources already cleared by
// Interrupt never trigger it.
func (s *Scheduler) watch(id uint64, src Source) {
	<-src.Done()

	s.mu.Lock()
	_, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	idle := ok && len(s.active) == 0 && !s.closed
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// Interrupt stops every active source, clears the active set and resets the
// timeline to now, all under one lock. It returns how many sources were
// stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAllLocked()
}

func (s *Scheduler) stopAllLocked() int {
	n := len(s.active)
	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.nextStart = s.now()
	return n
}

// Active returns the number of sources playing or queued.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the instant the next scheduled buffer would start at, not
// accounting for the current time.
func (s *Scheduler) NextStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Close stops all sources and rejects further scheduling. It is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopAllLocked()
}
