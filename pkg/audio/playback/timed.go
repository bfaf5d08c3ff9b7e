package playback

import (
	"sync"
	"time"
)

// TimedSource is a [Source] that reports completion after a fixed wall-clock
// span. Sinks that hand audio to a remote player with its own clock use it to
// track when the buffer will have finished.
type TimedSource struct {
	done   chan struct{}
	once   sync.Once
	timer  *time.Timer
	onStop func()
}

// NewTimedSource returns a source that finishes at end. onStop, if non-nil,
// runs once when the source is stopped before finishing.
func NewTimedSource(now, end time.Time, onStop func()) *TimedSource {
	ts := &TimedSource{done: make(chan struct{}), onStop: onStop}
	ts.timer = time.AfterFunc(end.Sub(now), ts.finish)
	return ts
}

func (ts *TimedSource) finish() {
	ts.once.Do(func() { close(ts.done) })
}

// Stop implements [Source].
func (ts *TimedSource) Stop() {
	stopped := ts.timer.Stop()
	ts.once.Do(func() {
		close(ts.done)
		if stopped && ts.onStop != nil {
			ts.onStop()
		}
	})
}

// Done implements [Source].
func (ts *TimedSource) Done() <-chan struct{} { return ts.done }

// DiscardSink plays nothing and finishes each buffer when it would have ended
// on a real output. It lets a session run with no operator listening.
type DiscardSink struct {
	Now func() time.Time
}

// Play implements [Sink].
func (d DiscardSink) Play(b Buffer, at time.Time) (Source, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return NewTimedSource(now(), at.Add(b.Duration()), nil), nil
}

var (
	_ Source = (*TimedSource)(nil)
	_ Sink   = DiscardSink{}
)
