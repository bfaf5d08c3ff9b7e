// Package record places both sides of a call on one timeline and produces a
// single WAV artifact when the call ends.
package record

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/callwright/pkg/audio"
)

// MIMEType is the content type of finalized recordings.
const MIMEType = "audio/wav"

// DefaultMaxDuration caps how much audio a single recording keeps.
const DefaultMaxDuration = 30 * time.Minute

// ErrFinalized is returned when audio is added after [Recorder.Finalize] or
// [Recorder.Close].
var ErrFinalized = errors.New("record: recorder finalized")

// Artifact is an encoded recording.
type Artifact struct {
	MIMEType string
	Data     []byte
	Duration time.Duration
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithClock overrides the time source used to place local audio.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithMaxDuration caps the recording length. Audio past the cap is dropped.
func WithMaxDuration(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.maxDur = d
		}
	}
}

// WithSampleRate sets the output sample rate. Default 24000.
func WithSampleRate(rate int) Option {
	return func(r *Recorder) {
		if rate > 0 {
			r.rate = rate
		}
	}
}

// Recorder accumulates local (operator) and remote (agent) audio on two
// tracks sharing one timeline. Each chunk lands at its wall-clock offset from
// the moment the recorder was created. The tracks are summed on [Finalize].
//
// Agent audio is added when it is scheduled, which may be ahead of the clock.
// [Recorder.TruncateRemote] drops whatever was scheduled past an instant, so a
// barge-in or hang-up leaves only the agent audio that actually played.
type Recorder struct {
	now    func() time.Time
	rate   int
	maxDur time.Duration

	mu        sync.Mutex
	start     time.Time
	local     []byte
	remote    []byte
	done      bool
	artifact  Artifact
	finalized bool
}

// New starts a recorder whose timeline begins now.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		now:    time.Now,
		rate:   audio.OutputSampleRate,
		maxDur: DefaultMaxDuration,
	}
	for _, o := range opts {
		o(r)
	}
	r.start = r.now()
	return r
}

// AddLocal records a captured chunk that has just finished, so it is placed
// ending at the current instant.
func (r *Recorder) AddLocal(pcm []byte, sampleRate int) error {
	at := r.now().Add(-audio.Duration(pcm, sampleRate))
	return r.add(&r.local, pcm, sampleRate, at)
}

// AddRemote records agent audio at its scheduled playback instant.
func (r *Recorder) AddRemote(pcm []byte, sampleRate int, at time.Time) error {
	return r.add(&r.remote, pcm, sampleRate, at)
}

func (r *Recorder) add(track *[]byte, pcm []byte, sampleRate int, at time.Time) error {
	if len(pcm) == 0 {
		return nil
	}
	pcm = audio.ResampleMono16(pcm, sampleRate, r.rate)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrFinalized
	}

	offset := r.offsetLocked(at)
	limit := audio.SamplesFor(r.maxDur, r.rate) * 2
	need := min(offset*2+len(pcm), limit)
	if need > len(*track) {
		*track = append(*track, make([]byte, need-len(*track))...)
	}
	audio.MixInto(*track, offset, pcm)
	return nil
}

// offsetLocked converts a wall-clock instant into a sample offset, negative
// for instants before the recording started.
func (r *Recorder) offsetLocked(at time.Time) int {
	if at.Before(r.start) {
		return -audio.SamplesFor(r.start.Sub(at), r.rate)
	}
	return audio.SamplesFor(at.Sub(r.start), r.rate)
}

// TruncateRemote drops agent audio scheduled at or after at. Audio added
// later is kept as usual.
func (r *Recorder) TruncateRemote(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.truncateRemoteLocked(at)
}

func (r *Recorder) truncateRemoteLocked(at time.Time) {
	cut := max(r.offsetLocked(at), 0) * 2
	if cut < len(r.remote) {
		r.remote = r.remote[:cut]
	}
}

// Duration returns the length of audio recorded so far, including agent
// audio scheduled ahead of the clock.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(audio.Duration(r.local, r.rate), audio.Duration(r.remote, r.rate))
}

// Finalize cuts agent audio that has not played by now, encodes the mix as
// WAV and stops accepting audio. Subsequent calls return the same artifact.
func (r *Recorder) Finalize() (Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return r.artifact, nil
	}
	if r.done {
		return Artifact{}, ErrFinalized
	}
	r.done = true
	r.truncateRemoteLocked(r.now())

	mix := make([]byte, max(len(r.local), len(r.remote)))
	copy(mix, r.local)
	audio.MixInto(mix, 0, r.remote)

	data, err := EncodeWAV(mix, r.rate)
	if err != nil {
		return Artifact{}, fmt.Errorf("record: finalize: %w", err)
	}
	r.artifact = Artifact{
		MIMEType: MIMEType,
		Data:     data,
		Duration: audio.Duration(mix, r.rate),
	}
	r.finalized = true
	r.local, r.remote = nil, nil
	return r.artifact, nil
}

// Close discards any unfinalized audio. It is idempotent and does not affect
// an artifact already returned by Finalize.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	r.local, r.remote = nil, nil
	return nil
}
