// Package capture pulls fixed-size microphone frames from an audio device,
// measures their level, quantizes them to PCM16 and hands them to a
// non-blocking outbound queue.
//
// The capture loop never waits on the network: when the outbound queue is
// full the newest frame is dropped and counted.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/callwright/pkg/audio"
)

// ErrDeviceUnavailable is returned by [Open] when the input device cannot be
// acquired. No session may start after this error.
var ErrDeviceUnavailable = errors.New("capture: input device unavailable")

// Device is an audio input that can be opened for a single capture stream.
type Device interface {
	// Open acquires the device at the requested sample rate.
	Open(ctx context.Context, sampleRate int) (Stream, error)
}

// Stream delivers mono float32 samples in [-1, 1].
type Stream interface {
	// Read fills buf with up to len(buf) samples and returns how many were
	// written. It blocks until at least one sample is available, ctx is
	// cancelled, or the stream ends (io.EOF).
	Read(ctx context.Context, buf []float32) (int, error)

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Frame is one encoded capture block ready for the transport.
type Frame struct {
	// Seq numbers frames from 0 in capture order.
	Seq uint64

	// Encoding is the MIME label, e.g. "audio/pcm;rate=16000".
	Encoding   string
	SampleRate int

	// PCM is the quantized little-endian PCM16 payload.
	PCM []byte

	// Payload is PCM base64-encoded (standard alphabet).
	Payload string

	// Level is the RMS amplitude of the frame in [0, 1].
	Level float64
}

// SendFunc delivers a frame to the remote endpoint. Errors are logged and the
// frame is discarded.
type SendFunc func(ctx context.Context, f Frame) error

// Option configures an [Encoder].
type Option func(*Encoder)

// WithFrameSamples sets the number of samples per frame. Default 4096.
func WithFrameSamples(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.frameSamples = n
		}
	}
}

// WithSampleRate sets the capture sample rate. Default 16000.
func WithSampleRate(rate int) Option {
	return func(e *Encoder) {
		if rate > 0 {
			e.sampleRate = rate
		}
	}
}

// WithQueueSize sets the capacity of the outbound queue. Default 32.
func WithQueueSize(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithLevelObserver registers fn to receive the level of every frame.
func WithLevelObserver(fn func(level float64)) Option {
	return func(e *Encoder) { e.onLevel = fn }
}

// WithTap registers fn to receive a copy of every frame before it is queued.
// The call recorder uses this to capture the local side of the call.
func WithTap(fn func(f Frame)) Option {
	return func(e *Encoder) { e.tap = fn }
}

// WithDropObserver registers fn to be called each time a frame is dropped
// because the outbound queue was full.
func WithDropObserver(fn func()) Option {
	return func(e *Encoder) { e.onDrop = fn }
}

// Encoder owns an open capture stream and turns it into [Frame]s.
type Encoder struct {
	stream       Stream
	frameSamples int
	sampleRate   int
	queueSize    int

	onLevel func(float64)
	tap     func(Frame)
	onDrop  func()

	sent    atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Open acquires dev and returns an Encoder ready to [Encoder.Run]. Any
// failure from the device is reported as [ErrDeviceUnavailable].
func Open(ctx context.Context, dev Device, opts ...Option) (*Encoder, error) {
	e := &Encoder{
		frameSamples: audio.FrameSamples,
		sampleRate:   audio.InputSampleRate,
		queueSize:    32,
	}
	for _, o := range opts {
		o(e)
	}
	if dev == nil {
		return nil, ErrDeviceUnavailable
	}
	stream, err := dev.Open(ctx, e.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	e.stream = stream
	return e, nil
}

// Encode converts one block of float samples into a [Frame].
func Encode(seq uint64, samples []float32, sampleRate int) Frame {
	pcm := audio.Quantize(samples)
	return Frame{
		Seq:        seq,
		Encoding:   audio.PCMMIMEType(sampleRate),
		SampleRate: sampleRate,
		PCM:        pcm,
		Payload:    base64.StdEncoding.EncodeToString(pcm),
		Level:      audio.Level(samples),
	}
}

// Run reads frames until ctx is cancelled or the stream ends, passing each to
// send from a separate goroutine. It returns nil on cancellation or end of
// stream and a wrapped error if the stream fails.
func (e *Encoder) Run(ctx context.Context, send SendFunc) error {
	queue := make(chan Frame, e.queueSize)

	var wg sync.WaitGroup
	wg.Go(func() {
		for f := range queue {
			if err := send(ctx, f); err != nil {
				if ctx.Err() == nil {
					slog.Debug("capture: send failed", "seq", f.Seq, "err", err)
				}
				continue
			}
			e.sent.Add(1)
		}
	})
	defer func() {
		close(queue)
		wg.Wait()
	}()

	buf := make([]float32, e.frameSamples)
	var seq uint64
	for {
		if err := e.readFull(ctx, buf); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("capture: read: %w", err)
		}

		f := Encode(seq, buf, e.sampleRate)
		seq++

		if e.onLevel != nil {
			e.onLevel(f.Level)
		}
		if e.tap != nil {
			e.tap(f)
		}

		select {
		case queue <- f:
		default:
			e.dropped.Add(1)
			if e.onDrop != nil {
				e.onDrop()
			}
		}
	}
}

func (e *Encoder) readFull(ctx context.Context, buf []float32) error {
	filled := 0
	for filled < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.stream.Read(ctx, buf[filled:])
		filled += n
		if err != nil {
			return err
		}
	}
	return nil
}

// Sent returns how many frames the send function accepted.
func (e *Encoder) Sent() uint64 { return e.sent.Load() }

// Dropped returns how many frames were discarded because the queue was full.
func (e *Encoder) Dropped() uint64 { return e.dropped.Load() }

// Close releases the underlying device. It is idempotent.
func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.stream.Close()
	})
	return e.closeErr
}
