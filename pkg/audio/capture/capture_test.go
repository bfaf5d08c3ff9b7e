package capture_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callwright/pkg/audio/capture"
)

// fakeStream serves a fixed number of frames of constant samples, then EOF.
type fakeStream struct {
	mu        sync.Mutex
	remaining int // samples left before EOF
	value     float32
	closed    int
	eof       chan struct{}
	eofOnce   sync.Once
}

func (s *fakeStream) Read(_ context.Context, buf []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining == 0 {
		s.eofOnce.Do(func() { close(s.eof) })
		return 0, io.EOF
	}
	// Deliver in small chunks to exercise the read-full loop.
	n := min(len(buf), s.remaining, 1000)
	for i := range n {
		buf[i] = s.value
	}
	s.remaining -= n
	return n, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeDevice struct {
	stream *fakeStream
	err    error
	rate   int
}

func (d *fakeDevice) Open(_ context.Context, sampleRate int) (capture.Stream, error) {
	d.rate = sampleRate
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

func newStream(frames, frameSamples int, v float32) *fakeStream {
	return &fakeStream{remaining: frames * frameSamples, value: v, eof: make(chan struct{})}
}

func TestOpen_DeviceFailure(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{err: errors.New("permission denied")}
	_, err := capture.Open(context.Background(), dev)
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}

	_, err = capture.Open(context.Background(), nil)
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("nil device: expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestOpen_DefaultSampleRate(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{stream: newStream(0, 0, 0)}
	enc, err := capture.Open(context.Background(), dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer enc.Close()
	if dev.rate != 16000 {
		t.Errorf("device opened at %d Hz, want 16000", dev.rate)
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	samples := []float32{0.5, -0.5, 0.5, -0.5}
	f := capture.Encode(7, samples, 16000)
	if f.Seq != 7 {
		t.Errorf("Seq = %d, want 7", f.Seq)
	}
	if f.Encoding != "audio/pcm;rate=16000" {
		t.Errorf("Encoding = %q", f.Encoding)
	}
	if len(f.PCM) != 8 {
		t.Fatalf("PCM length = %d, want 8", len(f.PCM))
	}
	decoded, err := base64.StdEncoding.DecodeString(f.Payload)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if string(decoded) != string(f.PCM) {
		t.Error("payload does not decode to PCM")
	}
	if f.Level != 0.5 {
		t.Errorf("Level = %v, want 0.5", f.Level)
	}
}

func TestRun_SendsEveryFrame(t *testing.T) {
	t.Parallel()

	const frameSamples = 256
	stream := newStream(5, frameSamples, 0.25)
	var levels []float64
	var taps int
	enc, err := capture.Open(context.Background(), &fakeDevice{stream: stream},
		capture.WithFrameSamples(frameSamples),
		capture.WithQueueSize(16),
		capture.WithLevelObserver(func(l float64) { levels = append(levels, l) }),
		capture.WithTap(func(capture.Frame) { taps++ }),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var mu sync.Mutex
	var got []capture.Frame
	err = enc.Run(context.Background(), func(_ context.Context, f capture.Frame) error {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(got) != 5 {
		t.Fatalf("sent %d frames, want 5", len(got))
	}
	for i, f := range got {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d has seq %d", i, f.Seq)
		}
		if len(f.PCM) != frameSamples*2 {
			t.Errorf("frame %d PCM length %d, want %d", i, len(f.PCM), frameSamples*2)
		}
	}
	if len(levels) != 5 || taps != 5 {
		t.Errorf("levels=%d taps=%d, want 5 each", len(levels), taps)
	}
	if enc.Sent() != 5 || enc.Dropped() != 0 {
		t.Errorf("Sent=%d Dropped=%d, want 5/0", enc.Sent(), enc.Dropped())
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if stream.closed != 1 {
		t.Errorf("stream closed %d times, want 1", stream.closed)
	}
}

func TestRun_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	const frames = 10
	stream := newStream(frames, 64, 0.1)
	var drops int
	enc, err := capture.Open(context.Background(), &fakeDevice{stream: stream},
		capture.WithFrameSamples(64),
		capture.WithQueueSize(1),
		capture.WithDropObserver(func() { drops++ }),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer enc.Close()

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- enc.Run(context.Background(), func(context.Context, capture.Frame) error {
			<-release
			return nil
		})
	}()

	select {
	case <-stream.eof:
	case <-time.After(5 * time.Second):
		t.Fatal("capture loop blocked on a slow sender")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if enc.Sent()+enc.Dropped() != frames {
		t.Errorf("sent %d + dropped %d != %d", enc.Sent(), enc.Dropped(), frames)
	}
	if enc.Dropped() < frames-2 {
		t.Errorf("dropped %d frames, want at least %d", enc.Dropped(), frames-2)
	}
	if uint64(drops) != enc.Dropped() {
		t.Errorf("drop observer saw %d, counter says %d", drops, enc.Dropped())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	enc, err := capture.Open(context.Background(), &fakeDevice{stream: newStream(1000, 64, 0)},
		capture.WithFrameSamples(64))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer enc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := enc.Run(ctx, func(context.Context, capture.Frame) error { return nil }); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
}
