// Package console connects a single operator endpoint (browser or softphone)
// to the call pipeline over a WebSocket.
//
// Wire protocol, one connection at a time:
//
//   - client → server, binary: little-endian float32 mono microphone samples at
//     the sample rate announced in the "open" message.
//   - server → client, text: JSON control messages of type "open", "schedule"
//     and "stop".
//   - server → client, binary: PCM16 playback data. Each binary message
//     follows the "schedule" message that describes it.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/audio/capture"
	"github.com/MrWong99/callwright/pkg/audio/playback"
)

// ErrNotConnected is returned when no operator console is attached.
var ErrNotConnected = errors.New("console: no operator connected")

// ErrBacklogged is returned by [Hub.Play] when the console has not drained
// earlier writes.
var ErrBacklogged = errors.New("console: operator connection backlogged")

const (
	defaultWriteTimeout = 5 * time.Second
	inboundQueue        = 64
	outboundQueue       = 256
)

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// peer is the attached console. Writes go through out and are performed by
// a single writer goroutine, so callers never block on the network.
type peer struct {
	conn *websocket.Conn
	out  chan outbound
}

// controlMessage is a server → client JSON control frame.
type controlMessage struct {
	Type       string `json:"type"`
	ID         uint64 `json:"id,omitempty"`
	AtMS       int64  `json:"at_ms,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Samples    int    `json:"samples,omitempty"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithWriteTimeout bounds every write to the console connection. A console
// that misses it is disconnected.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithInsecureSkipVerify disables the WebSocket origin check. Useful when the
// console page is served from a different host during development.
func WithInsecureSkipVerify() Option {
	return func(h *Hub) { h.insecure = true }
}

// WithClock overrides the time source for playback offsets.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub accepts the operator's WebSocket and exposes it as both the capture
// [capture.Device] and the playback [playback.Sink] for a call.
type Hub struct {
	writeTimeout time.Duration
	insecure     bool
	now          func() time.Time

	mu     sync.Mutex
	peer   *peer
	stream *stream
}

// New creates an idle Hub.
func New(opts ...Option) *Hub {
	h := &Hub{writeTimeout: defaultWriteTimeout, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Compile-time interface assertions.
var (
	_ capture.Device = (*Hub)(nil)
	_ playback.Sink  = (*Hub)(nil)
	_ http.Handler   = (*Hub)(nil)
)

// Connected reports whether an operator console is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer != nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// A second concurrent console is rejected with 409.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	busy := h.peer != nil
	h.mu.Unlock()
	if busy {
		http.Error(w, "operator console already connected", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: h.insecure})
	if err != nil {
		slog.Warn("console: accept failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	h.mu.Lock()
	if h.peer != nil {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusTryAgainLater, "operator console already connected")
		return
	}
	p := &peer{conn: conn, out: make(chan outbound, outboundQueue)}
	h.peer = p
	h.mu.Unlock()

	slog.Info("console: operator connected", "remote", r.RemoteAddr)
	ctx, cancel := context.WithCancel(r.Context())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, p)
	}()
	h.readLoop(ctx, conn)
	cancel()
	<-writerDone

	h.mu.Lock()
	if h.peer == p {
		h.peer = nil
	}
	if h.stream != nil {
		h.stream.disconnect()
	}
	h.mu.Unlock()
	_ = conn.CloseNow()
	slog.Info("console: operator disconnected", "remote", r.RemoteAddr)
}

// writeLoop drains p.out. A failed or timed-out write closes the connection,
// which ends readLoop.
func (h *Hub) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.out:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := p.conn.Write(wctx, m.typ, m.data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("console: write failed, dropping operator", "err", err)
				}
				_ = p.conn.CloseNow()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				slog.Debug("console: read ended", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		samples := audio.DecodeFloat32(data)
		if len(samples) == 0 {
			continue
		}
		h.mu.Lock()
		s := h.stream
		h.mu.Unlock()
		if s != nil {
			s.push(samples)
		}
	}
}

// ── capture.Device ────────────────────────────────────────────────────────────

// Open implements [capture.Device]. It fails with [ErrNotConnected] when no
// console is attached.
func (h *Hub) Open(_ context.Context, sampleRate int) (capture.Stream, error) {
	h.mu.Lock()
	if h.peer == nil {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	if h.stream != nil {
		h.stream.disconnect()
	}
	s := &stream{
		hub:     h,
		samples: make(chan []float32, inboundQueue),
		gone:    make(chan struct{}),
	}
	h.stream = s
	h.mu.Unlock()

	if err := h.sendControl(controlMessage{Type: "open", SampleRate: sampleRate}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("console: open: %w", err)
	}
	return s, nil
}

type stream struct {
	hub      *Hub
	samples  chan []float32
	pending  []float32
	gone     chan struct{}
	goneOnce sync.Once
}

func (s *stream) push(samples []float32) {
	select {
	case s.samples <- samples:
	case <-s.gone:
	default:
		// Reader fell behind; newest chunk is dropped like a full capture queue.
	}
}

func (s *stream) disconnect() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// Read implements [capture.Stream]. It returns io.EOF once the console
// disconnects or the stream is closed.
func (s *stream) Read(ctx context.Context, buf []float32) (int, error) {
	if len(s.pending) == 0 {
		select {
		case chunk := <-s.samples:
			s.pending = chunk
		case <-s.gone:
			return 0, io.EOF
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *stream) Close() error {
	s.disconnect()
	s.hub.mu.Lock()
	if s.hub.stream == s {
		s.hub.stream = nil
	}
	s.hub.mu.Unlock()
	return nil
}

// ── playback.Sink ─────────────────────────────────────────────────────────────

// Play implements [playback.Sink]. The console receives a "schedule" message
// carrying the start offset in milliseconds from now, followed by the PCM16
// data as one binary message. Both are queued for the writer goroutine; a
// full queue fails with [ErrBacklogged].
func (h *Hub) Play(b playback.Buffer, at time.Time) (playback.Source, error) {
	now := h.now()
	ctrl, err := json.Marshal(controlMessage{
		Type:       "schedule",
		ID:         b.ID,
		AtMS:       max(at.Sub(now).Milliseconds(), 0),
		SampleRate: b.SampleRate,
		Samples:    len(b.PCM) / 2,
	})
	if err != nil {
		return nil, fmt.Errorf("console: schedule %d: %w", b.ID, err)
	}
	if err := h.enqueue(
		outbound{typ: websocket.MessageText, data: ctrl},
		outbound{typ: websocket.MessageBinary, data: b.PCM},
	); err != nil {
		return nil, fmt.Errorf("console: schedule %d: %w", b.ID, err)
	}

	id := b.ID
	return playback.NewTimedSource(now, at.Add(b.Duration()), func() {
		if err := h.sendControl(controlMessage{Type: "stop", ID: id}); err != nil && !errors.Is(err, ErrNotConnected) {
			slog.Debug("console: stop failed", "id", id, "err", err)
		}
	}), nil
}

func (h *Hub) sendControl(msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.enqueue(outbound{typ: websocket.MessageText, data: data})
}

// enqueue queues msgs in order, all or none. It never blocks: only the writer
// goroutine drains the queue, so free capacity checked under h.mu cannot
// shrink before the sends.
func (h *Hub) enqueue(msgs ...outbound) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peer == nil {
		return ErrNotConnected
	}
	if cap(h.peer.out)-len(h.peer.out) < len(msgs) {
		return ErrBacklogged
	}
	for _, m := range msgs {
		h.peer.out <- m
	}
	return nil
}
