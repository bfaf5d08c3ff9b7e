package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/callwright/internal/analysis"
	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/internal/prompt"
	"github.com/MrWong99/callwright/internal/transcript"
	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/audio/capture"
	"github.com/MrWong99/callwright/pkg/audio/playback"
	"github.com/MrWong99/callwright/pkg/audio/record"
	"github.com/MrWong99/callwright/pkg/provider/s2s"
)

var (
	// ErrSessionActive is returned by [Engine.Start] while a call is
	// connecting or live.
	ErrSessionActive = errors.New("session: a call is already active")

	// ErrNoActiveCall is returned by [Engine.EndCall] when there is nothing to
	// end.
	ErrNoActiveCall = errors.New("session: no active call")

	// ErrCallEnded is returned by [Engine.Start] when the call was ended while
	// the remote session was still being established.
	ErrCallEnded = errors.New("session: call ended while connecting")
)

// DefaultConnectTimeout bounds how long Start waits for the remote endpoint.
const DefaultConnectTimeout = 15 * time.Second

// Outcome labels recorded on the session outcome counter.
const (
	outcomeEnded     = "ended"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

// Leads is the lead and knowledge storage the engine reads and updates.
// *store.Repository satisfies it.
type Leads interface {
	Lead(id string) (lead.Lead, error)
	UpdateLead(ctx context.Context, id string, fn func(*lead.Lead)) (lead.Lead, error)
	Knowledge() []knowledge.Snippet
}

// Analyzer runs post-call analysis. *analysis.Analyzer satisfies it.
type Analyzer interface {
	Run(ctx context.Context, in analysis.Input) analysis.Report
}

// Option configures an [Engine].
type Option func(*Engine)

// WithAnalyzer enables background post-call analysis.
func WithAnalyzer(a Analyzer) Option {
	return func(e *Engine) { e.analyzer = a }
}

// WithPersona replaces [prompt.DefaultPersona] in the session instructions.
func WithPersona(persona string) Option {
	return func(e *Engine) {
		if persona != "" {
			e.persona = persona
		}
	}
}

// WithVoice selects the provider voice.
func WithVoice(voice string) Option {
	return func(e *Engine) { e.voice = voice }
}

// WithConnectTimeout overrides [DefaultConnectTimeout].
func WithConnectTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.connectTimeout = d
		}
	}
}

// WithAudioFormat sets the capture rate, the default playback rate, the
// capture frame size and the outbound queue depth. Zero values keep the
// defaults.
func WithAudioFormat(inputRate, outputRate, frameSamples, sendQueue int) Option {
	return func(e *Engine) {
		if inputRate > 0 {
			e.inputRate = inputRate
		}
		if outputRate > 0 {
			e.outputRate = outputRate
		}
		if frameSamples > 0 {
			e.frameSamples = frameSamples
		}
		if sendQueue > 0 {
			e.sendQueue = sendQueue
		}
	}
}

// WithMetrics records session metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProviderName labels transport metrics and logs.
func WithProviderName(name string) Option {
	return func(e *Engine) { e.providerName = name }
}

// WithClock overrides the time source for transcripts, playback and the
// recorder.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBaseContext sets the parent context of calls and background analysis.
// Request contexts passed to Start and EndCall only bound those calls.
func WithBaseContext(ctx context.Context) Option {
	return func(e *Engine) { e.base = ctx }
}

// Engine runs at most one call at a time.
//
// A single event loop per call consumes the transport's events and is the
// only writer of the transcript and the playback schedule. Every state change
// goes through [Next] under the engine lock.
//
// All methods are safe for concurrent use.
type Engine struct {
	provider s2s.Provider
	device   capture.Device
	sink     playback.Sink
	leads    Leads
	analyzer Analyzer

	persona        string
	voice          string
	providerName   string
	connectTimeout time.Duration
	inputRate      int
	outputRate     int
	frameSamples   int
	sendQueue      int
	metrics        *observe.Metrics
	now            func() time.Time
	base           context.Context

	mu         sync.Mutex
	state      State
	call       *callContext
	lastLead   string
	lastErr    error
	lastReport *analysis.Report

	wg sync.WaitGroup
}

// New creates an idle Engine that calls through provider, captures from
// device and plays to sink.
func New(provider s2s.Provider, device capture.Device, sink playback.Sink, leads Leads, opts ...Option) *Engine {
	e := &Engine{
		provider:       provider,
		device:         device,
		sink:           sink,
		leads:          leads,
		persona:        prompt.DefaultPersona,
		providerName:   "s2s",
		connectTimeout: DefaultConnectTimeout,
		inputRate:      audio.InputSampleRate,
		outputRate:     audio.OutputSampleRate,
		frameSamples:   audio.FrameSamples,
		sendQueue:      32,
		now:            time.Now,
		base:           context.Background(),
	}
	for _, o := range opts {
		o(e)
	}
	if caps := provider.Capabilities(); caps.OutputSampleRate > 0 {
		e.outputRate = caps.OutputSampleRate
	}
	return e
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

// Start calls the lead with id leadID. It acquires the capture device,
// primes the agent with the best matching knowledge and connects to the
// remote endpoint, then returns while the call runs in the background. The
// engine is in [StateConnecting] until the endpoint confirms the session.
//
// Start returns [ErrSessionActive] if a call is already running and wraps
// [capture.ErrDeviceUnavailable] or [s2s.ErrTransport] when the call could
// not be set up. A device failure leaves the engine state untouched.
func (e *Engine) Start(ctx context.Context, leadID string) error {
	c, cfg, err := e.prepare(ctx, leadID)
	if err != nil {
		return err
	}
	log := observe.CallLogger(ctx, leadID)

	ctx, span := observe.StartSpan(ctx, "session.connect")
	span.SetAttributes(attribute.String("lead_id", leadID), attribute.String("provider", e.providerName))
	defer span.End()

	connCtx, cancel := context.WithTimeout(c.ctx, c.connectTimeout)
	start := time.Now()
	handle, err := e.provider.Connect(connCtx, cfg)
	cancel()
	if e.metrics != nil {
		e.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", e.providerName), observe.Attr("status", observe.StatusLabel(err))))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.call != c {
		if handle != nil {
			_ = handle.Close()
		}
		log.Info("call ended while connecting")
		return ErrCallEnded
	}
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, s2s.ErrTransport) {
			err = s2s.NewTransportError("connect", "connect failed", err)
		}
		e.failLocked(c, err)
		return fmt.Errorf("session: start: %w", err)
	}

	c.handle = handle
	if ms := e.provider.Capabilities().MaxSessionDurationMs; ms > 0 {
		c.limit = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			e.end(c, "session time limit reached")
		})
	}
	e.wg.Go(func() { e.eventLoop(c) })

	log.Info("remote session connected", "provider", e.providerName, "priming", len(c.priming))
	return nil
}

// prepare validates the request, opens the device and installs a new call
// context in StateConnecting.
func (e *Engine) prepare(ctx context.Context, leadID string) (*callContext, s2s.SessionConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Busy() {
		return nil, s2s.SessionConfig{}, ErrSessionActive
	}
	next, ok := Next(e.state, EventStart)
	if !ok {
		return nil, s2s.SessionConfig{}, fmt.Errorf("session: start from %s", e.state)
	}

	l, err := e.leads.Lead(leadID)
	if err != nil {
		return nil, s2s.SessionConfig{}, fmt.Errorf("session: start: %w", err)
	}

	cctx, cancel := context.WithCancel(e.base)
	c := &callContext{
		lead:           l,
		startedAt:      e.now(),
		connectTimeout: e.connectTimeout,
		ctx:            cctx,
		cancel:         cancel,
		asm:            transcript.NewAssembler(transcript.WithClock(e.now)),
		recorder:       record.New(record.WithClock(e.now), record.WithSampleRate(e.outputRate)),
	}

	c.encoder, err = capture.Open(ctx, e.device,
		capture.WithSampleRate(e.inputRate),
		capture.WithFrameSamples(e.frameSamples),
		capture.WithQueueSize(e.sendQueue),
		capture.WithLevelObserver(c.setVolume),
		capture.WithTap(func(f capture.Frame) { _ = c.recorder.AddLocal(f.PCM, f.SampleRate) }),
		capture.WithDropObserver(func() {
			if e.metrics != nil {
				e.metrics.FramesDropped.Add(c.ctx, 1)
			}
		}),
	)
	if err != nil {
		cancel()
		_ = c.recorder.Close()
		return nil, s2s.SessionConfig{}, fmt.Errorf("session: start: %w", err)
	}
	c.scheduler = playback.New(e.sink,
		playback.WithClock(e.now),
		playback.WithIdleFunc(func() { e.playbackIdle(c) }),
	)

	c.priming = knowledge.Retrieve(l, e.leads.Knowledge())
	cfg := s2s.SessionConfig{
		Instructions:        prompt.Build(e.persona, l, knowledge.Snippets(c.priming)),
		Voice:               e.voice,
		ResponseModality:    s2s.ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
		InputSampleRate:     e.inputRate,
	}

	e.call = c
	e.lastLead = l.ID
	e.lastErr = nil
	e.setStateLocked(next, EventStart)
	return c, cfg, nil
}

// SetAgent replaces the persona, voice and connect timeout. The values apply
// from the next call on; a call in progress keeps its instructions. Empty or
// zero values keep the current setting.
func (e *Engine) SetAgent(persona, voice string, connectTimeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if persona != "" {
		e.persona = persona
	}
	if voice != "" {
		e.voice = voice
	}
	if connectTimeout > 0 {
		e.connectTimeout = connectTimeout
	}
}

// EndCall hangs up the active call. The transcript heuristic and the
// recording are stored on the lead before EndCall returns; the model-based
// analysis continues in the background and is available from
// [Engine.LastReport] once finished.
func (e *Engine) EndCall(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.call
	if c == nil || !e.state.Busy() {
		return ErrNoActiveCall
	}
	observe.CallLogger(ctx, c.lead.ID).Info("operator ended call")
	e.endLocked(c, "operator hang-up")
	return nil
}

// Shutdown ends any active call and waits for background analysis to finish
// or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.EndCall(ctx); err != nil && !errors.Is(err, ErrNoActiveCall) {
		return err
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

// Wait blocks until the goroutines of ended calls, including their background
// analysis, have returned. It must not be called while a call is live.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// end is the asynchronous counterpart of EndCall used by timers and the
// capture loop. It is a no-op if c is no longer the current call.
func (e *Engine) end(c *callContext, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call != c {
		return
	}
	e.endLocked(c, reason)
}

// endLocked moves to idle and tears c down. A call that never went live is
// simply cancelled. Otherwise the heuristic outcome is stored at once and
// analysis is started in the background.
func (e *Engine) endLocked(c *callContext, reason string) {
	wasLive := e.state.Live()
	e.setStateLocked(StateIdle, EventEndCall)
	e.call = nil

	committed := c.asm.Entries()
	full := c.asm.Full()

	log := observe.CallLogger(c.ctx, c.lead.ID)
	rec, err := c.teardown(wasLive)
	if err != nil {
		log.Warn("teardown reported errors", "err", err)
	}
	e.callFinished(c, wasLive)

	if !wasLive {
		e.recordOutcome(outcomeCancelled)
		log.Info("call cancelled before it connected", "reason", reason)
		return
	}
	e.recordOutcome(outcomeEnded)
	log.Info("call ended", "reason", reason, "entries", len(committed), "duration", e.now().Sub(c.startedAt))

	updated, err := analysis.ApplyHeuristic(e.base, e.leads, c.lead.ID, committed, rec)
	if err != nil || e.analyzer == nil {
		return
	}
	in := analysis.Input{Lead: updated, Entries: full}
	e.wg.Go(func() {
		rep := e.analyzer.Run(e.base, in)
		e.mu.Lock()
		e.lastReport = &rep
		e.mu.Unlock()
	})
}

// failLocked moves to error after a transport failure. The lead is left as
// it was and no analysis runs.
func (e *Engine) failLocked(c *callContext, err error) {
	e.setStateLocked(StateError, EventTransportFailed)
	e.call = nil
	e.lastErr = err

	if _, terr := c.teardown(false); terr != nil {
		slog.Debug("session: teardown after failure", "err", terr)
	}
	e.callFinished(c, c.opened)
	e.recordOutcome(outcomeFailed)
	if e.metrics != nil {
		e.metrics.RecordTransportError(context.Background(), e.providerName)
	}
	observe.CallLogger(c.ctx, c.lead.ID).Error("call failed", "err", err)
}

func (e *Engine) callFinished(c *callContext, opened bool) {
	if opened && e.metrics != nil {
		e.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (e *Engine) recordOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordSessionOutcome(context.Background(), outcome)
	}
}

// ── Event loop ──────────────────────────────────────────────────────────────

func (e *Engine) eventLoop(c *callContext) {
	events := c.handle.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				e.end(c, "remote session closed")
				return
			}
			if !e.handleEvent(c, ev) {
				return
			}
		}
	}
}

// handleEvent applies one transport event. It returns false once the call is
// over.
func (e *Engine) handleEvent(c *callContext, ev s2s.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.call != c {
		return false
	}

	switch ev.Kind {
	case s2s.EventOpen:
		e.openedLocked(c)
	case s2s.EventInputTranscription:
		c.asm.AppendInput(ev.Text)
	case s2s.EventOutputTranscription:
		c.asm.AppendOutput(ev.Text)
	case s2s.EventAudio:
		e.scheduleLocked(c, ev)
	case s2s.EventTurnComplete:
		c.asm.CommitTurn()
	case s2s.EventInterrupted:
		e.interruptLocked(c)
	case s2s.EventClose:
		e.endLocked(c, "remote hang-up")
		return false
	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = s2s.NewTransportError("receive", "session error", nil)
		}
		e.failLocked(c, err)
		return false
	}
	return true
}

func (e *Engine) openedLocked(c *callContext) {
	if _, ok := Next(e.state, EventOpened); !ok {
		return
	}
	e.setStateLocked(StateListening, EventOpened)
	c.opened = true
	if e.metrics != nil {
		e.metrics.ActiveSessions.Add(c.ctx, 1)
	}

	l, err := e.leads.UpdateLead(c.ctx, c.lead.ID, func(l *lead.Lead) { l.MarkInProgress(e.now()) })
	if err != nil {
		observe.CallLogger(c.ctx, c.lead.ID).Error("failed to mark lead in progress", "err", err)
	} else {
		c.lead = l
	}

	e.wg.Go(func() { e.captureLoop(c) })
}

func (e *Engine) scheduleLocked(c *callContext, ev s2s.Event) {
	rate := ev.SampleRate
	if rate <= 0 {
		rate = e.outputRate
	}
	slot, err := c.scheduler.Schedule(ev.Audio, rate)
	if err != nil {
		observe.CallLogger(c.ctx, c.lead.ID).Warn("dropping agent audio", "err", err)
		return
	}
	if slot.ID == 0 {
		return
	}
	_ = c.recorder.AddRemote(ev.Audio, rate, slot.Start)
	if slot.Activated {
		e.transitionLocked(EventPlaybackStarted)
	}
}

// interruptLocked stops playback, resets the timeline and flushes the agent
// partial in one critical section, so no agent audio or text from before the
// barge-in can follow it. Agent audio queued past this instant is cut from the
// recording too.
func (e *Engine) interruptLocked(c *callContext) {
	stopped := c.scheduler.Interrupt()
	c.recorder.TruncateRemote(e.now())
	entry, flushed := c.asm.Interrupt()
	e.transitionLocked(EventInterrupted)
	if e.metrics != nil {
		e.metrics.Interruptions.Add(c.ctx, 1)
	}
	log := observe.CallLogger(c.ctx, c.lead.ID)
	if flushed {
		log.Debug("agent interrupted", "stopped", stopped, "truncated", entry.Text)
	} else {
		log.Debug("agent interrupted", "stopped", stopped)
	}
}

// playbackIdle runs on a scheduler watcher goroutine. The active set is
// checked again under the engine lock since audio may have been scheduled in
// between.
func (e *Engine) playbackIdle(c *callContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call != c || c.scheduler.Active() != 0 {
		return
	}
	e.transitionLocked(EventPlaybackIdle)
}

func (e *Engine) captureLoop(c *callContext) {
	send := func(ctx context.Context, f capture.Frame) error {
		err := c.handle.SendMedia(ctx, s2s.MediaChunk{
			Encoding:   f.Encoding,
			SampleRate: f.SampleRate,
			Payload:    f.Payload,
		})
		if err == nil && e.metrics != nil {
			e.metrics.FramesSent.Add(ctx, 1)
		}
		return err
	}

	err := c.encoder.Run(c.ctx, send)
	if c.ctx.Err() != nil {
		return
	}
	log := observe.CallLogger(c.ctx, c.lead.ID)
	if err != nil {
		log.Error("capture failed", "err", err)
	}
	log.Info("capture stream ended", "sent", c.encoder.Sent(), "dropped", c.encoder.Dropped())
	e.end(c, "capture stream ended")
}

// ── State ───────────────────────────────────────────────────────────────────

// transitionLocked applies ev through Next and reports whether it changed
// anything.
func (e *Engine) transitionLocked(ev Event) bool {
	next, ok := Next(e.state, ev)
	if ok {
		e.setStateLocked(next, ev)
	}
	return ok
}

func (e *Engine) setStateLocked(next State, ev Event) {
	if next != e.state {
		slog.Debug("session: state change", "from", e.state, "to", next, "event", ev)
	}
	e.state = next
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot is a point-in-time view of the engine for inspection.
type Snapshot struct {
	State          State              `json:"state"`
	LeadID         string             `json:"lead_id,omitempty"`
	RestaurantName string             `json:"restaurant_name,omitempty"`
	StartedAt      time.Time          `json:"started_at,omitzero"`
	Volume         float64            `json:"volume"`
	PartialHuman   string             `json:"partial_human,omitempty"`
	PartialAgent   string             `json:"partial_agent,omitempty"`
	Transcript     []transcript.Entry `json:"transcript"`
	Priming        []knowledge.Scored `json:"priming,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Snapshot returns the current state and, during a call, its live
// transcript, input level and priming knowledge. The slices are copies.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{State: e.state, Transcript: []transcript.Entry{}}
	if e.state == StateError && e.lastErr != nil {
		s.LeadID = e.lastLead
		s.Error = e.lastErr.Error()
	}
	c := e.call
	if c == nil {
		return s
	}
	ts := c.asm.Snapshot()
	s.LeadID = c.lead.ID
	s.RestaurantName = c.lead.RestaurantName
	s.StartedAt = c.startedAt
	s.Volume = c.getVolume()
	s.PartialHuman = ts.PartialHuman
	s.PartialAgent = ts.PartialAgent
	s.Transcript = append(s.Transcript, ts.Entries...)
	s.Priming = append([]knowledge.Scored(nil), c.priming...)
	return s
}

// LastReport returns the analysis report of the most recently analysed call.
func (e *Engine) LastReport() (analysis.Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastReport == nil {
		return analysis.Report{}, false
	}
	return *e.lastReport, true
}
