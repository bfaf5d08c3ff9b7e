// Package s2s defines the session transport to a remote speech-to-speech
// conversational endpoint.
//
// A session carries encoded microphone frames upstream and surfaces everything
// the endpoint says back as a single ordered stream of tagged [Event]s: audio,
// transcription deltas in both directions, turn boundaries, barge-in
// notifications, and lifecycle changes. Consumers handle all events in one
// loop and never need to coordinate separate channels.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransport is the sentinel wrapped by every [TransportError].
var ErrTransport = errors.New("s2s: transport error")

// TransportError describes a failure of the remote session: connection loss,
// a protocol violation, or an error reported by the endpoint itself.
type TransportError struct {
	// Op is the operation that failed, e.g. "connect", "send", "receive".
	Op string

	// Message is the human-readable reason, surfaced to the operator.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("s2s: %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("s2s: %s: %s", e.Op, e.Message)
}

// Unwrap returns both the sentinel and the cause so that errors.Is matches
// either.
func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransport, e.Err}
	}
	return []error{ErrTransport}
}

// NewTransportError builds a *TransportError.
func NewTransportError(op, message string, err error) *TransportError {
	return &TransportError{Op: op, Message: message, Err: err}
}

// EventKind tags an inbound [Event].
type EventKind int

const (
	// EventOpen signals the session is established and ready for media.
	EventOpen EventKind = iota

	// EventInputTranscription carries a text delta of what the human said.
	EventInputTranscription

	// EventOutputTranscription carries a text delta of what the agent said.
	EventOutputTranscription

	// EventAudio carries a chunk of agent audio (PCM16 mono).
	EventAudio

	// EventTurnComplete marks the end of an agent turn.
	EventTurnComplete

	// EventInterrupted signals the human barged in over the agent.
	EventInterrupted

	// EventClose signals the remote side ended the session.
	EventClose

	// EventError reports a fatal session error. Err is always set.
	EventError
)

var eventKindNames = [...]string{
	EventOpen:                "open",
	EventInputTranscription:  "input_transcription",
	EventOutputTranscription: "output_transcription",
	EventAudio:               "audio",
	EventTurnComplete:        "turn_complete",
	EventInterrupted:         "interrupted",
	EventClose:               "close",
	EventError:               "error",
}

// String returns the snake_case name of k.
func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one inbound message from the remote endpoint.
type Event struct {
	Kind EventKind

	// Text is set for transcription events.
	Text string

	// Audio is PCM16 mono at SampleRate, set for EventAudio.
	Audio      []byte
	SampleRate int

	// Err is set for EventError.
	Err error
}

// MediaChunk is one encoded outbound audio frame.
type MediaChunk struct {
	// Encoding is the MIME label, e.g. "audio/pcm;rate=16000".
	Encoding string

	SampleRate int

	// Payload is base64-encoded PCM16.
	Payload string
}

// Modality is the response modality requested from the endpoint.
type Modality string

// ModalityAudio requests spoken responses.
const ModalityAudio Modality = "AUDIO"

// SessionConfig is sent once when a session opens.
type SessionConfig struct {
	// Instructions is the system prompt for the agent.
	Instructions string

	// Voice is the provider-specific voice name. Empty selects the default.
	Voice string

	// ResponseModality is always ModalityAudio for calls.
	ResponseModality Modality

	// InputTranscription and OutputTranscription request text transcripts of
	// the human and agent audio respectively.
	InputTranscription  bool
	OutputTranscription bool

	// InputSampleRate is the rate of the PCM sent with SendMedia.
	InputSampleRate int
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// OutputSampleRate is the rate of PCM delivered in EventAudio.
	OutputSampleRate int

	// MaxSessionDurationMs is the provider's hard session limit; 0 means none.
	MaxSessionDurationMs int

	// Voices lists available voice names.
	Voices []string
}

// SessionHandle is an open session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendMedia delivers one encoded audio frame. It returns a
	// *TransportError if the session is closed or the write fails.
	SendMedia(ctx context.Context, chunk MediaChunk) error

	// Events returns the inbound event stream in arrival order. The channel is
	// closed after the session ends; the last event is EventClose or
	// EventError unless Close was called locally.
	Events() <-chan Event

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider opens sessions against one remote endpoint.
type Provider interface {
	// Connect establishes a session. Failures are returned as
	// *TransportError with Op "connect".
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the endpoint.
	Capabilities() Capabilities
}
