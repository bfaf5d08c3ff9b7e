// Package session runs one live sales call at a time: it opens the operator's
// audio device and the remote conversational endpoint, pumps audio both ways,
// assembles the transcript, and hands the finished call to post-call analysis.
//
// The lifecycle is a small closed state machine. [Next] is the pure transition
// function and the [Engine] only ever changes state through it.
package session

import "fmt"

// State is the lifecycle phase of the engine.
type State int

const (
	// StateIdle means no call is active.
	StateIdle State = iota

	// StateConnecting means the remote session is being established.
	StateConnecting

	// StateListening means the call is live and no agent audio is playing.
	StateListening

	// StateSpeaking means agent audio is playing or queued.
	StateSpeaking

	// StateError means the last call failed on the transport. A new call may
	// be started from here.
	StateError
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateListening:  "listening",
	StateSpeaking:   "speaking",
	StateError:      "error",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// Live reports whether a call is connected in s.
func (s State) Live() bool {
	return s == StateListening || s == StateSpeaking
}

// Busy reports whether s holds engine resources, so no new call may start.
func (s State) Busy() bool {
	return s == StateConnecting || s.Live()
}

// Event drives a transition.
type Event int

const (
	// EventStart is a request to call a lead.
	EventStart Event = iota

	// EventOpened means the remote endpoint accepted the session.
	EventOpened

	// EventPlaybackStarted means agent audio became active.
	EventPlaybackStarted

	// EventPlaybackIdle means the last active agent buffer finished.
	EventPlaybackIdle

	// EventInterrupted means the human barged in.
	EventInterrupted

	// EventEndCall is a request to hang up, from the operator or the remote.
	EventEndCall

	// EventTransportFailed means the remote session failed.
	EventTransportFailed
)

var eventNames = [...]string{
	EventStart:           "start",
	EventOpened:          "opened",
	EventPlaybackStarted: "playback_started",
	EventPlaybackIdle:    "playback_idle",
	EventInterrupted:     "interrupted",
	EventEndCall:         "end_call",
	EventTransportFailed: "transport_failed",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Next returns the state reached from s on e. ok is false when e has no
// effect in s; the returned state is then s itself.
func Next(s State, e Event) (next State, ok bool) {
	switch s {
	case StateIdle, StateError:
		if e == EventStart {
			return StateConnecting, true
		}
	case StateConnecting:
		switch e {
		case EventOpened:
			return StateListening, true
		case EventEndCall:
			return StateIdle, true
		case EventTransportFailed:
			return StateError, true
		}
	case StateListening:
		switch e {
		case EventPlaybackStarted:
			return StateSpeaking, true
		case EventEndCall:
			return StateIdle, true
		case EventTransportFailed:
			return StateError, true
		}
	case StateSpeaking:
		switch e {
		case EventPlaybackIdle, EventInterrupted:
			return StateListening, true
		case EventEndCall:
			return StateIdle, true
		case EventTransportFailed:
			return StateError, true
		}
	}
	return s, false
}
