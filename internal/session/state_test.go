package session

import "testing"

func TestNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from   State
		event  Event
		want   State
		wantOK bool
	}{
		{StateIdle, EventStart, StateConnecting, true},
		{StateError, EventStart, StateConnecting, true},
		{StateConnecting, EventOpened, StateListening, true},
		{StateConnecting, EventEndCall, StateIdle, true},
		{StateConnecting, EventTransportFailed, StateError, true},
		{StateListening, EventPlaybackStarted, StateSpeaking, true},
		{StateListening, EventEndCall, StateIdle, true},
		{StateListening, EventTransportFailed, StateError, true},
		{StateSpeaking, EventPlaybackIdle, StateListening, true},
		{StateSpeaking, EventInterrupted, StateListening, true},
		{StateSpeaking, EventEndCall, StateIdle, true},
		{StateSpeaking, EventTransportFailed, StateError, true},

		// No effect.
		{StateIdle, EventEndCall, StateIdle, false},
		{StateIdle, EventOpened, StateIdle, false},
		{StateIdle, EventTransportFailed, StateIdle, false},
		{StateConnecting, EventStart, StateConnecting, false},
		{StateConnecting, EventPlaybackStarted, StateConnecting, false},
		{StateListening, EventStart, StateListening, false},
		{StateListening, EventInterrupted, StateListening, false},
		{StateListening, EventPlaybackIdle, StateListening, false},
		{StateSpeaking, EventStart, StateSpeaking, false},
		{StateSpeaking, EventPlaybackStarted, StateSpeaking, false},
		{StateError, EventEndCall, StateError, false},
		{StateError, EventOpened, StateError, false},
	}
	for _, tc := range tests {
		t.Run(tc.from.String()+"/"+tc.event.String(), func(t *testing.T) {
			t.Parallel()
			got, ok := Next(tc.from, tc.event)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("Next(%s, %s) = (%s, %v), want (%s, %v)", tc.from, tc.event, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestNext_ErrorOnlyFromActiveStates(t *testing.T) {
	t.Parallel()

	for s := StateIdle; s <= StateError; s++ {
		got, ok := Next(s, EventTransportFailed)
		wantOK := s.Busy()
		if ok != wantOK {
			t.Errorf("Next(%s, transport_failed) ok = %v, want %v", s, ok, wantOK)
		}
		if ok && got != StateError {
			t.Errorf("Next(%s, transport_failed) = %s, want error", s, got)
		}
	}
}

func TestState_Strings(t *testing.T) {
	t.Parallel()

	if StateSpeaking.String() != "speaking" {
		t.Errorf("String = %q", StateSpeaking.String())
	}
	if State(42).String() != "State(42)" {
		t.Errorf("unknown String = %q", State(42).String())
	}
	b, err := StateListening.MarshalText()
	if err != nil || string(b) != "listening" {
		t.Errorf("MarshalText = %q, %v", b, err)
	}
	var back State
	if err := back.UnmarshalText(b); err != nil || back != StateListening {
		t.Errorf("UnmarshalText = %v, %v", back, err)
	}
	if err := back.UnmarshalText([]byte("ringing")); err == nil {
		t.Error("UnmarshalText accepted an unknown state")
	}
	if EventInterrupted.String() != "interrupted" {
		t.Errorf("event String = %q", EventInterrupted.String())
	}
	if !StateConnecting.Busy() || StateConnecting.Live() {
		t.Error("connecting must be busy but not live")
	}
	if StateError.Busy() || StateIdle.Busy() {
		t.Error("idle and error must not be busy")
	}
}
