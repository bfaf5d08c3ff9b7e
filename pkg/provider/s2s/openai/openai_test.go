package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callwright/pkg/provider/s2s"
	"github.com/MrWong99/callwright/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func event(typ string, kv ...any) map[string]any {
	m := map[string]any{"type": typ}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func collect(t *testing.T, h s2s.SessionHandle, n int) []s2s.Event {
	t.Helper()
	var got []s2s.Event
	timeout := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timeout after %d of %d events", len(got), n)
		}
	}
	return got
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_HeadersAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Modalities              []string `json:"modalities"`
			Voice                   string   `json:"voice"`
			Instructions            string   `json:"instructions"`
			InputAudioFormat        string   `json:"input_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}
	type seen struct {
		auth, beta, model string
		msg               update
	}
	ch := make(chan seen, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var s seen
		s.auth = r.Header.Get("Authorization")
		s.beta = r.Header.Get("OpenAI-Beta")
		s.model = r.URL.Query().Get("model")
		readJSON(t, conn, &s.msg)
		ch <- s
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)), openai.WithModel("rt-model"))
	h, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions:       "Pitch the platform.",
		Voice:              "coral",
		InputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	var s seen
	select {
	case s = <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
	if s.auth != "Bearer sk-test" || s.beta != "realtime=v1" || s.model != "rt-model" {
		t.Errorf("auth=%q beta=%q model=%q", s.auth, s.beta, s.model)
	}
	if s.msg.Type != "session.update" || s.msg.Session.Voice != "coral" || s.msg.Session.Instructions != "Pitch the platform." {
		t.Errorf("unexpected update %+v", s.msg)
	}
	if s.msg.Session.InputAudioFormat != "pcm16" {
		t.Errorf("input format = %q", s.msg.Session.InputAudioFormat)
	}
	if s.msg.Session.InputAudioTranscription == nil || s.msg.Session.InputAudioTranscription.Model != "whisper-1" {
		t.Error("input transcription not requested")
	}
}

func TestSendMedia_ResamplesTo24k(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		var msg struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		readJSON(t, conn, &msg)
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		pcm, _ := base64.StdEncoding.DecodeString(msg.Audio)
		got <- pcm
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	in := make([]byte, 320) // 160 samples at 16 kHz
	err = h.SendMedia(context.Background(), s2s.MediaChunk{
		Encoding:   "audio/pcm;rate=16000",
		SampleRate: 16000,
		Payload:    base64.StdEncoding.EncodeToString(in),
	})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	select {
	case pcm := <-got:
		if len(pcm) != 480 { // 240 samples at 24 kHz
			t.Errorf("appended %d bytes, want 480", len(pcm))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for append")
	}

	if err := h.SendMedia(context.Background(), s2s.MediaChunk{Payload: "!!not base64"}); !errors.Is(err, s2s.ErrTransport) {
		t.Errorf("bad payload: %v, want ErrTransport", err)
	}
}

func TestEvents_Translation(t *testing.T) {
	t.Parallel()

	audio := []byte{1, 0, 2, 0}
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, event("session.created"))
		writeJSON(t, conn, event("conversation.item.input_audio_transcription.completed", "transcript", "Who is this?"))
		writeJSON(t, conn, event("response.created"))
		writeJSON(t, conn, event("response.audio_transcript.delta", "delta", "Hi there"))
		writeJSON(t, conn, event("response.audio.delta", "delta", base64.StdEncoding.EncodeToString(audio)))
		writeJSON(t, conn, event("response.done"))
		// The reply is fully received but still playing locally.
		writeJSON(t, conn, event("input_audio_buffer.speech_started"))
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	evs := collect(t, h, 6)
	want := []s2s.EventKind{
		s2s.EventOpen,
		s2s.EventInputTranscription,
		s2s.EventOutputTranscription,
		s2s.EventAudio,
		s2s.EventTurnComplete,
		s2s.EventInterrupted,
	}
	for i, k := range want {
		if i >= len(evs) || evs[i].Kind != k {
			t.Fatalf("event %d: got %v, want %v (all: %v)", i, evs, k, want)
		}
	}
	if evs[1].Text != "Who is this?" || evs[2].Text != "Hi there" {
		t.Errorf("texts = %q / %q", evs[1].Text, evs[2].Text)
	}
	if string(evs[3].Audio) != string(audio) || evs[3].SampleRate != 24000 {
		t.Errorf("audio event = %+v", evs[3])
	}
}

func TestEvents_ErrorEndsSession(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, event("error", "error", map[string]any{"type": "invalid_request_error", "message": "bad voice"}))
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	evs := collect(t, h, 2)
	if len(evs) != 1 || evs[0].Kind != s2s.EventError {
		t.Fatalf("events = %+v", evs)
	}
	var te *s2s.TransportError
	if !errors.As(evs[0].Err, &te) || te.Message != "bad voice" {
		t.Errorf("error = %v", evs[0].Err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.SendMedia(context.Background(), s2s.MediaChunk{}); !errors.Is(err, s2s.ErrTransport) {
		t.Errorf("SendMedia after Close: %v", err)
	}
}
