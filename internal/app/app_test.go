package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callwright/internal/analysis"
	"github.com/MrWong99/callwright/internal/app"
	"github.com/MrWong99/callwright/internal/config"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/store/memstore"
	"github.com/MrWong99/callwright/pkg/audio/capture"
	"github.com/MrWong99/callwright/pkg/audio/playback"
	"github.com/MrWong99/callwright/pkg/provider/llm"
	llmmock "github.com/MrWong99/callwright/pkg/provider/llm/mock"
	"github.com/MrWong99/callwright/pkg/provider/s2s"
	s2smock "github.com/MrWong99/callwright/pkg/provider/s2s/mock"
)

const testYAML = `
server:
  listen_addr: "127.0.0.1:0"
providers:
  s2s:
    name: gemini-live
  llm:
    name: openai
agent:
  voice: Kore
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// silentDevice hands out streams of silence that end when closed.
type silentDevice struct{}

func (silentDevice) Open(context.Context, int) (capture.Stream, error) {
	return &silentStream{closed: make(chan struct{})}, nil
}

type silentStream struct {
	once   sync.Once
	closed chan struct{}
}

func (s *silentStream) Read(ctx context.Context, buf []float32) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.closed:
		return 0, io.EOF
	case <-time.After(5 * time.Millisecond):
		clear(buf)
		return len(buf), nil
	}
}

func (s *silentStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// bookingLLM classifies every call as booked and finds no technique.
func bookingLLM() *llmmock.Provider {
	return &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if strings.Contains(req.SystemPrompt, "reusable technique") {
				return &llm.CompletionResponse{Content: `{"found":false}`}, nil
			}
			return &llm.CompletionResponse{Content: `{"summary":"Demo booked for Tuesday.","sentiment":"Positive","outcome":"BOOKED"}`}, nil
		},
	}
}

type fixture struct {
	app      *app.App
	srv      *httptest.Server
	sess     *s2smock.Session
	provider *s2smock.Provider
}

func newFixture(t *testing.T, providers *app.Providers, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{sess: s2smock.NewSession()}
	if providers == nil {
		providers = &app.Providers{LLM: bookingLLM()}
	}
	f.provider = &s2smock.Provider{Session: f.sess}
	providers.S2S = f.provider
	opts = append([]app.Option{
		app.WithKV(memstore.New()),
		app.WithDevice(silentDevice{}),
		app.WithSink(playback.DiscardSink{}),
	}, opts...)

	a, err := app.New(context.Background(), testConfig(t), providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Tests ───────────────────────────────────────────────────────────────────

func TestNew_RequiresS2S(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(t), &app.Providers{}); err == nil {
		t.Fatal("expected error without an s2s provider")
	}
}

func TestNew_FileBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Backend: config.StorageFile, Path: t.TempDir()}
	a, err := app.New(context.Background(), cfg, &app.Providers{S2S: &s2smock.Provider{}},
		app.WithDevice(silentDevice{}), app.WithSink(playback.DiscardSink{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	if len(a.Repository().Leads()) == 0 {
		t.Error("file backend was not seeded with the default dataset")
	}
}

func TestNew_InitialisesTelemetry(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), &app.Providers{S2S: &s2smock.Provider{}},
		app.WithKV(memstore.New()), app.WithDevice(silentDevice{}), app.WithSink(playback.DiscardSink{}))
	if err != nil {
		t.Fatalf("New without injected telemetry: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `service_name="callwright"`) {
		t.Errorf("GET /metrics = %d, missing service resource:\n%s", rec.Code, rec.Body.String())
	}
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/readyz", http.StatusOK, `"store":"ok"`},
		{"/leads", http.StatusOK, `"restaurant_name"`},
		{"/knowledge", http.StatusOK, `"category"`},
		{"/calls/current", http.StatusOK, `"state":"idle"`},
		{"/calls/last-report", http.StatusNotFound, `"not_found"`},
		{"/metrics", http.StatusOK, "go_goroutines"},
	}
	for _, tc := range tests {
		code, body := f.do(t, http.MethodGet, tc.path, "")
		if code != tc.wantCode {
			t.Errorf("GET %s = %d, want %d", tc.path, code, tc.wantCode)
		}
		if !strings.Contains(string(body), tc.contains) {
			t.Errorf("GET %s body does not contain %q:\n%s", tc.path, tc.contains, body)
		}
	}
}

func TestReadyz_ConsoleDegradedWhenDisconnected(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), &app.Providers{S2S: &s2smock.Provider{}}, app.WithKV(memstore.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("readyz = %d %s", rec.Code, rec.Body)
	}

	// Starting a call with no operator console is refused as unavailable.
	rec = httptest.NewRecorder()
	body := `{"lead_id":"` + a.Repository().Leads()[0].ID + `"}`
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(body)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /calls = %d %s, want 503", rec.Code, rec.Body)
	}
}

func TestCallThroughAPI(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	id := f.app.Repository().Leads()[0].ID

	code, body := f.do(t, http.MethodPost, "/calls", `{"lead_id":"`+id+`"}`)
	if code != http.StatusAccepted {
		t.Fatalf("POST /calls = %d %s", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/calls", `{"lead_id":"`+id+`"}`); code != http.StatusConflict {
		t.Errorf("second POST /calls = %d, want 409", code)
	}

	f.sess.Emit(s2s.Event{Kind: s2s.EventOpen})
	waitFor(t, "listening", func() bool { return f.app.Engine().State().Live() })

	f.sess.Emit(s2s.Event{Kind: s2s.EventInputTranscription, Text: "Who is this?"})
	f.sess.Emit(s2s.Event{Kind: s2s.EventOutputTranscription, Text: "Ava from Callwright."})
	f.sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
	waitFor(t, "committed turn", func() bool { return len(f.app.Engine().Snapshot().Transcript) == 2 })

	if code, _ := f.do(t, http.MethodPost, "/reset", ""); code != http.StatusConflict {
		t.Errorf("POST /reset during call = %d, want 409", code)
	}

	if code, body := f.do(t, http.MethodPost, "/calls/end", ""); code != http.StatusOK {
		t.Fatalf("POST /calls/end = %d %s", code, body)
	}

	var rep analysis.Report
	waitFor(t, "analysis report", func() bool {
		code, body := f.do(t, http.MethodGet, "/calls/last-report", "")
		if code != http.StatusOK {
			return false
		}
		return json.Unmarshal(body, &rep) == nil
	})
	if rep.LeadID != id || rep.Outcome != lead.StatusBooked {
		t.Errorf("report = %+v", rep)
	}
	if rep.Extraction.Status != analysis.StatusSkipped {
		t.Errorf("extraction = %+v, want skipped for a two-line call", rep.Extraction)
	}

	_, body = f.do(t, http.MethodGet, "/leads/"+id, "")
	var l lead.Lead
	if err := json.Unmarshal(body, &l); err != nil {
		t.Fatalf("decode lead: %v", err)
	}
	if l.Status != lead.StatusBooked || l.Score != 100 || len(l.Transcript) != 2 {
		t.Errorf("lead = status %s score %d transcript %d", l.Status, l.Score, len(l.Transcript))
	}
}

func TestNoLLM_HeuristicOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &app.Providers{})
	id := f.app.Repository().Leads()[0].ID

	if code, body := f.do(t, http.MethodPost, "/calls", `{"lead_id":"`+id+`"}`); code != http.StatusAccepted {
		t.Fatalf("POST /calls = %d %s", code, body)
	}
	f.sess.Emit(s2s.Event{Kind: s2s.EventOpen})
	waitFor(t, "listening", func() bool { return f.app.Engine().State().Live() })
	if code, _ := f.do(t, http.MethodPost, "/calls/end", ""); code != http.StatusOK {
		t.Fatalf("POST /calls/end = %d", code)
	}

	l, err := f.app.Repository().Lead(id)
	if err != nil {
		t.Fatal(err)
	}
	if l.Status != lead.StatusFailed {
		t.Errorf("status = %s, want FAILED for an empty call", l.Status)
	}
	if _, ok := f.app.Engine().LastReport(); ok {
		t.Error("report produced without an llm")
	}
}

func TestLLMFallbackUsed(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("quota exceeded")}
	backup := bookingLLM()
	f := newFixture(t, &app.Providers{
		LLM:          primary,
		LLMFallbacks: []app.NamedLLM{{Name: "groq", Provider: backup}},
	})
	id := f.app.Repository().Leads()[0].ID

	if code, body := f.do(t, http.MethodPost, "/calls", `{"lead_id":"`+id+`"}`); code != http.StatusAccepted {
		t.Fatalf("POST /calls = %d %s", code, body)
	}
	f.sess.Emit(s2s.Event{Kind: s2s.EventOpen})
	waitFor(t, "listening", func() bool { return f.app.Engine().State().Live() })
	f.sess.Emit(s2s.Event{Kind: s2s.EventInputTranscription, Text: "Send me a demo."})
	f.sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
	waitFor(t, "committed turn", func() bool { return len(f.app.Engine().Snapshot().Transcript) == 1 })
	if code, _ := f.do(t, http.MethodPost, "/calls/end", ""); code != http.StatusOK {
		t.Fatalf("POST /calls/end = %d", code)
	}

	waitFor(t, "analysis report", func() bool {
		_, ok := f.app.Engine().LastReport()
		return ok
	})
	rep, _ := f.app.Engine().LastReport()
	if rep.Outcome != lead.StatusBooked {
		t.Errorf("outcome = %q, want BOOKED via fallback", rep.Outcome)
	}
	if len(primary.Calls()) == 0 || len(backup.Calls()) == 0 {
		t.Errorf("calls: primary %d, backup %d", len(primary.Calls()), len(backup.Calls()))
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	f := newFixture(t, nil, app.WithLogLevel(&level))

	f.app.ApplyConfig(config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
		AgentChanged:    true,
		NewAgent:        config.AgentConfig{Voice: "Puck"},
	})
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	id := f.app.Repository().Leads()[0].ID
	if code, body := f.do(t, http.MethodPost, "/calls", `{"lead_id":"`+id+`"}`); code != http.StatusAccepted {
		t.Fatalf("POST /calls = %d %s", code, body)
	}
	calls := f.provider.Calls()
	if len(calls) != 1 || calls[0].Cfg.Voice != "Puck" {
		t.Errorf("connect calls = %+v, want voice Puck", calls)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	waitFor(t, "server up", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
