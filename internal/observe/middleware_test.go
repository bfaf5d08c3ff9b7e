package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type instrumented struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

// newInstrumented wraps a control-API-shaped mux in [Middleware] with
// in-memory metric and span collection.
func newInstrumented(t *testing.T) *instrumented {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /leads/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.Error(w, "no such lead", http.StatusNotFound)
			return
		}
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
	})
	mux.HandleFunc("POST /calls", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /calls/end", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	return &instrumented{handler: Middleware(m)(mux), reader: reader, spans: exp}
}

func (in *instrumented) serve(method, path string, hdr http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	in.handler.ServeHTTP(rec, req)
	return rec
}

func spanInt(attrs []attribute.KeyValue, key string) (int64, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsInt64(), true
		}
	}
	return 0, false
}

func TestMiddleware_Spans(t *testing.T) {
	tests := []struct {
		method, path string
		wantSpan     string
		wantStatus   int
	}{
		{"GET", "/leads/lead-42", "HTTP GET /leads/{id}", http.StatusOK},
		{"GET", "/leads/missing", "HTTP GET /leads/{id}", http.StatusNotFound},
		{"POST", "/calls", "HTTP POST /calls", http.StatusAccepted},
		{"POST", "/calls/end", "HTTP POST /calls/end", http.StatusBadGateway},
		{"GET", "/nowhere", "HTTP unmatched", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			in := newInstrumented(t)
			rec := in.serve(tc.method, tc.path, nil)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			spans := in.spans.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if spans[0].Name != tc.wantSpan {
				t.Errorf("span name = %q, want %q", spans[0].Name, tc.wantSpan)
			}
			if code, ok := spanInt(spans[0].Attributes, "http.response.status_code"); !ok || code != int64(tc.wantStatus) {
				t.Errorf("span status attribute = %d (present %v), want %d", code, ok, tc.wantStatus)
			}
		})
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name string
		hdr  http.Header
		want string
	}{
		{name: "generated"},
		{
			name: "from traceparent",
			hdr:  http.Header{"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"}},
			want: traceID,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := newInstrumented(t)
			rec := in.serve("GET", "/leads/lead-1", tc.hdr)

			got := rec.Header().Get("X-Correlation-ID")
			if len(got) != 32 {
				t.Fatalf("X-Correlation-ID = %q, want 32 hex chars", got)
			}
			if tc.want != "" && got != tc.want {
				t.Errorf("X-Correlation-ID = %q, want %q", got, tc.want)
			}
			if seen := rec.Header().Get("X-Seen-Correlation"); seen != got {
				t.Errorf("handler saw correlation %q, response carries %q", seen, got)
			}
		})
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	in := newInstrumented(t)
	in.serve("GET", "/leads/a", nil)
	in.serve("GET", "/leads/b", nil)
	in.serve("POST", "/calls", nil)

	var rm metricdata.ResourceMetrics
	if err := in.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "callwright.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data is %T, want histogram", met.Data)
	}

	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] += dp.Count
	}
	// Lead IDs must collapse into the route pattern.
	if counts["GET /leads/{id}"] != 2 || counts["POST /calls"] != 1 || len(counts) != 2 {
		t.Errorf("samples by route = %v", counts)
	}
}
