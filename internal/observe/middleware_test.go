package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// serveDiagnostics runs one request through the middleware-wrapped handler
// and returns the recorded response.
func serveDiagnostics(t *testing.T, mw func(http.Handler) http.Handler, path string, h http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mw(h).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_TracesDiagnosticsRequests(t *testing.T) {
	exp := withRecordingTracer(t)
	m, _ := newTestMetrics(t)

	var seenID string
	rec := serveDiagnostics(t, Middleware(m), "/statusz",
		func(w http.ResponseWriter, r *http.Request) {
			seenID = TraceID(r.Context())
			w.WriteHeader(http.StatusOK)
		})

	if seenID == "" {
		t.Fatal("handler context carried no trace")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seenID {
		t.Errorf("X-Correlation-ID = %q, want the handler's trace ID %q", got, seenID)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "diagnostics GET /statusz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "diagnostics GET /statusz")
	}
}

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	withRecordingTracer(t)
	m, reader := newTestMetrics(t)

	serveDiagnostics(t, Middleware(m), "/healthz",
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voclaria.http.request.duration")
	if met == nil {
		t.Fatal("request duration histogram was not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want Histogram[float64]", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("histogram has %d data points, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	want := map[string]string{"method": "GET", "path": "/healthz"}
	for _, kv := range dp.Attributes.ToSlice() {
		if v, ok := want[string(kv.Key)]; ok && kv.Value.AsString() == v {
			delete(want, string(kv.Key))
		}
	}
	for k := range want {
		t.Errorf("data point missing attribute %s=%s", k, want[k])
	}
}

func TestMiddleware_CapturesDegradedStatus(t *testing.T) {
	exp := withRecordingTracer(t)
	m, _ := newTestMetrics(t)

	// A failing speaker check surfaces as 503 from /healthz; the span must
	// carry the real status, not the default 200.
	rec := serveDiagnostics(t, Middleware(m), "/healthz",
		func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "speaker: device unavailable", http.StatusServiceUnavailable)
		})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("response status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			found = true
			if a.Value.AsInt64() != http.StatusServiceUnavailable {
				t.Errorf("status attribute = %d, want 503", a.Value.AsInt64())
			}
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddleware_ContinuesRemoteTrace(t *testing.T) {
	withRecordingTracer(t)
	m, _ := newTestMetrics(t)

	// A scraper propagating W3C trace context keeps its trace ID end to end.
	const remoteTrace = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("traceparent", "00-"+remoteTrace+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()

	var seenID string
	Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = TraceID(r.Context())
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if seenID != remoteTrace {
		t.Errorf("handler trace ID = %q, want the propagated %q", seenID, remoteTrace)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != remoteTrace {
		t.Errorf("X-Correlation-ID = %q, want %q", got, remoteTrace)
	}
}
