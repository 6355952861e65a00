package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ExtractionDuration.Record(ctx, 1.5)
	m.ImprovementDuration.Record(ctx, 2.25)
	m.PersistDuration.Record(ctx, 0.02)

	rm := collect(t, reader)
	for _, name := range []string{
		"chartflow.extraction.duration",
		"chartflow.improvement.duration",
		"chartflow.persist.duration",
	} {
		if findMetric(rm, name) == nil {
			t.Errorf("metric %q not recorded", name)
		}
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "extraction", "ok")
	m.RecordProviderError(ctx, "openai", "improvement")
	m.RecordTokens(ctx, 120, 450)

	rm := collect(t, reader)

	reqs := findMetric(rm, "chartflow.provider.requests")
	if reqs == nil {
		t.Fatal("provider.requests not recorded")
	}
	sum, ok := reqs.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("provider.requests data = %+v", reqs.Data)
	}

	tokens := findMetric(rm, "chartflow.provider.tokens")
	if tokens == nil {
		t.Fatal("provider.tokens not recorded")
	}
	tokenSum := tokens.Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range tokenSum.DataPoints {
		total += dp.Value
	}
	if total != 570 {
		t.Errorf("total tokens = %d, want 570", total)
	}
}

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	e := echo.New()
	e.Use(Middleware(m))

	var capturedCID string
	e.GET("/test", func(c echo.Context) error {
		capturedCID = CorrelationID(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if capturedCID == "" {
		t.Error("middleware did not set correlation ID in context")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != capturedCID {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, capturedCID)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	m, reader, _ := testSetup(t)

	e := echo.New()
	e.Use(Middleware(m))
	e.GET("/charts/:appointmentID", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/charts/7e37e6ab", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	rm := collect(t, reader)
	hist := findMetric(rm, "chartflow.http.request.duration")
	if hist == nil {
		t.Fatal("http.request.duration not recorded")
	}

	// The route template, not the raw path, must be the path attribute.
	data := hist.Data.(metricdata.Histogram[float64])
	if len(data.DataPoints) != 1 {
		t.Fatalf("datapoints = %d, want 1", len(data.DataPoints))
	}
	if v, ok := data.DataPoints[0].Attributes.Value("path"); !ok || v.AsString() != "/charts/:appointmentID" {
		t.Errorf("path attribute = %v", v)
	}
}

func TestMiddleware_ReportsHandlerErrors(t *testing.T) {
	m, _, _ := testSetup(t)

	e := echo.New()
	e.Use(Middleware(m))
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "upstream failure")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestLogger_EnrichedWithTraceIDs(t *testing.T) {
	_, _, _ = testSetup(t)

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()

	if CorrelationID(ctx) == "" {
		t.Error("no trace ID inside active span")
	}
	if Logger(ctx) == nil {
		t.Error("Logger returned nil")
	}
}
