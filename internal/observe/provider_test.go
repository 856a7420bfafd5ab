package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// keepGlobals restores the OTel globals replaced by InitProvider.
func keepGlobals(t *testing.T) {
	t.Helper()
	mp, tp := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
	})
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

// InitProvider installs OTel globals, so these tests do not run in parallel.
func TestInitProvider_BridgesToRegistry(t *testing.T) {
	keepGlobals(t)
	reg := prometheus.NewRegistry()
	p, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", Registry: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(p.MeterProvider)
	if err != nil {
		t.Fatal(err)
	}
	m.RecordCaptureRead(context.Background(), "USB Mic", 640)

	body := scrape(t, p.Handler())
	if !strings.Contains(body, "micvad_capture") {
		t.Errorf("scrape missing capture metrics:\n%s", body)
	}
	if strings.Contains(body, "go_goroutines") {
		t.Error("caller registry should not get the default collectors")
	}
}

func TestInitProvider_DefaultRegistry(t *testing.T) {
	keepGlobals(t)
	p, err := InitProvider(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if body := scrape(t, p.Handler()); !strings.Contains(body, "go_goroutines") {
		t.Error("default registry is missing the Go collector")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// The service resource is merged into resource.Default, which refuses a
// different schema URL. Bumping the SDK requires bumping the semconv import.
func TestSemconvMatchesSDKSchema(t *testing.T) {
	if got := resource.Default().SchemaURL(); got != semconv.SchemaURL {
		t.Errorf("SDK schema %s, semconv schema %s", got, semconv.SchemaURL)
	}
}
