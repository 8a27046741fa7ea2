package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	return rr.Body.String()
}

func TestInitMetrics_CustomCounterIsExported(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	counter, err := otel.Meter("test-meter").Int64Counter("test_custom_counter")
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	counter.Add(context.Background(), 42)

	body := scrape(t, handler)
	if !strings.Contains(body, "test_custom_counter") || !strings.Contains(body, "42") {
		t.Errorf("expected test_custom_counter 42 in output, got:\n%s", body)
	}
}

func TestInitMetrics_SeparateRegistries(t *testing.T) {
	first, shutdownFirst, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer shutdownFirst(context.Background())

	// A second call must not fail on duplicate collector registration.
	second, shutdownSecond, err := InitMetrics()
	if err != nil {
		t.Fatalf("second InitMetrics failed: %v", err)
	}
	defer shutdownSecond(context.Background())

	if !strings.Contains(scrape(t, first), "go_goroutines") {
		t.Error("expected runtime collectors on the first registry")
	}
	if !strings.Contains(scrape(t, second), "go_goroutines") {
		t.Error("expected runtime collectors on the second registry")
	}
}
