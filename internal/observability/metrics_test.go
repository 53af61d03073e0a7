package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordFetchMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordFetchStarted(ctx, "standard")
	metrics.RecordFetchRetry(ctx, "standard")
	metrics.RecordFetch(ctx, "standard", "fetched", 0.25)
	metrics.RecordFetchStarted(ctx, "legacy-runtime")
	metrics.RecordFetch(ctx, "legacy-runtime", "failed", 60)

	body := scrape(t, handler)
	for _, name := range []string{"fetch_total", "fetch_retries_total", "fetch_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in scrape output", name)
		}
	}
	if !strings.Contains(body, `class="legacy-runtime"`) {
		t.Error("expected class label in scrape output")
	}
}

func TestRecordStageAndPipelineMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordStage(ctx, "standard", true)
	metrics.RecordStage(ctx, "standard", false)
	metrics.RecordStageError(ctx, "legacy-runtime")
	metrics.RecordGCRemoved(ctx, 3)
	metrics.RecordGCRemoved(ctx, 0)
	metrics.RecordPipelineRun(ctx, "PartiallyFailed", 12.5)

	body := scrape(t, handler)
	for _, name := range []string{"stage_total", "stage_errors_total", "gc_removed_total", "pipeline_runs_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in scrape output", name)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var metrics *Metrics

	// Should not panic
	metrics.RecordFetchStarted(ctx, "standard")
	metrics.RecordFetch(ctx, "standard", "cached", 0)
	metrics.RecordFetchRetry(ctx, "standard")
	metrics.RecordStage(ctx, "standard", true)
	metrics.RecordStageError(ctx, "standard")
	metrics.RecordGCRemoved(ctx, 1)
	metrics.RecordPipelineRun(ctx, "Done", 1)
}

func TestClassAttr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"", "standard"},
		{"standard", "standard"},
		{"legacy-runtime", "legacy-runtime"},
	}

	for _, tt := range tests {
		result := classAttr(tt.input).Value.AsString()
		if result != tt.expected {
			t.Errorf("classAttr(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	data, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	return string(data)
}
