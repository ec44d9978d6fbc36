package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("driver").
		WithRunID("run-1").
		WithResource("ws", "workspace", "Controller").
		WithError(errors.New("boom")).
		Info("resource failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}

	want := map[string]string{
		"component":    "driver",
		"run_id":       "run-1",
		"resource_id":  "ws",
		"kind":         "workspace",
		"display_name": "Controller",
		"error":        "boom",
		"level":        "info",
		"message":      "resource failed",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn message, got %q", buf.String())
	}
}

func TestNilAndDisabledMetricsAreSafe(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordRunStarted()
	nilMetrics.RecordAPICall("GET", "success", time.Millisecond)
	nilMetrics.AddInFlight(1)
	if nilMetrics.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	disabled.RecordResource("workspace", "succeeded", time.Second)
	disabled.RecordPollOutcome("timed_out")
	if err := disabled.StartMetricsServer(NewNopLogger()); err != nil {
		t.Fatalf("disabled metrics server should be a no-op: %v", err)
	}
}

func TestMetricsHandlerExposesRecordedSeries(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "fabprov"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordRunStarted()
	m.RecordRunCompleted("succeeded", 2*time.Second)
	m.RecordResource("workspace", "succeeded", time.Second)
	m.RecordAPICall("POST", "accepted", 100*time.Millisecond)
	m.RecordRetry("server_error")
	m.RecordPollTick("pending")
	m.RecordTokenRefresh("ok")
	m.RecordError("server")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, series := range []string{
		"fabprov_runs_started_total",
		`fabprov_runs_completed_total{status="succeeded"}`,
		`fabprov_resources_processed_total{kind="workspace",state="succeeded"}`,
		`fabprov_api_requests_total{class="accepted",method="POST"}`,
		`fabprov_api_retries_total{reason="server_error"}`,
		`fabprov_token_refreshes_total{result="ok"}`,
	} {
		if !strings.Contains(string(body), series) {
			t.Errorf("metrics output missing %s", series)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid level error")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected otlp without endpoint to be rejected")
	}
}
