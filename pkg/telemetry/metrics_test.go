package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDisabledMetricsAreNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	// Must not panic.
	m.RecordRunStarted()
	m.RecordRunCompleted("changed", time.Second)
	m.RecordTaskOutcome("package", "ok", time.Millisecond)
	m.RecordModuleError("package", "probe")

	if m.Handler() != nil {
		t.Error("disabled metrics returned a handler")
	}
	if err := m.Serve(); err != nil {
		t.Errorf("disabled Serve() = %v", err)
	}
}

func TestEnabledMetricsExpose(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "convergo"})
	m.RecordRunStarted()
	m.RecordTaskOutcome("package", "changed", 50*time.Millisecond)
	m.RecordRunCompleted("changed", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"convergo_runs_started_total 1",
		`convergo_task_outcomes_total{module="package",outcome="changed"} 1`,
		`convergo_runs_completed_total{status="changed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Error("otlp without endpoint accepted")
	}

	cfg = DefaultConfig()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid log format accepted")
	}
}
