package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestRecorder_FlushOutput(t *testing.T) {
	buf := captureOutput(t)

	New(Namespace).
		Dimension("Pass", "freeform").
		Metric("GeminiApiLatencyMs", 1234.5, UnitMilliseconds).
		Metric("GeminiApiAttempts", 2, UnitCount).
		Property("video_id", "abc123def456").
		Flush()

	var doc map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, buf.String())
	}

	awsMap, ok := doc["_aws"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsMap["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}

	cwArr, ok := awsMap["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwArr) == 0 {
		t.Fatal("CloudWatchMetrics should be a non-empty array")
	}
	cw := cwArr[0].(map[string]interface{})
	if cw["Namespace"] != Namespace {
		t.Errorf("expected namespace %s, got %v", Namespace, cw["Namespace"])
	}

	if doc["Pass"] != "freeform" {
		t.Errorf("expected Pass=freeform, got %v", doc["Pass"])
	}
	if doc["GeminiApiLatencyMs"] != 1234.5 {
		t.Errorf("expected GeminiApiLatencyMs=1234.5, got %v", doc["GeminiApiLatencyMs"])
	}
	if doc["video_id"] != "abc123def456" {
		t.Errorf("expected video_id property, got %v", doc["video_id"])
	}
}

func TestRecorder_EmptyFlushWritesNothing(t *testing.T) {
	buf := captureOutput(t)

	New(Namespace).Dimension("Pass", "structured").Property("k", "v").Flush()

	if buf.Len() != 0 {
		t.Errorf("expected no output without metrics, got %q", buf.String())
	}
}

func TestRecorder_OneLinePerFlush(t *testing.T) {
	buf := captureOutput(t)

	New(Namespace).Count("VideosProcessed").Flush()
	New(Namespace).Count("VideosRejected").Flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	for i, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Errorf("line %d is not valid JSON: %s", i, line)
		}
	}
}

func TestCount(t *testing.T) {
	r := New(Namespace).Count("GeminiApiCalls")

	def, ok := r.metrics["GeminiApiCalls"]
	if !ok {
		t.Fatal("expected GeminiApiCalls metric")
	}
	if def.Unit != UnitCount {
		t.Errorf("expected unit Count, got %s", def.Unit)
	}
	if r.values["GeminiApiCalls"] != float64(1) {
		t.Errorf("expected value 1, got %v", r.values["GeminiApiCalls"])
	}
}
