package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestLoggerAddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "fleetstops", LevelDebug)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithDeviceID(ctx, 42)
	ctx = WithAction(ctx, "detect_stops")
	l.Error(ctx, "processing failed", errors.New("boom"), "attempt", 2)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if record["message"] != "processing failed" {
		t.Fatalf("unexpected message: %v", record["message"])
	}
	if record["service"] != "fleetstops" {
		t.Fatalf("missing service: %v", record)
	}
	if record["request_id"] != "req-1" || record["action"] != "detect_stops" {
		t.Fatalf("missing context fields: %v", record)
	}
	if record["device_id"] != float64(42) {
		t.Fatalf("missing device id: %v", record)
	}
	if _, ok := record["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", record)
	}
	errGroup, ok := record["error"].(map[string]any)
	if !ok || errGroup["msg"] != "boom" {
		t.Fatalf("unexpected error group: %v", record["error"])
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "fleetstops", LevelWarn)
	l.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at WARN, got %s", buf.String())
	}
}

func TestValidateLogLevel(t *testing.T) {
	if !ValidateLogLevel("debug") || ValidateLogLevel("TRACE") {
		t.Fatalf("unexpected level validation")
	}
}

func TestSlogBridgeKeepsFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "fleetstops", LevelInfo)
	std := slog.NewLogLogger(l.Slog().Handler(), slog.LevelError)
	std.Print("http: TLS handshake error")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if record["message"] != "http: TLS handshake error" || record["level"] != "ERROR" || record["service"] != "fleetstops" {
		t.Fatalf("unexpected bridged record: %v", record)
	}
}
