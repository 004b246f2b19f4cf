package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/log/noop"
)

func TestBridgeHandlerWritesTextAndEmitsToOTel(t *testing.T) {
	var buf bytes.Buffer
	logger := noop.NewLoggerProvider().Logger("test")
	handler := NewBridgeHandler(logger, slog.LevelInfo, &buf)

	l := slog.New(handler)
	l.Info("peer discovered", "peer", "abc123")

	out := buf.String()
	if !strings.Contains(out, "peer discovered") {
		t.Fatalf("text output missing message: %q", out)
	}
	if !strings.Contains(out, "peer=abc123") {
		t.Fatalf("text output missing attribute: %q", out)
	}
}

func TestBridgeHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := noop.NewLoggerProvider().Logger("test")
	handler := NewBridgeHandler(logger, slog.LevelWarn, &buf)

	l := slog.New(handler)
	l.Info("should be filtered")
	l.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Fatalf("info record should have been filtered: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn record missing: %q", out)
	}
}

func TestBridgeHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := noop.NewLoggerProvider().Logger("test")
	handler := NewBridgeHandler(logger, slog.LevelInfo, &buf).WithAttrs([]slog.Attr{slog.String("component", "transport")}).WithGroup("net")

	l := slog.New(handler)
	l.InfoContext(context.Background(), "listening")

	out := buf.String()
	if !strings.Contains(out, "component=transport") {
		t.Fatalf("missing carried attribute: %q", out)
	}
}
