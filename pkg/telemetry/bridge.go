package telemetry

import (
	"context"
	"io"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
)

// bridgeHandler is an slog.Handler that writes text to an io.Writer (as
// slog.NewTextHandler would) and additionally emits every record to an
// OTel Logger. Grounded on pkg/otel/logbridge.go's logBridgeWriter, which
// did the equivalent job one layer lower (intercepting stdlib log.Printf
// output instead of slog.Record values) since slog did not yet sit between
// call sites and the exporter there.
type bridgeHandler struct {
	text   slog.Handler
	logger otellog.Logger
}

// NewBridgeHandler returns a handler that forwards to both a text handler
// writing to w at level and an OTel Logger.
func NewBridgeHandler(logger otellog.Logger, level slog.Level, w io.Writer) slog.Handler {
	return &bridgeHandler{
		text:   slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}),
		logger: logger,
	}
}

func (h *bridgeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

func (h *bridgeHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.text.Handle(ctx, record); err != nil {
		return err
	}

	var otelRecord otellog.Record
	otelRecord.SetTimestamp(record.Time)
	otelRecord.SetBody(otellog.StringValue(record.Message))
	otelRecord.SetSeverity(severityFor(record.Level))
	record.Attrs(func(a slog.Attr) bool {
		otelRecord.AddAttributes(otellog.String(a.Key, a.Value.String()))
		return true
	})
	h.logger.Emit(ctx, otelRecord)
	return nil
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &bridgeHandler{text: h.text.WithAttrs(attrs), logger: h.logger}
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	return &bridgeHandler{text: h.text.WithGroup(name), logger: h.logger}
}

func severityFor(level slog.Level) otellog.Severity {
	switch {
	case level >= slog.LevelError:
		return otellog.SeverityError
	case level >= slog.LevelWarn:
		return otellog.SeverityWarn
	case level >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
