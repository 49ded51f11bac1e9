package infra

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"qcrypt-service/config"
)

// TraceHandler はトレース情報をログに付与するslogハンドラ。
type TraceHandler struct {
	handler     slog.Handler
	projectID   string
	otelEnabled bool
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
func NewTraceHandler(handler slog.Handler, cfg *config.Config) *TraceHandler {
	return &TraceHandler{
		handler:     handler,
		projectID:   cfg.GoogleCloudProject,
		otelEnabled: cfg.OtelEnabled,
	}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle はスパンが有効な場合にトレースIDとスパンIDを付与する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.otelEnabled {
		return h.handler.Handle(ctx, r)
	}

	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		traceID := spanCtx.TraceID().String()
		spanID := spanCtx.SpanID().String()
		r.AddAttrs(
			slog.String("trace", traceID),
			slog.String("spanId", spanID),
			slog.Bool("traceSampled", spanCtx.IsSampled()),
		)

		// Google Cloud Logging連携用
		if h.projectID != "" {
			r.AddAttrs(
				slog.String("logging.googleapis.com/trace",
					"projects/"+h.projectID+"/traces/"+traceID),
				slog.String("logging.googleapis.com/spanId", spanID),
			)
		}
	}
	return h.handler.Handle(ctx, r)
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{
		handler:     h.handler.WithAttrs(attrs),
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{
		handler:     h.handler.WithGroup(name),
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// ParseLogLevel は LOG_LEVEL の値をslogのレベルに変換する。未知の値はINFO。
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger はトレース情報付きのグローバルロガーを設定する。
// CLIは標準出力に結果を書くため、ログの出力先は呼び出し側が選ぶ。
func SetupLogger(cfg *config.Config, level slog.Level, w io.Writer) {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	traceHandler := NewTraceHandler(jsonHandler, cfg)
	slog.SetDefault(slog.New(traceHandler).With("service", cfg.OtelServiceName))
}
