// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog は鍵操作の監査ログを出力する。鍵素材は出力しない。
func WriteAuditLog(ctx context.Context, operation string, saeID string, keyCount int, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"sae_id", saeID,
		"key_count", keyCount,
		"result", result,
		"request_id", chimiddleware.GetReqID(ctx),
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}

// RequestLogger はリクエストごとにアクセスログを構造化ログで出力する。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		slog.InfoContext(r.Context(), "http request",
			"operation", "http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
