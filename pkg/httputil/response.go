// Package httputil はHTTPレスポンス生成のユーティリティを提供する。
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// ErrorResponse はETSI GS QKD 014形式のエラーレスポンス。
type ErrorResponse struct {
	Message string           `json:"message"`
	Details []map[string]any `json:"details,omitempty"`
}

// JSON はJSONレスポンスを返す。
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// ヘッダーは送信済みのためログのみ
			slog.Error("failed to encode response", "operation", "write_response", "error", err)
		}
	}
}

// Error はエラーレスポンスを返す。
func Error(w http.ResponseWriter, status int, message string, details ...map[string]any) {
	JSON(w, status, ErrorResponse{
		Message: message,
		Details: details,
	})
}

// DecodeJSON はリクエストボディをデコードする。ボディが空の場合は何もしない。
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
