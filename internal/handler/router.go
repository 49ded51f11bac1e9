package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qcrypt-service/config"
	"qcrypt-service/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *KMEHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	// ルート定義
	r.Route("/api/{version}/keys/{sae_id}", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/enc_keys", h.GetKey)
		r.Get("/enc_keys", h.GetKey)
		r.Post("/dec_keys", h.GetKeyWithKeyIDs)
		r.Get("/dec_keys", h.GetKeyWithKeyIDs)
		r.Post("/close", h.CloseKey)
	})

	if cfg != nil && cfg.OtelEnabled {
		return otelhttp.NewHandler(r, "kme-simulator")
	}
	return r
}
