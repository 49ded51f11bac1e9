// Package handler はKMEシミュレータのHTTPハンドラを提供する。
// エンドポイントはETSI GS QKD 014の鍵配送APIに準拠する。
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"qcrypt-service/internal/domain"
	"qcrypt-service/internal/keysource"
	"qcrypt-service/internal/middleware"
	"qcrypt-service/pkg/httputil"
)

const (
	defaultKeySize    = 256
	minKeySize        = 8
	maxKeysPerRequest = 128

	// DefaultMaxKeySize は1つの鍵の最大ビット長の既定値。
	// OneTimePadでは平文と同じ長さの鍵が必要なため、これが1通あたりの上限になる。
	DefaultMaxKeySize = 65536
	// maxRequestBytes は1リクエストで発行する鍵素材の合計上限。
	maxRequestBytes = 64 << 20
)

var saeIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// KeyManager はKMEシミュレータが公開する鍵操作。
type KeyManager interface {
	Status(ctx context.Context) (*domain.KeySourceStatus, error)
	Generate(ctx context.Context, bitLength, count int) ([]*domain.KeyRecord, error)
	RetrieveMany(ctx context.Context, ids []string) ([]*domain.KeyRecord, error)
	Close(ctx context.Context, id string) (bool, error)
}

// KMEHandler はETSI形式のHTTPハンドラを提供する。
type KMEHandler struct {
	km         KeyManager
	kmeID      string
	maxKeySize int
}

// KMEHandlerOption はKMEHandlerの設定を行う。
type KMEHandlerOption func(*KMEHandler)

// WithMaxKeySize は1つの鍵の最大ビット長を変更する。
// 8の倍数でない値や下限未満の値は無視する。
func WithMaxKeySize(bits int) KMEHandlerOption {
	return func(h *KMEHandler) {
		if bits >= minKeySize && bits%8 == 0 {
			h.maxKeySize = bits
		}
	}
}

// NewKMEHandler は新しいKMEHandlerを生成する。
func NewKMEHandler(km KeyManager, kmeID string, opts ...KMEHandlerOption) *KMEHandler {
	h := &KMEHandler{km: km, kmeID: kmeID, maxKeySize: DefaultMaxKeySize}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func validateSAEID(saeID string) bool {
	return saeID != "" && len(saeID) <= 128 && saeIDRegex.MatchString(saeID)
}

// StatusResponse はステータスのレスポンス形式。
type StatusResponse struct {
	SourceKMEID      string `json:"source_KME_ID"`
	MasterSAEID      string `json:"master_SAE_ID"`
	Status           string `json:"status"`
	Mode             string `json:"mode"`
	KeySize          int    `json:"key_size"`
	StoredKeyCount   int    `json:"stored_key_count"`
	MaxKeyPerRequest int    `json:"max_key_per_request"`
	MaxKeySize       int    `json:"max_key_size"`
	MinKeySize       int    `json:"min_key_size"`
	KeysGenerated    uint64 `json:"keys_generated"`
	Timestamp        string `json:"timestamp"`
}

// CloseResponse は鍵破棄のレスポンス形式。
type CloseResponse struct {
	KeyID  string `json:"key_ID"`
	Closed bool   `json:"closed"`
}

// GetStatus はKMEのステータスを返す。
func (h *KMEHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	saeID := chi.URLParam(r, "sae_id")
	if !validateSAEID(saeID) {
		httputil.Error(w, http.StatusBadRequest, "invalid SAE ID format")
		return
	}

	st, err := h.km.Status(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "STATUS", saeID, 0, middleware.ResultFailed)
		httputil.Error(w, http.StatusServiceUnavailable, "key manager unavailable")
		return
	}

	httputil.JSON(w, http.StatusOK, StatusResponse{
		SourceKMEID:      h.kmeID,
		MasterSAEID:      saeID,
		Status:           st.State,
		Mode:             st.Mode,
		KeySize:          defaultKeySize,
		StoredKeyCount:   st.KeysStored,
		MaxKeyPerRequest: maxKeysPerRequest,
		MaxKeySize:       h.maxKeySize,
		MinKeySize:       minKeySize,
		KeysGenerated:    st.KeysIssued,
		Timestamp:        st.Timestamp.Format(time.RFC3339),
	})
}

// GetKey は新しい鍵を発行する（enc_keys）。
// POSTではJSONボディ、GETではクエリパラメータで number と size を受け付ける。
func (h *KMEHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	saeID := chi.URLParam(r, "sae_id")
	if !validateSAEID(saeID) {
		httputil.Error(w, http.StatusBadRequest, "invalid SAE ID format")
		return
	}

	req := keysource.KeyRequest{Number: 1, Size: defaultKeySize}
	if r.Method == http.MethodGet {
		var err error
		if req.Number, err = queryInt(r, "number", 1); err != nil {
			httputil.Error(w, http.StatusBadRequest, "number must be an integer")
			return
		}
		if req.Size, err = queryInt(r, "size", defaultKeySize); err != nil {
			httputil.Error(w, http.StatusBadRequest, "size must be an integer")
			return
		}
	} else if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Number < 1 || req.Number > maxKeysPerRequest {
		httputil.Error(w, http.StatusBadRequest, "number of keys out of range",
			map[string]any{"number": req.Number, "max_key_per_request": maxKeysPerRequest})
		return
	}
	if req.Size < minKeySize || req.Size > h.maxKeySize || req.Size%8 != 0 {
		httputil.Error(w, http.StatusBadRequest, "key size must be a multiple of 8 within the supported range",
			map[string]any{"size": req.Size, "min_key_size": minKeySize, "max_key_size": h.maxKeySize})
		return
	}
	if req.Number*(req.Size/8) > maxRequestBytes {
		httputil.Error(w, http.StatusBadRequest, "total key material per request exceeds the limit",
			map[string]any{"number": req.Number, "size": req.Size, "max_request_bytes": maxRequestBytes})
		return
	}

	keys, err := h.km.Generate(r.Context(), req.Size, req.Number)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ENC_KEYS", saeID, 0, middleware.ResultFailed)
		if errors.Is(err, domain.ErrInvalidKeyRequest) {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "key generation failed")
		return
	}

	middleware.WriteAuditLog(r.Context(), "ENC_KEYS", saeID, len(keys), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toContainer(keys))
}

// GetKeyWithKeyIDs はIDを指定して鍵を返す（dec_keys）。
func (h *KMEHandler) GetKeyWithKeyIDs(w http.ResponseWriter, r *http.Request) {
	saeID := chi.URLParam(r, "sae_id")
	if !validateSAEID(saeID) {
		httputil.Error(w, http.StatusBadRequest, "invalid SAE ID format")
		return
	}

	keyID, ok := readKeyID(w, r)
	if !ok {
		return
	}

	keys, err := h.km.RetrieveMany(r.Context(), []string{keyID})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DEC_KEYS", saeID, 0, middleware.ResultFailed)
		httputil.Error(w, http.StatusInternalServerError, "key retrieval failed")
		return
	}
	if len(keys) == 0 {
		middleware.WriteAuditLog(r.Context(), "DEC_KEYS", saeID, 0, middleware.ResultFailed)
		httputil.Error(w, http.StatusNotFound, "key not found", map[string]any{"key_ID": keyID})
		return
	}

	middleware.WriteAuditLog(r.Context(), "DEC_KEYS", saeID, len(keys), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toContainer(keys))
}

// CloseKey は鍵を破棄する。
func (h *KMEHandler) CloseKey(w http.ResponseWriter, r *http.Request) {
	saeID := chi.URLParam(r, "sae_id")
	if !validateSAEID(saeID) {
		httputil.Error(w, http.StatusBadRequest, "invalid SAE ID format")
		return
	}

	keyID, ok := readKeyID(w, r)
	if !ok {
		return
	}

	closed, err := h.km.Close(r.Context(), keyID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CLOSE", saeID, 0, middleware.ResultFailed)
		httputil.Error(w, http.StatusInternalServerError, "closing key failed")
		return
	}
	if !closed {
		middleware.WriteAuditLog(r.Context(), "CLOSE", saeID, 0, middleware.ResultFailed)
		httputil.Error(w, http.StatusNotFound, "key not found", map[string]any{"key_ID": keyID})
		return
	}

	middleware.WriteAuditLog(r.Context(), "CLOSE", saeID, 1, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, CloseResponse{KeyID: keyID, Closed: true})
}

func readKeyID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req keysource.KeyIDRequest
	if r.Method == http.MethodGet {
		req.KeyID = r.URL.Query().Get("key_ID")
	} else if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if req.KeyID == "" {
		httputil.Error(w, http.StatusBadRequest, "key_ID is required")
		return "", false
	}
	return req.KeyID, true
}

func queryInt(r *http.Request, name string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func toContainer(keys []*domain.KeyRecord) keysource.KeyContainer {
	c := keysource.KeyContainer{Keys: make([]keysource.WireKey, len(keys))}
	for i, k := range keys {
		c.Keys[i] = keysource.WireKey{
			KeyID: k.ID,
			Key:   base64.StdEncoding.EncodeToString(k.Material),
		}
	}
	return c
}
