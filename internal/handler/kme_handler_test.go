package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"qcrypt-service/internal/domain"
	"qcrypt-service/internal/keysource"
)

// mockKeyManager はテスト用のモック鍵マネージャ。
type mockKeyManager struct {
	statusResult   *domain.KeySourceStatus
	statusErr      error
	generateErr    error
	retrieveResult []*domain.KeyRecord
	retrieveErr    error
	closeResult    bool
	closeErr       error

	generatedSize  int
	generatedCount int
	retrievedIDs   []string
	closedID       string
}

func (m *mockKeyManager) Status(ctx context.Context) (*domain.KeySourceStatus, error) {
	return m.statusResult, m.statusErr
}

func (m *mockKeyManager) Generate(ctx context.Context, bitLength, count int) ([]*domain.KeyRecord, error) {
	m.generatedSize = bitLength
	m.generatedCount = count
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	keys := make([]*domain.KeyRecord, count)
	for i := range keys {
		keys[i] = &domain.KeyRecord{
			ID:        "SIM-KEY-" + string(rune('A'+i)),
			Material:  make([]byte, bitLength/8),
			BitLength: bitLength,
		}
	}
	return keys, nil
}

func (m *mockKeyManager) RetrieveMany(ctx context.Context, ids []string) ([]*domain.KeyRecord, error) {
	m.retrievedIDs = ids
	return m.retrieveResult, m.retrieveErr
}

func (m *mockKeyManager) Close(ctx context.Context, id string) (bool, error) {
	m.closedID = id
	return m.closeResult, m.closeErr
}

func newRequest(method, target, body, saeID string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sae_id", saeID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetStatus_Success(t *testing.T) {
	km := &mockKeyManager{statusResult: &domain.KeySourceStatus{
		State:      "operational",
		Mode:       "simulation",
		KeysIssued: 12,
		KeysStored: 3,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	h := NewKMEHandler(km, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetStatus(rec, newRequest(http.MethodGet, "/api/v1/keys/SAE-A/status", "", "SAE-A"))

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.KeysGenerated != 12 || resp.StoredKeyCount != 3 {
		t.Errorf("want 12 generated / 3 stored, got %d / %d", resp.KeysGenerated, resp.StoredKeyCount)
	}
	if resp.MasterSAEID != "SAE-A" || resp.SourceKMEID != "KME-SIM" {
		t.Errorf("unexpected identifiers: %+v", resp)
	}
}

func TestGetStatus_InvalidSAEID(t *testing.T) {
	h := NewKMEHandler(&mockKeyManager{}, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetStatus(rec, newRequest(http.MethodGet, "/api/v1/keys/x/status", "", "bad id!"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestGetKey_PostBody(t *testing.T) {
	km := &mockKeyManager{}
	h := NewKMEHandler(km, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetKey(rec, newRequest(http.MethodPost, "/api/v1/keys/SAE-A/enc_keys", `{"number":2,"size":512}`, "SAE-A"))

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if km.generatedSize != 512 || km.generatedCount != 2 {
		t.Errorf("want 2 keys of 512 bits, got %d of %d", km.generatedCount, km.generatedSize)
	}

	var resp keysource.KeyContainer
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Keys) != 2 {
		t.Fatalf("want 2 keys, got %d", len(resp.Keys))
	}
	material, err := base64.StdEncoding.DecodeString(resp.Keys[0].Key)
	if err != nil {
		t.Fatalf("key is not base64: %v", err)
	}
	if len(material) != 64 {
		t.Errorf("want 64 bytes of key material, got %d", len(material))
	}
}

func TestGetKey_Defaults(t *testing.T) {
	km := &mockKeyManager{}
	h := NewKMEHandler(km, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetKey(rec, newRequest(http.MethodPost, "/api/v1/keys/SAE-A/enc_keys", "", "SAE-A"))

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if km.generatedSize != 256 || km.generatedCount != 1 {
		t.Errorf("want 1 key of 256 bits, got %d of %d", km.generatedCount, km.generatedSize)
	}
}

func TestGetKey_Query(t *testing.T) {
	km := &mockKeyManager{}
	h := NewKMEHandler(km, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetKey(rec, newRequest(http.MethodGet, "/api/v1/keys/SAE-A/enc_keys?number=3&size=128", "", "SAE-A"))

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if km.generatedSize != 128 || km.generatedCount != 3 {
		t.Errorf("want 3 keys of 128 bits, got %d of %d", km.generatedCount, km.generatedSize)
	}
}

func TestGetKey_InvalidParameters(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"size not multiple of 8", `{"number":1,"size":100}`},
		{"zero keys", `{"number":0,"size":256}`},
		{"too many keys", `{"number":1000,"size":256}`},
		{"size too large", `{"number":1,"size":1048576}`},
		{"malformed body", `{"number":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km := &mockKeyManager{}
			h := NewKMEHandler(km, "KME-SIM")

			rec := httptest.NewRecorder()
			h.GetKey(rec, newRequest(http.MethodPost, "/api/v1/keys/SAE-A/enc_keys", tt.body, "SAE-A"))

			if rec.Code != http.StatusBadRequest {
				t.Errorf("want status 400, got %d", rec.Code)
			}
			if km.generatedCount != 0 {
				t.Error("want no keys generated")
			}
		})
	}
}

func TestGetKey_GenerateFailure(t *testing.T) {
	km := &mockKeyManager{generateErr: errors.New("disk full")}
	h := NewKMEHandler(km, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetKey(rec, newRequest(http.MethodPost, "/api/v1/keys/SAE-A/enc_keys", `{"number":1,"size":256}`, "SAE-A"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("want status 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk full") {
		t.Error("internal error detail must not leak to the client")
	}
}

func TestGetKeyWithKeyIDs_Success(t *testing.T) {
	km := &mockKeyManager{retrieveResult: []*domain.KeyRecord{
		{ID: "SIM-KEY-1", Material: []byte{1, 2, 3, 4}},
	}}
	h := NewKMEHandler(km, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetKeyWithKeyIDs(rec, newRequest(http.MethodPost, "/api/v1/keys/SAE-A/dec_keys", `{"key_ID":"SIM-KEY-1"}`, "SAE-A"))

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if len(km.retrievedIDs) != 1 || km.retrievedIDs[0] != "SIM-KEY-1" {
		t.Errorf("want lookup of SIM-KEY-1, got %v", km.retrievedIDs)
	}

	var resp keysource.KeyContainer
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Keys) != 1 || resp.Keys[0].Key != "AQIDBA==" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGetKeyWithKeyIDs_NotFound(t *testing.T) {
	h := NewKMEHandler(&mockKeyManager{}, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetKeyWithKeyIDs(rec, newRequest(http.MethodGet, "/api/v1/keys/SAE-A/dec_keys?key_ID=missing", "", "SAE-A"))

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestGetKeyWithKeyIDs_MissingKeyID(t *testing.T) {
	h := NewKMEHandler(&mockKeyManager{}, "KME-SIM")

	rec := httptest.NewRecorder()
	h.GetKeyWithKeyIDs(rec, newRequest(http.MethodPost, "/api/v1/keys/SAE-A/dec_keys", `{}`, "SAE-A"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestCloseKey(t *testing.T) {
	tests := []struct {
		name     string
		closed   bool
		closeErr error
		want     int
	}{
		{"closed", true, nil, http.StatusOK},
		{"not found", false, nil, http.StatusNotFound},
		{"store failure", false, errors.New("io error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km := &mockKeyManager{closeResult: tt.closed, closeErr: tt.closeErr}
			h := NewKMEHandler(km, "KME-SIM")

			rec := httptest.NewRecorder()
			h.CloseKey(rec, newRequest(http.MethodPost, "/api/v1/keys/SAE-A/close", `{"key_ID":"SIM-KEY-9"}`, "SAE-A"))

			if rec.Code != tt.want {
				t.Errorf("want status %d, got %d", tt.want, rec.Code)
			}
			if km.closedID != "SIM-KEY-9" {
				t.Errorf("want close of SIM-KEY-9, got %q", km.closedID)
			}
		})
	}
}

func TestNewRouter_Routes(t *testing.T) {
	km := &mockKeyManager{statusResult: &domain.KeySourceStatus{State: "operational", Timestamp: time.Now()}}
	router := NewRouter(NewKMEHandler(km, "KME-SIM"), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/keys/SAE-A/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/keys/SAE-A/close", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("want status 405, got %d", rec.Code)
	}
}

func TestGetKey_MaxKeySize(t *testing.T) {
	tests := []struct {
		name     string
		opts     []KMEHandlerOption
		body     string
		wantCode int
	}{
		{"default limit", nil, `{"number":1,"size":65536}`, http.StatusOK},
		{"above default limit", nil, `{"number":1,"size":65544}`, http.StatusBadRequest},
		{"raised limit", []KMEHandlerOption{WithMaxKeySize(1 << 20)}, `{"number":1,"size":1048576}`, http.StatusOK},
		{"invalid option ignored", []KMEHandlerOption{WithMaxKeySize(100)}, `{"number":1,"size":65544}`, http.StatusBadRequest},
		{"total material over limit", []KMEHandlerOption{WithMaxKeySize(1 << 23)}, `{"number":128,"size":8388608}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km := &mockKeyManager{}
			h := NewKMEHandler(km, "KME-SIM", tt.opts...)

			rec := httptest.NewRecorder()
			h.GetKey(rec, newRequest(http.MethodPost, "/api/v1/keys/SAE-A/enc_keys", tt.body, "SAE-A"))

			if rec.Code != tt.wantCode {
				t.Fatalf("want status %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK && km.generatedCount != 0 {
				t.Error("want no keys generated")
			}
		})
	}
}

func TestGetStatus_ReportsMaxKeySize(t *testing.T) {
	km := &mockKeyManager{statusResult: &domain.KeySourceStatus{State: "operational", Mode: "simulation", Timestamp: time.Now()}}
	h := NewKMEHandler(km, "KME-SIM", WithMaxKeySize(1<<20))

	rec := httptest.NewRecorder()
	h.GetStatus(rec, newRequest(http.MethodGet, "/api/v1/keys/SAE-A/status", "", "SAE-A"))

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if resp.MaxKeySize != 1<<20 {
		t.Errorf("want max_key_size %d, got %d", 1<<20, resp.MaxKeySize)
	}
}
