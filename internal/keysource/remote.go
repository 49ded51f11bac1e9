package keysource

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qcrypt-service/config"
	"qcrypt-service/internal/domain"
)

const defaultRetryInterval = 500 * time.Millisecond

// Remote はETSI GS QKD 014形式のREST APIを話すKMEクライアント。
type Remote struct {
	baseURL            string
	masterSAEID        string
	slaveSAEID         string
	httpClient         *http.Client
	retries            int
	retryInterval      time.Duration
	extensionMandatory []map[string]any
	now                func() time.Time
}

// RemoteOption はRemoteの設定を行う。
type RemoteOption func(*Remote)

// WithHTTPClient はHTTPクライアントを差し替える。
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		r.httpClient = c
	}
}

// WithRetryInterval は再試行の初回待ち時間を設定する。
func WithRetryInterval(d time.Duration) RemoteOption {
	return func(r *Remote) {
		r.retryInterval = d
	}
}

// WithExtensionMandatory は enc_keys に付与する必須拡張を設定する。
func WithExtensionMandatory(ext ...map[string]any) RemoteOption {
	return func(r *Remote) {
		r.extensionMandatory = ext
	}
}

// NewRemote は設定からRemoteを生成する。
func NewRemote(cfg config.QKDConfig, opts ...RemoteOption) (*Remote, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("KME host is required")
	}
	if cfg.MasterSAEID == "" {
		return nil, fmt.Errorf("master SAE ID is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.UseTLS && !cfg.VerifyTLS {
		// QKD_KM_VERIFY_SSL=false のときのみ
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	r := &Remote{
		baseURL:     cfg.BaseURL(),
		masterSAEID: cfg.MasterSAEID,
		slaveSAEID:  cfg.SlaveSAEID,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		retries:       cfg.Retries,
		retryInterval: defaultRetryInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	slog.Info("remote key source initialized",
		"operation", "init",
		"base_url", r.baseURL,
		"master_sae_id", r.masterSAEID,
	)
	return r, nil
}

func (r *Remote) endpoint(name string) string {
	return fmt.Sprintf("%s/keys/%s/%s", r.baseURL, url.PathEscape(r.masterSAEID), name)
}

// do はリクエストを送信し、レスポンスを out にデコードする。
// 通信失敗は domain.ErrConnection、HTTPエラーは *domain.KMEError になる。
func (r *Remote) do(ctx context.Context, op, method, endpoint string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", op, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		slog.ErrorContext(ctx, "key manager request failed",
			"operation", op,
			"url", endpoint,
			"error", err,
		)
		return fmt.Errorf("%w: %s %s: %v", domain.ErrConnection, method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseErrorResponse(op, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", domain.ErrKeyRetrieval, op, err)
	}
	return nil
}

func parseErrorResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return &domain.KMEError{Op: op, StatusCode: resp.StatusCode, Message: errResp.Message}
	}
	return &domain.KMEError{Op: op, StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
}

// withRetry は冪等な呼び出しを domain.ErrConnection の間だけ再試行する。
func (r *Remote) withRetry(ctx context.Context, op string, fn func() error) error {
	if r.retries <= 0 {
		return fn()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retries)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, d time.Duration) {
		slog.WarnContext(ctx, "retrying key manager request",
			"operation", op,
			"delay", d.String(),
			"error", err,
		)
	})
}

// Status はKMEのステータスを取得する。
func (r *Remote) Status(ctx context.Context) (*domain.KeySourceStatus, error) {
	var raw map[string]any
	err := r.withRetry(ctx, "status", func() error {
		return r.do(ctx, "status", http.MethodGet, r.endpoint("status"), nil, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("getting KME status: %w", err)
	}

	st := &domain.KeySourceStatus{
		State:     "operational",
		Mode:      "remote",
		Timestamp: r.now().UTC(),
		Details:   raw,
	}
	if v, ok := raw["status"].(string); ok && v != "" {
		st.State = v
	}
	if v, ok := raw["keys_generated"].(float64); ok {
		st.KeysIssued = uint64(v)
	}
	if v, ok := raw["stored_key_count"].(float64); ok {
		st.KeysStored = int(v)
	} else if v, ok := raw["keys_stored"].(float64); ok {
		st.KeysStored = int(v)
	}
	if v, ok := raw["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			st.Timestamp = ts
		}
	}
	return st, nil
}

// Generate は enc_keys で新しい鍵を取得する。
// 再送すると別の鍵が発行されるため再試行はしない。
func (r *Remote) Generate(ctx context.Context, bitLength, count int) ([]*domain.KeyRecord, error) {
	if bitLength <= 0 || count < 1 {
		return nil, fmt.Errorf("%w: size=%d number=%d", domain.ErrInvalidKeyRequest, bitLength, count)
	}

	reqBody := KeyRequest{
		Number:             count,
		Size:               bitLength,
		SlaveSAEID:         r.slaveSAEID,
		ExtensionMandatory: r.extensionMandatory,
	}

	slog.DebugContext(ctx, "requesting keys",
		"operation", "enc_keys",
		"number", count,
		"size", bitLength,
	)

	var container KeyContainer
	if err := r.do(ctx, "enc_keys", http.MethodPost, r.endpoint("enc_keys"), reqBody, &container); err != nil {
		return nil, fmt.Errorf("requesting keys: %w", err)
	}

	keys := make([]*domain.KeyRecord, 0, len(container.Keys))
	for _, wk := range container.Keys {
		rec, err := r.decodeKey(wk)
		if err != nil {
			return nil, err
		}
		keys = append(keys, rec)
		slog.InfoContext(ctx, "retrieved key",
			"operation", "enc_keys",
			"key_id", rec.ID,
			"bit_length", rec.BitLength,
		)
	}
	return keys, nil
}

func (r *Remote) decodeKey(wk WireKey) (*domain.KeyRecord, error) {
	material, err := base64.StdEncoding.DecodeString(wk.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s is not valid base64: %v", domain.ErrKeyRetrieval, wk.KeyID, err)
	}
	rec, err := domain.NewKeyRecord(wk.KeyID, material, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrKeyRetrieval, err)
	}
	return rec, nil
}

// Retrieve は dec_keys でIDを指定して鍵を取得する。
func (r *Remote) Retrieve(ctx context.Context, id string) (*domain.KeyRecord, error) {
	var container KeyContainer
	err := r.withRetry(ctx, "dec_keys", func() error {
		return r.do(ctx, "dec_keys", http.MethodPost, r.endpoint("dec_keys"), KeyIDRequest{KeyID: id}, &container)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving key %s: %w", id, err)
	}

	if len(container.Keys) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
	}
	wk := container.Keys[0]
	if wk.KeyID != id {
		return nil, fmt.Errorf("%w: requested key %s but KME returned %s", domain.ErrKeyRetrieval, id, wk.KeyID)
	}

	rec, err := r.decodeKey(wk)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "retrieved key by ID",
		"operation", "dec_keys",
		"key_id", rec.ID,
	)
	return rec, nil
}

// RetrieveMany は複数の鍵を取得する。見つからない鍵は除外し、
// それ以外の失敗はまとめてエラーとして返す。
func (r *Remote) RetrieveMany(ctx context.Context, ids []string) ([]*domain.KeyRecord, error) {
	var result *multierror.Error
	keys := make([]*domain.KeyRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Retrieve(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrKeyNotFound) {
				continue
			}
			result = multierror.Append(result, err)
			continue
		}
		keys = append(keys, rec)
	}
	return keys, result.ErrorOrNil()
}

// Close は close エンドポイントで鍵を破棄する。
func (r *Remote) Close(ctx context.Context, id string) (bool, error) {
	err := r.do(ctx, "close", http.MethodPost, r.endpoint("close"), KeyIDRequest{KeyID: id}, nil)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			slog.WarnContext(ctx, "failed to close key (not found)",
				"operation", "close",
				"key_id", id,
			)
			return false, nil
		}
		return false, fmt.Errorf("closing key %s: %w", id, err)
	}

	slog.InfoContext(ctx, "closed key",
		"operation", "close",
		"key_id", id,
	)
	return true, nil
}
