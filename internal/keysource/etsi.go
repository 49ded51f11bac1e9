package keysource

// ETSI GS QKD 014 形式のリクエスト・レスポンス。
// シミュレータのHTTPハンドラとリモートクライアントで共有する。

// KeyRequest は enc_keys のリクエストボディ。
type KeyRequest struct {
	Number             int              `json:"number"`
	Size               int              `json:"size"`
	SlaveSAEID         string           `json:"slave_SAE_ID,omitempty"`
	ExtensionMandatory []map[string]any `json:"extension_mandatory,omitempty"`
}

// KeyIDRequest は dec_keys と close のリクエストボディ。
type KeyIDRequest struct {
	KeyID string `json:"key_ID"`
}

// KeyContainer は鍵を返すレスポンスボディ。
type KeyContainer struct {
	Keys []WireKey `json:"keys"`
}

// WireKey は鍵1つ分。key はBase64エンコードされた鍵素材。
type WireKey struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

// ErrorResponse はKMEのエラーレスポンス。
type ErrorResponse struct {
	Message string           `json:"message"`
	Details []map[string]any `json:"details,omitempty"`
}
