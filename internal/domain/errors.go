package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEncryption は入力がスキームの前提条件を満たさない場合のエラー。再試行しても成功しない。
	ErrEncryption = errors.New("encryption error")

	// ErrDecryption は暗号文・メタデータ・鍵の組み合わせが検証に失敗した場合のエラー。
	ErrDecryption = errors.New("decryption error")

	// ErrKeyRetrieval は鍵の取得・生成に失敗した場合のエラー。
	ErrKeyRetrieval = errors.New("key retrieval error")

	// ErrConnection は鍵配送サービスに到達できない場合のエラー。再試行可能。
	ErrConnection = errors.New("key manager connection error")

	// ErrKeyNotFound は指定されたIDの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidKeyRequest は鍵の要求パラメータが不正な場合のエラー。
	ErrInvalidKeyRequest = errors.New("invalid key request")

	// ErrUnknownSecurityLevel は未定義のセキュリティレベルが指定された場合のエラー。
	ErrUnknownSecurityLevel = errors.New("unknown security level")

	// ErrInvalidEnvelope はエンベロープの形式が不正な場合のエラー。
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrAttachmentTooLarge は添付ファイルがサイズ上限を超えた場合のエラー。
	ErrAttachmentTooLarge = errors.New("attachment too large")

	// ErrKeyIDConflict は発行しようとした鍵IDが既にストアに存在する場合のエラー。
	ErrKeyIDConflict = errors.New("key ID already issued")
)

// IsRetryable は再試行で回復し得るエラーかどうかを返す。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}

// KMEError は鍵配送サービスがHTTPステータスで拒否した場合のエラー。
type KMEError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *KMEError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("kme %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("kme %s: status %d", e.Op, e.StatusCode)
}

// Is はステータスコードをエラー分類に対応付ける。
// 5xxと429は到達性の問題、それ以外の4xxはプロトコル上の拒否として扱う。
func (e *KMEError) Is(target error) bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return target == ErrConnection
	case e.StatusCode == http.StatusNotFound:
		return target == ErrKeyNotFound || target == ErrKeyRetrieval
	case e.StatusCode >= 400:
		return target == ErrKeyRetrieval
	}
	return false
}
