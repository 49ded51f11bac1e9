package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Metadata はスキームごとの復号パラメータを表す。
// どのフィールドが存在するかは SecurityLevel によって決まる。
type Metadata struct {
	SecurityLevel   SecurityLevel `json:"security_level"`
	Algorithm       string        `json:"algorithm"`
	IV              string        `json:"iv,omitempty"`
	Tag             string        `json:"tag,omitempty"`
	PlaintextLength *int          `json:"plaintext_length,omitempty"`
}

// Envelope は1回の暗号化結果を自己記述的にまとめた転送用の形式。
// 復号に必要なのは同じ鍵配送サービスと KeyID だけである。
type Envelope struct {
	Ciphertext        string        `json:"ciphertext"`
	KeyID             string        `json:"key_id"`
	SecurityLevel     SecurityLevel `json:"security_level"`
	SecurityLevelName string        `json:"security_level_name"`
	Metadata          Metadata      `json:"metadata"`
	RecipientID       string        `json:"recipient_id,omitempty"`
}

// Validate は復号に必要なフィールドが揃っているかを検証する。
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	if e.KeyID == "" {
		return fmt.Errorf("%w: missing key_id", ErrInvalidEnvelope)
	}
	if !e.SecurityLevel.Valid() {
		return fmt.Errorf("%w: %w: %d", ErrInvalidEnvelope, ErrUnknownSecurityLevel, e.SecurityLevel)
	}
	// 旧形式でメタデータにレベルが無い場合はエンベロープ側の値を使う
	if e.Metadata.SecurityLevel == 0 {
		e.Metadata.SecurityLevel = e.SecurityLevel
	}
	if e.Metadata.SecurityLevel != e.SecurityLevel {
		return fmt.Errorf("%w: metadata level %d does not match envelope level %d",
			ErrInvalidEnvelope, e.Metadata.SecurityLevel, e.SecurityLevel)
	}
	return nil
}

// DecodeCiphertext はBase64エンコードされた暗号文を復元する。
func (e *Envelope) DecodeCiphertext() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not valid base64: %v", ErrInvalidEnvelope, err)
	}
	return b, nil
}

// MarshalIndent はエンベロープをインデント付きJSONに変換する。
func (e *Envelope) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// ParseEnvelope はJSONからエンベロープを復元する。
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
