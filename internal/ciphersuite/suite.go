// Package ciphersuite はセキュリティレベルごとの暗号化スキームを提供する。
package ciphersuite

import (
	"crypto/rand"
	"fmt"
	"io"

	"qcrypt-service/internal/domain"
)

// アルゴリズム識別子。エンベロープの metadata.algorithm に書き込まれる。
const (
	AlgorithmOTP       = "OTP"
	AlgorithmAESCBC    = "AES-256-CBC"
	AlgorithmPQCAESGCM = "PQC-AES-GCM"
)

const (
	aesKeySize = 32
	ivSize     = 16
	tagSize    = 16
)

// scheme は1つのセキュリティレベルの暗号化・復号を実装する。
type scheme interface {
	encrypt(rnd io.Reader, plaintext, key []byte) ([]byte, domain.Metadata, error)
	decrypt(ciphertext, key []byte, md domain.Metadata) ([]byte, error)
}

// schemeFor はレベルに対応するスキームを返す。
// レベルを追加する場合はここに分岐を追加する。
func schemeFor(level domain.SecurityLevel) (scheme, error) {
	switch level {
	case domain.LevelOneTimePad:
		return oneTimePad{}, nil
	case domain.LevelKeyDerivedAES:
		return cbcScheme{level: level, deriveKey: hashedKey}, nil
	case domain.LevelPostQuantum:
		return gcmScheme{algorithm: AlgorithmPQCAESGCM}, nil
	case domain.LevelClassical:
		return cbcScheme{level: level, deriveKey: directOrHashedKey}, nil
	default:
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownSecurityLevel, int(level))
	}
}

// Suite はセキュリティレベルに応じてスキームを選択するディスパッチャ。
type Suite struct {
	rand io.Reader
}

// Option はSuiteの設定を行う。
type Option func(*Suite)

// WithRandom はIV・ノンス生成に使う乱数源を差し替える。
func WithRandom(r io.Reader) Option {
	return func(s *Suite) {
		s.rand = r
	}
}

// New は新しいSuiteを生成する。
func New(opts ...Option) *Suite {
	s := &Suite{rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Encrypt は指定レベルで平文を暗号化し、暗号文とメタデータを返す。
func (s *Suite) Encrypt(plaintext, key []byte, level domain.SecurityLevel) ([]byte, domain.Metadata, error) {
	sc, err := schemeFor(level)
	if err != nil {
		return nil, domain.Metadata{}, fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}
	return sc.encrypt(s.rand, plaintext, key)
}

// Decrypt はメタデータに記録されたレベルで暗号文を復号する。
// 失敗時に部分的な平文を返すことはない。
func (s *Suite) Decrypt(ciphertext, key []byte, md domain.Metadata) ([]byte, error) {
	sc, err := schemeFor(md.SecurityLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return sc.decrypt(ciphertext, key, md)
}
