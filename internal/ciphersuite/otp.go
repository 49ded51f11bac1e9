package ciphersuite

import (
	"fmt"
	"io"

	"qcrypt-service/internal/domain"
)

// oneTimePad は鍵の先頭Nバイトとの排他的論理和で暗号化する。
// 鍵は平文以上の長さが必要で、切り詰めやパディングはしない。
type oneTimePad struct{}

func (oneTimePad) encrypt(_ io.Reader, plaintext, key []byte) ([]byte, domain.Metadata, error) {
	if len(key) < len(plaintext) {
		return nil, domain.Metadata{}, fmt.Errorf(
			"%w: OTP requires key length >= plaintext length (key: %d, plaintext: %d)",
			domain.ErrEncryption, len(key), len(plaintext))
	}

	ciphertext := xorBytes(plaintext, key)
	n := len(plaintext)
	return ciphertext, domain.Metadata{
		SecurityLevel:   domain.LevelOneTimePad,
		Algorithm:       AlgorithmOTP,
		PlaintextLength: &n,
	}, nil
}

func (oneTimePad) decrypt(ciphertext, key []byte, md domain.Metadata) ([]byte, error) {
	if md.Algorithm != "" && md.Algorithm != AlgorithmOTP {
		return nil, fmt.Errorf("%w: unsupported algorithm %q for OTP", domain.ErrDecryption, md.Algorithm)
	}

	n := len(ciphertext)
	if md.PlaintextLength != nil {
		n = *md.PlaintextLength
	}
	if n < 0 || n > len(ciphertext) {
		return nil, fmt.Errorf("%w: plaintext length %d is inconsistent with ciphertext length %d",
			domain.ErrDecryption, n, len(ciphertext))
	}
	if len(key) < n {
		return nil, fmt.Errorf("%w: key too short for OTP decryption (key: %d, required: %d)",
			domain.ErrDecryption, len(key), n)
	}

	return xorBytes(ciphertext[:n], key), nil
}

func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i]
	}
	return out
}
