package ciphersuite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"qcrypt-service/internal/domain"
)

// cbcScheme はAES-256-CBC + PKCS#7パディング。
// 鍵の導出方法だけがレベルによって異なる。
type cbcScheme struct {
	level     domain.SecurityLevel
	deriveKey func([]byte) []byte
}

func (c cbcScheme) encrypt(rnd io.Reader, plaintext, key []byte) ([]byte, domain.Metadata, error) {
	block, err := aes.NewCipher(c.deriveKey(key))
	if err != nil {
		return nil, domain.Metadata{}, fmt.Errorf("%w: creating cipher: %v", domain.ErrEncryption, err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rnd, iv); err != nil {
		return nil, domain.Metadata{}, fmt.Errorf("%w: generating IV: %v", domain.ErrEncryption, err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return ciphertext, domain.Metadata{
		SecurityLevel: c.level,
		Algorithm:     AlgorithmAESCBC,
		IV:            base64.StdEncoding.EncodeToString(iv),
	}, nil
}

func (c cbcScheme) decrypt(ciphertext, key []byte, md domain.Metadata) ([]byte, error) {
	if md.Algorithm != "" && md.Algorithm != AlgorithmAESCBC {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", domain.ErrDecryption, md.Algorithm)
	}

	iv, err := base64.StdEncoding.DecodeString(md.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding IV: %v", domain.ErrDecryption, err)
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w: invalid IV size %d", domain.ErrDecryption, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size",
			domain.ErrDecryption, len(ciphertext))
	}

	block, err := aes.NewCipher(c.deriveKey(key))
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", domain.ErrDecryption, err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length", domain.ErrDecryption)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: padding is incorrect", domain.ErrDecryption)
	}
	want := make([]byte, n)
	for i := range want {
		want[i] = byte(n)
	}
	if subtle.ConstantTimeCompare(data[len(data)-n:], want) != 1 {
		return nil, fmt.Errorf("%w: padding is incorrect", domain.ErrDecryption)
	}
	return data[:len(data)-n], nil
}
