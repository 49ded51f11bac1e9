package ciphersuite

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"io"

	"qcrypt-service/internal/domain"
)

// postQuantumAlgorithms は LevelPostQuantum で復号を受け付けるアルゴリズム識別子。
// 格子暗号への置き換え時は識別子を追加し、旧エンベロープも読めるようにする。
var postQuantumAlgorithms = map[string]bool{
	AlgorithmPQCAESGCM: true,
}

// gcmScheme はAES-256-GCMによる認証付き暗号。タグはメタデータに分離して保存する。
type gcmScheme struct {
	algorithm string
}

func newGCM(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(hashedKey(material))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}

func (g gcmScheme) encrypt(rnd io.Reader, plaintext, key []byte) ([]byte, domain.Metadata, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, domain.Metadata{}, fmt.Errorf("%w: creating AEAD: %v", domain.ErrEncryption, err)
	}

	nonce := make([]byte, ivSize)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, domain.Metadata{}, fmt.Errorf("%w: generating nonce: %v", domain.ErrEncryption, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return ciphertext, domain.Metadata{
		SecurityLevel: domain.LevelPostQuantum,
		Algorithm:     g.algorithm,
		IV:            base64.StdEncoding.EncodeToString(nonce),
		Tag:           base64.StdEncoding.EncodeToString(tag),
	}, nil
}

func (g gcmScheme) decrypt(ciphertext, key []byte, md domain.Metadata) ([]byte, error) {
	if !postQuantumAlgorithms[md.Algorithm] {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", domain.ErrDecryption, md.Algorithm)
	}

	nonce, err := base64.StdEncoding.DecodeString(md.IV)
	if err != nil || len(nonce) != ivSize {
		return nil, fmt.Errorf("%w: invalid nonce", domain.ErrDecryption)
	}
	tag, err := base64.StdEncoding.DecodeString(md.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: invalid authentication tag", domain.ErrDecryption)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating AEAD: %v", domain.ErrDecryption, err)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication tag verification failed", domain.ErrDecryption)
	}
	return plaintext, nil
}
