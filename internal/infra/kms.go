package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// KMSClient はCloud KMSクライアントをラップする。
// DBキーストアに保存する鍵素材のラップに使う。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient はKMSClientを生成する。keyName はCryptoKeyのリソース名。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: keyName,
	}, nil
}

// Wrap は鍵素材をCloud KMSで暗号化する。鍵IDを追加認証データとして束縛する。
func (c *KMSClient) Wrap(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:                        c.keyName,
		Plaintext:                   plaintext,
		AdditionalAuthenticatedData: []byte(keyID),
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("wrapping key %s: %w", keyID, err)
	}
	return resp.Ciphertext, nil
}

// Unwrap はCloud KMSで鍵素材を復号する。
func (c *KMSClient) Unwrap(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:                        c.keyName,
		Ciphertext:                  ciphertext,
		AdditionalAuthenticatedData: []byte(keyID),
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key %s: %w", keyID, err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}
