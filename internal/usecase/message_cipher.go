// Package usecase はメッセージと添付ファイルの暗号化ユースケースを実装する。
package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qcrypt-service/internal/ciphersuite"
	"qcrypt-service/internal/domain"
)

const (
	tracerName = "qcrypt-service/usecase"

	// fixedKeyBits はワンタイムパッド以外のレベルで要求する鍵長。
	fixedKeyBits = 256
)

// KeySource は鍵配送サービスのインターフェース。
type KeySource interface {
	Status(ctx context.Context) (*domain.KeySourceStatus, error)
	Generate(ctx context.Context, bitLength, count int) ([]*domain.KeyRecord, error)
	Retrieve(ctx context.Context, id string) (*domain.KeyRecord, error)
	Close(ctx context.Context, id string) (bool, error)
}

// Cipher はセキュリティレベルごとの暗号化・復号のインターフェース。
type Cipher interface {
	Encrypt(plaintext, key []byte, level domain.SecurityLevel) ([]byte, domain.Metadata, error)
	Decrypt(ciphertext, key []byte, md domain.Metadata) ([]byte, error)
}

// MessageCipher はメッセージを鍵配送サービスの鍵で暗号化し、エンベロープにまとめる。
// 呼び出しごとに状態を持たないため、複数のゴルーチンから同時に使える。
type MessageCipher struct {
	keys           KeySource
	cipher         Cipher
	closeOnDecrypt map[domain.SecurityLevel]bool
	tracer         trace.Tracer
}

// MessageCipherOption はMessageCipherの設定を行う。
type MessageCipherOption func(*MessageCipher)

// WithCipher は暗号スイートを差し替える。
func WithCipher(c Cipher) MessageCipherOption {
	return func(m *MessageCipher) {
		m.cipher = c
	}
}

// WithCloseOnDecrypt は指定レベルの鍵を復号成功後に破棄する。
// ワンタイムパッドの鍵を一度だけ使わせたい場合に指定する。
func WithCloseOnDecrypt(levels ...domain.SecurityLevel) MessageCipherOption {
	return func(m *MessageCipher) {
		for _, l := range levels {
			m.closeOnDecrypt[l] = true
		}
	}
}

// NewMessageCipher は新しいMessageCipherを生成する。
func NewMessageCipher(keys KeySource, opts ...MessageCipherOption) *MessageCipher {
	m := &MessageCipher{
		keys:           keys,
		cipher:         ciphersuite.New(),
		closeOnDecrypt: make(map[domain.SecurityLevel]bool),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// requiredKeyBits はレベルとメッセージ長から要求する鍵長を決める。
func requiredKeyBits(level domain.SecurityLevel, plaintextLen int) int {
	if level == domain.LevelOneTimePad {
		return max(plaintextLen*8, fixedKeyBits)
	}
	return fixedKeyBits
}

// EncryptMessage はメッセージを暗号化してエンベロープを返す。
// 毎回新しい鍵を1つ要求し、鍵を再利用することはない。
func (m *MessageCipher) EncryptMessage(ctx context.Context, message string, level domain.SecurityLevel, recipientID string) (*domain.Envelope, error) {
	return m.encrypt(ctx, []byte(message), level, recipientID)
}

func (m *MessageCipher) encrypt(ctx context.Context, plaintext []byte, level domain.SecurityLevel, recipientID string) (env *domain.Envelope, err error) {
	ctx, span := m.tracer.Start(ctx, "MessageCipher.Encrypt",
		trace.WithAttributes(
			attribute.Int("qcrypt.security_level", int(level)),
			attribute.Int("qcrypt.plaintext_bytes", len(plaintext)),
		))
	defer func() { endSpan(span, err) }()

	if !level.Valid() {
		return nil, fmt.Errorf("%w: %w: %d", domain.ErrEncryption, domain.ErrUnknownSecurityLevel, int(level))
	}

	bits := requiredKeyBits(level, len(plaintext))
	keys, err := m.keys.Generate(ctx, bits, 1)
	if err != nil {
		slog.ErrorContext(ctx, "failed to obtain key",
			"operation", "encrypt_message",
			"level", level.String(),
			"bit_length", bits,
			"error", err,
		)
		return nil, fmt.Errorf("obtaining %d-bit key: %w", bits, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: key source returned no keys", domain.ErrKeyRetrieval)
	}
	key := keys[0]
	span.SetAttributes(attribute.String("qcrypt.key_id", key.ID))

	ciphertext, md, err := m.cipher.Encrypt(plaintext, key.Material, level)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encrypt message",
			"operation", "encrypt_message",
			"key_id", key.ID,
			"level", level.String(),
			"error", err,
		)
		return nil, fmt.Errorf("encrypting with key %s: %w", key.ID, err)
	}

	slog.InfoContext(ctx, "encrypted message",
		"operation", "encrypt_message",
		"key_id", key.ID,
		"level", level.String(),
	)
	return &domain.Envelope{
		Ciphertext:        base64.StdEncoding.EncodeToString(ciphertext),
		KeyID:             key.ID,
		SecurityLevel:     level,
		SecurityLevelName: level.String(),
		Metadata:          md,
		RecipientID:       recipientID,
	}, nil
}

// DecryptMessage はエンベロープを復号してメッセージを返す。
func (m *MessageCipher) DecryptMessage(ctx context.Context, env *domain.Envelope) (string, error) {
	plaintext, err := m.decrypt(ctx, env)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", domain.ErrDecryption)
	}
	return string(plaintext), nil
}

func (m *MessageCipher) decrypt(ctx context.Context, env *domain.Envelope) (plaintext []byte, err error) {
	ctx, span := m.tracer.Start(ctx, "MessageCipher.Decrypt")
	defer func() { endSpan(span, err) }()

	if err := env.Validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("qcrypt.security_level", int(env.SecurityLevel)),
		attribute.String("qcrypt.key_id", env.KeyID),
	)

	ciphertext, err := env.DecodeCiphertext()
	if err != nil {
		return nil, err
	}

	key, err := m.keys.Retrieve(ctx, env.KeyID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to retrieve key",
			"operation", "decrypt_message",
			"key_id", env.KeyID,
			"error", err,
		)
		if errors.Is(err, domain.ErrKeyRetrieval) || errors.Is(err, domain.ErrConnection) {
			return nil, fmt.Errorf("retrieving key %s: %w", env.KeyID, err)
		}
		return nil, fmt.Errorf("%w: key %s: %w", domain.ErrKeyRetrieval, env.KeyID, err)
	}

	plaintext, err = m.cipher.Decrypt(ciphertext, key.Material, env.Metadata)
	if err != nil {
		slog.ErrorContext(ctx, "failed to decrypt message",
			"operation", "decrypt_message",
			"key_id", env.KeyID,
			"level", env.SecurityLevel.String(),
			"error", err,
		)
		return nil, fmt.Errorf("decrypting with key %s: %w", env.KeyID, err)
	}

	if m.closeOnDecrypt[env.SecurityLevel] {
		if _, err := m.keys.Close(ctx, env.KeyID); err != nil {
			// 復号は成功しているため平文は返す
			slog.WarnContext(ctx, "failed to close key after decryption",
				"operation", "decrypt_message",
				"key_id", env.KeyID,
				"error", err,
			)
		}
	}

	slog.InfoContext(ctx, "decrypted message",
		"operation", "decrypt_message",
		"key_id", env.KeyID,
		"level", env.SecurityLevel.String(),
	)
	return plaintext, nil
}

// EncryptMessageJSON はメッセージを暗号化し、エンベロープをインデント付きJSONで返す。
func (m *MessageCipher) EncryptMessageJSON(ctx context.Context, message string, level domain.SecurityLevel, recipientID string) (string, error) {
	env, err := m.EncryptMessage(ctx, message, level, recipientID)
	if err != nil {
		return "", err
	}
	data, err := env.MarshalIndent()
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	return string(data), nil
}

// DecryptMessageJSON はJSON形式のエンベロープを復号する。
func (m *MessageCipher) DecryptMessageJSON(ctx context.Context, data string) (string, error) {
	env, err := domain.ParseEnvelope([]byte(data))
	if err != nil {
		return "", err
	}
	return m.DecryptMessage(ctx, env)
}

// Status は鍵配送サービスの状態を返す。
func (m *MessageCipher) Status(ctx context.Context) (*domain.KeySourceStatus, error) {
	st, err := m.keys.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting key source status: %w", err)
	}
	return st, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
