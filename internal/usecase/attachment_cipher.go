package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"qcrypt-service/internal/domain"
	"qcrypt-service/pkg/fileutil"
)

// DefaultMaxAttachmentSize は添付ファイルのサイズ上限の既定値（25MB）。
const DefaultMaxAttachmentSize int64 = 25 * 1024 * 1024

// AttachmentCipher はバイナリの添付ファイルをMessageCipherで暗号化する。
// 内容はBase64に変換してから暗号化され、添付ごとに新しい鍵が使われる。
type AttachmentCipher struct {
	messages *MessageCipher
	maxSize  int64
}

// NewAttachmentCipher は新しいAttachmentCipherを生成する。
// maxSize が0以下の場合は DefaultMaxAttachmentSize を使う。
func NewAttachmentCipher(messages *MessageCipher, maxSize int64) *AttachmentCipher {
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	return &AttachmentCipher{messages: messages, maxSize: maxSize}
}

// MaxSize はサイズ上限を返す。
func (a *AttachmentCipher) MaxSize() int64 {
	return a.maxSize
}

func (a *AttachmentCipher) checkSize(name string, size int64) error {
	if size > a.maxSize {
		return fmt.Errorf("%w: %s is %s (max %s)", domain.ErrAttachmentTooLarge,
			name, fileutil.FormatFileSize(size), fileutil.FormatFileSize(a.maxSize))
	}
	return nil
}

// EncryptBinary はバイナリを暗号化する。contentType が空の場合はファイル名から推測する。
func (a *AttachmentCipher) EncryptBinary(ctx context.Context, filename string, content []byte, contentType string, level domain.SecurityLevel) (*domain.EncryptedAttachment, error) {
	size := int64(len(content))
	if err := a.checkSize(filename, size); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = fileutil.ContentType(filename)
	}

	slog.InfoContext(ctx, "encrypting attachment",
		"operation", "encrypt_attachment",
		"filename", filename,
		"size", size,
	)

	env, err := a.messages.EncryptMessage(ctx, base64.StdEncoding.EncodeToString(content), level, "")
	if err != nil {
		return nil, fmt.Errorf("encrypting attachment %s: %w", filename, err)
	}

	return &domain.EncryptedAttachment{
		Filename:         filename,
		EncryptedContent: env.Ciphertext,
		ContentType:      contentType,
		OriginalSize:     size,
		EncryptedSize:    int64(len(env.Ciphertext)),
		KeyID:            env.KeyID,
		SecurityLevel:    env.SecurityLevelName,
		Metadata:         env.Metadata,
	}, nil
}

// DecryptBinary は暗号化された添付ファイルを復号する。
func (a *AttachmentCipher) DecryptBinary(ctx context.Context, att *domain.EncryptedAttachment) (*domain.Attachment, error) {
	if att == nil {
		return nil, fmt.Errorf("%w: nil attachment", domain.ErrInvalidEnvelope)
	}
	level, err := domain.ParseSecurityLevel(att.SecurityLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment %s: %w", domain.ErrInvalidEnvelope, att.Filename, err)
	}

	env := &domain.Envelope{
		Ciphertext:        att.EncryptedContent,
		KeyID:             att.KeyID,
		SecurityLevel:     level,
		SecurityLevelName: level.String(),
		Metadata:          att.Metadata,
	}
	encoded, err := a.messages.DecryptMessage(ctx, env)
	if err != nil {
		slog.ErrorContext(ctx, "failed to decrypt attachment",
			"operation", "decrypt_attachment",
			"filename", att.Filename,
			"key_id", att.KeyID,
			"level", att.SecurityLevel,
			"error", err,
		)
		return nil, fmt.Errorf("decrypting attachment %s: %w", att.Filename, err)
	}

	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment %s is not base64 after decryption", domain.ErrDecryption, att.Filename)
	}

	slog.InfoContext(ctx, "decrypted attachment",
		"operation", "decrypt_attachment",
		"filename", att.Filename,
		"size", len(content),
	)
	return &domain.Attachment{
		Filename:    att.Filename,
		Content:     content,
		ContentType: att.ContentType,
		Size:        int64(len(content)),
	}, nil
}

// EncryptBatch は複数の添付ファイルを順に暗号化する。
// 1つでも失敗した場合はそのエラーを返し、途中までの結果は返さない。
func (a *AttachmentCipher) EncryptBatch(ctx context.Context, files []domain.Attachment, level domain.SecurityLevel) ([]*domain.EncryptedAttachment, error) {
	out := make([]*domain.EncryptedAttachment, 0, len(files))
	for i, f := range files {
		enc, err := a.EncryptBinary(ctx, f.Filename, f.Content, f.ContentType, level)
		if err != nil {
			slog.ErrorContext(ctx, "aborting attachment batch",
				"operation", "encrypt_batch",
				"index", i,
				"filename", f.Filename,
				"error", err,
			)
			return nil, fmt.Errorf("attachment %d of %d: %w", i+1, len(files), err)
		}
		out = append(out, enc)
	}
	return out, nil
}

// FileInfo は暗号化前のファイル情報を返す。
func (a *AttachmentCipher) FileInfo(path string) (*domain.FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading file info: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	name := st.Name()
	return &domain.FileInfo{
		Filename:    name,
		Size:        st.Size(),
		ContentType: fileutil.ContentType(name),
		Extension:   filepath.Ext(name),
		CanEncrypt:  st.Size() <= a.maxSize,
	}, nil
}

// EncryptFile はファイルを読み込んで暗号化する。
func (a *AttachmentCipher) EncryptFile(ctx context.Context, path string, level domain.SecurityLevel) (*domain.EncryptedAttachment, error) {
	info, err := a.FileInfo(path)
	if err != nil {
		return nil, err
	}
	// 読み込む前にサイズを確認する
	if err := a.checkSize(info.Filename, info.Size); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return a.EncryptBinary(ctx, info.Filename, content, info.ContentType, level)
}

// EncryptFiles は複数のファイルを順に暗号化する。最初の失敗で中断する。
func (a *AttachmentCipher) EncryptFiles(ctx context.Context, paths []string, level domain.SecurityLevel) ([]*domain.EncryptedAttachment, error) {
	out := make([]*domain.EncryptedAttachment, 0, len(paths))
	for _, p := range paths {
		enc, err := a.EncryptFile(ctx, p, level)
		if err != nil {
			return nil, fmt.Errorf("encrypting %s: %w", p, err)
		}
		out = append(out, enc)
	}
	return out, nil
}

// SaveAttachment は復号した添付ファイルを dir に保存し、保存先のパスを返す。
// 同名のファイルがある場合は name_1.ext のように番号を付ける。
func SaveAttachment(att *domain.Attachment, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	// パス区切りを含むファイル名で dir の外に書き込まない
	base := filepath.Base(filepath.Clean("/" + att.Filename))
	if base == "/" || base == "." {
		base = "attachment"
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	name := base
	for i := 1; ; i++ {
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating %s: %w", path, err)
		}
		if _, err := f.Write(att.Content); err != nil {
			f.Close()
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("closing %s: %w", path, err)
		}
		slog.Info("saved attachment", "operation", "save_attachment", "path", path)
		return path, nil
	}
}
