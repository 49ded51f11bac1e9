package domain

// Attachment は復号済みの添付ファイルを表す。
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// EncryptedAttachment は暗号化済みの添付ファイルを表す。
// 添付ごとに独立した鍵で暗号化され、本文の鍵は再利用しない。
type EncryptedAttachment struct {
	Filename         string   `json:"filename"`
	EncryptedContent string   `json:"encrypted_content"`
	ContentType      string   `json:"content_type"`
	OriginalSize     int64    `json:"original_size"`
	EncryptedSize    int64    `json:"encrypted_size"`
	KeyID            string   `json:"key_id"`
	SecurityLevel    string   `json:"security_level"`
	Metadata         Metadata `json:"metadata"`
}

// FileInfo は暗号化前のファイル情報を表す。
type FileInfo struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Extension   string `json:"extension"`
	CanEncrypt  bool   `json:"can_encrypt"`
}
