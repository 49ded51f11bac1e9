// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// KeyRecord は鍵配送サービスが発行した1つの鍵を表す。
// 発行後は不変で、Closeされるまで発行元のストアが保持する。
type KeyRecord struct {
	ID        string
	Material  []byte
	BitLength int
	IssuedAt  time.Time
}

// NewKeyRecord は鍵素材からKeyRecordを生成する。ビット長は素材の長さから決まる。
func NewKeyRecord(id string, material []byte, issuedAt time.Time) (*KeyRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty key ID", ErrInvalidKeyRequest)
	}
	if len(material) == 0 {
		return nil, fmt.Errorf("%w: empty key material for %s", ErrInvalidKeyRequest, id)
	}
	return &KeyRecord{
		ID:        id,
		Material:  material,
		BitLength: len(material) * 8,
		IssuedAt:  issuedAt,
	}, nil
}

// KeySourceStatus は鍵配送サービスの状態を表す。
type KeySourceStatus struct {
	State      string    `json:"state"`
	Mode       string    `json:"mode"`
	KeysIssued uint64    `json:"keys_issued"`
	KeysStored int       `json:"keys_stored"`
	Timestamp  time.Time `json:"timestamp"`
	// Details はリモートKMEが返した追加フィールドを保持する。
	Details map[string]any `json:"details,omitempty"`
}

// KeyStoreStats はキーストアの件数を表す。
type KeyStoreStats struct {
	Stored int
	Issued uint64
}

var keySequencePattern = regexp.MustCompile(`-KEY-(\d+)-`)

// KeySequence は "SIM-KEY-00000042-..." 形式のIDから連番を取り出す。
// 形式が異なる場合は 0 を返す。
func KeySequence(id string) uint64 {
	m := keySequencePattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	seq, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
