// Package repository は鍵配送シミュレータのキーストア実装を提供する。
// メモリ、JSONファイル、gormによるデータベースの3種類がある。
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"qcrypt-service/internal/domain"
)

// 鍵のステータス。
const (
	KeyStatusActive = "active"
	KeyStatusClosed = "closed"
)

const stateName = "simulator"

// QuantumKeyModel はgorm用のモデル定義。
type QuantumKeyModel struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	KeyID     string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_key_id"`
	Material  []byte    `gorm:"type:blob"`
	BitLength int       `gorm:"not null"`
	Status    string    `gorm:"type:varchar(16);not null;default:'active';index:idx_status"`
	IssuedAt  time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (QuantumKeyModel) TableName() string {
	return "quantum_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *QuantumKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// KeyStoreStateModel は発行カウンタを保持する。
// 鍵を破棄してもカウンタは減らないため、IDが再利用されることはない。
type KeyStoreStateModel struct {
	Name      string    `gorm:"type:varchar(64);primaryKey"`
	Issued    uint64    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyStoreStateModel) TableName() string {
	return "key_store_state"
}

// KeyWrapper は保存前に鍵素材を暗号化する。
// 鍵IDは追加認証データとして使われ、別の行に付け替えた暗号文は復号できない。
type KeyWrapper interface {
	Wrap(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
}

// KeyRepository はデータベースに鍵を保存するストア。
type KeyRepository struct {
	db      *gorm.DB
	wrapper KeyWrapper
}

// KeyRepositoryOption はKeyRepositoryの設定を行う。
type KeyRepositoryOption func(*KeyRepository)

// WithKeyWrapper は鍵素材の保存時暗号化を有効にする。
func WithKeyWrapper(w KeyWrapper) KeyRepositoryOption {
	return func(r *KeyRepository) {
		r.wrapper = w
	}
}

// NewKeyRepository はテーブルを作成してKeyRepositoryを生成する。
func NewKeyRepository(ctx context.Context, db *gorm.DB, opts ...KeyRepositoryOption) (*KeyRepository, error) {
	r := &KeyRepository{db: db}
	for _, opt := range opts {
		opt(r)
	}
	if err := db.WithContext(ctx).AutoMigrate(&QuantumKeyModel{}, &KeyStoreStateModel{}); err != nil {
		return nil, fmt.Errorf("migrating key store tables: %w", err)
	}
	// Issue が行ロックを取れるようにカウンタの行を先に作っておく
	st := KeyStoreStateModel{Name: stateName}
	if err := db.WithContext(ctx).Where("name = ?", stateName).FirstOrCreate(&st).Error; err != nil {
		return nil, fmt.Errorf("initializing issued counter: %w", err)
	}
	return r, nil
}

// Issue は発行カウンタの行をロックして番号を確保し、鍵とカウンタを1トランザクションで書き込む。
func (r *KeyRepository) Issue(ctx context.Context, count int, build func(first uint64) ([]*domain.KeyRecord, error)) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st KeyStoreStateModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", stateName).
			First(&st).Error
		if err != nil {
			return fmt.Errorf("reading issued counter: %w", err)
		}

		keys, err := build(st.Issued + 1)
		if err != nil {
			return err
		}

		ids := make([]string, len(keys))
		models := make([]*QuantumKeyModel, 0, len(keys))
		for i, k := range keys {
			ids[i] = k.ID
			material, err := r.wrap(ctx, k.ID, k.Material)
			if err != nil {
				return err
			}
			models = append(models, &QuantumKeyModel{
				KeyID:     k.ID,
				Material:  material,
				BitLength: k.BitLength,
				Status:    KeyStatusActive,
				IssuedAt:  k.IssuedAt,
			})
		}

		var existing int64
		if err := tx.Model(&QuantumKeyModel{}).Where("key_id IN ?", ids).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: %d of %d keys", domain.ErrKeyIDConflict, existing, len(ids))
		}

		if len(models) > 0 {
			if err := tx.Create(&models).Error; err != nil {
				return err
			}
		}
		st.Issued += uint64(count)
		return tx.Save(&st).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to store keys",
			"operation", "issue",
			"count", count,
			"error", err,
		)
		return err
	}
	return nil
}

// Get は有効な鍵を要求順に返す。
func (r *KeyRepository) Get(ctx context.Context, ids []string) ([]*domain.KeyRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var models []QuantumKeyModel
	err := r.db.WithContext(ctx).
		Where("key_id IN ? AND status = ?", ids, KeyStatusActive).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to load keys",
			"operation", "get",
			"count", len(ids),
			"error", err,
		)
		return nil, err
	}

	byID := make(map[string]*QuantumKeyModel, len(models))
	for i := range models {
		byID[models[i].KeyID] = &models[i]
	}
	out := make([]*domain.KeyRecord, 0, len(models))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			continue
		}
		material, err := r.unwrap(ctx, m.KeyID, m.Material)
		if err != nil {
			return nil, err
		}
		rec, err := domain.NewKeyRecord(m.KeyID, material, m.IssuedAt)
		if err != nil {
			return nil, fmt.Errorf("loading key %s: %w", m.KeyID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete は鍵を破棄済みにして鍵素材を消去する。
func (r *KeyRepository) Delete(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&QuantumKeyModel{}).
		Where("key_id = ? AND status = ?", id, KeyStatusActive).
		Updates(map[string]any{
			"status":   KeyStatusClosed,
			"material": gorm.Expr("NULL"),
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to close key",
			"operation", "delete",
			"key_id", id,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Clear は全ての有効な鍵を破棄済みにする。
func (r *KeyRepository) Clear(ctx context.Context) (int, error) {
	res := r.db.WithContext(ctx).
		Model(&QuantumKeyModel{}).
		Where("status = ?", KeyStatusActive).
		Updates(map[string]any{
			"status":   KeyStatusClosed,
			"material": gorm.Expr("NULL"),
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to clear keys",
			"operation", "clear",
			"error", res.Error,
		)
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Stats は有効な鍵の数と発行カウンタを返す。鍵素材は読み込まない。
func (r *KeyRepository) Stats(ctx context.Context) (*domain.KeyStoreStats, error) {
	active, err := r.CountByStatus(ctx, KeyStatusActive)
	if err != nil {
		return nil, err
	}
	var st KeyStoreStateModel
	if err := r.db.WithContext(ctx).Where("name = ?", stateName).First(&st).Error; err != nil {
		slog.ErrorContext(ctx, "failed to read issued counter",
			"operation", "stats",
			"error", err,
		)
		return nil, err
	}
	return &domain.KeyStoreStats{Stored: int(active), Issued: st.Issued}, nil
}

// CountByStatus はステータスごとの鍵の数を返す。
func (r *KeyRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&QuantumKeyModel{}).
		Where("status = ?", status).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count keys",
			"operation", "count_by_status",
			"status", status,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

func (r *KeyRepository) wrap(ctx context.Context, keyID string, material []byte) ([]byte, error) {
	if r.wrapper == nil {
		return material, nil
	}
	wrapped, err := r.wrapper.Wrap(ctx, keyID, material)
	if err != nil {
		slog.ErrorContext(ctx, "failed to wrap key material",
			"operation", "wrap",
			"key_id", keyID,
			"error", err,
		)
		return nil, fmt.Errorf("wrapping key %s: %w", keyID, err)
	}
	return wrapped, nil
}

func (r *KeyRepository) unwrap(ctx context.Context, keyID string, material []byte) ([]byte, error) {
	if r.wrapper == nil {
		return material, nil
	}
	plain, err := r.wrapper.Unwrap(ctx, keyID, material)
	if err != nil {
		slog.ErrorContext(ctx, "failed to unwrap key material",
			"operation", "unwrap",
			"key_id", keyID,
			"error", err,
		)
		return nil, fmt.Errorf("unwrapping key %s: %w", keyID, err)
	}
	return plain, nil
}
