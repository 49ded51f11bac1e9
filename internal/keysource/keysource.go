// Package keysource は鍵配送サービス（KME）のクライアントを提供する。
// 実装はシミュレータとETSI GS QKD 014形式のリモートクライアントの2つ。
package keysource

import (
	"context"

	"qcrypt-service/config"
	"qcrypt-service/internal/domain"
)

// Source は鍵配送サービスの共通インターフェース。
type Source interface {
	Status(ctx context.Context) (*domain.KeySourceStatus, error)
	Generate(ctx context.Context, bitLength, count int) ([]*domain.KeyRecord, error)
	// Retrieve は存在しない鍵に対して domain.ErrKeyNotFound を返す。
	Retrieve(ctx context.Context, id string) (*domain.KeyRecord, error)
	// RetrieveMany は見つからない鍵を結果から除外する。
	RetrieveMany(ctx context.Context, ids []string) ([]*domain.KeyRecord, error)
	// Close は鍵を発行元から削除する。存在しない場合は false を返す。
	Close(ctx context.Context, id string) (bool, error)
}

// Store はシミュレータの鍵を永続化するストアのインターフェース。
// 採番と更新はストア側で排他されるため、複数のプロセスが同じストアを共有できる。
type Store interface {
	// Issue は発行カウンタの続きから count 個の番号を確保し、build が生成した鍵を保存する。
	// build は確保した最初の番号を受け取る。既存のIDと重複した場合は何も保存せず
	// domain.ErrKeyIDConflict を返す。
	Issue(ctx context.Context, count int, build func(first uint64) ([]*domain.KeyRecord, error)) error
	// Get は見つからないIDを結果から除外する。
	Get(ctx context.Context, ids []string) ([]*domain.KeyRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	// Clear は全ての鍵を削除して件数を返す。発行カウンタは維持する。
	Clear(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*domain.KeyStoreStats, error)
}

// New は設定に応じてシミュレータかリモートクライアントを生成する。
// store はシミュレータの場合のみ使われる。
func New(ctx context.Context, cfg config.QKDConfig, store Store) (Source, error) {
	if cfg.UseSimulator {
		sim, err := NewSimulated(ctx, store)
		if err != nil {
			return nil, err
		}
		return sim, nil
	}
	remote, err := NewRemote(cfg)
	if err != nil {
		return nil, err
	}
	return remote, nil
}

func cloneRecord(k *domain.KeyRecord) *domain.KeyRecord {
	c := *k
	c.Material = append([]byte(nil), k.Material...)
	return &c
}
