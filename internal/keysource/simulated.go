package keysource

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"qcrypt-service/internal/domain"
)

const simulatedIDTimeLayout = "20060102150405"

// Simulated は暗号論的乱数で鍵を生成するシミュレータ。
// 鍵と発行カウンタはStoreだけが保持するため、同じStoreを開いた別のプロセスとも
// IDが重複せず、破棄した鍵は全てのプロセスから取得できなくなる。
type Simulated struct {
	// mu は乱数源の読み出しを直列化する
	mu    sync.Mutex
	store Store
	rand  io.Reader
	now   func() time.Time
}

// SimulatedOption はSimulatedの設定を行う。
type SimulatedOption func(*Simulated)

// WithRandomSource は鍵素材の乱数源を差し替える。
func WithRandomSource(r io.Reader) SimulatedOption {
	return func(s *Simulated) {
		s.rand = r
	}
}

// WithClock は発行時刻の取得元を差し替える。
func WithClock(now func() time.Time) SimulatedOption {
	return func(s *Simulated) {
		s.now = now
	}
}

// NewSimulated はストアが読めることを確認してSimulatedを生成する。
func NewSimulated(ctx context.Context, store Store, opts ...SimulatedOption) (*Simulated, error) {
	if store == nil {
		return nil, fmt.Errorf("simulated key source requires a store")
	}

	s := &Simulated{
		store: store,
		rand:  rand.Reader,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading key store: %w", err)
	}

	slog.InfoContext(ctx, "simulated key source initialized",
		"operation", "init",
		"keys_stored", stats.Stored,
		"keys_generated", stats.Issued,
	)
	return s, nil
}

// Status はシミュレータの状態を返す。
func (s *Simulated) Status(ctx context.Context) (*domain.KeySourceStatus, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading key store: %w", err)
	}
	return &domain.KeySourceStatus{
		State:      "operational",
		Mode:       "simulation",
		KeysIssued: stats.Issued,
		KeysStored: stats.Stored,
		Timestamp:  s.now().UTC(),
	}, nil
}

// Generate は指定ビット長の鍵を count 個発行する。
// 番号の確保と保存はストアのロック内で行い、失敗した場合は何も発行しない。
func (s *Simulated) Generate(ctx context.Context, bitLength, count int) ([]*domain.KeyRecord, error) {
	if bitLength <= 0 || bitLength%8 != 0 {
		return nil, fmt.Errorf("%w: key size must be a positive multiple of 8 bits, got %d", domain.ErrInvalidKeyRequest, bitLength)
	}
	if count < 1 {
		return nil, fmt.Errorf("%w: number of keys must be at least 1, got %d", domain.ErrInvalidKeyRequest, count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*domain.KeyRecord
	err := s.store.Issue(ctx, count, func(first uint64) ([]*domain.KeyRecord, error) {
		records = make([]*domain.KeyRecord, 0, count)
		now := s.now().UTC()
		for i := 0; i < count; i++ {
			material := make([]byte, bitLength/8)
			if _, err := io.ReadFull(s.rand, material); err != nil {
				return nil, fmt.Errorf("generating key material: %w", err)
			}
			id := fmt.Sprintf("SIM-KEY-%08d-%s", first+uint64(i), now.Format(simulatedIDTimeLayout))
			rec, err := domain.NewKeyRecord(id, material, now)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist generated keys",
			"operation", "generate",
			"count", count,
			"error", err,
		)
		return nil, fmt.Errorf("persisting keys: %w", err)
	}

	out := make([]*domain.KeyRecord, len(records))
	for i, rec := range records {
		out[i] = cloneRecord(rec)
		slog.InfoContext(ctx, "generated simulated key",
			"operation", "generate",
			"key_id", rec.ID,
			"bit_length", rec.BitLength,
		)
	}
	return out, nil
}

// Retrieve はIDで鍵を取得する。
func (s *Simulated) Retrieve(ctx context.Context, id string) (*domain.KeyRecord, error) {
	keys, err := s.store.Get(ctx, []string{id})
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", id, err)
	}
	if len(keys) == 0 {
		slog.WarnContext(ctx, "simulated key not found",
			"operation", "retrieve",
			"key_id", id,
		)
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
	}
	return keys[0], nil
}

// RetrieveMany は複数のIDで鍵を取得する。見つからないIDは無視する。
func (s *Simulated) RetrieveMany(ctx context.Context, ids []string) ([]*domain.KeyRecord, error) {
	keys, err := s.store.Get(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("reading keys: %w", err)
	}
	return keys, nil
}

// Close は鍵をストアから削除する。
func (s *Simulated) Close(ctx context.Context, id string) (bool, error) {
	closed, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("deleting key %s: %w", id, err)
	}
	if !closed {
		slog.WarnContext(ctx, "failed to close simulated key (not found)",
			"operation", "close",
			"key_id", id,
		)
		return false, nil
	}

	slog.InfoContext(ctx, "closed simulated key",
		"operation", "close",
		"key_id", id,
	)
	return true, nil
}

// Clear は全ての鍵を削除する。発行カウンタは維持する。
func (s *Simulated) Clear(ctx context.Context) (int, error) {
	n, err := s.store.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing key store: %w", err)
	}

	slog.InfoContext(ctx, "cleared simulated keys",
		"operation", "clear",
		"count", n,
	)
	return n, nil
}
