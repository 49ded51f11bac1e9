package repository

import (
	"context"
	"fmt"
	"sync"

	"qcrypt-service/internal/domain"
)

// MemoryStore は永続化を行わないストア。プロセス終了で鍵は失われる。
type MemoryStore struct {
	mu     sync.Mutex
	keys   map[string]*domain.KeyRecord
	issued uint64
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*domain.KeyRecord)}
}

// Issue はカウンタの続きから番号を確保して鍵を追加する。
func (s *MemoryStore) Issue(ctx context.Context, count int, build func(first uint64) ([]*domain.KeyRecord, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := build(s.issued + 1)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := s.keys[k.ID]; ok {
			return fmt.Errorf("%w: %s", domain.ErrKeyIDConflict, k.ID)
		}
	}
	for _, k := range keys {
		s.keys[k.ID] = copyRecord(k)
	}
	s.issued += uint64(count)
	return nil
}

// Get は指定IDの鍵を要求順に返す。
func (s *MemoryStore) Get(ctx context.Context, ids []string) ([]*domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.KeyRecord, 0, len(ids))
	for _, id := range ids {
		if k, ok := s.keys[id]; ok {
			out = append(out, copyRecord(k))
		}
	}
	return out, nil
}

// Delete は鍵を削除する。
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[id]; !ok {
		return false, nil
	}
	delete(s.keys, id)
	return true, nil
}

// Clear は全ての鍵を削除する。
func (s *MemoryStore) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.keys)
	s.keys = make(map[string]*domain.KeyRecord)
	return n, nil
}

// Stats は鍵の数と発行カウンタを返す。
func (s *MemoryStore) Stats(ctx context.Context) (*domain.KeyStoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &domain.KeyStoreStats{Stored: len(s.keys), Issued: s.issued}, nil
}

func copyRecord(k *domain.KeyRecord) *domain.KeyRecord {
	c := *k
	c.Material = append([]byte(nil), k.Material...)
	return &c
}
