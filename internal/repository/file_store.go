package repository

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
	"time"

	"github.com/grailbio/base/state"

	"qcrypt-service/internal/domain"
)

// fileSnapshot はキーストアファイルのJSON形式。
// issued_at が無い旧形式のファイルも読み込める。
type fileSnapshot struct {
	Keys          map[string]string `json:"keys"`
	IssuedAt      map[string]string `json:"issued_at,omitempty"`
	KeysGenerated uint64            `json:"keys_generated"`
	LastUpdated   string            `json:"last_updated"`
}

// FileStore は鍵をJSONファイルに保存するストア。
// 書き込みは一時ファイルとリネームで原子的に行い、
// 全ての操作をファイルロック内で行うため複数プロセスから同じファイルを共有できる。
type FileStore struct {
	path   string
	prefix string
	now    func() time.Time
}

// NewFileStore は path を保存先とするFileStoreを生成する。
// ディレクトリが無い場合は最初の書き込み時に作成される。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("key store path is required")
	}
	if ext := filepath.Ext(path); ext != "" && ext != ".json" {
		return nil, fmt.Errorf("key store path must have a .json extension: %s", path)
	}
	prefix := strings.TrimSuffix(path, ".json")
	return &FileStore{
		path:   prefix + ".json",
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Path は保存先のファイルパスを返す。
func (s *FileStore) Path() string {
	return s.path
}

// Issue はファイルロックを保持したまま番号を確保し、鍵を追加して書き込む。
// 番号はファイル上のカウンタと既存の鍵IDの連番のうち大きい方の続きから振る。
func (s *FileStore) Issue(ctx context.Context, count int, build func(first uint64) ([]*domain.KeyRecord, error)) error {
	return s.update(ctx, "issue", func(snap *fileSnapshot) error {
		last := snap.KeysGenerated
		for id := range snap.Keys {
			last = max(last, domain.KeySequence(id))
		}

		keys, err := build(last + 1)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, ok := snap.Keys[k.ID]; ok {
				return fmt.Errorf("%w: %s", domain.ErrKeyIDConflict, k.ID)
			}
		}
		for _, k := range keys {
			snap.Keys[k.ID] = base64.StdEncoding.EncodeToString(k.Material)
			snap.IssuedAt[k.ID] = k.IssuedAt.UTC().Format(time.RFC3339)
		}
		snap.KeysGenerated = last + uint64(count)
		return nil
	})
}

// Get はファイルから指定IDの鍵を要求順に読み込む。
func (s *FileStore) Get(ctx context.Context, ids []string) ([]*domain.KeyRecord, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.KeyRecord, 0, len(ids))
	for _, id := range ids {
		encoded, ok := snap.Keys[id]
		if !ok {
			continue
		}
		rec, err := s.decode(snap, id, encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete は鍵を削除してファイルに書き込む。
func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.update(ctx, "delete", func(snap *fileSnapshot) error {
		_, found = snap.Keys[id]
		delete(snap.Keys, id)
		delete(snap.IssuedAt, id)
		return nil
	})
	return found, err
}

// Clear は全ての鍵を削除する。発行カウンタは残す。
func (s *FileStore) Clear(ctx context.Context) (int, error) {
	var n int
	err := s.update(ctx, "clear", func(snap *fileSnapshot) error {
		n = len(snap.Keys)
		for id := range snap.Keys {
			snap.KeysGenerated = max(snap.KeysGenerated, domain.KeySequence(id))
		}
		snap.Keys = make(map[string]string)
		snap.IssuedAt = make(map[string]string)
		return nil
	})
	return n, err
}

// Stats は鍵の数と発行カウンタを返す。
func (s *FileStore) Stats(ctx context.Context) (*domain.KeyStoreStats, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	stats := &domain.KeyStoreStats{Stored: len(snap.Keys), Issued: snap.KeysGenerated}
	for id := range snap.Keys {
		stats.Issued = max(stats.Issued, domain.KeySequence(id))
	}
	return stats, nil
}

func (s *FileStore) load(ctx context.Context) (fileSnapshot, error) {
	var snap fileSnapshot
	err := s.withLock(func(f *state.File) error {
		var err error
		snap, err = s.read(f)
		return err
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to load key store",
			"operation", "load",
			"path", s.path,
			"error", err,
		)
		return fileSnapshot{}, err
	}
	return snap, nil
}

// decode はファイル上の鍵を復元する。issued_at が無い旧形式では読み込み時刻を使う。
func (s *FileStore) decode(snap fileSnapshot, id, encoded string) (*domain.KeyRecord, error) {
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding key %s from %s: %w", id, s.path, err)
	}
	issuedAt := s.now().UTC()
	if ts, ok := snap.IssuedAt[id]; ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			issuedAt = parsed
		}
	}
	rec, err := domain.NewKeyRecord(id, material, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("loading key %s from %s: %w", id, s.path, err)
	}
	return rec, nil
}

// update はロックを保持したまま読み込み、変更し、書き戻す。
// state.File は直前の内容を .bak に残すため、破棄した鍵素材が残らないよう書き込み後に消す。
func (s *FileStore) update(ctx context.Context, op string, mutate func(*fileSnapshot) error) error {
	err := s.withLock(func(f *state.File) error {
		snap, err := s.read(f)
		if err != nil {
			return err
		}
		if err := mutate(&snap); err != nil {
			return err
		}
		snap.LastUpdated = s.now().UTC().Format(time.RFC3339)
		if err := f.Marshal(snap); err != nil {
			return fmt.Errorf("writing %s: %w", s.path, err)
		}
		if err := os.Remove(s.prefix + ".bak"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing backup of %s: %w", s.path, err)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to update key store",
			"operation", op,
			"path", s.path,
			"error", err,
		)
		return err
	}
	return nil
}

func (s *FileStore) read(f *state.File) (fileSnapshot, error) {
	var snap fileSnapshot
	if err := f.Unmarshal(&snap); err != nil && !errors.Is(err, state.ErrNoState) {
		return fileSnapshot{}, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if snap.Keys == nil {
		snap.Keys = make(map[string]string)
	}
	if snap.IssuedAt == nil {
		snap.IssuedAt = make(map[string]string)
	}
	return snap, nil
}

func (s *FileStore) withLock(fn func(*state.File) error) error {
	f, err := state.Open(s.prefix)
	if err != nil {
		return fmt.Errorf("opening key store %s: %w", s.path, err)
	}
	defer f.Close()

	if err := f.Lock(); err != nil {
		return fmt.Errorf("locking key store %s: %w", s.path, err)
	}
	defer f.Unlock()

	return fn(f)
}
