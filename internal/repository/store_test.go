package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qcrypt-service/internal/domain"
)

type keyStore interface {
	Issue(ctx context.Context, count int, build func(first uint64) ([]*domain.KeyRecord, error)) error
	Get(ctx context.Context, ids []string) ([]*domain.KeyRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*domain.KeyStoreStats, error)
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) keyStore {
	return map[string]func(t *testing.T) keyStore{
		"memory": func(t *testing.T) keyStore {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) keyStore {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "keys.json"))
			if err != nil {
				t.Fatalf("NewFileStore failed: %v", err)
			}
			return s
		},
		"db": func(t *testing.T) keyStore {
			s, err := NewKeyRepository(context.Background(), setupTestDB(t))
			if err != nil {
				t.Fatalf("NewKeyRepository failed: %v", err)
			}
			return s
		},
	}
}

// issueKeys は確保された番号でIDを振った鍵を保存し、その鍵を返す。
func issueKeys(t *testing.T, s keyStore, materials ...string) []*domain.KeyRecord {
	t.Helper()
	var keys []*domain.KeyRecord
	err := s.Issue(context.Background(), len(materials), func(first uint64) ([]*domain.KeyRecord, error) {
		keys = nil
		for i, m := range materials {
			keys = append(keys, testKey(t, fmt.Sprintf("SIM-KEY-%08d-20260501120000", first+uint64(i)), []byte(m)))
		}
		return keys, nil
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return keys
}

func TestStores_Contract(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats on empty store failed: %v", err)
			}
			if stats.Stored != 0 || stats.Issued != 0 {
				t.Fatalf("want empty store, got %d keys / issued %d", stats.Stored, stats.Issued)
			}

			keys := issueKeys(t, s, "\x01\x02", "\x03\x04")
			if keys[0].ID != "SIM-KEY-00000001-20260501120000" || keys[1].ID != "SIM-KEY-00000002-20260501120000" {
				t.Fatalf("unexpected ids: %s %s", keys[0].ID, keys[1].ID)
			}

			deleted, err := s.Delete(ctx, keys[0].ID)
			if err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if !deleted {
				t.Error("want deleted=true, got false")
			}
			deleted, err = s.Delete(ctx, "missing")
			if err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if deleted {
				t.Error("want deleted=false for missing key, got true")
			}

			got, err := s.Get(ctx, []string{"missing", keys[1].ID, keys[0].ID})
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if len(got) != 1 || got[0].ID != keys[1].ID {
				t.Fatalf("want only %s, got %+v", keys[1].ID, got)
			}
			if string(got[0].Material) != string(keys[1].Material) {
				t.Error("key material changed across the store")
			}
			if !got[0].IssuedAt.Equal(keys[1].IssuedAt) {
				t.Errorf("want issued_at %v, got %v", keys[1].IssuedAt, got[0].IssuedAt)
			}

			// 破棄した鍵の番号は再利用しない
			next := issueKeys(t, s, "\x05")
			if next[0].ID != "SIM-KEY-00000003-20260501120000" {
				t.Errorf("want sequence 3 after a closed key, got %s", next[0].ID)
			}

			n, err := s.Clear(ctx)
			if err != nil {
				t.Fatalf("Clear failed: %v", err)
			}
			if n != 2 {
				t.Errorf("want 2 cleared keys, got %d", n)
			}
			stats, err = s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if stats.Stored != 0 || stats.Issued != 3 {
				t.Errorf("want cleared store with issued 3, got %d keys / issued %d", stats.Stored, stats.Issued)
			}
		})
	}
}

func TestStores_IssueRejectsExistingID(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			first := issueKeys(t, s, "original")

			err := s.Issue(ctx, 1, func(uint64) ([]*domain.KeyRecord, error) {
				return []*domain.KeyRecord{testKey(t, first[0].ID, []byte("replacement"))}, nil
			})
			if !errors.Is(err, domain.ErrKeyIDConflict) {
				t.Fatalf("want ErrKeyIDConflict, got %v", err)
			}

			got, err := s.Get(ctx, []string{first[0].ID})
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if len(got) != 1 || string(got[0].Material) != "original" {
				t.Errorf("existing key was overwritten: %+v", got)
			}
			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if stats.Issued != 1 {
				t.Errorf("want counter untouched by rejected issue, got %d", stats.Issued)
			}
		})
	}
}

func TestStores_IssueBuildFailureStoresNothing(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			err := s.Issue(ctx, 1, func(uint64) ([]*domain.KeyRecord, error) {
				return nil, errors.New("entropy exhausted")
			})
			if err == nil {
				t.Fatal("want error from build, got nil")
			}
			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if stats.Stored != 0 || stats.Issued != 0 {
				t.Errorf("want empty store, got %d keys / issued %d", stats.Stored, stats.Issued)
			}
		})
	}
}

func TestFileStore_SharedBetweenInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "instance", "sim_qkd_keys.json")

	first, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	second, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	a := issueKeys(t, first, "from-first")
	b := issueKeys(t, second, "from-second")
	if a[0].ID == b[0].ID {
		t.Fatalf("both instances issued %s", a[0].ID)
	}

	got, err := second.Get(ctx, []string{a[0].ID, b[0].ID})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 2 || string(got[0].Material) != "from-first" || string(got[1].Material) != "from-second" {
		t.Errorf("unexpected keys: %+v", got)
	}

	if _, err := first.Delete(ctx, b[0].ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err = second.Get(ctx, []string{b[0].ID})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 0 {
		t.Error("key closed by one instance is still visible to the other")
	}
}

func TestFileStore_ConcurrentIssue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	const workers = 8

	var wg sync.WaitGroup
	ids := make(chan string, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := NewFileStore(path)
			if err != nil {
				t.Error(err)
				return
			}
			var issued []*domain.KeyRecord
			err = s.Issue(context.Background(), 2, func(first uint64) ([]*domain.KeyRecord, error) {
				issued = []*domain.KeyRecord{
					{ID: fmt.Sprintf("SIM-KEY-%08d-20260501120000", first), Material: []byte("a"), BitLength: 8},
					{ID: fmt.Sprintf("SIM-KEY-%08d-20260501120000", first+1), Material: []byte("b"), BitLength: 8},
				}
				return issued, nil
			})
			if err != nil {
				t.Error(err)
				return
			}
			for _, k := range issued {
				ids <- k.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*2 {
		t.Errorf("want %d ids, got %d", workers*2, len(seen))
	}
}

func TestFileStore_NoBackupOfClosedKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "keys.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	keys := issueKeys(t, s, "burn-after-reading")
	if _, err := s.Delete(ctx, keys[0].ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(data, []byte(keys[0].ID)) {
			t.Errorf("%s still contains closed key %s", e.Name(), keys[0].ID)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "keys.bak")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("want no keys.bak, got %v", err)
	}
}

func TestFileStore_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	issueKeys(t, s, "\xde\xad")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading key file: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("key file is not JSON: %v", err)
	}
	keys, ok := raw["keys"].(map[string]any)
	if !ok {
		t.Fatalf("want keys object, got %T", raw["keys"])
	}
	if keys["SIM-KEY-00000001-20260501120000"] != "3q0=" {
		t.Errorf("want base64 material 3q0=, got %v", keys["SIM-KEY-00000001-20260501120000"])
	}
	if raw["keys_generated"] != float64(1) {
		t.Errorf("want keys_generated 1, got %v", raw["keys_generated"])
	}
	if _, ok := raw["last_updated"].(string); !ok {
		t.Error("want last_updated timestamp")
	}
}

func TestFileStore_ReadsLegacyFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.json")
	legacy := `{"keys":{"MOCK-KEY-00000003-20250101000000":"AQID"},"keys_generated":3,"last_updated":"2025-01-01T00:00:00"}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("writing legacy file: %v", err)
	}

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Issued != 3 || stats.Stored != 1 {
		t.Fatalf("unexpected stats: issued=%d stored=%d", stats.Issued, stats.Stored)
	}
	got, err := s.Get(ctx, []string{"MOCK-KEY-00000003-20250101000000"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 1 || string(got[0].Material) != "\x01\x02\x03" {
		t.Fatalf("unexpected keys: %+v", got)
	}
	if !got[0].IssuedAt.Equal(fixed) {
		t.Errorf("want missing issued_at to default to load time, got %v", got[0].IssuedAt)
	}
}

func TestFileStore_SequenceRecoveredFromIDs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.json")
	// カウンタがIDの連番より小さいファイル
	data := `{"keys":{"SIM-KEY-00000042-20260101000000":"AQ=="},"keys_generated":5}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	keys := issueKeys(t, s, "next")
	if keys[0].ID != "SIM-KEY-00000043-20260501120000" {
		t.Errorf("want sequence 43, got %s", keys[0].ID)
	}

	if _, err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Issued != 43 {
		t.Errorf("want issued 43 after clear, got %d", stats.Issued)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if _, err := s.Stats(context.Background()); err == nil {
		t.Error("want error for corrupt key file, got nil")
	}
	if _, err := s.Delete(context.Background(), "any"); err == nil {
		t.Error("want error when updating a corrupt key file, got nil")
	}
}

func TestNewFileStore_InvalidPath(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Error("want error for empty path, got nil")
	}
	if _, err := NewFileStore("keys.yaml"); err == nil {
		t.Error("want error for non-json path, got nil")
	}
}
