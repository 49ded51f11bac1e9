package infra

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"qcrypt-service/config"
	"qcrypt-service/internal/keysource"
)

func TestOpenKeyStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{"memory", &config.Config{KeyStore: config.KeyStoreMemory}},
		{"file", &config.Config{KeyStore: config.KeyStoreFile, KeyStorePath: filepath.Join(dir, "keys.json")}},
		{"db", &config.Config{KeyStore: config.KeyStoreDB, DatabaseURL: "sqlite:" + filepath.Join(dir, "keys.db")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, closeFn, err := OpenKeyStore(ctx, tt.cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer closeFn()

			sim, err := keysource.NewSimulated(ctx, store)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			keys, err := sim.Generate(ctx, 128, 1)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got, err := store.Get(ctx, []string{keys[0].ID})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != 1 || got[0].ID != keys[0].ID {
				t.Fatalf("key not persisted: %+v", got)
			}
			if !bytes.Equal(got[0].Material, keys[0].Material) {
				t.Error("persisted material differs")
			}
			stats, err := store.Stats(ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stats.Issued != 1 || stats.Stored != 1 {
				t.Errorf("want 1 issued / 1 stored, got %d / %d", stats.Issued, stats.Stored)
			}
		})
	}
}

func TestOpenKeyStore_Unknown(t *testing.T) {
	if _, _, err := OpenKeyStore(context.Background(), &config.Config{KeyStore: "redis"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"DEBUG":   "DEBUG",
		"warn":    "WARN",
		"Warning": "WARN",
		"ERROR":   "ERROR",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range tests {
		if got := ParseLogLevel(in).String(); got != want {
			t.Errorf("ParseLogLevel(%q): want %s, got %s", in, want, got)
		}
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := map[string]bool{
		"localhost:4317":            true,
		"127.0.0.1:4317":            true,
		"otel-collector:4317":       false,
		"collector.example.com:443": false,
	}
	for in, want := range tests {
		if got := isLocalEndpoint(in); got != want {
			t.Errorf("isLocalEndpoint(%q): want %v, got %v", in, want, got)
		}
	}
}
