package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"qcrypt-service/internal/domain"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("QKD_USE_SIMULATOR", "true")
	t.Setenv("QKD_KEYSTORE", "file")
	t.Setenv("QKD_KEYSTORE_PATH", filepath.Join(dir, "keys.json"))
	t.Setenv("DEFAULT_SECURITY_LEVEL", "2")
	return dir
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(&app{})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestEncryptDecrypt_AcrossInvocations(t *testing.T) {
	setupEnv(t)

	for _, level := range []string{"otp", "2", "POST_QUANTUM", "classical"} {
		t.Run(level, func(t *testing.T) {
			envelope, err := run(t, "", "encrypt", "--level", level, "Hello, World!")
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			env, err := domain.ParseEnvelope([]byte(envelope))
			if err != nil {
				t.Fatalf("parse envelope: %v", err)
			}

			plain, err := run(t, envelope, "decrypt", "-")
			if err != nil {
				t.Fatalf("decrypt %s: %v", env.KeyID, err)
			}
			if strings.TrimSpace(plain) != "Hello, World!" {
				t.Errorf("want Hello, World!, got %q", plain)
			}
		})
	}
}

func TestDecrypt_CloseKey(t *testing.T) {
	setupEnv(t)

	envelope, err := run(t, "secret\n", "encrypt", "--level", "otp")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := run(t, envelope, "decrypt", "--close-key"); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if _, err := run(t, envelope, "decrypt"); err == nil {
		t.Fatal("expected failure after the key was closed")
	}
}

func TestKeys_GenerateGetPurge(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "keys", "generate", "--size", "128", "--number", "2")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, "SIM-KEY-00000002") {
		t.Errorf("unexpected output: %s", out)
	}

	status, err := run(t, "", "status", "--output", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(status, `"keys_stored": 2`) {
		t.Errorf("unexpected status: %s", status)
	}

	if _, err := run(t, "", "keys", "purge"); err == nil {
		t.Error("purge without --yes should fail")
	}
	out, err = run(t, "", "keys", "purge", "--yes")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !strings.Contains(out, "Purged 2 key(s)") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = run(t, "", "keys", "generate")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, "SIM-KEY-00000003") {
		t.Errorf("key IDs must not be reused after purge: %s", out)
	}
}

func TestKeys_CloseMissing(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "keys", "close", "NOPE")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(out, "Not found NOPE") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestAttach_EncryptDecrypt(t *testing.T) {
	dir := setupEnv(t)
	src := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(src, []byte("attachment body"), 0o600); err != nil {
		t.Fatal(err)
	}
	encFile := filepath.Join(dir, "notes.enc.json")

	if _, err := run(t, "", "attach", "encrypt", "--level", "pqc", "--out", encFile, src); err != nil {
		t.Fatalf("attach encrypt: %v", err)
	}

	outDir := filepath.Join(dir, "out")
	out, err := run(t, "", "attach", "decrypt", "--dir", outDir, encFile)
	if err != nil {
		t.Fatalf("attach decrypt: %v", err)
	}
	if !strings.Contains(out, filepath.Join(outDir, "notes.txt")) {
		t.Errorf("unexpected output: %s", out)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "attachment body" {
		t.Errorf("want attachment body, got %q", data)
	}
}

func TestAttach_RejectsExtension(t *testing.T) {
	dir := setupEnv(t)
	src := filepath.Join(dir, "tool.exe")
	if err := os.WriteFile(src, []byte("MZ"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "", "attach", "encrypt", src); err == nil {
		t.Fatal("expected error for disallowed extension")
	}
	if _, err := run(t, "", "attach", "encrypt", "--any-extension", src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	setupEnv(t)
	t.Setenv("DEFAULT_SECURITY_LEVEL", "9")

	if _, err := run(t, "", "status"); err == nil {
		t.Fatal("expected configuration error")
	}
	if out, err := run(t, "", "version"); err != nil || !strings.Contains(out, "qkdctl version") {
		t.Errorf("version should not need configuration: %q %v", out, err)
	}
}
