package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\nB = two\n\nnot a pair\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	m, err := loadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if len(m) != 2 || m["A"] != "1" || m["B"] != "two" {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}

func TestEnvironPrecedence(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.env")
	second := filepath.Join(dir, "second.env")
	if err := os.WriteFile(first, []byte("FILE_ONLY=fv\nSHARED=first\nCOMFYUI_PORT_HOST=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("SHARED=second\nTOP=file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := BackendConfig{
		Host:     "127.0.0.1",
		Port:     8188,
		EnvFiles: []string{first, second},
		Env:      []string{"TOP=list"},
	}
	m, err := b.Environ()
	if err != nil {
		t.Fatalf("Environ: %v", err)
	}
	// later files override earlier ones, the env list overrides files and
	// the launch contract overrides everything
	if m["FILE_ONLY"] != "fv" || m["SHARED"] != "second" || m["TOP"] != "list" || m["COMFYUI_PORT_HOST"] != "8188" {
		t.Fatalf("unexpected env: %v", m)
	}

	b.EnvFiles = append(b.EnvFiles, filepath.Join(dir, "missing.env"))
	if _, err := b.Environ(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
