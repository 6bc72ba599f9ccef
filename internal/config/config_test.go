package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Backend.Kind != "stream" {
		t.Errorf("default backend kind = %q", cfg.Backend.Kind)
	}
	if cfg.Backend.Bin == "" {
		t.Error("default backend bin empty")
	}
	if cfg.Orchestrator.ApprovalTimeoutSeconds <= 0 {
		t.Error("default approval timeout missing")
	}
	if !cfg.Channels.CLI.Enabled {
		t.Error("cli channel should default to enabled")
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Defaults()
	cfg.Backend.Kind = "rpc"
	cfg.Backend.Bin = "codex"
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "tok"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Backend.Kind != "rpc" || got.Backend.Bin != "codex" {
		t.Fatalf("backend = %+v", got.Backend)
	}
	if !got.Channels.Telegram.Enabled || got.Channels.Telegram.Token != "tok" {
		t.Fatalf("telegram = %+v", got.Channels.Telegram)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "backend:\n  kind: stream\n  bin: claude\n"
	if err := os.WriteFile(path, []byte(partial), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("logLevel = %q, want default info", cfg.General.LogLevel)
	}
	if cfg.Session.DBPath == "" {
		t.Error("session dbPath default missing")
	}
}

func TestLoadRejectsBadKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bad := "backend:\n  kind: carrier-pigeon\n  bin: x\n"
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown backend kind")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
