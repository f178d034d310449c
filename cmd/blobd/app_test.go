package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pkt.systems/blobd"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsModule(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(stdout, "pkt.systems/blobd") {
		t.Fatalf("expected module path in output, got %q", stdout)
	}
}

func TestKeygenCommandWritesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "keys.yaml")
	stdout, _, err := executeRootCommand(t, "keygen", "--name", "primary", "--name", "rotation", "--out", out)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(stdout, "wrote 2 key(s)") {
		t.Fatalf("unexpected keygen output %q", stdout)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	var doc struct {
		Keys map[string]string `yaml:"keys"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse key file: %v", err)
	}
	if len(doc.Keys) != 2 || doc.Keys["primary"] == "" || doc.Keys["rotation"] == "" {
		t.Fatalf("unexpected key file contents: %+v", doc.Keys)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 key file, got %v", info.Mode().Perm())
	}
}

func TestBindConfigFromEnv(t *testing.T) {
	_ = newRootCommand(pslog.NewStructured(io.Discard))
	t.Setenv("BLOBD_STORE", "disk:///var/lib/blobd-data")
	t.Setenv("BLOBD_MAX_BLOB_BYTES", "64MiB")
	t.Setenv("BLOBD_REQUIRE_AUTH", "true")

	var cfg blobd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Store != "disk:///var/lib/blobd-data" {
		t.Fatalf("unexpected store %q", cfg.Store)
	}
	if cfg.MaxBlobBytes != 64<<20 {
		t.Fatalf("unexpected max blob bytes %d", cfg.MaxBlobBytes)
	}
	if !cfg.RequireAuth {
		t.Fatal("expected require auth from env")
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	_ = newRootCommand(pslog.NewStructured(io.Discard))
	t.Setenv("BLOBD_MAX_BLOB_BYTES", "not-a-size")

	var cfg blobd.Config
	if err := bindConfig(&cfg); err == nil {
		t.Fatal("expected error for malformed size")
	}
}
