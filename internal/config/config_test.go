package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseByteSize_CommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1KiB", 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3GiB", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{" 64 KiB ", 64 * 1024},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	for _, bad := range []string{"", "bad", "12 parsecs"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("REPOSTER_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":5000" {
		t.Fatalf("default addr = %q", cfg.Server.Addr)
	}
	if cfg.Worker.Command != "python" || len(cfg.Worker.Args) != 2 {
		t.Fatalf("default worker = %+v", cfg.Worker)
	}
	if cfg.Tracker.DebounceWindow != 100*time.Millisecond {
		t.Fatalf("default debounce = %v", cfg.Tracker.DebounceWindow)
	}
	if cfg.Tracker.Keywords.StepMarker != "STEP_MARKER:" {
		t.Fatalf("default step marker = %q", cfg.Tracker.Keywords.StepMarker)
	}
	if len(cfg.Tracker.SuccessIndicators) != len(DefaultSuccessIndicators()) {
		t.Fatalf("default success indicators not applied")
	}
	if want := filepath.Join("data", "reposter.db"); cfg.Server.DatabasePath != want {
		t.Fatalf("database path = %q, want %q", cfg.Server.DatabasePath, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Fatalf("storage dir not created: %v", err)
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoad_FileEnvExpansionAndOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	storage := filepath.Join(dir, "store")

	t.Setenv("WORKER_BIN", "/usr/bin/python3")
	t.Setenv("REPOSTER_ADDRESS", ":9999")
	t.Setenv("REPOSTER_DEBOUNCE_WINDOW", "250ms")

	yaml := `
server:
  address: ":8080"
  maxBodySize: 1MiB
  storageDir: ` + storage + `
  logLevel: debug
  submitRate: 2
worker:
  command: ${WORKER_BIN}
  args: ["-u", "repost.py"]
  defaultCaption: "hello"
tracker:
  keywords:
    uploadCompleted: ["all done"]
  successIndicators: ["all done"]
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("env override not applied, addr = %q", cfg.Server.Addr)
	}
	if cfg.Tracker.DebounceWindow != 250*time.Millisecond {
		t.Fatalf("env debounce = %v", cfg.Tracker.DebounceWindow)
	}
	if cfg.Server.MaxBodySize != ByteSize(1024*1024) {
		t.Fatalf("maxBodySize = %d", cfg.Server.MaxBodySize)
	}
	if cfg.Server.SubmitBurst != 1 {
		t.Fatalf("submitBurst default = %d", cfg.Server.SubmitBurst)
	}
	if cfg.Server.SlogLevel() != slog.LevelDebug {
		t.Fatalf("slog level = %v", cfg.Server.SlogLevel())
	}
	if cfg.Worker.Command != "/usr/bin/python3" {
		t.Fatalf("command not expanded: %q", cfg.Worker.Command)
	}
	if got := cfg.Tracker.Keywords.UploadCompleted; len(got) != 1 || got[0] != "all done" {
		t.Fatalf("uploadCompleted = %v", got)
	}
	// Lists not set in the file keep their defaults.
	if len(cfg.Tracker.Keywords.DownloadStarted) == 0 {
		t.Fatalf("downloadStarted lost its defaults")
	}
	if cfg.Server.DatabasePath != filepath.Join(storage, "reposter.db") {
		t.Fatalf("database path = %q", cfg.Server.DatabasePath)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"log level":     "server:\n  logLevel: loud\n",
		"negative rate": "server:\n  submitRate: -1\n",
		"empty arg":     "worker:\n  command: sh\n  args: [\"\"]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			p := filepath.Join(dir, "config.yaml")
			body := body + "\n"
			if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			t.Setenv("REPOSTER_STORAGE_DIR", filepath.Join(dir, "data"))
			if _, err := Load(p); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
