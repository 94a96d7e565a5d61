package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/orchestrator"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-serverbackup/pkg/workerpool"
)

func TestConfig_Validate(t *testing.T) {
	// Helper to get a valid base config for testing
	newValidConfig := func(t *testing.T) Config {
		t.Helper()
		cfg := NewDefault()
		cfg.SourceRoot = t.TempDir()
		return cfg
	}

	t.Run("Valid Config", func(t *testing.T) {
		cfg := newValidConfig(t)
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected valid config to pass validation, but got error: %v", err)
		}
	})

	t.Run("Relative Local Directory Resolves Against Source Root", func(t *testing.T) {
		cfg := newValidConfig(t)
		root := cfg.SourceRoot
		cfg.LocalDirectory = "backups"
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := filepath.Join(root, "backups"); cfg.LocalDirectory != want {
			t.Errorf("expected local directory %q, got %q", want, cfg.LocalDirectory)
		}
	})

	t.Run("Empty Source Root", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.SourceRoot = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for empty source root, but got nil")
		}
	})

	t.Run("Empty Local Directory", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.LocalDirectory = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for empty local directory, but got nil")
		}
	})

	t.Run("Absolute Target Location", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Targets = append(cfg.Targets, orchestrator.Target{Location: "/etc", Create: true})
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for absolute target location, but got nil")
		}
	})

	t.Run("Location Named Root", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Targets = []orchestrator.Target{{Location: ".", Create: true}, {Location: "root", Create: true}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for a location named root, but got nil")
		}
	})

	t.Run("Locations Sharing an Archive Directory", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Targets = []orchestrator.Target{{Location: "world", Create: true}, {Location: "world/", Create: true}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for two locations with one archive directory, but got nil")
		}
	})

	t.Run("Base Folder and Subfolder", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Targets = []orchestrator.Target{{Location: ".", Create: true}, {Location: "plugins/root", Create: true}}
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("Invalid Blacklist Pattern", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Targets = []orchestrator.Target{{Location: "world", Blacklist: []string{"[a-"}}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for invalid blacklist pattern, but got nil")
		}
	})

	t.Run("Invalid Cron", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Schedule.Cron = []string{"not a cron"}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for invalid cron spec, but got nil")
		}
	})

	t.Run("Players Gate Without Activity File", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Players.Required = true
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for players gate without activity file, but got nil")
		}
	})

	t.Run("Clamps Out Of Range Values", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.LocalKeepCount = -5
		cfg.Schedule.DelayMinutes = 1
		cfg.Compression.Level = 42
		cfg.Performance.Compress.Threads = workerpool.CPUCount() + 8
		cfg.Performance.Compress.Priority = -40
		cfg.Performance.Enumerate.Threads = -1
		cfg.Performance.BufferSizeKB = 0
		cfg.Performance.DeleteWorkers = 0
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.LocalKeepCount != -1 {
			t.Errorf("expected keep count -1, got %d", cfg.LocalKeepCount)
		}
		if cfg.Schedule.DelayMinutes != 5 {
			t.Errorf("expected delay 5, got %d", cfg.Schedule.DelayMinutes)
		}
		if cfg.Compression.Level != pathcompression.MaxLevel {
			t.Errorf("expected level %d, got %d", pathcompression.MaxLevel, cfg.Compression.Level)
		}
		if cfg.Performance.Compress.Threads != workerpool.CPUCount() {
			t.Errorf("expected compress threads %d, got %d", workerpool.CPUCount(), cfg.Performance.Compress.Threads)
		}
		if cfg.Performance.Compress.Priority != -20 {
			t.Errorf("expected priority -20, got %d", cfg.Performance.Compress.Priority)
		}
		if cfg.Performance.Enumerate.Threads != 0 {
			t.Errorf("expected enumerate threads 0, got %d", cfg.Performance.Enumerate.Threads)
		}
		if cfg.Performance.BufferSizeKB != defaultBufferSizeKB {
			t.Errorf("expected buffer size %d, got %d", defaultBufferSizeKB, cfg.Performance.BufferSizeKB)
		}
		if cfg.Performance.DeleteWorkers != defaultDeleteWorkers {
			t.Errorf("expected delete workers %d, got %d", defaultDeleteWorkers, cfg.Performance.DeleteWorkers)
		}
	})

	t.Run("Disabled Schedule Is Kept", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Schedule.DelayMinutes = -1
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Schedule.DelayMinutes != -1 {
			t.Errorf("expected delay -1, got %d", cfg.Schedule.DelayMinutes)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("Missing File Returns Defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(cfg, NewDefault()) {
			t.Errorf("expected defaults, got %+v", cfg)
		}
	})

	t.Run("Empty File Returns Defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		if err := os.WriteFile(path, nil, 0600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.LocalKeepCount != defaultLocalKeepCount {
			t.Errorf("expected default keep count, got %d", cfg.LocalKeepCount)
		}
	})

	t.Run("Overrides And Env Expansion", func(t *testing.T) {
		t.Setenv("PGL_TEST_DB_PASSWORD", "s3cret")
		path := filepath.Join(t.TempDir(), ConfigFileName)
		content := `
localKeepCount: -1
compression:
  format: tar.gz
backupList:
  - location: world
    create: true
    blacklist: ["session.lock"]
external:
  databases:
    - type: mysql
      host: db
      user: mc
      password: ${PGL_TEST_DB_PASSWORD}
      databases:
        - name: lobby
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.LocalKeepCount != -1 {
			t.Errorf("expected keep count -1, got %d", cfg.LocalKeepCount)
		}
		if cfg.Compression.Format != pathcompression.TarGz {
			t.Errorf("expected tar.gz, got %s", cfg.Compression.Format)
		}
		if cfg.Compression.Level != pathcompression.DefaultLevel {
			t.Errorf("expected default level to survive, got %d", cfg.Compression.Level)
		}
		if len(cfg.Targets) != 1 || cfg.Targets[0].Location != "world" || !cfg.Targets[0].Create {
			t.Errorf("expected the file's backup list to replace the defaults, got %+v", cfg.Targets)
		}
		if len(cfg.External.Databases) != 1 || cfg.External.Databases[0].Password != "s3cret" {
			t.Errorf("expected expanded password, got %+v", cfg.External.Databases)
		}
	})

	t.Run("Unset Env Variable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		content := "uploaders:\n  s3:\n    secretAccessKey: ${PGL_TEST_SURELY_UNSET_VARIABLE}\n"
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "PGL_TEST_SURELY_UNSET_VARIABLE") {
			t.Errorf("expected error naming the unset variable, got %v", err)
		}
	})

	t.Run("Unknown Field", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		if err := os.WriteFile(path, []byte("localKeepCoutn: 3\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("expected error for unknown field, but got nil")
		}
	})

	t.Run("Invalid Compression Format", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		if err := os.WriteFile(path, []byte("compression:\n  format: rar\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("expected error for unknown compression format, but got nil")
		}
	})
}

func TestGenerateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", ConfigFileName)
	want := NewDefault()
	want.LocalKeepCount = 3
	want.Schedule.Cron = []string{"0 4 * * *"}

	if err := Generate(path, want); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 && os.PathSeparator == '/' {
		t.Errorf("expected user-only permissions, got %v", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.LocalKeepCount != 3 {
		t.Errorf("expected keep count 3, got %d", got.LocalKeepCount)
	}
	if !reflect.DeepEqual(got.Schedule.Cron, want.Schedule.Cron) {
		t.Errorf("expected cron %v, got %v", want.Schedule.Cron, got.Schedule.Cron)
	}
	if !reflect.DeepEqual(got.Targets, want.Targets) {
		t.Errorf("expected targets %+v, got %+v", want.Targets, got.Targets)
	}
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()

	t.Run("Backup Flags", func(t *testing.T) {
		merged := MergeConfigWithFlags(flagparse.Backup, base, map[string]any{
			"local-dir":          "/srv/backups",
			"local-keep-count":   -1,
			"compression-format": "tar.gz",
			"compression-level":  9,
			"on-done-hooks":      []string{"echo done"},
			"delay-minutes":      15,
		})
		if merged.LocalDirectory != "/srv/backups" {
			t.Errorf("expected local dir override, got %q", merged.LocalDirectory)
		}
		if merged.LocalKeepCount != -1 {
			t.Errorf("expected keep count -1, got %d", merged.LocalKeepCount)
		}
		if merged.Compression.Format != pathcompression.TarGz || merged.Compression.Level != 9 {
			t.Errorf("expected tar.gz level 9, got %s level %d", merged.Compression.Format, merged.Compression.Level)
		}
		if !reflect.DeepEqual(merged.Hooks.OnDone, []string{"echo done"}) {
			t.Errorf("expected done hooks override, got %v", merged.Hooks.OnDone)
		}
		if merged.Schedule.DelayMinutes != base.Schedule.DelayMinutes {
			t.Errorf("expected delay to be ignored outside the daemon, got %d", merged.Schedule.DelayMinutes)
		}
	})

	t.Run("Daemon Schedule Flags", func(t *testing.T) {
		merged := MergeConfigWithFlags(flagparse.Daemon, base, map[string]any{
			"delay-minutes": 15,
			"cron":          []string{"*/30 * * * *"},
		})
		if merged.Schedule.DelayMinutes != 15 {
			t.Errorf("expected delay 15, got %d", merged.Schedule.DelayMinutes)
		}
		if !reflect.DeepEqual(merged.Schedule.Cron, []string{"*/30 * * * *"}) {
			t.Errorf("expected cron override, got %v", merged.Schedule.Cron)
		}
	})

	t.Run("Invalid Format Is Ignored", func(t *testing.T) {
		merged := MergeConfigWithFlags(flagparse.Backup, base, map[string]any{"compression-format": "rar"})
		if merged.Compression.Format != base.Compression.Format {
			t.Errorf("expected format to stay %s, got %s", base.Compression.Format, merged.Compression.Format)
		}
	})
}
