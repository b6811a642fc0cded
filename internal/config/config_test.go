package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BasicConfig.Database != "sqlite3" || cfg.Storage.Driver != "local" {
		t.Fatalf("unexpected defaults %+v", cfg.BasicConfig)
	}
	if cfg.Rooms.AbandonMinutes != 10 || cfg.Rooms.ReaperIntervalSeconds != 60 {
		t.Fatalf("unexpected room defaults %+v", cfg.Rooms)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"basic_config": {"server_address": ":9000", "database": "sqlite3"},
		"databases": {"sqlite3": {"dsn": "chat.db"}},
		"storage": {"driver": "local", "local_dir": "objects"},
		"rooms": {"abandon_minutes": 5}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHITTY_SERVER_ADDRESS", ":9100")
	t.Setenv("MASTER_KEY", "master")
	t.Setenv("CHITTY_REDIS_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9100" {
		t.Fatalf("env override not applied: %s", cfg.BasicConfig.ServerAddress)
	}
	if cfg.Rooms.AbandonMinutes != 5 || cfg.Rooms.VerifyGraceSeconds != 3 {
		t.Fatalf("file values not merged over defaults: %+v", cfg.Rooms)
	}
	if got := cfg.Databases["sqlite3"].DSN; got != filepath.Join(dir, "chat.db") {
		t.Fatalf("sqlite path not anchored at config dir: %s", got)
	}
	if cfg.Storage.LocalDir != filepath.Join(dir, "objects") {
		t.Fatalf("local dir not anchored at config dir: %s", cfg.Storage.LocalDir)
	}
	if cfg.Secrets.MasterKey != "master" || !cfg.Redis.Enabled {
		t.Fatalf("env values missing: %+v %+v", cfg.Secrets, cfg.Redis)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected explicit missing file to fail")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"storage": {"driver": "ftp"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unsupported storage driver to fail")
	}

	if err := os.WriteFile(path, []byte(`{"storage": {"driver": "s3"}, "databases": {"sqlite3": {"dsn": ":memory:"}}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("s3 with default buckets should load: %v", err)
	}
	if cfg.Storage.Driver != "s3" {
		t.Fatalf("expected s3 driver, got %s", cfg.Storage.Driver)
	}
}
