package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadConfigMergesEnvironmentAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${DB_SECRET}
sync:
  short_window: 30s
  long_window: 5m
`)
	writeFile(t, dir, "production.yaml", `
db:
  host: db.internal
sync:
  long_window: 10m
`)
	writeFile(t, dir, "secrets.env", "# comment\nDB_SECRET=\"hunter2\"\n")

	cfgMap, err := LoadConfig("production", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var out struct {
		DB   DBConfig `yaml:"db"`
		Sync struct {
			ShortWindow time.Duration `yaml:"short_window"`
			LongWindow  time.Duration `yaml:"long_window"`
		} `yaml:"sync"`
	}
	if err := Decode(cfgMap, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.DB.Host != "db.internal" {
		t.Fatalf("host = %q, want override", out.DB.Host)
	}
	if out.DB.Port != 5432 {
		t.Fatalf("port = %d, want base value", out.DB.Port)
	}
	if out.DB.Password != "hunter2" {
		t.Fatalf("password = %q, want substituted secret", out.DB.Password)
	}
	if out.Sync.ShortWindow != 30*time.Second || out.Sync.LongWindow != 10*time.Minute {
		t.Fatalf("windows = %v/%v", out.Sync.ShortWindow, out.Sync.LongWindow)
	}
}

func TestLoadConfigMissingBase(t *testing.T) {
	if _, err := LoadConfig("local", t.TempDir()); err == nil {
		t.Fatalf("expected error for missing base.yaml")
	}
}

func TestMergeMapsNested(t *testing.T) {
	dst := map[string]interface{}{"a": map[string]interface{}{"x": 1, "y": 2}, "b": 1}
	src := map[string]interface{}{"a": map[string]interface{}{"y": 3}, "c": 4}
	got := mergeMaps(dst, src)
	a := got["a"].(map[string]interface{})
	if a["x"] != 1 || a["y"] != 3 || got["b"] != 1 || got["c"] != 4 {
		t.Fatalf("unexpected merge result: %#v", got)
	}
}

func TestLoadConfigFallsBackToProcessEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
jwt:
  secret: ${MAILSYNC_TEST_JWT}
db:
  password: ${MAILSYNC_TEST_UNSET}
`)
	t.Setenv("MAILSYNC_TEST_JWT", "from-env")

	cfgMap, err := LoadConfig("local", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var out struct {
		JWT JWTConfig `yaml:"jwt"`
		DB  DBConfig  `yaml:"db"`
	}
	if err := Decode(cfgMap, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JWT.Secret != "from-env" {
		t.Fatalf("secret = %q, want process env value", out.JWT.Secret)
	}
	if out.DB.Password != "" {
		t.Fatalf("password = %q, want unresolved placeholder cleared", out.DB.Password)
	}
}
