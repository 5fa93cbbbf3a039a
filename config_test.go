package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != "8080" || cfg.ItemsTable != "items" || cfg.CommandQueue != "commands" {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.DeduperTTL != 24*time.Hour || cfg.CacheTTL != 5*time.Minute || cfg.WorkerMaxAttempts != 5 {
		t.Fatalf("unexpected durations %#v", cfg)
	}
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prism.yaml")
	data := []byte("store_backend: sqlite\nsqlite_path: /tmp/x.db\nport: \"9000\"\ndeduper_ttl: 1h\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SQLITE_PATH", "/var/lib/prism.db")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.StoreBackend != backendSQLite || cfg.Port != "9000" || cfg.DeduperTTL != time.Hour {
		t.Fatalf("config file not applied: %#v", cfg)
	}
	if cfg.SQLitePath != "/var/lib/prism.db" {
		t.Fatalf("environment should override file, got %s", cfg.SQLitePath)
	}
}

func TestLoadConfigFunctionsPort(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("FUNCTIONS_CUSTOMHANDLER_PORT", "7071")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != "7071" {
		t.Fatalf("expected functions port, got %s", cfg.Port)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "tablesWithoutConnection", env: map[string]string{"STORE_BACKEND": "tables"}},
		{name: "unknownBackend", env: map[string]string{"STORE_BACKEND": "mongo"}},
		{name: "asyncWithoutQueue", env: map[string]string{"STORE_BACKEND": "memory", "ASYNC_COMMANDS": "true"}},
		{name: "badDeduperTTL", env: map[string]string{"STORE_BACKEND": "memory", "DEDUPER_TTL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORAGE_CONNECTION_STRING", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(""); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAuth(t *testing.T) {
	if err := (Config{Auth0TestMode: true}).validateAuth(); err == nil {
		t.Fatalf("test mode without secret should fail")
	}
	if err := (Config{Auth0TestMode: true, TestJWTSecret: "s"}).validateAuth(); err != nil {
		t.Fatalf("test mode: %v", err)
	}
	if err := (Config{Auth0Domain: "tenant.auth0.com"}).validateAuth(); err == nil {
		t.Fatalf("missing audience should fail")
	}
}

func TestParseRedisOptions(t *testing.T) {
	opts := parseRedisOptions("redis://:secret@localhost:6380/2")
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected url options %#v", opts)
	}
	opts = parseRedisOptions("prism.redis.cache.windows.net:6380,password=abc=,ssl=True,abortConnect=False")
	if opts.Addr != "prism.redis.cache.windows.net:6380" || opts.Password != "abc=" || opts.TLSConfig == nil {
		t.Fatalf("unexpected azure options %#v", opts)
	}
}
