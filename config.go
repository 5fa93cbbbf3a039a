package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const (
	backendTables = "tables"
	backendSQLite = "sqlite"
	backendMemory = "memory"
)

// Config is the process configuration. Every key can be set in the YAML file
// given by --config or overridden by the environment variable of the same
// name.
type Config struct {
	Debug bool
	Port  string

	StoreBackend            string
	StorageConnectionString string
	ItemsTable              string
	CommandQueue            string
	SQLitePath              string
	AsyncCommands           bool

	RedisConnectionString string
	CacheTTL              time.Duration
	DeduperTTL            time.Duration
	ActivityChannel       string

	Auth0Domain   string
	Auth0Audience string
	Auth0TestMode bool
	TestJWTSecret string
	JWKSCacheTTL  time.Duration

	WorkerPollInterval time.Duration
	WorkerMaxAttempts  int64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DEBUG", false)
	v.SetDefault("PORT", "8080")
	v.SetDefault("STORE_BACKEND", backendTables)
	v.SetDefault("ITEMS_TABLE", "items")
	v.SetDefault("COMMAND_QUEUE", "commands")
	v.SetDefault("SQLITE_PATH", "prism.db")
	v.SetDefault("ASYNC_COMMANDS", false)
	v.SetDefault("CACHE_TTL", 5*time.Minute)
	v.SetDefault("DEDUPER_TTL", 24*time.Hour)
	v.SetDefault("ACTIVITY_CHANNEL", "activity")
	v.SetDefault("JWKS_CACHE_TTL", 10*time.Minute)
	v.SetDefault("WORKER_POLL_INTERVAL", time.Second)
	v.SetDefault("WORKER_MAX_ATTEMPTS", 5)
}

// loadConfig reads defaults, the optional config file and the environment,
// then validates the result.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	// FUNCTIONS_CUSTOMHANDLER_PORT wins when running as an Azure Functions
	// custom handler.
	if err := v.BindEnv("PORT", "FUNCTIONS_CUSTOMHANDLER_PORT", "PORT"); err != nil {
		return Config{}, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := Config{
		Debug:                   v.GetBool("DEBUG"),
		Port:                    v.GetString("PORT"),
		StoreBackend:            strings.ToLower(v.GetString("STORE_BACKEND")),
		StorageConnectionString: v.GetString("STORAGE_CONNECTION_STRING"),
		ItemsTable:              v.GetString("ITEMS_TABLE"),
		CommandQueue:            v.GetString("COMMAND_QUEUE"),
		SQLitePath:              v.GetString("SQLITE_PATH"),
		AsyncCommands:           v.GetBool("ASYNC_COMMANDS"),
		RedisConnectionString:   v.GetString("REDIS_CONNECTION_STRING"),
		CacheTTL:                v.GetDuration("CACHE_TTL"),
		DeduperTTL:              v.GetDuration("DEDUPER_TTL"),
		ActivityChannel:         v.GetString("ACTIVITY_CHANNEL"),
		Auth0Domain:             v.GetString("AUTH0_DOMAIN"),
		Auth0Audience:           v.GetString("AUTH0_AUDIENCE"),
		Auth0TestMode:           v.GetBool("AUTH0_TEST_MODE"),
		TestJWTSecret:           v.GetString("TEST_JWT_SECRET"),
		JWKSCacheTTL:            v.GetDuration("JWKS_CACHE_TTL"),
		WorkerPollInterval:      v.GetDuration("WORKER_POLL_INTERVAL"),
		WorkerMaxAttempts:       v.GetInt64("WORKER_MAX_ATTEMPTS"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case backendTables:
		if c.StorageConnectionString == "" || c.ItemsTable == "" {
			return errors.New("missing storage config")
		}
	case backendSQLite:
		if c.SQLitePath == "" {
			return errors.New("missing SQLITE_PATH")
		}
	case backendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.AsyncCommands && (c.StorageConnectionString == "" || c.CommandQueue == "") {
		return errors.New("ASYNC_COMMANDS requires STORAGE_CONNECTION_STRING and COMMAND_QUEUE")
	}
	if c.DeduperTTL <= 0 {
		return fmt.Errorf("invalid DEDUPER_TTL %s", c.DeduperTTL)
	}
	if c.WorkerPollInterval <= 0 {
		return fmt.Errorf("invalid WORKER_POLL_INTERVAL %s", c.WorkerPollInterval)
	}
	return nil
}

// validateAuth is only needed by the HTTP server.
func (c Config) validateAuth() error {
	if c.Auth0TestMode {
		if c.TestJWTSecret == "" {
			return errors.New("AUTH0_TEST_MODE requires TEST_JWT_SECRET")
		}
		return nil
	}
	if c.Auth0Domain == "" || c.Auth0Audience == "" {
		return errors.New("missing Auth0 config")
	}
	return nil
}

// parseRedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
