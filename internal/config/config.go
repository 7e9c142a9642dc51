// Package config loads the process configuration from the environment and
// optional .env files.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kination/dagrun/internal/store"
	"github.com/kination/dagrun/internal/store/memory"
	"github.com/kination/dagrun/internal/store/redis"
)

// Environment variables read by FromEnv.
const (
	EnvNamespace   = "DAGRUN_NAMESPACE"
	EnvConnections = "DAGRUN_CONNECTIONS"
	EnvStore       = "DAGRUN_STORE"
	EnvRedisURL    = "REDIS_URL"
	EnvHistoryTTL  = "DAGRUN_HISTORY_TTL"
	EnvLogLevel    = "DAGRUN_LOG_LEVEL"
	EnvLogDev      = "DAGRUN_LOG_DEV"
	EnvMaxParallel = "DAGRUN_MAX_PARALLEL_TASKS"
	// EnvParamPrefix marks run parameters: DAGRUN_PARAM_REGION=us-west-2
	// becomes the param "region".
	EnvParamPrefix = "DAGRUN_PARAM_"
)

// Config holds the settings shared by every command.
type Config struct {
	// Namespace is where pod tasks are created
	Namespace string
	// ConnectionsFile is an optional YAML file of connections
	ConnectionsFile string
	Store           store.StoreConfig
	LogLevel        string
	LogDev          bool
	// MaxParallelTasks overrides the pipeline setting when positive
	MaxParallelTasks int
	// Params are handed to every task of a run
	Params map[string]string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Namespace: "default",
		Store:     store.DefaultStoreConfig(),
		LogLevel:  "info",
		LogDev:    true,
		Params:    map[string]string{},
	}
}

// Load reads envFiles into the process environment, then builds the
// configuration from it. Without files, a .env in the working directory is
// used when present. Variables already set win over file values.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	}
	return FromEnv(os.Environ())
}

// FromEnv builds the configuration from KEY=VALUE pairs.
func FromEnv(environ []string) (Config, error) {
	cfg := DefaultConfig()
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
		if name, found := strings.CutPrefix(k, EnvParamPrefix); found && name != "" {
			cfg.Params[strings.ToLower(name)] = v
		}
	}

	if v := env[EnvNamespace]; v != "" {
		cfg.Namespace = v
	}
	cfg.ConnectionsFile = env[EnvConnections]
	if v := env[EnvLogLevel]; v != "" {
		cfg.LogLevel = v
	}
	if v := env[EnvLogDev]; v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvLogDev, err)
		}
		cfg.LogDev = dev
	}
	if v := env[EnvMaxParallel]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("%s: invalid value %q", EnvMaxParallel, v)
		}
		cfg.MaxParallelTasks = n
	}

	cfg.Store.URL = env[EnvRedisURL]
	switch v := store.StoreType(env[EnvStore]); v {
	case "":
		if cfg.Store.URL != "" {
			cfg.Store.Type = store.StoreTypeRedis
		}
	case store.StoreTypeMemory, store.StoreTypeRedis:
		cfg.Store.Type = v
	default:
		return Config{}, fmt.Errorf("%s: unknown store %q", EnvStore, v)
	}
	if cfg.Store.Type == store.StoreTypeRedis && cfg.Store.URL == "" {
		return Config{}, fmt.Errorf("%s=redis needs %s", EnvStore, EnvRedisURL)
	}
	if v := env[EnvHistoryTTL]; v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvHistoryTTL, err)
		}
		cfg.Store.TTL = ttl
	}
	return cfg, nil
}

// OpenStore connects the configured run history backend.
func (c Config) OpenStore(ctx context.Context) (store.RunStore, error) {
	switch c.Store.Type {
	case store.StoreTypeRedis:
		if c.Store.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Store.Timeout)
			defer cancel()
		}
		st, err := redis.NewFromURL(ctx, c.Store.URL, redis.WithTTL(c.Store.TTL))
		if err != nil {
			return nil, err
		}
		return st, nil
	case store.StoreTypeMemory, "":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store type %q", c.Store.Type)
}
