// Package config defines environment configuration structs and loaders.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type AppConfig struct {
	NodeEnvConfig
	PoolEnvConfig
	ClientEnvConfig
	SyncEnvConfig
	StoreEnvConfig
}

func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NodeEnvConfig holds the chain node targets.
type NodeEnvConfig struct {
	NodeURLs       []string      `env:"CHAIN_NODE_URLS" envSeparator:"," envDefault:"http://127.0.0.1:9933"`
	RequestTimeout time.Duration `env:"CHAIN_REQUEST_TIMEOUT" envDefault:"15s"`
}

// PoolEnvConfig configures the connection pool.
type PoolEnvConfig struct {
	MaxPerEndpoint int           `env:"POOL_MAX_PER_ENDPOINT" envDefault:"5"`
	AcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"10s"`
	IdleTimeout    time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"300s"`
	ReapInterval   time.Duration `env:"POOL_REAP_INTERVAL" envDefault:"30s"`
}

// ClientEnvConfig configures the RPC retry policy and the per-endpoint
// circuit breakers.
type ClientEnvConfig struct {
	MaxRetries       int           `env:"RPC_MAX_RETRIES" envDefault:"3"`
	BackoffBase      time.Duration `env:"RPC_BACKOFF_BASE" envDefault:"250ms"`
	BackoffCap       time.Duration `env:"RPC_BACKOFF_CAP" envDefault:"5s"`
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"3"`
	Cooldown         time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
	CooldownMax      time.Duration `env:"BREAKER_COOLDOWN_MAX" envDefault:"5m"`
}

// SyncEnvConfig configures the query-map sync scheduler.
type SyncEnvConfig struct {
	QueryMaps      []string      `env:"SYNC_QUERY_MAPS" envSeparator:"," envDefault:"System.Account"`
	Workers        int           `env:"SYNC_WORKERS" envDefault:"4"`
	PageSize       uint32        `env:"SYNC_PAGE_SIZE" envDefault:"1000"`
	SyncInterval   time.Duration `env:"SYNC_INTERVAL" envDefault:"3600s"`
	FailureBackoff time.Duration `env:"SYNC_FAILURE_BACKOFF" envDefault:"60s"`
}

// StoreEnvConfig configures the local store backend.
type StoreEnvConfig struct {
	Backend string `env:"STORE_BACKEND" envDefault:"bolt"`
	Path    string `env:"STORE_PATH" envDefault:"chainsync.db"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisUsername string `env:"REDIS_USERNAME"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}
