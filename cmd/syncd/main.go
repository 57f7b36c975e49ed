// syncd keeps the local query-map store synchronized with chain state: it
// wires the config, local store, connection pool, RPC client and sync
// scheduler together and runs until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/chainsync/internal/breaker"
	"github.com/tensorplex-labs/chainsync/internal/client"
	"github.com/tensorplex-labs/chainsync/internal/config"
	"github.com/tensorplex-labs/chainsync/internal/pool"
	"github.com/tensorplex-labs/chainsync/internal/querymap"
	"github.com/tensorplex-labs/chainsync/internal/reconcile"
	"github.com/tensorplex-labs/chainsync/internal/store"
	"github.com/tensorplex-labs/chainsync/internal/store/boltstore"
	"github.com/tensorplex-labs/chainsync/internal/store/redisstore"
	"github.com/tensorplex-labs/chainsync/internal/substrate"
	"github.com/tensorplex-labs/chainsync/internal/syncer"
	"github.com/tensorplex-labs/chainsync/internal/utils/logger"
)

func main() {
	logger.Init()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st := openStore(cfg)
	defer st.Close()

	dial := func(ctx context.Context, url string) (pool.Conn, error) {
		return substrate.Dial(ctx, url, substrate.DialConfig{
			RequestTimeout: cfg.RequestTimeout,
		})
	}

	p, err := pool.New(cfg.NodeURLs, dial, pool.Config{
		MaxPerEndpoint: cfg.MaxPerEndpoint,
		AcquireTimeout: cfg.AcquireTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		ReapInterval:   cfg.ReapInterval,
		Breaker: breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			Cooldown:         cfg.Cooldown,
			CooldownMax:      cfg.CooldownMax,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create connection pool")
	}
	defer p.Close()

	rpc := client.New(p, client.Config{
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	})

	sched := syncer.New(querymap.NewFetcher(rpc), reconcile.New(st), syncer.Config{
		Workers:        cfg.Workers,
		FailureBackoff: cfg.FailureBackoff,
	})
	for _, name := range cfg.QueryMaps {
		desc, err := querymap.ParseDescriptor(name, cfg.PageSize, cfg.SyncInterval)
		if err != nil {
			log.Fatal().Err(err).Str("map", name).Msg("invalid query map")
		}
		if state, err := st.ReadDescriptorState(context.Background(), desc.ID()); err == nil && state.Height > 0 {
			desc.MarkSynced(state.Height, state.SyncedAt)
			log.Info().Str("map", desc.ID()).Uint64("height", state.Height).Msg("resuming from stored watermark")
		}
		sched.Register(desc)
	}
	sched.Start()

	log.Info().Strs("nodes", cfg.NodeURLs).Strs("maps", cfg.QueryMaps).Msg("syncd running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown incomplete")
	}
}

func openStore(cfg *config.AppConfig) store.Store {
	switch cfg.Backend {
	case "redis":
		st, err := redisstore.New(redisstore.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open redis store")
		}
		return st
	case "bolt", "":
		st, err := boltstore.Open(cfg.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open bolt store")
		}
		return st
	default:
		log.Fatal().Str("backend", cfg.Backend).Msg("unknown store backend")
		return nil
	}
}
