package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"rampledger/internal/accounts"
	"rampledger/internal/config"
	"rampledger/internal/events"
	"rampledger/internal/idempotency"
	"rampledger/internal/keyregistry"
	"rampledger/internal/ledger"
	"rampledger/internal/logging"
	"rampledger/internal/nullifier"
	"rampledger/internal/proof"
	"rampledger/internal/server"
	"rampledger/internal/settlement"
)

func main() {
	boot := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		boot.WithError(err).Fatal("config error")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx := context.Background()
	checks := make(map[string]server.HealthCheck)
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var redisClient *redis.Client
	redisOnce := func() *redis.Client {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.RedisAddr,
				Password: cfg.Storage.RedisPassword,
				DB:       cfg.Storage.RedisDB,
			})
			cleanup = append(cleanup, func() { _ = redisClient.Close() })
		}
		return redisClient
	}

	nulls, err := openNullifiers(ctx, cfg, redisOnce, checks, &cleanup)
	if err != nil {
		log.WithError(err).Fatal("nullifier store error")
	}

	keyStore, err := openKeyStore(ctx, cfg, &cleanup)
	if err != nil {
		log.WithError(err).Fatal("key store error")
	}
	keys := keyregistry.New(keyStore, cfg.Authority, log)
	processors := make([]proof.Processor, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		for _, h := range p.NotaryKeyHashes {
			if err := keys.AddKeyHash(ctx, cfg.Authority, string(p.Layout.Kind), h); err != nil {
				log.WithError(err).WithField("provider", p.Layout.Kind).Fatal("seed notary key")
			}
		}
		processors = append(processors, proof.NewAttestation(p.Layout, keys))
	}
	router := proof.NewRouter(processors...)

	publishers := events.Multi{events.LogPublisher{Log: log}}
	if cfg.Storage.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.Storage.NATSURL, cfg.Storage.NATSSubject, log)
		if err != nil {
			log.WithError(err).Fatal("nats connect error")
		}
		publishers = append(publishers, nc)
		checks["nats"] = nc.Ping
		cleanup = append(cleanup, nc.Close)
	}

	l, err := ledger.New(ledger.Config{
		Params:    cfg.Params,
		Authority: cfg.Authority,
		Escrow:    cfg.Escrow,
	}, ledger.Deps{
		Accounts:   accounts.NewDirectory(router, nil, log),
		Verifier:   router,
		Nullifiers: nulls,
		Bank:       settlement.NewMemoryBank(),
		Publisher:  publishers,
		Log:        log,
	})
	if err != nil {
		log.WithError(err).Fatal("ledger error")
	}

	store, err := openIdempotency(ctx, cfg, redisOnce, checks, &cleanup)
	if err != nil {
		log.WithError(err).Fatal("idempotency store error")
	}

	apiServer := server.NewServer(server.Options{
		Config: cfg,
		Ledger: l,
		Keys:   keys,
		Store:  store,
		Log:    log,
		Checks: checks,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			log.WithError(err).Info("server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"authority": cfg.Authority.Hex(),
		"providers": router.Kinds(),
	}).Info("ledger ready")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}

func openNullifiers(ctx context.Context, cfg *config.AppConfig, rdb func() *redis.Client,
	checks map[string]server.HealthCheck, cleanup *[]func()) (nullifier.Store, error) {
	switch cfg.Storage.NullifierBackend {
	case "memory":
		return nullifier.NewMemoryStore(), nil
	case "file":
		return nullifier.NewFileStore(cfg.Storage.NullifierPath)
	case "postgres":
		pg, err := nullifier.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		checks["postgres"] = pg.Ping
		*cleanup = append(*cleanup, pg.Close)
		return pg, nil
	case "redis":
		rs := nullifier.NewRedisStore(rdb())
		checks["redis"] = rs.Ping
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown nullifier backend %q", cfg.Storage.NullifierBackend)
	}
}

func openKeyStore(ctx context.Context, cfg *config.AppConfig, cleanup *[]func()) (keyregistry.Store, error) {
	switch cfg.Storage.KeyBackend {
	case "memory":
		return keyregistry.NewMemoryStore(), nil
	case "postgres":
		pg, err := keyregistry.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, pg.Close)
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown key backend %q", cfg.Storage.KeyBackend)
	}
}

func openIdempotency(ctx context.Context, cfg *config.AppConfig, rdb func() *redis.Client,
	checks map[string]server.HealthCheck, cleanup *[]func()) (idempotency.Store, error) {
	switch cfg.Service.IdempotencyBackend {
	case "memory":
		return idempotency.NewMemoryStore(), nil
	case "file":
		return idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	case "postgres":
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		checks["postgres_idempotency"] = pg.Ping
		*cleanup = append(*cleanup, pg.Close)
		return pg, nil
	case "redis":
		rs := idempotency.NewRedisStore(rdb())
		checks["redis"] = rs.Ping
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Service.IdempotencyBackend)
	}
}
