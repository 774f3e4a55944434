package app

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"adega/backend/internal/config"
	"adega/backend/internal/kv"
	"adega/backend/internal/remote"
	"adega/backend/internal/remote/cloud"
	pgremote "adega/backend/internal/remote/postgres"
)

// Backends are the storage and remote collaborators selected by
// configuration.
type Backends struct {
	KV        kv.Store
	Remote    remote.Store
	Listener  remote.Listener
	CloudHost remote.Store

	closers []func() error
}

// CloudKeyPrefix keeps the hosted envelope outside the local key space, so a
// reset of local data leaves it alone.
func CloudKeyPrefix(cfg config.Config) string {
	return "cloud_" + cfg.KeyPrefix
}

// OpenBackends connects the configured storage and remote. A configured
// backend that cannot be reached is an error; there is no silent fallback.
func OpenBackends(ctx context.Context, cfg config.Config) (*Backends, error) {
	b := &Backends{}

	var cloudKV kv.Store
	switch cfg.Storage {
	case config.StorageRedis:
		local := kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := local.Ping(pingCtx); err != nil {
			_ = local.Close()
			return nil, errors.Wrapf(err, "redis unavailable at %s and ADEGA_STORAGE=redis; refusing to start with in-memory fallback", cfg.RedisAddr)
		}
		b.KV = local
		b.closers = append(b.closers, local.Close)

		hosted := kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, CloudKeyPrefix(cfg))
		b.closers = append(b.closers, hosted.Close)
		cloudKV = hosted
		log.Info("storage: redis")
	default:
		b.KV = kv.NewMemory(cfg.KeyPrefix)
		cloudKV = kv.NewMemory(CloudKeyPrefix(cfg))
		log.Info("storage: in-memory")
	}

	switch cfg.Remote {
	case config.RemotePostgres:
		pg, err := pgremote.New(ctx, cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, errors.Wrap(err, "postgres unavailable and ADEGA_REMOTE=postgres")
		}
		b.Remote = pg
		b.closers = append(b.closers, func() error {
			pg.Close()
			return nil
		})
		if cfg.Realtime {
			b.Listener = pg
		}
		log.WithField("realtime", cfg.Realtime).Info("remote: postgres")
	case config.RemoteHTTP:
		b.Remote = cloud.New(cfg.CloudURL, cloud.WithToken(cfg.CloudToken))
		log.WithField("url", cfg.CloudURL).Info("remote: http")
	default:
		hosted := remote.NewKVStore(cloudKV)
		b.Remote = hosted
		b.CloudHost = hosted
		log.Info("remote: local, serving the cloud envelope endpoint")
	}
	return b, nil
}

// Options returns application options wired to these backends.
func (b *Backends) Options(cfg config.Config) Options {
	return Options{
		KV:           b.KV,
		Remote:       b.Remote,
		Listener:     b.Listener,
		CloudHost:    b.CloudHost,
		SyncInterval: cfg.SyncInterval(),
		SeedOnEmpty:  cfg.Seed,
	}
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warnf("close error: %v", err)
		}
	}
	b.closers = nil
}
