package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bench-history/tracker/config"
	"github.com/bench-history/tracker/storage"
	"github.com/bench-history/tracker/telemetry"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore builds the configured backend and the history store on top of it.
// With metrics set, every store call is timed. The closer releases the backend's
// connections.
func openStore(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, log logrus.FieldLogger) (storage.HistoryStore, io.Closer, error) {
	sc := cfg.Storage
	name := sc.DocumentName()

	var (
		backend storage.Backend
		closer  io.Closer = nopCloser{}
	)
	switch sc.Backend {
	case config.BackendFile:
		if sc.File.Name != "" {
			name = sc.File.Name
		}
		backend = storage.NewFileBackend(afero.NewOsFs(), sc.File.Root, name, log)
	case config.BackendRedis:
		client := redis.NewUniversalClient(sc.Redis.UniversalOptions())
		backend = storage.NewRedisBackend(client, sc.Redis.KeyPrefix, log)
		closer = client
	case config.BackendS3:
		if sc.S3.Name != "" {
			name = sc.S3.Name
		}
		backend = storage.NewS3Backend(storage.NewS3Client(sc.S3.S3Options()), sc.S3.Bucket, sc.S3.Prefix, name, log)
	case config.BackendPostgres, config.BackendSQLite:
		sqlBackend, err := storage.OpenSQLBackend(ctx, sc.SQLOptions(), log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s backend: %w", sc.Backend, err)
		}
		backend = sqlBackend
		closer = sqlBackend
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}

	var store storage.HistoryStore = storage.NewDocumentStore(backend, cfg.StoreOptions(), log)
	if metrics != nil {
		store = metrics.InstrumentStore(store, backend.Name())
	}
	log.WithFields(logrus.Fields{
		"backend": backend.Name(),
		"format":  sc.Format,
	}).Debug("Opened history store")
	return store, closer, nil
}
