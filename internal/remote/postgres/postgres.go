// Package postgres stores the shared envelope in a single Postgres row and
// uses LISTEN/NOTIFY as the realtime change channel.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"adega/backend/internal/domain"
)

const (
	rowID   = 1
	channel = "adega_sync"
)

var log = logrus.WithField("component", "remote.postgres")

const schema = `
	CREATE TABLE IF NOT EXISTS adega_sync (
		id            integer PRIMARY KEY,
		envelope      jsonb NOT NULL,
		last_modified bigint NOT NULL,
		device_id     text NOT NULL,
		updated_at    timestamptz NOT NULL DEFAULT now()
	)
`

type Store struct {
	pool           *pgxpool.Pool
	reconnectDelay time.Duration
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	cfg.MaxConns = 8
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create sync table")
	}

	return &Store{pool: pool, reconnectDelay: 2 * time.Second}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Fetch(ctx context.Context) (*domain.SyncEnvelope, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT envelope::text FROM adega_sync WHERE id = $1`, rowID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select envelope")
	}

	var env domain.SyncEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &env, nil
}

// Push upserts the envelope and notifies listeners in the same transaction.
func (s *Store) Push(ctx context.Context, env domain.SyncEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	note, err := json.Marshal(notice{LastModified: env.LastModified, DeviceID: env.DeviceID})
	if err != nil {
		return errors.Wrap(err, "encode notice")
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO adega_sync (id, envelope, last_modified, device_id, updated_at)
			VALUES ($1, CAST($2::text AS jsonb), $3, $4, now())
			ON CONFLICT (id)
			DO UPDATE SET envelope = EXCLUDED.envelope,
			              last_modified = EXCLUDED.last_modified,
			              device_id = EXCLUDED.device_id,
			              updated_at = now()
		`, rowID, string(raw), env.LastModified, env.DeviceID); err != nil {
			return errors.Wrap(err, "upsert envelope")
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(note)); err != nil {
			return errors.Wrap(err, "notify")
		}
		return nil
	})
	return err
}

// notice is the NOTIFY payload. Envelopes can exceed the payload size limit,
// so listeners fetch the row after being told it changed.
type notice struct {
	LastModified int64  `json:"lastModified"`
	DeviceID     string `json:"deviceId"`
}

// Listen waits for notifications and hands the fetched envelope to fn. A lost
// connection is re-established after a short delay until ctx is done.
func (s *Store) Listen(ctx context.Context, fn func(domain.SyncEnvelope)) error {
	for {
		err := s.listenOnce(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("realtime channel dropped, reconnecting in %s: %v", s.reconnectDelay, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, fn func(domain.SyncEnvelope)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire listen connection")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return errors.Wrap(err, "listen")
	}
	log.Info("realtime channel listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "wait for notification")
		}

		var note notice
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			log.Warnf("ignoring malformed notification %q: %v", n.Payload, err)
			continue
		}
		env, err := s.Fetch(ctx)
		if err != nil {
			log.Warnf("fetch after notification failed: %v", err)
			continue
		}
		if env != nil {
			fn(*env)
		}
	}
}
