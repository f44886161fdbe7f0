// Package postgres implements the durable key-value store on PostgreSQL,
// with change notification over LISTEN/NOTIFY so contexts in different
// processes still observe each other's writes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/storage"
)

const notifyChannel = "storekit_kv_events"

const (
	putSQL = `
INSERT INTO kv_records (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`
	getSQL    = `SELECT value FROM kv_records WHERE key = $1;`
	deleteSQL = `DELETE FROM kv_records WHERE key = $1;`
	keysSQL   = `SELECT key FROM kv_records WHERE key LIKE $1 || '%' ORDER BY key;`
	notifySQL = `SELECT pg_notify($1, $2);`
)

// notification is the NOTIFY payload. Values travel out of band: payloads
// are capped at 8k by Postgres, so watchers re-read the row instead.
type notification struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

// Store is a PostgreSQL-backed storage.Store. It enforces no byte quota;
// capacity pressure is the database operator's concern, not the client's.
type Store struct {
	pool *pgxpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects to dsn, applies migrations, and returns a ready store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, errs.New("storage/postgres", errs.CodeUnavailable, errs.WithMessage("migrate"), errs.WithCause(err))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New("storage/postgres", errs.CodeUnavailable, errs.WithMessage("create pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("storage/postgres", errs.CodeUnavailable, errs.WithMessage("ping"), errs.WithCause(err))
	}
	storeCtx, cancel := context.WithCancel(context.Background())
	return &Store{pool: pool, ctx: storeCtx, cancel: cancel}, nil
}

// Get returns the stored value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	var value []byte
	err := s.pool.QueryRow(ctx, getSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New("storage/get", errs.CodeNotFound, errs.WithMessage("key not found"), errs.WithDetail("key", key))
	}
	if err != nil {
		return nil, errs.New("storage/get", errs.CodeUnavailable, errs.WithMessage("query"), errs.WithCause(err))
	}
	return value, nil
}

// Put upserts value under key and notifies watchers.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, putSQL, key, value); err != nil {
		return errs.New("storage/put", errs.CodeUnavailable, errs.WithMessage("upsert"), errs.WithCause(err))
	}
	s.announce(ctx, notification{Key: key, Deleted: false})
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, deleteSQL, key)
	if err != nil {
		return errs.New("storage/delete", errs.CodeUnavailable, errs.WithMessage("delete"), errs.WithCause(err))
	}
	if tag.RowsAffected() > 0 {
		s.announce(ctx, notification{Key: key, Deleted: true})
	}
	return nil
}

// Keys lists stored keys under prefix in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, keysSQL, prefix)
	if err != nil {
		return nil, errs.New("storage/keys", errs.CodeUnavailable, errs.WithMessage("query"), errs.WithCause(err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errs.New("storage/keys", errs.CodeUnavailable, errs.WithMessage("scan"), errs.WithCause(err))
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("storage/keys", errs.CodeUnavailable, errs.WithMessage("rows"), errs.WithCause(err))
	}
	return keys, nil
}

// Watch streams changes under prefix. Each watcher holds a dedicated
// connection in LISTEN mode; values are re-read on notification so large
// records never hit the NOTIFY payload cap.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan storage.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errs.New("storage/watch", errs.CodeUnavailable, errs.WithMessage("acquire listener"), errs.WithCause(err))
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", notifyChannel)); err != nil {
		conn.Release()
		return nil, errs.New("storage/watch", errs.CodeUnavailable, errs.WithMessage("listen"), errs.WithCause(err))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	events := make(chan storage.Event, 64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(events)
		defer conn.Release()
		defer cancel()

		for {
			msg, err := conn.Conn().WaitForNotification(watchCtx)
			if err != nil {
				if watchCtx.Err() == nil && s.ctx.Err() == nil {
					observability.Log().Warn("storage listener ended", observability.F("error", err))
				}
				return
			}
			var note notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				observability.Log().Debug("ignoring malformed notification", observability.F("error", err))
				continue
			}
			if len(note.Key) < len(prefix) || note.Key[:len(prefix)] != prefix {
				continue
			}
			event := storage.Event{Key: note.Key, Deleted: note.Deleted}
			if !note.Deleted {
				value, err := s.Get(watchCtx, note.Key)
				if err != nil {
					// deleted between notify and read; surface as deletion
					if !errs.HasCode(err, errs.CodeNotFound) {
						observability.Log().Warn("re-reading notified key failed",
							observability.F("key", note.Key), observability.F("error", err))
						continue
					}
					event.Deleted = true
				}
				event.Value = value
			}
			select {
			case events <- event:
			case <-watchCtx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	// tie watcher lifetime to store shutdown
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-watchCtx.Done():
		}
	}()
	return events, nil
}

// Close stops all watchers and releases the pool.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
}

func (s *Store) announce(ctx context.Context, note notification) {
	payload, err := json.Marshal(note)
	if err != nil {
		observability.Log().Warn("encoding change notification failed", observability.F("error", err))
		return
	}
	if _, err := s.pool.Exec(ctx, notifySQL, notifyChannel, string(payload)); err != nil {
		// watchers reconcile through last-write-wins on the next event
		observability.Log().Warn("change notification failed",
			observability.F("key", note.Key), observability.F("error", err))
	}
}
