/*
 * Bookd
 * Copyright (C) 2025  Bookd Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package lite implements the backend contract on SQLite. It is the
// default durable store for single-node deployments.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/bookd/bookd/lib/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key      BLOB PRIMARY KEY,
    value    BLOB NOT NULL,
    expires  INTEGER,
    revision INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_expires ON kv (expires);
`

// Config holds sqlite backend options.
type Config struct {
	// Path is the database file; ":memory:" gives a throwaway store.
	Path string
	// Clock controls expiry.
	Clock clockwork.Clock
	// BusyTimeout bounds lock waits inside sqlite.
	BusyTimeout time.Duration
}

func (c *Config) checkAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing sqlite path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 10 * time.Second
	}
	return nil
}

// Lite is a sqlite-backed backend.
type Lite struct {
	cfg Config
	db  *sql.DB
}

// New opens (and if needed creates) the database at cfg.Path.
func New(cfg Config) (*Lite, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout="+cfg.BusyTimeout.String()+"&_journal_mode=WAL")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &Lite{cfg: cfg, db: db}, nil
}

// Clock returns the backend clock.
func (l *Lite) Clock() clockwork.Clock { return l.cfg.Clock }

// Close closes the database.
func (l *Lite) Close() error { return l.db.Close() }

func (l *Lite) now() int64 { return l.cfg.Clock.Now().UnixNano() }

func expiresOf(i backend.Item) any {
	if i.Expires.IsZero() {
		return nil
	}
	return i.Expires.UnixNano()
}

// Create implements backend.Backend.
func (l *Lite) Create(ctx context.Context, i backend.Item) (*backend.Item, error) {
	rev := l.now()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires, revision) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires=excluded.expires, revision=excluded.revision
		 WHERE kv.expires IS NOT NULL AND kv.expires <= ?`,
		i.Key, i.Value, expiresOf(i), rev, l.now())
	if err != nil {
		return nil, convertError(err)
	}
	// the conditional upsert reports success even when it overwrote an
	// expired row, but a conflict with a live row changes nothing
	var got int64
	if err := l.db.QueryRowContext(ctx, `SELECT revision FROM kv WHERE key = ?`, i.Key).Scan(&got); err != nil {
		return nil, convertError(err)
	}
	if got != rev {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	i.Revision = rev
	return &i, nil
}

// Put implements backend.Backend.
func (l *Lite) Put(ctx context.Context, i backend.Item) (*backend.Item, error) {
	rev := l.now()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires, revision) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires=excluded.expires, revision=excluded.revision`,
		i.Key, i.Value, expiresOf(i), rev)
	if err != nil {
		return nil, convertError(err)
	}
	i.Revision = rev
	return &i, nil
}

// Update implements backend.Backend.
func (l *Lite) Update(ctx context.Context, i backend.Item) (*backend.Item, error) {
	rev := l.now()
	res, err := l.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, expires = ?, revision = ?
		 WHERE key = ? AND (expires IS NULL OR expires > ?)`,
		i.Value, expiresOf(i), rev, i.Key, l.now())
	if err != nil {
		return nil, convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, convertError(err)
	}
	if n == 0 {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	i.Revision = rev
	return &i, nil
}

// CompareAndSwap implements backend.Backend.
func (l *Lite) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) (*backend.Item, error) {
	rev := l.now()
	res, err := l.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, expires = ?, revision = ?
		 WHERE key = ? AND revision = ?`,
		replaceWith.Value, expiresOf(replaceWith), rev, expected.Key, expected.Revision)
	if err != nil {
		return nil, convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, convertError(err)
	}
	if n == 0 {
		return nil, trace.CompareFailed("current revision of %q does not match", string(expected.Key))
	}
	replaceWith.Revision = rev
	return &replaceWith, nil
}

// Get implements backend.Backend.
func (l *Lite) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT value, expires, revision FROM kv WHERE key = ? AND (expires IS NULL OR expires > ?)`,
		key, l.now())
	i := backend.Item{Key: key}
	var expires sql.NullInt64
	if err := row.Scan(&i.Value, &expires, &i.Revision); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("key %q is not found", string(key))
		}
		return nil, convertError(err)
	}
	if expires.Valid {
		i.Expires = time.Unix(0, expires.Int64).UTC()
	}
	return &i, nil
}

// GetRange implements backend.Backend.
func (l *Lite) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 || len(endKey) == 0 {
		return nil, trace.BadParameter("missing range bounds")
	}
	q := `SELECT key, value, expires, revision FROM kv
	      WHERE key >= ? AND key < ? AND (expires IS NULL OR expires > ?) ORDER BY key`
	args := []any{startKey, endKey, l.now()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit+1)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var res backend.GetResult
	for rows.Next() {
		var i backend.Item
		var expires sql.NullInt64
		if err := rows.Scan(&i.Key, &i.Value, &expires, &i.Revision); err != nil {
			return nil, convertError(err)
		}
		if expires.Valid {
			i.Expires = time.Unix(0, expires.Int64).UTC()
		}
		res.Items = append(res.Items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, convertError(err)
	}
	if limit > 0 && len(res.Items) > limit {
		res.Items = res.Items[:limit]
		res.More = true
	}
	return &res, nil
}

// Delete implements backend.Backend.
func (l *Lite) Delete(ctx context.Context, key []byte) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return convertError(err)
	}
	if n == 0 {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange implements backend.Backend.
func (l *Lite) DeleteRange(ctx context.Context, startKey, endKey []byte) (int, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM kv WHERE key >= ? AND key < ?`, startKey, endKey)
	if err != nil {
		return 0, convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, convertError(err)
	}
	return int(n), nil
}

func convertError(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrConstraint:
			return trace.AlreadyExists("%s", serr.Error())
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return trace.ConnectionProblem(err, "database is locked")
		}
	}
	return trace.Wrap(err)
}
