// Package sqlstore keeps change logs and snapshots in a SQL database through sqlx. SQLite and PostgreSQL are supported;
// many namespaces can share the same tables.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"iter"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-replicas/pkg/change"
	"github.com/astromechza/automerge-replicas/pkg/storage"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS lf_changes (
		pos INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace TEXT NOT NULL,
		document_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		seq INTEGER NOT NULL,
		deps TEXT NOT NULL,
		payload BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS lf_changes_doc ON lf_changes (namespace, document_id)`,
	`CREATE TABLE IF NOT EXISTS lf_snapshots (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		state BLOB,
		covered TEXT NOT NULL,
		PRIMARY KEY (namespace, id)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS lf_changes (
		pos BIGSERIAL PRIMARY KEY,
		namespace TEXT NOT NULL,
		document_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		seq BIGINT NOT NULL,
		deps TEXT NOT NULL,
		payload BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS lf_changes_doc ON lf_changes (namespace, document_id)`,
	`CREATE TABLE IF NOT EXISTS lf_snapshots (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		state BYTEA,
		covered TEXT NOT NULL,
		PRIMARY KEY (namespace, id)
	)`,
}

type changeRow struct {
	DocumentID string `db:"document_id"`
	Actor      string `db:"actor"`
	Seq        int64  `db:"seq"`
	Deps       string `db:"deps"`
	Payload    []byte `db:"payload"`
}

func (r *changeRow) record() (*change.Record, error) {
	out := &change.Record{DocumentID: r.DocumentID, Actor: r.Actor, Seq: uint64(r.Seq), Payload: r.Payload}
	if err := json.Unmarshal([]byte(r.Deps), &out.Deps); err != nil {
		return nil, errors.Wrapf(err, "failed to decode dependencies of %s", out.ID())
	}
	return out, nil
}

type snapshotRow struct {
	ID         string `db:"id"`
	DocumentID string `db:"document_id"`
	State      []byte `db:"state"`
	Covered    string `db:"covered"`
}

func (r *snapshotRow) snapshot() (*change.Snapshot, error) {
	out := &change.Snapshot{ID: r.ID, DocumentID: r.DocumentID, State: r.State}
	if err := json.Unmarshal([]byte(r.Covered), &out.Covered); err != nil {
		return nil, errors.Wrapf(err, "failed to decode frontier of snapshot %s", r.ID)
	}
	return out, nil
}

type Store struct {
	db        *sqlx.DB
	namespace string
	ownsDB    bool
	logger    *slog.Logger
}

var _ storage.Adapter = (*Store)(nil)

// New wraps an existing connection pool. The caller keeps ownership of db.
func New(db *sqlx.DB, namespace string) *Store {
	return &Store{db: db, namespace: namespace, logger: slog.Default().With("component", "sqlstore", "ns", namespace)}
}

// Connect opens a pool for driver ("sqlite3" or "postgres") and dsn. The pool is closed with the store.
func Connect(ctx context.Context, driver, dsn, namespace string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, storage.IOError(err, "failed to connect to %s", driver)
	}
	if driver == "sqlite3" {
		// each connection to :memory: is its own database
		db.SetMaxOpenConns(1)
	}
	s := New(db, namespace)
	s.ownsDB = true
	return s, nil
}

func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) Open(ctx context.Context) error {
	schema := sqliteSchema
	if s.db.DriverName() == "postgres" {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.IOError(err, "failed to ensure schema")
		}
	}
	s.logger.Info("Ensured initial tables exist")
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return storage.IOError(err, "failed to close database")
	}
	return nil
}

func (s *Store) HasData(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM lf_changes WHERE namespace = ?`), s.namespace); err != nil {
		return false, storage.IOError(err, "failed to count changes")
	}
	if n > 0 {
		return true, nil
	}
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM lf_snapshots WHERE namespace = ?`), s.namespace); err != nil {
		return false, storage.IOError(err, "failed to count snapshots")
	}
	return n > 0, nil
}

func (s *Store) AppendChanges(ctx context.Context, recs ...*change.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storage.IOError(err, "failed to begin")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback", "err", err)
		}
	}()
	q := s.db.Rebind(`INSERT INTO lf_changes (namespace, document_id, actor, seq, deps, payload) VALUES (?, ?, ?, ?, ?, ?)`)
	for _, r := range recs {
		deps, err := json.Marshal(r.Deps)
		if err != nil {
			return errors.Wrapf(err, "failed to encode dependencies of %s", r.ID())
		}
		if _, err := tx.ExecContext(ctx, q, s.namespace, r.DocumentID, r.Actor, int64(r.Seq), string(deps), r.Payload); err != nil {
			return storage.IOError(err, "failed to append %s", r.ID())
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.IOError(err, "failed to commit")
	}
	return nil
}

func (s *Store) queryChanges(ctx context.Context, q string, args ...any) iter.Seq2[*change.Record, error] {
	return func(yield func(*change.Record, error) bool) {
		rows, err := s.db.QueryxContext(ctx, s.db.Rebind(q), args...)
		if err != nil {
			yield(nil, storage.IOError(err, "failed to query changes"))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var row changeRow
			if err := rows.StructScan(&row); err != nil {
				yield(nil, storage.IOError(err, "failed to scan change"))
				return
			}
			rec, err := row.record()
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, storage.IOError(err, "failed to read changes"))
		}
	}
}

func (s *Store) Changes(ctx context.Context) iter.Seq2[*change.Record, error] {
	return s.queryChanges(ctx, `SELECT document_id, actor, seq, deps, payload FROM lf_changes WHERE namespace = ? ORDER BY pos`, s.namespace)
}

func (s *Store) GetChanges(ctx context.Context, documentID string) ([]*change.Record, error) {
	return storage.Collect(s.queryChanges(ctx,
		`SELECT document_id, actor, seq, deps, payload FROM lf_changes WHERE namespace = ? AND document_id = ? ORDER BY pos`,
		s.namespace, documentID,
	))
}

func (s *Store) DeleteChanges(ctx context.Context, documentID string, upTo change.Frontier) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storage.IOError(err, "failed to begin")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback", "err", err)
		}
	}()
	q := s.db.Rebind(`DELETE FROM lf_changes WHERE namespace = ? AND document_id = ? AND actor = ? AND seq <= ?`)
	for _, actor := range upTo.Actors() {
		if _, err := tx.ExecContext(ctx, q, s.namespace, documentID, actor, int64(upTo[actor])); err != nil {
			return storage.IOError(err, "failed to delete changes of %s", documentID)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.IOError(err, "failed to commit")
	}
	return nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap *change.Snapshot) error {
	covered, err := json.Marshal(snap.Covered)
	if err != nil {
		return errors.Wrapf(err, "failed to encode frontier of snapshot %s", snap.ID)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO lf_snapshots (namespace, id, document_id, state, covered) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET document_id = excluded.document_id, state = excluded.state, covered = excluded.covered`,
	), s.namespace, snap.ID, snap.DocumentID, snap.State, string(covered)); err != nil {
		return storage.IOError(err, "failed to put snapshot %s", snap.ID)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, documentID string) (*change.Snapshot, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT id, document_id, state, covered FROM lf_snapshots WHERE namespace = ? AND document_id = ?`,
	), s.namespace, documentID); err != nil {
		return nil, storage.IOError(err, "failed to get snapshot of %s", documentID)
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(storage.ErrNotFound, "snapshot of %s", documentID)
	}
	return rows[0].snapshot()
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM lf_snapshots WHERE namespace = ? AND id = ?`), s.namespace, id); err != nil {
		return storage.IOError(err, "failed to delete snapshot %s", id)
	}
	return nil
}

func (s *Store) Snapshots(ctx context.Context) iter.Seq2[*change.Snapshot, error] {
	return func(yield func(*change.Snapshot, error) bool) {
		rows, err := s.db.QueryxContext(ctx, s.db.Rebind(
			`SELECT id, document_id, state, covered FROM lf_snapshots WHERE namespace = ? ORDER BY id`,
		), s.namespace)
		if err != nil {
			yield(nil, storage.IOError(err, "failed to query snapshots"))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var row snapshotRow
			if err := rows.StructScan(&row); err != nil {
				yield(nil, storage.IOError(err, "failed to scan snapshot"))
				return
			}
			snap, err := row.snapshot()
			if !yield(snap, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, storage.IOError(err, "failed to read snapshots"))
		}
	}
}
