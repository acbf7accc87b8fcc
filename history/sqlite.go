// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/schema/build"
	"github.com/kiln-build/kiln/lib/sqlitepool"
)

// sqliteSchema creates the three history tables. Executed once per
// pooled connection; every statement is idempotent.
const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS events (
		build_id      TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		kind          TEXT NOT NULL,
		project       TEXT NOT NULL,
		hub_time      INTEGER NOT NULL,
		sender_time   INTEGER,
		post_terminal INTEGER NOT NULL DEFAULT 0,
		data          BLOB,
		PRIMARY KEY (build_id, seq)
	) WITHOUT ROWID;
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project, hub_time);

	CREATE TABLE IF NOT EXISTS snapshots (
		build_id   TEXT PRIMARY KEY,
		project    TEXT NOT NULL,
		ended_at   INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		data       BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_project ON snapshots(project, updated_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_ended ON snapshots(ended_at);

	CREATE TABLE IF NOT EXISTS bundles (
		build_id   TEXT PRIMARY KEY,
		project    TEXT NOT NULL,
		from_seq   INTEGER NOT NULL,
		to_seq     INTEGER NOT NULL,
		codec      INTEGER NOT NULL,
		raw_size   INTEGER NOT NULL,
		digest     BLOB NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
`

// SQLiteStore is the default history backend: a single WAL-mode
// database file holding event rows, snapshots, and compacted
// bundles.
type SQLiteStore struct {
	pool        *sqlitepool.Pool
	clock       clock.Clock
	logger      *slog.Logger
	compression Compression
}

// SQLiteConfig holds the parameters for opening a SQLite history
// store.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the connection pool size. The appender holds one
	// writer; extra connections serve concurrent resync reads.
	// Defaults to 4 if zero or negative.
	PoolSize int

	// Compression selects the bundle codec for compaction. The zero
	// value is CompressionNone; callers normally pass
	// CompressionZstd.
	Compression Compression

	// Clock provides timestamps for snapshot updates and bundle
	// creation.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenSQLite opens (creating if needed) a SQLite history store.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("history: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("history: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	return &SQLiteStore{
		pool:        pool,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		compression: cfg.Compression,
	}, nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// Append inserts one event row. INSERT OR REPLACE makes appender
// retries after a partial failure idempotent.
func (s *SQLiteStore) Append(ctx context.Context, event *build.Event) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	defer s.pool.Put(conn)

	var senderTime any
	if event.SenderTime != 0 {
		senderTime = event.SenderTime
	}
	postTerminal := 0
	if event.PostTerminal {
		postTerminal = 1
	}
	var data any
	if len(event.Data) > 0 {
		data = []byte(event.Data)
	}

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO events
		(build_id, seq, kind, project, hub_time, sender_time, post_terminal, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				event.BuildID,
				int64(event.Seq),
				string(event.Kind),
				event.Project,
				event.HubTime,
				senderTime,
				postTerminal,
				data,
			},
		})
	if err != nil {
		return fmt.Errorf("history: append %s seq %d: %w", event.BuildID, event.Seq, err)
	}
	return nil
}

// QueryRange returns the build's events with seq in (fromSeq, toSeq],
// reading the compacted bundle (if any) and raw rows. Raw rows at or
// below the bundle's high seq are skipped so a half-compacted build
// never yields duplicates.
func (s *SQLiteStore) QueryRange(ctx context.Context, buildID string, fromSeq, toSeq uint64) ([]build.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: query range: %w", err)
	}
	defer s.pool.Put(conn)

	var out []build.Event
	rawFrom := fromSeq

	bundle, found, err := s.readBundle(conn, buildID)
	if err != nil {
		return nil, err
	}
	if found {
		bundled, err := bundle.EventsInRange(fromSeq, toSeq)
		if err != nil {
			return nil, fmt.Errorf("history: query range: %w", err)
		}
		out = append(out, bundled...)
		if bundle.ToSeq > rawFrom {
			rawFrom = bundle.ToSeq
		}
	}

	raw, err := scanEvents(conn, buildID, rawFrom, toSeq)
	if err != nil {
		return nil, err
	}
	return append(out, raw...), nil
}

// scanEvents reads raw event rows with seq in (fromSeq, toSeq] in
// ascending seq order. Bounds above MaxInt64 are clamped: seqs are
// stored in SQLite INTEGER columns.
func scanEvents(conn *sqlite.Conn, buildID string, fromSeq, toSeq uint64) ([]build.Event, error) {
	if toSeq > math.MaxInt64 {
		toSeq = math.MaxInt64
	}
	if fromSeq > math.MaxInt64 {
		fromSeq = math.MaxInt64
	}

	var events []build.Event
	err := sqlitex.Execute(conn, `SELECT seq, kind, project, hub_time,
		sender_time, post_terminal, data FROM events
		WHERE build_id = ? AND seq > ? AND seq <= ?
		ORDER BY seq ASC`,
		&sqlitex.ExecOptions{
			Args: []any{buildID, int64(fromSeq), int64(toSeq)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event := build.Event{
					BuildID:      buildID,
					Seq:          uint64(stmt.ColumnInt64(0)),
					Kind:         build.Kind(stmt.ColumnText(1)),
					Project:      stmt.ColumnText(2),
					HubTime:      stmt.ColumnInt64(3),
					PostTerminal: stmt.ColumnInt64(5) != 0,
				}
				if !stmt.ColumnIsNull(4) {
					event.SenderTime = stmt.ColumnInt64(4)
				}
				if length := stmt.ColumnLen(6); length > 0 {
					data := make([]byte, length)
					stmt.ColumnBytes(6, data)
					event.Data = data
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history: scan events %s: %w", buildID, err)
	}
	return events, nil
}

// readBundle loads the build's bundle row, if one exists.
func (s *SQLiteStore) readBundle(conn *sqlite.Conn, buildID string) (Bundle, bool, error) {
	var bundle Bundle
	found := false
	err := sqlitex.Execute(conn, `SELECT project, from_seq, to_seq, codec,
		raw_size, digest, payload, created_at FROM bundles WHERE build_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{buildID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				bundle.BuildID = buildID
				bundle.Project = stmt.ColumnText(0)
				bundle.FromSeq = uint64(stmt.ColumnInt64(1))
				bundle.ToSeq = uint64(stmt.ColumnInt64(2))
				bundle.Codec = Compression(stmt.ColumnInt64(3))
				bundle.RawSize = int(stmt.ColumnInt64(4))
				bundle.Digest = make([]byte, stmt.ColumnLen(5))
				stmt.ColumnBytes(5, bundle.Digest)
				bundle.Payload = make([]byte, stmt.ColumnLen(6))
				stmt.ColumnBytes(6, bundle.Payload)
				bundle.CreatedAt = stmt.ColumnInt64(7)
				found = true
				return nil
			},
		})
	if err != nil {
		return Bundle{}, false, fmt.Errorf("history: read bundle %s: %w", buildID, err)
	}
	return bundle, found, nil
}

// LatestSnapshot returns the stored snapshot for the build, or
// ErrNotFound.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, buildID string) (build.Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return build.Snapshot{}, fmt.Errorf("history: latest snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	var raw []byte
	err = sqlitex.Execute(conn, "SELECT data FROM snapshots WHERE build_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{buildID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, raw)
				return nil
			},
		})
	if err != nil {
		return build.Snapshot{}, fmt.Errorf("history: latest snapshot %s: %w", buildID, err)
	}
	if raw == nil {
		return build.Snapshot{}, ErrNotFound
	}
	return decodeSnapshot(raw)
}

// PutSnapshot stores the build's snapshot, replacing any previous
// one. The ended_at column is denormalized for compaction scans.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, snapshot build.Snapshot) error {
	raw, err := encodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("history: put snapshot %s: %w", snapshot.BuildID, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: put snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO snapshots
		(build_id, project, ended_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				snapshot.BuildID,
				snapshot.Project,
				snapshot.EndedAt,
				s.clock.Now().UnixMilli(),
				raw,
			},
		})
	if err != nil {
		return fmt.Errorf("history: put snapshot %s: %w", snapshot.BuildID, err)
	}
	return nil
}

// ListSnapshots returns stored snapshots for the project, most
// recently updated first. A non-positive limit means no limit.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, project string, limit int) ([]build.Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: list snapshots: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}

	var snapshots []build.Snapshot
	err = sqlitex.Execute(conn, `SELECT data FROM snapshots
		WHERE project = ? ORDER BY updated_at DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{project, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, raw)
				snapshot, err := decodeSnapshot(raw)
				if err != nil {
					return err
				}
				snapshots = append(snapshots, snapshot)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history: list snapshots %s: %w", project, err)
	}
	return snapshots, nil
}

// Compact folds the raw event rows of closed builds into bundles.
// Candidates are builds whose snapshot is terminal with EndedAt
// before cutoff and which still have raw rows. Each build is
// compacted in its own transaction, so a failure mid-pass leaves
// prior builds fully compacted and later ones untouched.
func (s *SQLiteStore) Compact(ctx context.Context, cutoff time.Time) (CompactStats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return CompactStats{}, fmt.Errorf("history: compact: %w", err)
	}
	defer s.pool.Put(conn)

	var candidates []string
	err = sqlitex.Execute(conn, `SELECT s.build_id FROM snapshots s
		WHERE s.ended_at > 0 AND s.ended_at < ?
		AND EXISTS (SELECT 1 FROM events e WHERE e.build_id = s.build_id)`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff.UnixMilli()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				candidates = append(candidates, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return CompactStats{}, fmt.Errorf("history: compact: scan candidates: %w", err)
	}

	var stats CompactStats
	for _, buildID := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := s.compactBuild(conn, buildID, &stats); err != nil {
			return stats, err
		}
	}

	if stats.BuildsCompacted > 0 {
		s.logger.Info("history compacted",
			"builds", stats.BuildsCompacted,
			"events", stats.EventsBundled,
			"bytes_in", stats.BytesIn,
			"bytes_out", stats.BytesOut,
		)
	}
	return stats, nil
}

// compactBuild bundles one build's raw rows and deletes them, in a
// single transaction.
func (s *SQLiteStore) compactBuild(conn *sqlite.Conn, buildID string, stats *CompactStats) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("history: compact %s: begin: %w", buildID, err)
	}
	defer endTransaction(&err)

	events, err := scanEvents(conn, buildID, 0, math.MaxUint64)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	bundle, err := EncodeBundle(events, s.compression, s.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("history: compact %s: %w", buildID, err)
	}

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO bundles
		(build_id, project, from_seq, to_seq, codec, raw_size, digest, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				bundle.BuildID,
				bundle.Project,
				int64(bundle.FromSeq),
				int64(bundle.ToSeq),
				int64(bundle.Codec),
				int64(bundle.RawSize),
				bundle.Digest,
				bundle.Payload,
				bundle.CreatedAt,
			},
		})
	if err != nil {
		return fmt.Errorf("history: compact %s: write bundle: %w", buildID, err)
	}

	err = sqlitex.Execute(conn, "DELETE FROM events WHERE build_id = ?",
		&sqlitex.ExecOptions{Args: []any{buildID}})
	if err != nil {
		return fmt.Errorf("history: compact %s: delete rows: %w", buildID, err)
	}

	stats.BuildsCompacted++
	stats.EventsBundled += len(events)
	stats.BytesIn += int64(bundle.RawSize)
	stats.BytesOut += int64(len(bundle.Payload))
	return nil
}
