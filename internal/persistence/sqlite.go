// Package persistence implements the engine's write-ahead journal (§6
// Persistence) on top of modernc.org/sqlite, mirroring the teacher's
// wal_advanced.go record-then-append shape but using a real SQL journal
// table instead of a hand-rolled binary log file.
//
// What: appends one row per committed transaction, carrying the commit
//       version and a gob-encoded snapshot of the changeset blocks that
//       produced it, plus a sequence counter for log-sequence-number
//       assignment.
// How: database/sql against the "sqlite" driver registered by
//      modernc.org/sqlite (pure Go, no cgo).
// Why: the core treats Persistence purely as an interface (§1); this is
//      the reference implementation SPEC_FULL.md §3 assigns the driver to,
//      standing in for a real WAL without requiring the core to know
//      anything about SQL.
package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/veloxdb/veloxdb-core/internal/external"
)

// journalRecord is the gob-encoded payload stored per commit row.
type journalRecord struct {
	Blocks []external.ChangesetBlock
}

// SQLitePersistence satisfies external.Persistence by appending committed
// changesets to a SQLite-backed journal table.
type SQLitePersistence struct {
	db  *sql.DB
	lsn atomic.Uint64
}

// Open creates (or reuses) the journal table at path. An empty path opens
// an in-memory database, useful for tests.
func Open(path string) (*SQLitePersistence, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA synchronous=NORMAL")

	const schema = `
CREATE TABLE IF NOT EXISTS veloxdb_journal (
	lsn            INTEGER PRIMARY KEY AUTOINCREMENT,
	tran_id        INTEGER NOT NULL,
	commit_version INTEGER NOT NULL,
	payload        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_veloxdb_journal_commit_version
	ON veloxdb_journal(commit_version);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create schema: %w", err)
	}

	p := &SQLitePersistence{db: db}
	row := db.QueryRow(`SELECT COALESCE(MAX(lsn), 0) FROM veloxdb_journal`)
	var maxLSN uint64
	if err := row.Scan(&maxLSN); err == nil {
		p.lsn.Store(maxLSN)
	}
	return p, nil
}

func (p *SQLitePersistence) Close() error { return p.db.Close() }

// PersistCommit drains changes into one gob-encoded blob and appends it as
// a single journal row, so a commit's blocks land atomically from the
// reader's perspective during restore.
func (p *SQLitePersistence) PersistCommit(ctx context.Context, tranID uint64, commitVersion uint64, changes external.ChangesetReader) error {
	var rec journalRecord
	for {
		block, ok := changes.Next()
		if !ok {
			break
		}
		rec.Blocks = append(rec.Blocks, block)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("persistence: encode journal record: %w", err)
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO veloxdb_journal (tran_id, commit_version, payload) VALUES (?, ?, ?)`,
		tranID, commitVersion, buf.Bytes())
	if err != nil {
		return fmt.Errorf("persistence: append journal row: %w", err)
	}
	p.lsn.Add(1)
	return nil
}

// AssignLogSequenceNumber hands out a monotonic counter independent of the
// journal's own autoincrement rowid, for collaborators (e.g. the
// replicator) that need an LSN before the row is actually durable.
func (p *SQLitePersistence) AssignLogSequenceNumber() uint64 {
	return p.lsn.Add(1)
}

// Restore is a no-op that returns nil; it reads nothing and applies
// nothing. Startup recovery goes through Replay instead, whose callback
// (Engine.Recover) applies each decoded block in its own transaction.
func (p *SQLitePersistence) Restore(className string, block external.ChangesetBlock, commitVersion uint64, isAlignment bool) error {
	return nil
}

// Replay streams every journal row in commit order through fn, for startup
// recovery to rebuild heap state from the journal.
func (p *SQLitePersistence) Replay(ctx context.Context, fn func(tranID, commitVersion uint64, block external.ChangesetBlock) error) error {
	rows, err := p.db.QueryContext(ctx, `SELECT tran_id, commit_version, payload FROM veloxdb_journal ORDER BY lsn ASC`)
	if err != nil {
		return fmt.Errorf("persistence: query journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tranID, commitVersion uint64
		var payload []byte
		if err := rows.Scan(&tranID, &commitVersion, &payload); err != nil {
			return fmt.Errorf("persistence: scan journal row: %w", err)
		}
		var rec journalRecord
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
			return fmt.Errorf("persistence: decode journal row: %w", err)
		}
		for _, block := range rec.Blocks {
			if err := fn(tranID, commitVersion, block); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}
