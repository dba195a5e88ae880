// Package sqlitestore provides a SQLite-backed journal.Store.
//
// WAL mode is enabled on Open, and the Store's pool is capped at a single
// connection, so its own appends, reads and dedupe checks run one at a
// time. Two tables back one
// connection: journal entries and dedupe keys, since a single backend needs
// to satisfy both contracts.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/journal"

	// Register the pure-Go SQLite driver. modernc.org/sqlite avoids CGO,
	// which keeps cross-compiling and Alpine-based container builds simple.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_journal (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id         TEXT    NOT NULL,
    sequence        INTEGER NOT NULL,
    kind            INTEGER NOT NULL,
    step_name       TEXT    NOT NULL DEFAULT '',
    output          BLOB,
    compensation    BLOB,
    failure_reason  TEXT    NOT NULL DEFAULT '',
    requires_comp   INTEGER NOT NULL DEFAULT 0,
    ambiguous       INTEGER NOT NULL DEFAULT 0,
    attempts        INTEGER NOT NULL DEFAULT 0,
    timestamp_millis INTEGER NOT NULL,
    UNIQUE(saga_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_saga_journal_saga_id ON saga_journal(saga_id, sequence);

CREATE TABLE IF NOT EXISTS saga_dedupe (
    saga_id TEXT NOT NULL,
    key     TEXT NOT NULL,
    PRIMARY KEY (saga_id, key)
);
`

// Store is the SQLite implementation of journal.Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. WAL mode is enabled, and the connection pool is capped at one
// connection (SQLite serializes writers anyway), so every read and write
// from this Store goes through that single connection in turn.
//
//	store, err := sqlitestore.Open("./data/sagas.db")
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts a new journal row and returns its saga-scoped sequence
// number, computed as MAX(sequence)+1 within the same transaction so it
// stays strictly monotonic even under concurrent appenders.
func (s *Store) Append(ctx context.Context, sagaID identity.SagaId, ev events.ParticipantEvent) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: begin append tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM saga_journal WHERE saga_id = ?`, string(sagaID)).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("sqlitestore: read max sequence: %w", err)
	}
	seq := uint64(maxSeq.Int64) + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO saga_journal
			(saga_id, sequence, kind, step_name, output, compensation, failure_reason,
			 requires_comp, ambiguous, attempts, timestamp_millis)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sagaID), seq, int(ev.Kind), ev.StepName, ev.Output, ev.CompensationData,
		ev.FailureReason, boolToInt(ev.RequiresCompensation), boolToInt(ev.Ambiguous),
		ev.Attempts, ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: insert journal row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlitestore: commit append: %w", err)
	}
	return seq, nil
}

// Read returns all entries for sagaID in sequence order.
func (s *Store) Read(ctx context.Context, sagaID identity.SagaId) ([]journal.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, kind, step_name, output, compensation, failure_reason,
		       requires_comp, ambiguous, attempts, timestamp_millis
		FROM   saga_journal
		WHERE  saga_id = ?
		ORDER  BY sequence ASC`, string(sagaID))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []journal.Entry
	for rows.Next() {
		var (
			seq                           uint64
			kind                          int
			stepName, failureReason       string
			output, compensation          []byte
			requiresComp, ambiguous       int
			attempts                      int
			timestampMillis               int64
		)
		if err := rows.Scan(&seq, &kind, &stepName, &output, &compensation, &failureReason,
			&requiresComp, &ambiguous, &attempts, &timestampMillis); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan row: %w", err)
		}
		out = append(out, journal.Entry{
			SagaID:   sagaID,
			Sequence: seq,
			Event: events.ParticipantEvent{
				Kind:                  events.ParticipantKind(kind),
				StepName:              stepName,
				Output:                output,
				CompensationData:      compensation,
				FailureReason:         failureReason,
				RequiresCompensation:  requiresComp != 0,
				Ambiguous:             ambiguous != 0,
				Attempts:              attempts,
			},
		})
		out[len(out)-1].Timestamp = millisToTime(timestampMillis)
	}
	return out, rows.Err()
}

// ListSagas returns every saga_id with at least one journal entry.
func (s *Store) ListSagas(ctx context.Context) ([]identity.SagaId, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT saga_id FROM saga_journal`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list sagas: %w", err)
	}
	defer rows.Close()

	var ids []identity.SagaId
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan saga id: %w", err)
		}
		ids = append(ids, identity.SagaId(id))
	}
	return ids, rows.Err()
}

// Prune erases all journal entries and dedupe keys for a terminal saga.
func (s *Store) Prune(ctx context.Context, sagaID identity.SagaId) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin prune tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_journal WHERE saga_id = ?`, string(sagaID)); err != nil {
		return fmt.Errorf("sqlitestore: prune journal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_dedupe WHERE saga_id = ?`, string(sagaID)); err != nil {
		return fmt.Errorf("sqlitestore: prune dedupe: %w", err)
	}
	return tx.Commit()
}

// CheckAndMark inserts (sagaID, key) and reports whether it was new.
// Relies on the PRIMARY KEY constraint for atomicity: a concurrent insert
// of the same key fails with a constraint error, which we treat as "not
// new" rather than surfacing a spurious failure.
func (s *Store) CheckAndMark(ctx context.Context, sagaID identity.SagaId, key identity.IdempotencyKey) (bool, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO saga_dedupe (saga_id, key) VALUES (?, ?)`, string(sagaID), string(key))
	if err == nil {
		return true, nil
	}
	if isUniqueConstraintErr(err) {
		return false, nil
	}
	return false, fmt.Errorf("sqlitestore: check and mark: %w", err)
}

var _ journal.Store = (*Store)(nil)
