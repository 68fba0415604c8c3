package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"brigade/core"
)

// SQLiteLedgerJournal persists the append-only assignment ledger. Releases
// never delete rows; they stamp released_at, so the table doubles as the
// audit trail of who held what, when.
type SQLiteLedgerJournal struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteLedgerJournal creates the journal and ensures its table exists.
func NewSQLiteLedgerJournal(db *SQLite, logger *zap.SugaredLogger) (*SQLiteLedgerJournal, error) {
	j := &SQLiteLedgerJournal{db: db, logger: logger}
	if err := j.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger table: %w", err)
	}
	return j, nil
}

func (j *SQLiteLedgerJournal) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		assignee_type TEXT NOT NULL,
		assignee_id TEXT NOT NULL,
		assigned_at DATETIME NOT NULL,
		released_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_resource ON ledger_entries(resource_id);
	-- Partial unique index: the single-active-entry invariant, enforced at
	-- the storage layer as a backstop behind the ledger's locking.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_one_active
		ON ledger_entries(resource_id) WHERE released_at IS NULL;
	`
	_, err := j.db.DB.Exec(query)
	return err
}

// Append inserts a new (active) ledger entry.
func (j *SQLiteLedgerJournal) Append(ctx context.Context, entry *core.LedgerEntry) error {
	_, err := j.db.DB.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, resource_id, assignee_type, assignee_id, assigned_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ResourceID, string(entry.AssigneeType), entry.AssigneeID,
		entry.AssignedAt, entry.ReleasedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry for %s: %w", entry.ResourceID, err)
	}
	return nil
}

// ActiveEntries returns every unreleased entry for the resource.
func (j *SQLiteLedgerJournal) ActiveEntries(ctx context.Context, resourceID string) ([]core.LedgerEntry, error) {
	return j.query(ctx, `
		SELECT id, resource_id, assignee_type, assignee_id, assigned_at, released_at
		FROM ledger_entries WHERE resource_id = ? AND released_at IS NULL`, resourceID)
}

// Release stamps released_at on an active entry.
func (j *SQLiteLedgerJournal) Release(ctx context.Context, entryID string, releasedAt time.Time) error {
	res, err := j.db.DB.ExecContext(ctx, `
		UPDATE ledger_entries SET released_at = ? WHERE id = ? AND released_at IS NULL`,
		releasedAt, entryID,
	)
	if err != nil {
		return fmt.Errorf("failed to release ledger entry %s: %w", entryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("ledger entry %s: %w", entryID, core.ErrNotFound)
	}
	return nil
}

// Transfer releases one entry and inserts its successor inside a single
// transaction. The release runs first so the insert clears the partial
// unique index on active entries.
func (j *SQLiteLedgerJournal) Transfer(ctx context.Context, releaseEntryID string, releasedAt time.Time, next *core.LedgerEntry) error {
	tx, err := j.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transfer transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET released_at = ? WHERE id = ? AND released_at IS NULL`,
		releasedAt, releaseEntryID,
	)
	if err != nil {
		return fmt.Errorf("failed to release ledger entry %s: %w", releaseEntryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("ledger entry %s: %w", releaseEntryID, core.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, resource_id, assignee_type, assignee_id, assigned_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		next.ID, next.ResourceID, string(next.AssigneeType), next.AssigneeID,
		next.AssignedAt, next.ReleasedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry for %s: %w", next.ResourceID, err)
	}
	return tx.Commit()
}

// History returns all entries for the resource, oldest first.
func (j *SQLiteLedgerJournal) History(ctx context.Context, resourceID string) ([]core.LedgerEntry, error) {
	return j.query(ctx, `
		SELECT id, resource_id, assignee_type, assignee_id, assigned_at, released_at
		FROM ledger_entries WHERE resource_id = ? ORDER BY assigned_at ASC`, resourceID)
}

func (j *SQLiteLedgerJournal) query(ctx context.Context, q, resourceID string) ([]core.LedgerEntry, error) {
	rows, err := j.db.DB.QueryContext(ctx, q, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries for %s: %w", resourceID, err)
	}
	defer rows.Close()

	var entries []core.LedgerEntry
	for rows.Next() {
		var e core.LedgerEntry
		var assigneeType string
		var releasedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.ResourceID, &assigneeType, &e.AssigneeID, &e.AssignedAt, &releasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.AssigneeType = core.AssigneeType(assigneeType)
		if releasedAt.Valid {
			t := releasedAt.Time
			e.ReleasedAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

var _ LedgerJournal = (*SQLiteLedgerJournal)(nil)
