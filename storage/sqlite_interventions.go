package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"brigade/core"
)

// SQLiteInterventionStore persists interventions in SQLite. Notes, status
// history and location are stored as JSON columns; everything queried on
// gets its own column.
type SQLiteInterventionStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteInterventionStore creates the store and ensures its table exists.
func NewSQLiteInterventionStore(db *SQLite, logger *zap.SugaredLogger) (*SQLiteInterventionStore, error) {
	s := &SQLiteInterventionStore{db: db, logger: logger}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure interventions table: %w", err)
	}
	return s, nil
}

func (s *SQLiteInterventionStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS interventions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		region TEXT,
		station_id TEXT,
		description TEXT,
		location TEXT,       -- JSON object
		notes TEXT,          -- JSON array
		status_history TEXT, -- JSON array
		created_by TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		closed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_interventions_status ON interventions(status);
	CREATE INDEX IF NOT EXISTS idx_interventions_region ON interventions(region);
	CREATE INDEX IF NOT EXISTS idx_interventions_created_at ON interventions(created_at DESC);
	`
	_, err := s.db.DB.Exec(query)
	return err
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Create inserts a new intervention.
func (s *SQLiteInterventionStore) Create(ctx context.Context, iv *core.Intervention) error {
	location, err := marshalJSON(iv.Location)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	notes, err := marshalJSON(iv.Notes)
	if err != nil {
		return fmt.Errorf("failed to marshal notes: %w", err)
	}
	history, err := marshalJSON(iv.StatusHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal status history: %w", err)
	}

	_, err = s.db.DB.ExecContext(ctx, `
		INSERT INTO interventions
		(id, code, type, priority, status, region, station_id, description,
		 location, notes, status_history, created_by, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.Code, iv.Type, string(iv.Priority), string(iv.Status),
		iv.Region, iv.StationID, iv.Description,
		location, notes, history, iv.CreatedBy,
		iv.CreatedAt, iv.UpdatedAt, iv.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert intervention %s: %w", iv.ID, err)
	}
	return nil
}

// Get retrieves an intervention by ID.
func (s *SQLiteInterventionStore) Get(ctx context.Context, id string) (*core.Intervention, error) {
	row := s.db.DB.QueryRowContext(ctx, `
		SELECT id, code, type, priority, status, region, station_id, description,
		       location, notes, status_history, created_by, created_at, updated_at, closed_at
		FROM interventions WHERE id = ?`, id)

	var iv core.Intervention
	var priority, status, location, notes, history string
	var region, stationID, description, createdBy sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(&iv.ID, &iv.Code, &iv.Type, &priority, &status,
		&region, &stationID, &description,
		&location, &notes, &history, &createdBy,
		&iv.CreatedAt, &iv.UpdatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intervention %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query intervention %s: %w", id, err)
	}

	iv.Priority = core.InterventionPriority(priority)
	iv.Status = core.InterventionStatus(status)
	iv.Region = region.String
	iv.StationID = stationID.String
	iv.Description = description.String
	iv.CreatedBy = createdBy.String
	if closedAt.Valid {
		t := closedAt.Time
		iv.ClosedAt = &t
	}

	if err := json.Unmarshal([]byte(location), &iv.Location); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(notes), &iv.Notes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notes for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(history), &iv.StatusHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status history for %s: %w", id, err)
	}
	return &iv, nil
}

// Update rewrites the mutable columns of an existing intervention.
func (s *SQLiteInterventionStore) Update(ctx context.Context, iv *core.Intervention) error {
	location, err := marshalJSON(iv.Location)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	notes, err := marshalJSON(iv.Notes)
	if err != nil {
		return fmt.Errorf("failed to marshal notes: %w", err)
	}
	history, err := marshalJSON(iv.StatusHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal status history: %w", err)
	}

	res, err := s.db.DB.ExecContext(ctx, `
		UPDATE interventions
		SET status = ?, priority = ?, region = ?, station_id = ?, description = ?,
		    location = ?, notes = ?, status_history = ?, updated_at = ?, closed_at = ?
		WHERE id = ?`,
		string(iv.Status), string(iv.Priority), iv.Region, iv.StationID, iv.Description,
		location, notes, history, iv.UpdatedAt, iv.ClosedAt, iv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update intervention %s: %w", iv.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("intervention %s: %w", iv.ID, core.ErrNotFound)
	}
	return nil
}

var _ InterventionStore = (*SQLiteInterventionStore)(nil)
