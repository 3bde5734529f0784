package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petal-labs/toolkit/sqlitedb"
)

// The table layout is shared with databases written by earlier releases, so
// columns are only ever added. seq is the implicit rowid.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tool_calls (
	call_id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	inputs TEXT NOT NULL,
	outputs TEXT,
	error TEXT,
	duration_ms REAL NOT NULL,
	agent_metadata TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tool_name ON tool_calls(tool_name);
CREATE INDEX IF NOT EXISTS idx_timestamp ON tool_calls(timestamp DESC);`

const (
	defaultSQLiteDir  = ".toolkit"
	defaultSQLiteLogs = "logs"
	defaultSQLiteDB   = "tools.db"
)

const selectColumns = `rowid, call_id, tool_name, timestamp, inputs, outputs, error, duration_ms, agent_metadata, created_at`

// SQLiteStoreConfig configures the SQLite call log.
type SQLiteStoreConfig struct {
	// DSN is a file path or a sqlite connection string.
	DSN string

	// Now overrides the clock used for log-time fields.
	Now func() time.Time
}

// SQLiteStore persists call records in a single SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	dsn string
	now func() time.Time
}

// DefaultSQLitePath returns ~/.toolkit/logs/tools.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("calllog: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteDir, defaultSQLiteLogs, defaultSQLiteDB), nil
}

// NewSQLiteStore opens (or creates) the call log. Opening an existing
// database is idempotent and never drops records.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		path, err := DefaultSQLitePath()
		if err != nil {
			return nil, &StorageInitError{DSN: dsn, Err: err}
		}
		dsn = path
	}
	db, err := sqlitedb.Open(dsn, sqliteSchema)
	if err != nil {
		return nil, &StorageInitError{DSN: dsn, Err: err}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SQLiteStore{db: db, dsn: dsn, now: now}, nil
}

// DSN returns the connection string the store was opened with.
func (s *SQLiteStore) DSN() string {
	return s.dsn
}

// Insert stores a record. The insert is committed before Insert returns.
func (s *SQLiteStore) Insert(ctx context.Context, rec CallRecord) (CallRecord, error) {
	rec, err := prepareRecord(rec, s.now())
	if err != nil {
		return CallRecord{}, err
	}

	inputsJSON, err := json.Marshal(rec.Inputs)
	if err != nil {
		return CallRecord{}, fmt.Errorf("calllog: marshal inputs: %w", err)
	}
	outputs, err := nullableJSON(rec.Outputs)
	if err != nil {
		return CallRecord{}, fmt.Errorf("calllog: marshal outputs: %w", err)
	}
	var metadata sql.NullString
	if len(rec.AgentMetadata) > 0 {
		metadata, err = nullableJSON(rec.AgentMetadata)
		if err != nil {
			return CallRecord{}, fmt.Errorf("calllog: marshal agent metadata: %w", err)
		}
	}
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (call_id, tool_name, timestamp, inputs, outputs, error, duration_ms, agent_metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID,
		rec.ToolName,
		FormatTimestamp(rec.Timestamp),
		string(inputsJSON),
		outputs,
		errText,
		rec.DurationMS,
		metadata,
		FormatTimestamp(rec.CreatedAt),
	)
	if err != nil {
		return CallRecord{}, fmt.Errorf("calllog: insert %s: %w", rec.CallID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return CallRecord{}, fmt.Errorf("calllog: insert %s: read rowid: %w", rec.CallID, err)
	}
	rec.Seq = uint64(id) // #nosec G115 -- rowid is always positive
	return rec, nil
}

// Get returns a single record by call id.
func (s *SQLiteStore) Get(ctx context.Context, callID string) (CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM tool_calls WHERE call_id = ?`, callID)
	if err != nil {
		return CallRecord{}, fmt.Errorf("calllog: get %s: %w", callID, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return CallRecord{}, err
	}
	if len(recs) == 0 {
		return CallRecord{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return recs[0], nil
}

// Query lists records most recent first.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]CallRecord, error) {
	q = q.normalized()

	var (
		where []string
		args  []any
	)
	if q.ToolName != "" {
		where = append(where, "tool_name = ?")
		args = append(args, q.ToolName)
	}
	switch q.Status {
	case StatusSuccess:
		where = append(where, "error IS NULL")
	case StatusError:
		where = append(where, "error IS NOT NULL")
	}

	query := `SELECT ` + selectColumns + ` FROM tool_calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calllog: query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// After lists records strictly after cursor, oldest first.
func (s *SQLiteStore) After(ctx context.Context, cursor Cursor, filter Filter, limit int) ([]CallRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM tool_calls
	           WHERE (timestamp > ? OR (timestamp = ? AND rowid > ?))`
	args := []any{cursor.Timestamp, cursor.Timestamp, int64(cursor.Seq)} // #nosec G115 -- seq originates from rowid

	if name := strings.TrimSpace(filter.ToolName); name != "" {
		query += " AND tool_name = ?"
		args = append(args, name)
	}
	query += " ORDER BY timestamp ASC, rowid ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calllog: after: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Latest returns the cursor of the newest record.
func (s *SQLiteStore) Latest(ctx context.Context) (Cursor, error) {
	var (
		ts  string
		seq int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp, rowid FROM tool_calls ORDER BY timestamp DESC, rowid DESC LIMIT 1`,
	).Scan(&ts, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("calllog: latest: %w", err)
	}
	return Cursor{Timestamp: ts, Seq: uint64(seq)}, nil // #nosec G115 -- rowid is always positive
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]CallRecord, error) {
	var recs []CallRecord
	for rows.Next() {
		var (
			rec       CallRecord
			seq       int64
			timestamp string
			inputs    string
			outputs   sql.NullString
			errText   sql.NullString
			metadata  sql.NullString
			createdAt sql.NullString
		)
		if err := rows.Scan(
			&seq,
			&rec.CallID,
			&rec.ToolName,
			&timestamp,
			&inputs,
			&outputs,
			&errText,
			&rec.DurationMS,
			&metadata,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("calllog: scan record: %w", err)
		}
		rec.Seq = uint64(seq) // #nosec G115 -- rowid is always positive

		ts, err := ParseTimestamp(timestamp)
		if err != nil {
			return nil, err
		}
		rec.Timestamp = ts
		if createdAt.Valid {
			// Older rows may carry formats we do not recognise; created_at is informational.
			rec.CreatedAt, _ = ParseTimestamp(createdAt.String)
		}

		if err := json.Unmarshal([]byte(inputs), &rec.Inputs); err != nil {
			return nil, fmt.Errorf("calllog: unmarshal inputs for %s: %w", rec.CallID, err)
		}
		if rec.Inputs == nil {
			rec.Inputs = map[string]any{}
		}
		if outputs.Valid {
			if err := json.Unmarshal([]byte(outputs.String), &rec.Outputs); err != nil {
				return nil, fmt.Errorf("calllog: unmarshal outputs for %s: %w", rec.CallID, err)
			}
		}
		if errText.Valid {
			rec.Error = errText.String
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &rec.AgentMetadata); err != nil {
				return nil, fmt.Errorf("calllog: unmarshal agent metadata for %s: %w", rec.CallID, err)
			}
		}

		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullableJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
