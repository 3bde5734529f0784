package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/toolkit/sqlitedb"
)

// Global registrations are stored with tool_name = '' so the composite key
// deduplicates them.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS webhooks (
	url TEXT NOT NULL,
	tool_name TEXT NOT NULL DEFAULT '',
	secret TEXT,
	retries INTEGER NOT NULL DEFAULT 3,
	created_at TEXT NOT NULL,
	PRIMARY KEY (url, tool_name)
);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id INTEGER PRIMARY KEY,
	url TEXT NOT NULL,
	tool_name TEXT NOT NULL DEFAULT '',
	event TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	ok INTEGER NOT NULL,
	error TEXT,
	duration_ms REAL NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_url ON webhook_deliveries(url, id DESC);`

// DefaultRefreshInterval bounds how stale List may be with respect to
// changes made by other processes.
const DefaultRefreshInterval = 5 * time.Second

// Store manages webhook registrations.
type Store interface {
	Add(ctx context.Context, reg Registration) (Registration, error)
	Remove(ctx context.Context, url, toolName string) error
	List(ctx context.Context) ([]Registration, error)
}

// DeliveryLog records and lists delivery outcomes.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, d Delivery) error
	Deliveries(ctx context.Context, q DeliveryQuery) ([]Delivery, error)
}

// SQLiteStoreConfig configures the SQLite webhook store.
type SQLiteStoreConfig struct {
	DSN string

	// RefreshInterval controls snapshot reloads in List. Zero uses
	// DefaultRefreshInterval; negative disables time-based reloads.
	RefreshInterval time.Duration

	Now func() time.Time
}

// SQLiteStore persists registrations and delivery history. Reads are served
// from an in-memory snapshot reloaded after every mutation and whenever it is
// older than the refresh interval.
type SQLiteStore struct {
	db      *sql.DB
	refresh time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	snapshot []Registration
	loadedAt time.Time
	loaded   bool
}

// NewSQLiteStore opens (or creates) the webhook tables in cfg.DSN.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("webhook: sqlite store dsn is required")
	}
	db, err := sqlitedb.Open(cfg.DSN, sqliteSchema)
	if err != nil {
		return nil, fmt.Errorf("webhook: open store: %w", err)
	}

	refresh := cfg.RefreshInterval
	if refresh == 0 {
		refresh = DefaultRefreshInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &SQLiteStore{db: db, refresh: refresh, now: now}
	if err := s.reload(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Add upserts a registration keyed by (URL, ToolName). Retries of zero use
// DefaultRetries; negative retries are rejected.
func (s *SQLiteStore) Add(ctx context.Context, reg Registration) (Registration, error) {
	reg, err := reg.normalize()
	if err != nil {
		return Registration{}, err
	}
	now := s.now().UTC()

	var secret sql.NullString
	if reg.Secret != "" {
		secret = sql.NullString{String: reg.Secret, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO webhooks (url, tool_name, secret, retries, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(url, tool_name) DO UPDATE SET
	secret = excluded.secret,
	retries = excluded.retries`,
		reg.URL,
		reg.ToolName,
		secret,
		reg.Retries,
		now.Format(time.RFC3339Nano),
	); err != nil {
		return Registration{}, fmt.Errorf("webhook: add %s: %w", reg.URL, err)
	}

	if err := s.reload(ctx); err != nil {
		return Registration{}, err
	}
	for _, stored := range s.cachedList() {
		if stored.Key() == reg.Key() {
			return stored, nil
		}
	}
	reg.Active = true
	reg.CreatedAt = now
	return reg, nil
}

// Remove deletes the registration with the given identity. Removing a
// registration that does not exist is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, url, toolName string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE url = ? AND tool_name = ?`,
		strings.TrimSpace(url), strings.TrimSpace(toolName),
	); err != nil {
		return fmt.Errorf("webhook: remove %s: %w", url, err)
	}
	return s.reload(ctx)
}

// List returns all registrations, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Registration, error) {
	if s.stale() {
		if err := s.reload(ctx); err != nil {
			return nil, err
		}
	}
	return s.cachedList(), nil
}

// Matching returns registrations that receive events for toolName.
func (s *SQLiteStore) Matching(ctx context.Context, toolName string) ([]Registration, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return matching(all, toolName), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return true
	}
	if s.refresh < 0 {
		return false
	}
	return s.now().Sub(s.loadedAt) >= s.refresh
}

func (s *SQLiteStore) cachedList() []Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Registration, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

func (s *SQLiteStore) reload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT url, tool_name, secret, retries, created_at
FROM webhooks
ORDER BY created_at ASC, url ASC, tool_name ASC`)
	if err != nil {
		return fmt.Errorf("webhook: list registrations: %w", err)
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		var (
			reg       Registration
			secret    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&reg.URL, &reg.ToolName, &secret, &reg.Retries, &createdAt); err != nil {
			return fmt.Errorf("webhook: scan registration: %w", err)
		}
		reg.Secret = secret.String
		reg.Active = true
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			reg.CreatedAt = t
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("webhook: registration rows: %w", err)
	}

	s.mu.Lock()
	s.snapshot = regs
	s.loadedAt = s.now()
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// RecordDelivery appends one delivery outcome.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, d Delivery) error {
	var errText sql.NullString
	if d.Error != "" {
		errText = sql.NullString{String: d.Error, Valid: true}
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO webhook_deliveries (id, url, tool_name, event, attempts, status_code, ok, error, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.URL,
		d.ToolName,
		string(d.Event),
		d.Attempts,
		d.StatusCode,
		d.OK,
		errText,
		d.DurationMS,
		createdAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("webhook: record delivery %d: %w", d.ID, err)
	}
	return nil
}

// DefaultDeliveryLimit applies when DeliveryQuery.Limit is not positive.
const DefaultDeliveryLimit = 20

// DeliveryQuery filters delivery history, newest first.
type DeliveryQuery struct {
	URL      string
	ToolName string
	Event    Event
	// FailedOnly restricts results to deliveries that exhausted their retries.
	FailedOnly bool
	Limit      int
}

// Deliveries lists recorded deliveries, newest first.
func (s *SQLiteStore) Deliveries(ctx context.Context, q DeliveryQuery) ([]Delivery, error) {
	var (
		where []string
		args  []any
	)
	if q.URL != "" {
		where = append(where, "url = ?")
		args = append(args, q.URL)
	}
	if q.ToolName != "" {
		where = append(where, "tool_name = ?")
		args = append(args, q.ToolName)
	}
	if q.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(q.Event))
	}
	if q.FailedOnly {
		where = append(where, "ok = 0")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultDeliveryLimit
	}

	query := `SELECT id, url, tool_name, event, attempts, status_code, ok, error, duration_ms, created_at FROM webhook_deliveries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("webhook: list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d         Delivery
			event     string
			errText   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.URL, &d.ToolName, &event, &d.Attempts, &d.StatusCode, &d.OK, &errText, &d.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("webhook: scan delivery: %w", err)
		}
		d.Event = Event(event)
		d.Error = errText.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			d.CreatedAt = t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook: delivery rows: %w", err)
	}
	return out, nil
}

func matching(regs []Registration, toolName string) []Registration {
	var out []Registration
	for _, reg := range regs {
		if reg.Matches(toolName) {
			out = append(out, reg)
		}
	}
	return out
}

// Compile-time interface checks.
var (
	_ Store       = (*SQLiteStore)(nil)
	_ DeliveryLog = (*SQLiteStore)(nil)
)
