package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"visionguard/internal/camera"
	"visionguard/internal/events"
	"visionguard/internal/monitoring"
)

// Database records sources, events and monitoring tasks in SQLite.
// Times are stored as unix milliseconds.
type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database at dbPath and runs migrations
func New(dbPath string, logger *zap.Logger) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc connections do not share an in-process lock
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	d := &Database{db: db, logger: logger.Named("database")}
	if err := d.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			config TEXT NOT NULL,
			dynamic INTEGER DEFAULT 0,
			status TEXT DEFAULT 'inactive',
			last_error TEXT DEFAULT '',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			confidence REAL,
			severity TEXT NOT NULL,
			description TEXT,
			frame BLOB,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS monitoring_tasks (
			id TEXT PRIMARY KEY,
			user_request TEXT NOT NULL,
			source_ids TEXT NOT NULL,
			event_types TEXT NOT NULL,
			active INTEGER DEFAULT 1,
			created_at INTEGER NOT NULL,
			last_triggered_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source_time ON events(source_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Debug("Database migrations completed")
	return nil
}

// SaveSource stores or replaces the configuration of a source. Dynamic
// sources were added at runtime and are started again on the next boot.
func (d *Database) SaveSource(cfg camera.Config, dynamic bool) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal source config: %w", err)
	}

	isDynamic := 0
	if dynamic {
		isDynamic = 1
	}

	query := `INSERT INTO sources (id, name, config, dynamic, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config = excluded.config,
			dynamic = excluded.dynamic,
			updated_at = excluded.updated_at`

	if _, err := d.db.Exec(query, cfg.ID, cfg.Name, string(data), isDynamic, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}

// UpdateSourceStatus records the current status of a known source
func (d *Database) UpdateSourceStatus(src camera.Source) error {
	_, err := d.db.Exec("UPDATE sources SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(src.Status), src.LastError, src.UpdatedAt.UnixMilli(), src.ID)
	if err != nil {
		return fmt.Errorf("failed to update source status: %w", err)
	}
	return nil
}

// ListDynamicSources returns the configurations of runtime-added sources
// ordered by id
func (d *Database) ListDynamicSources() ([]camera.Config, error) {
	rows, err := d.db.Query("SELECT config FROM sources WHERE dynamic = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var cfgs []camera.Config
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		var cfg camera.Config
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source config: %w", err)
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, rows.Err()
}

// DeleteSource removes a source record
func (d *Database) DeleteSource(id string) error {
	if _, err := d.db.Exec("DELETE FROM sources WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	return nil
}

// SaveEvent stores an event. Saving the same id twice is a no-op.
func (d *Database) SaveEvent(ev *events.Event) error {
	var metadata []byte
	if len(ev.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(ev.Metadata); err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	query := `INSERT INTO events
		(id, source_id, event_type, timestamp, confidence, severity, description, frame, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err := d.db.Exec(query, ev.ID, ev.SourceID, string(ev.Type), ev.Timestamp.UnixMilli(),
		ev.Confidence, string(ev.Severity), ev.Description, ev.Frame, string(metadata))
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by ID. It returns nil, nil when absent.
func (d *Database) GetEvent(id string) (*events.Event, error) {
	row := d.db.QueryRow(`SELECT id, source_id, event_type, timestamp, confidence, severity,
		description, frame, metadata FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// ListEvents returns events at or after since, newest first. A zero since
// means no lower bound and a non-positive limit means no limit.
func (d *Database) ListEvents(since time.Time, limit int) ([]*events.Event, error) {
	query := `SELECT id, source_id, event_type, timestamp, confidence, severity,
		description, frame, metadata FROM events WHERE 1=1`
	args := []interface{}{}

	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since.UnixMilli())
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteOldEvents deletes events older than before
func (d *Database) DeleteOldEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM events WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*events.Event, error) {
	var (
		ev       events.Event
		typ, sev string
		ts       int64
		desc     sql.NullString
		metadata sql.NullString
	)
	if err := s.Scan(&ev.ID, &ev.SourceID, &typ, &ts, &ev.Confidence, &sev, &desc, &ev.Frame, &metadata); err != nil {
		return nil, err
	}
	ev.Type = events.EventType(typ)
	ev.Severity = events.Severity(sev)
	ev.Timestamp = time.UnixMilli(ts).UTC()
	ev.Description = desc.String
	if len(ev.Frame) == 0 {
		ev.Frame = nil
	}
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
	}
	return &ev, nil
}

// SaveTask stores or replaces a monitoring task
func (d *Database) SaveTask(t *monitoring.Task) error {
	sources, err := json.Marshal(t.SourceIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal task sources: %w", err)
	}
	types, err := json.Marshal(t.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal task event types: %w", err)
	}

	active := 0
	if t.Active {
		active = 1
	}
	var lastTriggered sql.NullInt64
	if t.LastTriggeredAt != nil {
		lastTriggered = sql.NullInt64{Int64: t.LastTriggeredAt.UnixMilli(), Valid: true}
	}

	query := `INSERT INTO monitoring_tasks
		(id, user_request, source_ids, event_types, active, created_at, last_triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_request = excluded.user_request,
			source_ids = excluded.source_ids,
			event_types = excluded.event_types,
			active = excluded.active,
			last_triggered_at = excluded.last_triggered_at`

	_, err = d.db.Exec(query, t.ID, t.Request, string(sources), string(types), active,
		t.CreatedAt.UnixMilli(), lastTriggered)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// DeleteTask removes a monitoring task
func (d *Database) DeleteTask(id string) error {
	if _, err := d.db.Exec("DELETE FROM monitoring_tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// ListTasks returns every stored task, oldest first
func (d *Database) ListTasks() ([]*monitoring.Task, error) {
	rows, err := d.db.Query(`SELECT id, user_request, source_ids, event_types, active,
		created_at, last_triggered_at FROM monitoring_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*monitoring.Task
	for rows.Next() {
		var (
			t              monitoring.Task
			sources, types string
			active         int
			created        int64
			lastTriggered  sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.Request, &sources, &types, &active, &created, &lastTriggered); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &t.SourceIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task sources: %w", err)
		}
		if err := json.Unmarshal([]byte(types), &t.EventTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task event types: %w", err)
		}
		t.Active = active == 1
		t.CreatedAt = time.UnixMilli(created).UTC()
		if lastTriggered.Valid {
			ts := time.UnixMilli(lastTriggered.Int64).UTC()
			t.LastTriggeredAt = &ts
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
