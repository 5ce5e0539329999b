// Package persistence provides SQLite-backed storage for breaker state and
// the message event audit trail.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"switchboard/pkg/comms"
	"switchboard/pkg/logx"
	"switchboard/pkg/resilience/circuit"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS breaker_stats (
	name TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	total_requests INTEGER NOT NULL DEFAULT 0,
	total_successes INTEGER NOT NULL DEFAULT 0,
	total_failures INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_failure_time TIMESTAMP,
	last_state_change TIMESTAMP,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS message_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	agent_id TEXT,
	message_id TEXT,
	correlation_id TEXT,
	message_type TEXT,
	error TEXT,
	payload TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_events_type ON message_events(event_type);
CREATE INDEX IF NOT EXISTS idx_message_events_agent ON message_events(agent_id);
`

// Store owns the database connection. It implements circuit.StatsStore and
// records the communication manager's event stream.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at path and brings the schema to the
// current version.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logx.NewLogger("persistence")}
	s.logger.Info("Database initialized: %s", dbPath)
	return s, nil
}

func initializeSchema(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		// Fresh database: the table does not exist yet, or has no row.
		return 0, nil //nolint:nilerr // Any read failure here means version 0
	}
	return version, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save implements circuit.StatsStore.
func (s *Store) Save(name string, stats circuit.Stats) error {
	_, err := s.db.Exec(`
		INSERT INTO breaker_stats
			(name, state, total_requests, total_successes, total_failures,
			 consecutive_failures, last_failure_time, last_state_change, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			total_requests = excluded.total_requests,
			total_successes = excluded.total_successes,
			total_failures = excluded.total_failures,
			consecutive_failures = excluded.consecutive_failures,
			last_failure_time = excluded.last_failure_time,
			last_state_change = excluded.last_state_change,
			updated_at = excluded.updated_at`,
		name, string(stats.State), stats.TotalRequests, stats.TotalSuccesses,
		stats.TotalFailures, stats.ConsecutiveFailures,
		stats.LastFailureTime, stats.LastStateChange, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save breaker stats for %s: %w", name, err)
	}
	return nil
}

// Load implements circuit.StatsStore.
func (s *Store) Load(name string) (circuit.Stats, bool, error) {
	var (
		stats circuit.Stats
		state string
	)
	err := s.db.QueryRow(`
		SELECT state, total_requests, total_successes, total_failures,
		       consecutive_failures, last_failure_time, last_state_change
		FROM breaker_stats WHERE name = ?`, name,
	).Scan(&state, &stats.TotalRequests, &stats.TotalSuccesses,
		&stats.TotalFailures, &stats.ConsecutiveFailures,
		&stats.LastFailureTime, &stats.LastStateChange)
	if errors.Is(err, sql.ErrNoRows) {
		return circuit.Stats{}, false, nil
	}
	if err != nil {
		return circuit.Stats{}, false, fmt.Errorf("failed to load breaker stats for %s: %w", name, err)
	}
	stats.State = circuit.State(state)
	return stats, true, nil
}

// RecordEvent writes one manager event to the audit trail. Message content
// is stored as JSON; a nil message leaves the payload empty.
func (s *Store) RecordEvent(event comms.Event) error {
	var messageID, correlationID, messageType, payload string
	if event.Message != nil {
		messageID = event.Message.ID
		correlationID = event.Message.CorrelationID
		messageType = string(event.Message.Type)
		if data, err := json.Marshal(event.Message); err == nil {
			payload = string(data)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO message_events
			(event_type, agent_id, message_id, correlation_id, message_type, error, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.Type), event.AgentID, messageID, correlationID,
		messageType, event.Error, payload, event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// AuditFunc returns an event callback that writes every event to the store.
// Write failures are logged, never propagated: the audit trail must not
// break message flow.
func (s *Store) AuditFunc() comms.EventFunc {
	return func(event comms.Event) {
		if err := s.RecordEvent(event); err != nil {
			s.logger.Warn("audit write failed: %v", err)
		}
	}
}

// EventRecord is one row of the audit trail.
type EventRecord struct {
	ID            int64     `json:"id"`
	EventType     string    `json:"event_type"`
	AgentID       string    `json:"agent_id"`
	MessageID     string    `json:"message_id"`
	CorrelationID string    `json:"correlation_id"`
	MessageType   string    `json:"message_type"`
	Error         string    `json:"error"`
	CreatedAt     time.Time `json:"created_at"`
}

// RecentEvents returns the newest events first, up to limit.
func (s *Store) RecentEvents(limit int) ([]EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, event_type, agent_id, message_id, correlation_id, message_type, error, created_at
		FROM message_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.AgentID, &rec.MessageID,
			&rec.CorrelationID, &rec.MessageType, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}
