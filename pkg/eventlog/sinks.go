package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// JSONLSink appends one JSON document per event to a file.
type JSONLSink struct {
	f   *os.File
	enc *json.Encoder
}

// NewJSONLSink opens (creating directories as needed) an append-only JSONL
// file.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONLSink) Write(ev Event) error {
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("eventlog: jsonl encode: %w", err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	return s.f.Close()
}

// SQLiteSink persists events to a local SQLite database for post-run
// queries.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database and its schema.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir for %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite %s: %w", path, err)
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		sequence INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		actor TEXT,
		payload JSON,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Write(ev Event) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("eventlog: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO events (sequence, timestamp, event_type, actor, payload, payload_hash, prev_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Sequence,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Type,
		ev.Actor,
		string(payloadJSON),
		ev.PayloadHash,
		ev.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert seq %d: %w", ev.Sequence, err)
	}
	return nil
}

// Recent reads back up to limit most recent events, oldest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, timestamp, event_type, actor, payload, payload_hash, prev_hash
		 FROM (
			SELECT * FROM events ORDER BY sequence DESC LIMIT ?
		 ) ORDER BY sequence ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev          Event
			ts          string
			actor       sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&ev.Sequence, &ts, &ev.Type, &actor, &payloadJSON, &ev.PayloadHash, &ev.PrevHash); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
		ev.Actor = actor.String
		if payloadJSON.Valid && payloadJSON.String != "" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
