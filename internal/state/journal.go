package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rubenmavarezb/ditloop/internal/idgen"
	"github.com/rubenmavarezb/ditloop/internal/schema"
)

// Journal persists every event emitted on the bus. It is an audit trail, not
// a source of truth: the sync engine's in-memory delta buffer serves clients.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// JournalEntry is one persisted event.
type JournalEntry struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Append writes one event to the journal.
func (j *Journal) Append(ctx context.Context, name string, payload map[string]any) error {
	payloadJSON, err := encodeJSON(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO events (id, name, category, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, idgen.NewULID(), name, string(schema.CategoryOf(name)), payloadJSON, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first, optionally filtered by
// category.
func (j *Journal) List(ctx context.Context, category string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, name, category, payload, created_at FROM events`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&entry.ID, &entry.Name, &entry.Category, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		entry.Payload = decodeJSONMap(payloadStr.String)
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
