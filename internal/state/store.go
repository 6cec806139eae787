package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Store archives terminal execution records so that history survives the
// monitor's in-memory retention sweep.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ArchivedExecution is a terminal execution as kept in SQLite.
type ArchivedExecution struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	Workspace     string    `json:"workspace"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Model         string    `json:"model,omitempty"`
	Status        string    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationMS    int64     `json:"duration_ms"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	Output        []byte    `json:"-"`
}

// ArchiveExecution upserts a terminal execution record.
func (s *Store) ArchiveExecution(ctx context.Context, ex ArchivedExecution) error {
	if ex.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	var exitCode any
	if ex.ExitCode != nil {
		exitCode = *ex.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, workspace, workspace_path, provider, model, status, start_time, end_time, duration_ms, exit_code, error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, end_time = excluded.end_time,
			duration_ms = excluded.duration_ms, exit_code = excluded.exit_code,
			error = excluded.error, output = excluded.output
	`, ex.ID, ex.TaskID, ex.Workspace, nullString(ex.WorkspacePath), nullString(ex.Provider), nullString(ex.Model),
		ex.Status, ex.StartTime.UTC().Format(time.RFC3339Nano), ex.EndTime.UTC().Format(time.RFC3339Nano),
		ex.DurationMS, exitCode, nullString(ex.Error), nullString(string(ex.Output)))
	if err != nil {
		return fmt.Errorf("archive execution: %w", err)
	}
	return nil
}

// ListExecutions returns archived executions, newest first, optionally
// filtered by workspace and status.
func (s *Store) ListExecutions(ctx context.Context, workspace, status string, limit int) ([]ArchivedExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, task_id, workspace, workspace_path, provider, model, status, start_time, end_time, duration_ms, exit_code, error FROM executions`
	var clauses []string
	var args []any
	if workspace != "" {
		clauses = append(clauses, "workspace = ?")
		args = append(args, workspace)
	}
	if status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_time DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ArchivedExecution
	for rows.Next() {
		var ex ArchivedExecution
		var workspacePath, provider, model, errStr sql.NullString
		var startStr, endStr sql.NullString
		var exitCode sql.NullInt64
		if err := rows.Scan(&ex.ID, &ex.TaskID, &ex.Workspace, &workspacePath, &provider, &model, &ex.Status, &startStr, &endStr, &ex.DurationMS, &exitCode, &errStr); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		ex.WorkspacePath = workspacePath.String
		ex.Provider = provider.String
		ex.Model = model.String
		ex.Error = errStr.String
		ex.StartTime, _ = time.Parse(time.RFC3339Nano, startStr.String)
		ex.EndTime, _ = time.Parse(time.RFC3339Nano, endStr.String)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			ex.ExitCode = &code
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// EncodeOutput serializes execution output lines for archival.
func EncodeOutput(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
