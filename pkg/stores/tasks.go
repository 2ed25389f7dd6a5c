package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// RecordTask upserts a task snapshot. It satisfies engine.TaskRecorder.
func (s *SQLiteStore) RecordTask(ctx context.Context, task engine.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	var code string
	if task.Error != nil {
		code = task.Error.Code
	}

	query := `
		INSERT INTO tasks (id, status, priority, destination, error_code, created_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			destination = excluded.destination,
			error_code = excluded.error_code,
			completed_at = excluded.completed_at,
			data = excluded.data
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		string(task.Status),
		int(task.Priority),
		task.Destination,
		code,
		nanos(task.CreatedAt),
		nanosPtr(task.CompletedAt),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*engine.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task engine.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return &task, nil
}

// ListTasks lists tasks with an optional status filter and pagination
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]engine.Task, error) {
	query := `
		SELECT data FROM tasks
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`
	status := string(filter.Status)
	rows, err := s.db.QueryContext(ctx, query, status, status, limitOrDefault(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []engine.Task{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		var task engine.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the number of stored tasks per status.
func (s *SQLiteStore) CountTasks(ctx context.Context) (map[engine.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[engine.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
