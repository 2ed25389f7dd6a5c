package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// RecordRun upserts a pipeline run snapshot. It satisfies engine.RunRecorder.
func (s *SQLiteStore) RecordRun(ctx context.Context, run engine.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	query := `
		INSERT INTO pipeline_runs (id, stage, status, description, created_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			status = excluded.status,
			description = excluded.description,
			completed_at = excluded.completed_at,
			data = excluded.data
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Stage),
		string(run.Status),
		run.Description,
		nanos(run.CreatedAt),
		nanosPtr(run.CompletedAt),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.PipelineRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM pipeline_runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run engine.PipelineRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns lists runs with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]engine.PipelineRun, error) {
	query := `
		SELECT data FROM pipeline_runs
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`
	status := string(filter.Status)
	rows, err := s.db.QueryContext(ctx, query, status, status, limitOrDefault(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.PipelineRun{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run engine.PipelineRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
