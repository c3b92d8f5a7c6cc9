package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/harun/postpilot/pkg/workflow"
)

// WorkflowStore persists learned workflows in sqlite, steps serialized
// as one JSON column since they are only read whole
type WorkflowStore struct {
	db *sql.DB
}

// NewWorkflowStore creates a workflow store
func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// Load fetches one workflow; (nil, nil) when absent
func (s *WorkflowStore) Load(ctx context.Context, workflowID string) (*workflow.LearnedWorkflow, error) {
	wf := &workflow.LearnedWorkflow{}
	var stepsJSON, provenance string
	var lastSuccessAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, platform, task_type, version, steps,
			success_count, failure_count, active, provenance,
			last_success_at, created_at, updated_at
		FROM workflows WHERE id = ?`, workflowID).
		Scan(&wf.ID, &wf.Name, &wf.Platform, &wf.TaskType, &wf.Version, &stepsJSON,
			&wf.SuccessCount, &wf.FailureCount, &wf.Active, &provenance,
			&lastSuccessAt, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps for workflow %s: %w", workflowID, err)
	}
	wf.Provenance = workflow.Provenance(provenance)
	if lastSuccessAt.Valid {
		t := lastSuccessAt.Time
		wf.LastSuccessAt = &t
	}

	return wf, nil
}

// FindForTask returns the highest-confidence active workflow for a
// (platform, task) pair
func (s *WorkflowStore) FindForTask(ctx context.Context, platform, taskType string) (*workflow.LearnedWorkflow, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM workflows
		WHERE platform = ? AND task_type = ? AND active = 1
		ORDER BY CAST(success_count AS REAL) / MAX(success_count + failure_count, 1) DESC, updated_at DESC
		LIMIT 1`, platform, taskType).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find workflow for %s/%s: %w", platform, taskType, err)
	}
	return s.Load(ctx, id)
}

// Save upserts a workflow with its statistics
func (s *WorkflowStore) Save(ctx context.Context, wf *workflow.LearnedWorkflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps for workflow %s: %w", wf.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (
			id, name, platform, task_type, version, steps,
			success_count, failure_count, active, provenance,
			last_success_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			platform=excluded.platform,
			task_type=excluded.task_type,
			version=excluded.version,
			steps=excluded.steps,
			success_count=excluded.success_count,
			failure_count=excluded.failure_count,
			active=excluded.active,
			provenance=excluded.provenance,
			last_success_at=excluded.last_success_at,
			updated_at=excluded.updated_at`,
		wf.ID, wf.Name, wf.Platform, wf.TaskType, wf.Version, string(steps),
		wf.SuccessCount, wf.FailureCount, wf.Active, string(wf.Provenance),
		nullableTime(wf.LastSuccessAt), wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	return nil
}
