package workflow

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// Runner drives the ordered steps of one learned workflow. Steps run
// strictly sequentially; the first non-optional failure aborts the run
// (partial side effects are reported, never rolled back — a posted
// post cannot be unclicked).
type Runner struct {
	executor *StepExecutor
}

// NewRunner creates a runner for one driver-bound executor
func NewRunner(driver PageDriver) *Runner {
	return &Runner{executor: NewStepExecutor(driver)}
}

// Run executes the workflow and folds the outcome into its counters.
// The context map supplies values for steps that reference an input
// variable (generated caption text, media paths).
func (r *Runner) Run(ctx context.Context, wf *LearnedWorkflow, vars map[string]string) *ExecutionResult {
	runID := newRunID()
	start := time.Now()

	result := &ExecutionResult{
		RunID:       runID,
		WorkflowID:  wf.ID,
		StepResults: make([]StepResult, 0, len(wf.Steps)),
		StartedAt:   start,
	}

	logger := log.With().
		Str("runId", runID).
		Str("workflow", wf.Name).
		Str("platform", wf.Platform).
		Logger()

	logger.Info().Int("steps", len(wf.Steps)).Msg("Workflow run started")

	// Selector feedback is collected during the run and applied only
	// after the last step: workflow definitions stay immutable while
	// steps execute.
	matches := make(map[int]int)

	aborted := false
	for i := range wf.Steps {
		step := &wf.Steps[i]

		if err := ctx.Err(); err != nil {
			result.ErrorCode = ErrCodeCancelled
			result.Error = "run cancelled"
			aborted = true
			break
		}

		stepResult := r.executor.Execute(ctx, step, vars)
		result.StepResults = append(result.StepResults, stepResult)

		if stepResult.Success {
			result.StepsCompleted++
			if !stepResult.Skipped {
				matches[i] = stepResult.MatchedIndex
			}
			continue
		}

		// Optional steps never reach here with Success=false unless a
		// post-condition failed, which is fatal regardless.
		result.ErrorCode = stepResult.ErrorCode
		result.Error = fmt.Sprintf("step %d (%s) failed: %s", step.Order, step.Action, stepResult.Error)
		aborted = true
		break
	}

	result.OverallSuccess = !aborted
	result.TotalDuration = time.Since(start)
	result.FinishedAt = time.Now()

	for i, matchedIndex := range matches {
		RecordSelectorMatch(&wf.Steps[i], matchedIndex)
	}
	wf.RecordRun(result.OverallSuccess, result.FinishedAt)

	logger.Info().
		Bool("success", result.OverallSuccess).
		Int("stepsCompleted", result.StepsCompleted).
		Dur("duration", result.TotalDuration).
		Float64("confidence", wf.Confidence()).
		Msg("Workflow run finished")

	return result
}

func newRunID() string {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails when the entropy source does
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return id
}
