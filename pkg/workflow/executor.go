package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultStepTimeout = 30 * time.Second

// StepExecutor runs a single workflow step against a PageDriver,
// enforcing the step's timeout, retry and optional-skip policy.
type StepExecutor struct {
	driver PageDriver
}

// NewStepExecutor creates a step executor bound to one driver
func NewStepExecutor(driver PageDriver) *StepExecutor {
	return &StepExecutor{driver: driver}
}

// Execute runs one step. Resolution and action failures are retried up
// to step.RetryCount extra attempts, each with a fresh element lookup
// since page state may have shifted. Post-condition failures are never
// retried: the action already happened, so a wrong outcome is a
// correctness problem, not flakiness.
func (e *StepExecutor) Execute(ctx context.Context, step *WorkflowStep, vars map[string]string) StepResult {
	start := time.Now()
	result := StepResult{
		Order:        step.Order,
		Action:       step.Action,
		MatchedIndex: -1,
	}

	if err := sleepCtx(ctx, time.Duration(step.WaitBeforeMs)*time.Millisecond); err != nil {
		return failStep(result, start, ErrCodeCancelled, "step cancelled before start")
	}

	value, err := resolveValue(step, vars)
	if err != nil {
		ae := err.(*AutomationError)
		return failStep(result, start, ae.Code, ae.Message)
	}

	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}

	attempts := 1 + step.RetryCount
	var lastErr *AutomationError

	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return failStep(result, start, ErrCodeCancelled, "step cancelled")
		}

		var handle Handle
		matched := -1
		if actionNeedsElement(step.Action) {
			handle, matched, err = ResolveElement(ctx, e.driver, step.Candidates(), timeout)
			if err != nil {
				lastErr = asAutomationError(err, ErrCodeElementNotFound)
				if lastErr.Code == ErrCodeCancelled {
					return failStep(result, start, ErrCodeCancelled, lastErr.Message)
				}
				continue
			}
			result.MatchedIndex = matched
		}

		if err := e.performAction(ctx, handle, step, value); err != nil {
			lastErr = asAutomationError(err, ErrCodeActionFailed)
			if lastErr.Code == ErrCodeCancelled {
				return failStep(result, start, ErrCodeCancelled, lastErr.Message)
			}
			log.Debug().
				Int("order", step.Order).
				Str("action", string(step.Action)).
				Int("attempt", attempt).
				Str("error", lastErr.Message).
				Msg("Step attempt failed")
			continue
		}

		lastErr = nil
		break
	}

	if lastErr != nil {
		if step.IsOptional {
			result.Success = true
			result.Skipped = true
			result.Duration = time.Since(start)
			log.Debug().Int("order", step.Order).Msg("Optional step skipped after exhausted attempts")
			return result
		}
		return failStep(result, start, lastErr.Code, lastErr.Message)
	}

	if err := sleepCtx(ctx, time.Duration(step.WaitAfterMs)*time.Millisecond); err != nil {
		return failStep(result, start, ErrCodeCancelled, "step cancelled after action")
	}

	// Verification failure fails the step even when optional: the
	// side effect already ran and produced the wrong outcome.
	if step.SuccessCondition != nil {
		ok, err := e.driver.Evaluate(ctx, *step.SuccessCondition)
		if err != nil {
			return failStep(result, start, ErrCodePostCondition,
				fmt.Sprintf("success condition check errored: %v", err))
		}
		if !ok {
			return failStep(result, start, ErrCodePostCondition,
				fmt.Sprintf("success condition %s not met", step.SuccessCondition.Kind))
		}
	}

	result.Success = true
	result.Duration = time.Since(start)
	return result
}

// performAction dispatches the resolved step to the driver
func (e *StepExecutor) performAction(ctx context.Context, handle Handle, step *WorkflowStep, value string) error {
	switch step.Action {
	case ActionNavigate:
		return e.driver.Navigate(ctx, value)
	case ActionWait:
		d := time.Duration(step.TimeoutMs) * time.Millisecond
		if d <= 0 {
			d = time.Second
		}
		return sleepCtx(ctx, d)
	case ActionUpload:
		return e.driver.Act(ctx, handle, step.Action, ActionParams{Files: []string{value}})
	case ActionWaitForElement, ActionAssertVisible:
		// Resolution already proved presence; assertVisible additionally
		// checks visibility through the driver.
		if step.Action == ActionAssertVisible {
			return e.driver.Act(ctx, handle, step.Action, ActionParams{})
		}
		return nil
	default:
		return e.driver.Act(ctx, handle, step.Action, ActionParams{Value: value})
	}
}

// resolveValue looks up the step input, preferring the run-context
// variable over the literal value
func resolveValue(step *WorkflowStep, vars map[string]string) (string, error) {
	if step.InputVariable == "" {
		return step.Value, nil
	}
	v, ok := vars[step.InputVariable]
	if !ok {
		return "", &AutomationError{
			Code:    ErrCodeMissingVariable,
			Message: fmt.Sprintf("input variable %q not present in run context", step.InputVariable),
		}
	}
	return v, nil
}

// actionNeedsElement reports whether the action operates on a resolved
// element handle
func actionNeedsElement(action ActionKind) bool {
	switch action {
	case ActionNavigate, ActionWait, ActionScroll, ActionPressKey, ActionExecuteScript:
		return false
	}
	return true
}

func asAutomationError(err error, fallbackCode string) *AutomationError {
	if ae, ok := err.(*AutomationError); ok {
		return ae
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AutomationError{Code: ErrCodeCancelled, Message: err.Error()}
	}
	return &AutomationError{Code: fallbackCode, Message: err.Error()}
}

func failStep(result StepResult, start time.Time, code, msg string) StepResult {
	result.Success = false
	result.ErrorCode = code
	result.Error = msg
	result.Duration = time.Since(start)
	return result
}

// sleepCtx sleeps for d unless the context is cancelled first
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
