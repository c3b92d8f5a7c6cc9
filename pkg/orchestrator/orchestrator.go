package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/postpilot/pkg/credential"
	"github.com/harun/postpilot/pkg/workflow"
)

// Orchestrator is the top-level entry point: it rotates a credential
// out of the pool, replays the learned workflow against it and routes
// the outcome back into quota and reliability statistics. Multiple
// invocations may run concurrently; the pool lock keeps member
// selection linearizable.
type Orchestrator struct {
	config    Config
	workflows WorkflowRepository
	creds     CredentialRepository
	drivers   DriverFactory
	sink      credential.NotificationSink

	pools map[string]*credential.Pool
	mu    sync.Mutex
}

// New creates an orchestrator
func New(config Config, workflows WorkflowRepository, creds CredentialRepository, drivers DriverFactory, sink credential.NotificationSink) *Orchestrator {
	if sink == nil {
		sink = credential.NopSink{}
	}
	if config.CeilingMargin <= 1 {
		config.CeilingMargin = DefaultConfig().CeilingMargin
	}
	if config.CeilingFloor <= 0 {
		config.CeilingFloor = DefaultConfig().CeilingFloor
	}
	return &Orchestrator{
		config:    config,
		workflows: workflows,
		creds:     creds,
		drivers:   drivers,
		sink:      sink,
		pools:     make(map[string]*credential.Pool),
	}
}

// RunWorkflowForPlatform acquires a credential from the pool, replays
// the workflow against it and releases the credential with the
// outcome. It does not poll: an exhausted pool is returned to the
// caller to queue or retry.
func (o *Orchestrator) RunWorkflowForPlatform(ctx context.Context, poolID, workflowID string, vars map[string]string) (*workflow.ExecutionResult, error) {
	pool, err := o.pool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool %s: %w", poolID, err)
	}

	member, err := pool.Acquire()
	if err != nil {
		if errors.Is(err, credential.ErrNoneAvailable) {
			return nil, &workflow.AutomationError{
				Code:    workflow.ErrCodePoolExhausted,
				Message: fmt.Sprintf("no credential available in pool %s", poolID),
			}
		}
		return nil, err
	}

	wf, err := o.workflows.Load(ctx, workflowID)
	if err != nil || wf == nil || !wf.Active {
		// The member never ran anything; hand it back untouched.
		o.release(ctx, pool, member.ID, credential.Outcome{Kind: credential.OutcomeNeutral})
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
		}
		return nil, &workflow.AutomationError{
			Code:    workflow.ErrCodeWorkflowNotFound,
			Message: fmt.Sprintf("workflow %s not found or inactive", workflowID),
		}
	}

	o.sink.Notify(credential.Event{
		Kind:     credential.EventSessionStarted,
		PoolID:   poolID,
		MemberID: member.ID,
		Message:  fmt.Sprintf("replaying %s with credential %s", wf.Name, member.Label),
		At:       time.Now(),
	})

	driver, err := o.drivers.DriverFor(ctx, member.ID)
	if err != nil {
		o.release(ctx, pool, member.ID, credential.Outcome{Kind: credential.OutcomeFailure, AuthFailure: true})
		o.sessionEnded(poolID, member.ID)
		return nil, fmt.Errorf("failed to open session for credential %s: %w", member.ID, err)
	}

	ceiling := o.workflowCeiling(wf)
	runCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	started := time.Now()
	result := workflow.NewRunner(driver).Run(runCtx, wf, vars)

	if cerr := driver.Close(); cerr != nil {
		log.Warn().Err(cerr).Str("credential", member.ID).Msg("Failed to close browser session")
	}

	// Distinguish the caller pulling the plug from the wall-clock
	// ceiling firing; only the latter counts against the credential.
	if !result.OverallSuccess && result.ErrorCode == workflow.ErrCodeCancelled {
		if ctx.Err() == nil && runCtx.Err() != nil {
			result.ErrorCode = workflow.ErrCodeTimeout
			result.Error = fmt.Sprintf("workflow exceeded wall-clock ceiling of %s", ceiling)
		}
	}

	o.release(ctx, pool, member.ID, o.outcomeFor(result, time.Since(started)))
	o.sessionEnded(poolID, member.ID)

	if err := o.workflows.Save(context.WithoutCancel(ctx), wf); err != nil {
		log.Error().Err(err).Str("workflow", wf.ID).Msg("Failed to persist workflow statistics")
	}

	return result, nil
}

// Sweep runs the quota reset sweep over every loaded pool
func (o *Orchestrator) Sweep(now time.Time) {
	for _, pool := range o.Pools() {
		pool.ResetElapsed(now)
	}
}

// Pools returns the currently loaded pools
func (o *Orchestrator) Pools() []*credential.Pool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*credential.Pool, 0, len(o.pools))
	for _, p := range o.pools {
		out = append(out, p)
	}
	return out
}

// pool returns the cached pool or loads it from the repository
func (o *Orchestrator) pool(ctx context.Context, poolID string) (*credential.Pool, error) {
	o.mu.Lock()
	if p, ok := o.pools[poolID]; ok {
		o.mu.Unlock()
		return p, nil
	}
	o.mu.Unlock()

	p, err := o.creds.LoadPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.pools[poolID]; ok {
		return existing, nil
	}
	o.pools[poolID] = p
	return p, nil
}

// release applies the outcome and persists the mutated member. The
// persistence context is detached from the caller: a cancelled run
// must still record its cooldown and counters.
func (o *Orchestrator) release(ctx context.Context, pool *credential.Pool, memberID string, outcome credential.Outcome) {
	ctx = context.WithoutCancel(ctx)
	if err := pool.Release(memberID, outcome); err != nil {
		log.Error().Err(err).Str("member", memberID).Msg("Failed to release credential")
		return
	}
	member, err := pool.Get(memberID)
	if err != nil {
		return
	}
	if err := o.creds.Persist(ctx, pool.ID(), member); err != nil {
		log.Error().Err(err).Str("member", memberID).Msg("Failed to persist credential state")
	}
}

// outcomeFor maps a run result onto a pool release outcome
func (o *Orchestrator) outcomeFor(result *workflow.ExecutionResult, elapsed time.Duration) credential.Outcome {
	spent := 1
	if o.config.QuotaUnit == QuotaUnitMinutes {
		spent = int(math.Ceil(elapsed.Minutes()))
		if spent < 1 {
			spent = 1
		}
	}

	switch {
	case result.OverallSuccess:
		return credential.Outcome{Kind: credential.OutcomeSuccess, QuotaSpent: spent}
	case result.ErrorCode == workflow.ErrCodeCancelled:
		return credential.Outcome{Kind: credential.OutcomeCancelled, QuotaSpent: spent}
	default:
		return credential.Outcome{Kind: credential.OutcomeFailure, QuotaSpent: spent}
	}
}

// workflowCeiling sums each step's worst-case budget (timeout times
// attempts plus fixed waits) and applies the configured margin
func (o *Orchestrator) workflowCeiling(wf *workflow.LearnedWorkflow) time.Duration {
	var total time.Duration
	for _, step := range wf.Steps {
		timeout := time.Duration(step.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		attempts := time.Duration(1 + step.RetryCount)
		total += timeout*attempts + time.Duration(step.WaitBeforeMs+step.WaitAfterMs)*time.Millisecond
	}

	ceiling := time.Duration(float64(total) * o.config.CeilingMargin)
	if ceiling < o.config.CeilingFloor {
		ceiling = o.config.CeilingFloor
	}
	return ceiling
}

func (o *Orchestrator) sessionEnded(poolID, memberID string) {
	o.sink.Notify(credential.Event{
		Kind:     credential.EventSessionEnded,
		PoolID:   poolID,
		MemberID: memberID,
		At:       time.Now(),
	})
}
