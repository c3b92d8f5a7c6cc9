package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/postpilot/pkg/credential"
	"github.com/harun/postpilot/pkg/workflow"
)

type fakeWorkflowRepo struct {
	mu        sync.Mutex
	workflows map[string]*workflow.LearnedWorkflow
	saved     []*workflow.LearnedWorkflow
}

func (r *fakeWorkflowRepo) Load(ctx context.Context, id string) (*workflow.LearnedWorkflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workflows[id], nil
}

func (r *fakeWorkflowRepo) Save(ctx context.Context, wf *workflow.LearnedWorkflow) error {
	// Honors cancellation the way the sqlite repository does
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, wf)
	return nil
}

type fakeCredentialRepo struct {
	mu        sync.Mutex
	pool      *credential.Pool
	persisted []*credential.Member
}

func (r *fakeCredentialRepo) LoadPool(ctx context.Context, poolID string) (*credential.Pool, error) {
	return r.pool, nil
}

func (r *fakeCredentialRepo) Persist(ctx context.Context, poolID string, m *credential.Member) error {
	// Honors cancellation the way the sqlite repository does
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, m)
	return nil
}

// stubDriver scripts PageDriver behavior for orchestrator tests
type stubDriver struct {
	locateErr error
	actErr    error
	actDelay  time.Duration
	closed    bool
}

func (d *stubDriver) Navigate(ctx context.Context, url string) error { return nil }

func (d *stubDriver) Locate(ctx context.Context, sel workflow.ElementSelector, timeout time.Duration) (workflow.Handle, error) {
	if d.locateErr != nil {
		return nil, d.locateErr
	}
	return sel.Value, nil
}

func (d *stubDriver) Act(ctx context.Context, h workflow.Handle, action workflow.ActionKind, params workflow.ActionParams) error {
	if d.actDelay > 0 {
		select {
		case <-time.After(d.actDelay):
		case <-ctx.Done():
			return &workflow.AutomationError{Code: workflow.ErrCodeCancelled, Message: "action cancelled"}
		}
	}
	return d.actErr
}

func (d *stubDriver) Evaluate(ctx context.Context, cond workflow.SuccessCondition) (bool, error) {
	return true, nil
}

func (d *stubDriver) Close() error {
	d.closed = true
	return nil
}

type stubFactory struct {
	driver *stubDriver
	err    error
}

func (f *stubFactory) DriverFor(ctx context.Context, credentialID string) (workflow.PageDriver, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.driver, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []credential.Event
}

func (s *captureSink) Notify(e credential.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) has(kind credential.EventKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func testWorkflow() *workflow.LearnedWorkflow {
	return &workflow.LearnedWorkflow{
		ID:       "wf-1",
		Name:     "post photo",
		Platform: "instagram",
		TaskType: "post",
		Active:   true,
		Steps: []workflow.WorkflowStep{
			{Order: 0, Action: workflow.ActionClick, Selector: &workflow.ElementSelector{Kind: workflow.SelectorCSS, Value: "#go"}, TimeoutMs: 1000},
		},
	}
}

func testFixture(driver *stubDriver, sink credential.NotificationSink) (*Orchestrator, *fakeWorkflowRepo, *fakeCredentialRepo, *credential.Member) {
	pool := credential.NewPool("pool-1", "instagram", credential.StrategyRoundRobin, credential.DefaultPolicy(), sink)
	member := pool.Enroll(&credential.Member{Label: "acct-a", QuotaLimit: 100})

	workflows := &fakeWorkflowRepo{workflows: map[string]*workflow.LearnedWorkflow{"wf-1": testWorkflow()}}
	creds := &fakeCredentialRepo{pool: pool}
	orch := New(DefaultConfig(), workflows, creds, &stubFactory{driver: driver}, sink)
	return orch, workflows, creds, member
}

func TestOrchestrator_SuccessfulRun(t *testing.T) {
	driver := &stubDriver{}
	sink := &captureSink{}
	orch, workflows, creds, member := testFixture(driver, sink)

	result, err := orch.RunWorkflowForPlatform(context.Background(), "pool-1", "wf-1", nil)
	require.NoError(t, err)

	assert.True(t, result.OverallSuccess)
	assert.True(t, driver.closed)

	// Credential released back to active with quota charged
	pool, _ := creds.LoadPool(context.Background(), "pool-1")
	got, err := pool.Get(member.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, got.Status)
	assert.Equal(t, 1, got.QuotaUsed)
	assert.Equal(t, 1, got.SuccessCount)

	// Member and workflow statistics persisted
	require.NotEmpty(t, creds.persisted)
	require.Len(t, workflows.saved, 1)
	assert.Equal(t, 1, workflows.saved[0].SuccessCount)

	assert.True(t, sink.has(credential.EventSessionStarted))
	assert.True(t, sink.has(credential.EventSessionEnded))
}

func TestOrchestrator_PoolExhausted(t *testing.T) {
	driver := &stubDriver{}
	orch, _, creds, _ := testFixture(driver, nil)

	// Drain the single member
	pool, _ := creds.LoadPool(context.Background(), "pool-1")
	_, err := pool.Acquire()
	require.NoError(t, err)

	_, err = orch.RunWorkflowForPlatform(context.Background(), "pool-1", "wf-1", nil)
	require.Error(t, err)
	assert.Equal(t, workflow.ErrCodePoolExhausted, workflow.CodeOf(err))
}

func TestOrchestrator_WorkflowNotFoundReleasesNeutrally(t *testing.T) {
	driver := &stubDriver{}
	orch, _, creds, member := testFixture(driver, nil)

	_, err := orch.RunWorkflowForPlatform(context.Background(), "pool-1", "missing", nil)
	require.Error(t, err)
	assert.Equal(t, workflow.ErrCodeWorkflowNotFound, workflow.CodeOf(err))

	pool, _ := creds.LoadPool(context.Background(), "pool-1")
	got, _ := pool.Get(member.ID)
	assert.Equal(t, credential.StatusActive, got.Status)
	assert.Equal(t, 0, got.QuotaUsed, "neutral release must not charge quota")
	assert.Equal(t, 0, got.FailureCount)
}

func TestOrchestrator_InactiveWorkflowIsNotFound(t *testing.T) {
	driver := &stubDriver{}
	orch, workflows, _, _ := testFixture(driver, nil)
	workflows.workflows["wf-1"].Active = false

	_, err := orch.RunWorkflowForPlatform(context.Background(), "pool-1", "wf-1", nil)
	assert.Equal(t, workflow.ErrCodeWorkflowNotFound, workflow.CodeOf(err))
}

func TestOrchestrator_FailureCoolsCredentialDown(t *testing.T) {
	driver := &stubDriver{actErr: &workflow.AutomationError{Code: workflow.ErrCodeActionFailed, Message: "detached"}}
	orch, _, creds, member := testFixture(driver, nil)

	result, err := orch.RunWorkflowForPlatform(context.Background(), "pool-1", "wf-1", nil)
	require.NoError(t, err)
	assert.False(t, result.OverallSuccess)

	pool, _ := creds.LoadPool(context.Background(), "pool-1")
	got, _ := pool.Get(member.ID)
	assert.Equal(t, credential.StatusCooldown, got.Status)
	assert.Equal(t, 1, got.ConsecutiveFailures)
}

func TestOrchestrator_EscalationEmitsAccountError(t *testing.T) {
	driver := &stubDriver{actErr: &workflow.AutomationError{Code: workflow.ErrCodeActionFailed, Message: "detached"}}
	sink := &captureSink{}

	policy := credential.DefaultPolicy()
	policy.MaxConsecutiveFailures = 1
	pool := credential.NewPool("pool-1", "instagram", credential.StrategyRoundRobin, policy, sink)
	member := pool.Enroll(&credential.Member{Label: "acct-a", QuotaLimit: 100})

	workflows := &fakeWorkflowRepo{workflows: map[string]*workflow.LearnedWorkflow{"wf-1": testWorkflow()}}
	creds := &fakeCredentialRepo{pool: pool}
	orch := New(DefaultConfig(), workflows, creds, &stubFactory{driver: driver}, sink)

	result, err := orch.RunWorkflowForPlatform(context.Background(), "pool-1", "wf-1", nil)
	require.NoError(t, err)
	assert.False(t, result.OverallSuccess)

	got, _ := pool.Get(member.ID)
	assert.Equal(t, credential.StatusError, got.Status)
	assert.True(t, sink.has(credential.EventAccountError))
}

func TestOrchestrator_CallerCancellation(t *testing.T) {
	driver := &stubDriver{actDelay: 200 * time.Millisecond}
	orch, workflows, creds, member := testFixture(driver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := orch.RunWorkflowForPlatform(ctx, "pool-1", "wf-1", nil)
	require.NoError(t, err)
	assert.False(t, result.OverallSuccess)
	assert.Equal(t, workflow.ErrCodeCancelled, result.ErrorCode)

	// Cancelled releases cool the member down without a failure mark
	pool, _ := creds.LoadPool(context.Background(), "pool-1")
	got, _ := pool.Get(member.ID)
	assert.Equal(t, credential.StatusCooldown, got.Status)
	assert.Equal(t, 0, got.ConsecutiveFailures)

	// Persistence survives the cancelled caller context
	creds.mu.Lock()
	persisted := len(creds.persisted)
	creds.mu.Unlock()
	assert.NotZero(t, persisted, "cooldown must be persisted despite cancellation")

	workflows.mu.Lock()
	saved := len(workflows.saved)
	workflows.mu.Unlock()
	assert.Equal(t, 1, saved, "workflow counters must be persisted despite cancellation")
}

func TestOrchestrator_WallClockCeilingReportsTimeout(t *testing.T) {
	driver := &stubDriver{actDelay: 2 * time.Second}

	pool := credential.NewPool("pool-1", "instagram", credential.StrategyRoundRobin, credential.DefaultPolicy(), nil)
	member := pool.Enroll(&credential.Member{Label: "acct-a", QuotaLimit: 100})

	wf := testWorkflow()
	wf.Steps[0].TimeoutMs = 100

	workflows := &fakeWorkflowRepo{workflows: map[string]*workflow.LearnedWorkflow{"wf-1": wf}}
	creds := &fakeCredentialRepo{pool: pool}

	cfg := DefaultConfig()
	cfg.CeilingFloor = 200 * time.Millisecond
	orch := New(cfg, workflows, creds, &stubFactory{driver: driver}, nil)

	result, err := orch.RunWorkflowForPlatform(context.Background(), "pool-1", "wf-1", nil)
	require.NoError(t, err)
	assert.False(t, result.OverallSuccess)
	assert.Equal(t, workflow.ErrCodeTimeout, result.ErrorCode)

	// Timeout still counts as a failure against the credential
	got, _ := pool.Get(member.ID)
	assert.Equal(t, 1, got.ConsecutiveFailures)
}

func TestOrchestrator_QuotaUnitMinutes(t *testing.T) {
	driver := &stubDriver{}

	pool := credential.NewPool("pool-1", "runpod", credential.StrategyLeastUsed, credential.DefaultPolicy(), nil)
	member := pool.Enroll(&credential.Member{Label: "gpu-a", QuotaLimit: 720})

	workflows := &fakeWorkflowRepo{workflows: map[string]*workflow.LearnedWorkflow{"wf-1": testWorkflow()}}
	creds := &fakeCredentialRepo{pool: pool}

	cfg := DefaultConfig()
	cfg.QuotaUnit = QuotaUnitMinutes
	orch := New(cfg, workflows, creds, &stubFactory{driver: driver}, nil)

	_, err := orch.RunWorkflowForPlatform(context.Background(), "pool-1", "wf-1", nil)
	require.NoError(t, err)

	// Sub-minute runs charge the one-minute minimum
	got, _ := pool.Get(member.ID)
	assert.Equal(t, 1, got.QuotaUsed)
}

func TestOrchestrator_ConcurrentRunsUseDistinctMembers(t *testing.T) {
	driver := &stubDriver{actDelay: 50 * time.Millisecond}
	sink := &captureSink{}

	pool := credential.NewPool("pool-1", "instagram", credential.StrategyRoundRobin, credential.DefaultPolicy(), sink)
	pool.Enroll(&credential.Member{Label: "acct-a", QuotaLimit: 100})
	pool.Enroll(&credential.Member{Label: "acct-b", QuotaLimit: 100})

	workflows := &fakeWorkflowRepo{workflows: map[string]*workflow.LearnedWorkflow{"wf-1": testWorkflow()}}
	creds := &fakeCredentialRepo{pool: pool}
	orch := New(DefaultConfig(), workflows, creds, &stubFactory{driver: driver}, sink)

	var wg sync.WaitGroup
	results := make(chan *workflow.ExecutionResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := orch.RunWorkflowForPlatform(context.Background(), "pool-1", "wf-1", nil)
			if err == nil {
				results <- result
			}
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for result := range results {
		assert.True(t, result.OverallSuccess)
		count++
	}
	assert.Equal(t, 2, count)

	// Both members were exercised exactly once
	for _, m := range pool.Snapshot() {
		assert.Equal(t, 1, m.SuccessCount)
	}
}
