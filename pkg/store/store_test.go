package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/postpilot/pkg/credential"
	"github.com/harun/postpilot/pkg/workflow"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "postpilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCredentialStore_PoolRoundTrip(t *testing.T) {
	db := testDB(t)
	store := NewCredentialStore(db, nil)
	ctx := context.Background()

	policy := credential.DefaultPolicy()
	policy.CooldownMinutes = 30
	policy.QuotaReservedFloor = 20
	pool := credential.NewPool("ig-pool", "instagram", credential.StrategyPriority, policy, nil)

	a := pool.Enroll(&credential.Member{Label: "acct-a", Priority: 1, Weight: 3, QuotaLimit: 100})
	b := pool.Enroll(&credential.Member{Label: "acct-b", Priority: 2, Weight: 1, QuotaLimit: 50})

	require.NoError(t, store.SavePool(ctx, pool))
	for _, m := range pool.Snapshot() {
		member := m
		require.NoError(t, store.Persist(ctx, pool.ID(), &member))
	}

	loaded, err := store.LoadPool(ctx, "ig-pool")
	require.NoError(t, err)

	assert.Equal(t, "instagram", loaded.Platform())
	assert.Equal(t, credential.StrategyPriority, loaded.Strategy())
	assert.Equal(t, 30, loaded.Policy().CooldownMinutes)
	assert.Equal(t, 20, loaded.Policy().QuotaReservedFloor)

	gotA, err := loaded.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "acct-a", gotA.Label)
	assert.Equal(t, 1, gotA.Priority)
	assert.Equal(t, 3, gotA.Weight)
	assert.Equal(t, 100, gotA.QuotaLimit)

	gotB, err := loaded.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "acct-b", gotB.Label)
}

func TestCredentialStore_PersistUpdatesState(t *testing.T) {
	db := testDB(t)
	store := NewCredentialStore(db, nil)
	ctx := context.Background()

	pool := credential.NewPool("ig-pool", "instagram", credential.StrategyRoundRobin, credential.DefaultPolicy(), nil)
	m := pool.Enroll(&credential.Member{Label: "acct-a", QuotaLimit: 100})
	require.NoError(t, store.SavePool(ctx, pool))

	acquired, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, pool.Release(acquired.ID, credential.Outcome{Kind: credential.OutcomeSuccess, QuotaSpent: 5}))

	mutated, err := pool.Get(m.ID)
	require.NoError(t, err)
	require.NoError(t, store.Persist(ctx, pool.ID(), mutated))

	loaded, err := store.LoadPool(ctx, "ig-pool")
	require.NoError(t, err)
	got, err := loaded.Get(m.ID)
	require.NoError(t, err)

	assert.Equal(t, 5, got.QuotaUsed)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, credential.StatusActive, got.Status)
	require.NotNil(t, got.LastUsedAt)
}

func TestCredentialStore_RestoreClearsStaleInUse(t *testing.T) {
	db := testDB(t)
	store := NewCredentialStore(db, nil)
	ctx := context.Background()

	pool := credential.NewPool("ig-pool", "instagram", credential.StrategyRoundRobin, credential.DefaultPolicy(), nil)
	m := pool.Enroll(&credential.Member{Label: "acct-a", QuotaLimit: 100})
	require.NoError(t, store.SavePool(ctx, pool))

	// Simulate a crash mid-session: the member was persisted as in use
	acquired, err := pool.Acquire()
	require.NoError(t, err)
	require.NoError(t, store.Persist(ctx, pool.ID(), acquired))

	loaded, err := store.LoadPool(ctx, "ig-pool")
	require.NoError(t, err)
	got, err := loaded.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, got.Status)
}

func TestCredentialStore_LoadMissingPool(t *testing.T) {
	db := testDB(t)
	store := NewCredentialStore(db, nil)

	_, err := store.LoadPool(context.Background(), "nope")
	assert.Error(t, err)
}

func sampleWorkflow(id string) *workflow.LearnedWorkflow {
	now := time.Now().Truncate(time.Second)
	return &workflow.LearnedWorkflow{
		ID:         id,
		Name:       "post photo",
		Platform:   "instagram",
		TaskType:   "post",
		Version:    2,
		Active:     true,
		Provenance: workflow.ProvenanceImported,
		Steps: []workflow.WorkflowStep{
			{
				Order:    0,
				Action:   workflow.ActionNavigate,
				Value:    "https://instagram.com",
				TimeoutMs: 10000,
			},
			{
				Order:  1,
				Action: workflow.ActionClick,
				Selector: &workflow.ElementSelector{
					Kind: workflow.SelectorAriaLabel, Value: "New post", Confidence: 0.9,
				},
				AlternativeSelectors: []workflow.ElementSelector{
					{Kind: workflow.SelectorCSS, Value: "svg[aria-label='New post']", Confidence: 0.6},
				},
				RetryCount: 2,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkflowStore_RoundTrip(t *testing.T) {
	db := testDB(t)
	store := NewWorkflowStore(db)
	ctx := context.Background()

	wf := sampleWorkflow("wf-1")
	require.NoError(t, store.Save(ctx, wf))

	loaded, err := store.Load(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, wf.Name, loaded.Name)
	assert.Equal(t, wf.Platform, loaded.Platform)
	assert.Equal(t, wf.TaskType, loaded.TaskType)
	assert.Equal(t, wf.Version, loaded.Version)
	assert.Equal(t, workflow.ProvenanceImported, loaded.Provenance)
	assert.True(t, loaded.Active)

	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, workflow.ActionNavigate, loaded.Steps[0].Action)
	require.NotNil(t, loaded.Steps[1].Selector)
	assert.Equal(t, workflow.SelectorAriaLabel, loaded.Steps[1].Selector.Kind)
	assert.InDelta(t, 0.9, loaded.Steps[1].Selector.Confidence, 1e-9)
	require.Len(t, loaded.Steps[1].AlternativeSelectors, 1)
	assert.Equal(t, 2, loaded.Steps[1].RetryCount)
}

func TestWorkflowStore_LoadMissingReturnsNil(t *testing.T) {
	db := testDB(t)
	store := NewWorkflowStore(db)

	wf, err := store.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestWorkflowStore_SaveUpsertsStatistics(t *testing.T) {
	db := testDB(t)
	store := NewWorkflowStore(db)
	ctx := context.Background()

	wf := sampleWorkflow("wf-1")
	require.NoError(t, store.Save(ctx, wf))

	now := time.Now().Truncate(time.Second)
	wf.SuccessCount = 4
	wf.FailureCount = 1
	wf.LastSuccessAt = &now
	require.NoError(t, store.Save(ctx, wf))

	loaded, err := store.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.SuccessCount)
	assert.Equal(t, 1, loaded.FailureCount)
	require.NotNil(t, loaded.LastSuccessAt)
	assert.InDelta(t, 0.8, loaded.Confidence(), 1e-9)
}

func TestWorkflowStore_FindForTaskPrefersConfidence(t *testing.T) {
	db := testDB(t)
	store := NewWorkflowStore(db)
	ctx := context.Background()

	weak := sampleWorkflow("wf-weak")
	weak.SuccessCount = 1
	weak.FailureCount = 3
	require.NoError(t, store.Save(ctx, weak))

	strong := sampleWorkflow("wf-strong")
	strong.SuccessCount = 9
	strong.FailureCount = 1
	require.NoError(t, store.Save(ctx, strong))

	inactive := sampleWorkflow("wf-retired")
	inactive.SuccessCount = 100
	inactive.Active = false
	require.NoError(t, store.Save(ctx, inactive))

	found, err := store.FindForTask(ctx, "instagram", "post")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "wf-strong", found.ID)

	none, err := store.FindForTask(ctx, "instagram", "story")
	require.NoError(t, err)
	assert.Nil(t, none)
}

const importDoc = `{
  "name": "post photo",
  "platform": "instagram",
  "taskType": "post",
  "steps": [
    {"order": 0, "action": "navigate", "value": "https://instagram.com"},
    {"order": 1, "action": "click", "selector": {"kind": "css", "value": "#new-post", "confidence": 0.8}}
  ]
}`

func TestImportWatcher_ImportsExistingAndNewDocuments(t *testing.T) {
	db := testDB(t)
	store := NewWorkflowStore(db)
	dir := t.TempDir()
	ctx := context.Background()

	// Present before the watcher starts
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.json"), []byte(importDoc), 0644))

	iw, err := NewImportWatcher(store, dir)
	require.NoError(t, err)
	iw.debounce = 50 * time.Millisecond
	require.NoError(t, iw.Start(ctx))
	defer iw.Stop()

	found, err := store.FindForTask(ctx, "instagram", "post")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, workflow.ProvenanceImported, found.Provenance)
	assert.Equal(t, 0, found.SuccessCount)

	// Dropped in while running
	doc := `{
	  "name": "post story",
	  "platform": "instagram",
	  "taskType": "story",
	  "steps": [{"order": 0, "action": "navigate", "value": "https://instagram.com/stories"}]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "story.json"), []byte(doc), 0644))

	require.Eventually(t, func() bool {
		wf, err := store.FindForTask(ctx, "instagram", "story")
		return err == nil && wf != nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestImportWatcher_RejectsInvalidDocument(t *testing.T) {
	db := testDB(t)
	store := NewWorkflowStore(db)
	dir := t.TempDir()
	ctx := context.Background()

	// No steps, so the document fails validation
	bad := `{"name": "broken", "platform": "instagram", "taskType": "post", "steps": []}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(bad), 0644))

	iw, err := NewImportWatcher(store, dir)
	require.NoError(t, err)
	require.NoError(t, iw.Start(ctx))
	defer iw.Stop()

	wf, err := store.FindForTask(ctx, "instagram", "post")
	require.NoError(t, err)
	assert.Nil(t, wf)

	// The rejected file stays in place for the author to fix
	_, statErr := os.Stat(filepath.Join(dir, "bad.json"))
	assert.NoError(t, statErr)
}
