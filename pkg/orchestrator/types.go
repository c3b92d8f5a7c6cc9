package orchestrator

import (
	"context"
	"time"

	"github.com/harun/postpilot/pkg/credential"
	"github.com/harun/postpilot/pkg/workflow"
)

// WorkflowRepository loads workflows and stores their updated
// statistics. Load returns (nil, nil) when the workflow does not exist.
type WorkflowRepository interface {
	Load(ctx context.Context, workflowID string) (*workflow.LearnedWorkflow, error)
	Save(ctx context.Context, wf *workflow.LearnedWorkflow) error
}

// CredentialRepository loads pools and persists mutated members
type CredentialRepository interface {
	LoadPool(ctx context.Context, poolID string) (*credential.Pool, error)
	Persist(ctx context.Context, poolID string, member *credential.Member) error
}

// DriverFactory opens a page driver scoped to one credential's session
type DriverFactory interface {
	DriverFor(ctx context.Context, credentialID string) (workflow.PageDriver, error)
}

// QuotaUnit defines what one execution costs against a member's quota
type QuotaUnit string

const (
	// QuotaUnitCount charges one unit per execution (post counts)
	QuotaUnitCount QuotaUnit = "count"
	// QuotaUnitMinutes charges wall-clock minutes, rounded up (GPU time)
	QuotaUnitMinutes QuotaUnit = "minutes"
)

// Config tunes the orchestrator
type Config struct {
	QuotaUnit QuotaUnit `json:"quotaUnit" mapstructure:"quota_unit"`
	// CeilingMargin scales the workflow wall-clock ceiling above the
	// sum of step budgets
	CeilingMargin float64 `json:"ceilingMargin" mapstructure:"ceiling_margin"`
	// CeilingFloor is the minimum ceiling regardless of step budgets
	CeilingFloor time.Duration `json:"ceilingFloor" mapstructure:"ceiling_floor"`
}

// DefaultConfig returns sensible orchestrator defaults
func DefaultConfig() Config {
	return Config{
		QuotaUnit:     QuotaUnitCount,
		CeilingMargin: 1.25,
		CeilingFloor:  time.Minute,
	}
}
