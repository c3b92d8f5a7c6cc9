package credential

import (
	"time"
)

// MemberStatus is the lifecycle state of one pool member. Exactly one
// status holds at a time; cooldown and in-use can never overlap.
type MemberStatus string

const (
	StatusActive         MemberStatus = "active"
	StatusInUse          MemberStatus = "inUse"
	StatusCooldown       MemberStatus = "cooldown"
	StatusQuotaExhausted MemberStatus = "quotaExhausted"
	StatusSuspended      MemberStatus = "suspended"
	StatusNeedsReauth    MemberStatus = "needsReauth"
	StatusError          MemberStatus = "error"
)

// RotationStrategy selects the next member among the available set
type RotationStrategy string

const (
	StrategyRoundRobin RotationStrategy = "roundRobin"
	StrategyLeastUsed  RotationStrategy = "leastUsed"
	StrategyPriority   RotationStrategy = "priority"
	StrategyRandom     RotationStrategy = "random"
)

// Member is one rotation-pool entry: a social account, a GPU-provider
// account, any quota-bound credential. All mutation goes through the
// owning Pool's Acquire/Release/sweep; nothing else writes these fields.
type Member struct {
	ID                  string       `json:"id"`
	Label               string       `json:"label,omitempty"`
	Enabled             bool         `json:"enabled"`
	Status              MemberStatus `json:"status"`
	Priority            int          `json:"priority"` // lower = preferred
	Weight              int          `json:"weight"`   // for weighted random
	QuotaUsed           int          `json:"quotaUsed"`
	QuotaLimit          int          `json:"quotaLimit"`
	QuotaResetAt        time.Time    `json:"quotaResetAt"`
	CooldownUntil       *time.Time   `json:"cooldownUntil,omitempty"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastUsedAt          *time.Time   `json:"lastUsedAt,omitempty"`
	SuccessCount        int          `json:"successCount"`
	FailureCount        int          `json:"failureCount"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// RemainingQuota never goes negative even when a run overshoots the limit
func (m *Member) RemainingQuota() int {
	remaining := m.QuotaLimit - m.QuotaUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsAvailable reports whether the member can take an execution right
// now. reservedFloor keeps a quota reserve untouched so a run started
// near the limit cannot strand the account.
func (m *Member) IsAvailable(now time.Time, reservedFloor int) bool {
	if !m.Enabled || m.Status != StatusActive {
		return false
	}
	if m.RemainingQuota() <= reservedFloor {
		return false
	}
	if m.CooldownUntil != nil && m.CooldownUntil.After(now) {
		return false
	}
	return true
}

// cooldownElapsed reports whether a cooldown status can lapse back to
// active
func (m *Member) cooldownElapsed(now time.Time) bool {
	return m.Status == StatusCooldown && (m.CooldownUntil == nil || !m.CooldownUntil.After(now))
}

// PoolPolicy is the pool-level rotation policy
type PoolPolicy struct {
	CooldownMinutes        int     `json:"cooldownMinutes" mapstructure:"cooldown_minutes"`
	CooldownBackoffFactor  float64 `json:"cooldownBackoffFactor" mapstructure:"cooldown_backoff_factor"` // 1.0 = fixed, >1 = exponential in consecutive failures
	QuotaReservedFloor     int     `json:"quotaReservedFloor" mapstructure:"quota_reserved_floor"`
	QuotaLowThreshold      int     `json:"quotaLowThreshold" mapstructure:"quota_low_threshold"`
	MaxConsecutiveFailures int     `json:"maxConsecutiveFailures" mapstructure:"max_consecutive_failures"`
	QuotaResetPeriod       time.Duration `json:"quotaResetPeriod" mapstructure:"quota_reset_period"`
	AutoFailover           bool    `json:"autoFailover" mapstructure:"auto_failover"`
}

// DefaultPolicy returns the policy used when configuration is silent
func DefaultPolicy() PoolPolicy {
	return PoolPolicy{
		CooldownMinutes:        15,
		CooldownBackoffFactor:  1.0,
		QuotaReservedFloor:     0,
		QuotaLowThreshold:      60,
		MaxConsecutiveFailures: 3,
		QuotaResetPeriod:       24 * time.Hour,
		AutoFailover:           true,
	}
}

// OutcomeKind classifies one finished execution for Release
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	// OutcomeCancelled cools the member down without counting against
	// its failure streak; the cancellation was not its fault.
	OutcomeCancelled OutcomeKind = "cancelled"
	// OutcomeNeutral returns the member untouched, used when the run
	// never started (workflow missing after acquisition).
	OutcomeNeutral OutcomeKind = "neutral"
)

// Outcome is what Release learns about the finished execution
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	QuotaSpent  int         `json:"quotaSpent"`
	AuthFailure bool        `json:"authFailure"` // escalate to NeedsReauth instead of Error
}

// EventKind identifies a pool event for the notification sink
type EventKind string

const (
	EventAccountAdded     EventKind = "accountAdded"
	EventAccountRemoved   EventKind = "accountRemoved"
	EventAccountRotated   EventKind = "accountRotated"
	EventSessionStarted   EventKind = "sessionStarted"
	EventSessionEnded     EventKind = "sessionEnded"
	EventQuotaLow         EventKind = "quotaLow"
	EventQuotaExhausted   EventKind = "quotaExhausted"
	EventAccountError     EventKind = "accountError"
	EventAccountRecovered EventKind = "accountRecovered"
	EventPoolEmpty        EventKind = "poolEmpty"
)

// Event is one pool notification
type Event struct {
	Kind     EventKind `json:"kind"`
	PoolID   string    `json:"poolId"`
	MemberID string    `json:"memberId,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// NotificationSink receives pool events. Implementations surface them
// to the user; the pool never blocks on them.
type NotificationSink interface {
	Notify(event Event)
}

// NopSink discards events
type NopSink struct{}

func (NopSink) Notify(Event) {}
