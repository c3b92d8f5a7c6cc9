package credential

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNoneAvailable means every member is busy, cooling down, out of
// quota or disabled. Callers decide whether to wait, fail or fall back
// to another pool; Acquire never blocks on availability.
var ErrNoneAvailable = errors.New("no credential available in pool")

// ErrMemberNotFound means the referenced member is not in this pool
var ErrMemberNotFound = errors.New("member not found in pool")

// Pool owns one rotation group of credential members. Acquire/Release
// and the reset sweep are the only mutation paths and share one mutex,
// which is what keeps "at most one in-flight execution per member"
// true under concurrent orchestrations.
type Pool struct {
	id       string
	platform string
	strategy RotationStrategy
	policy   PoolPolicy
	members  []*Member
	sink     NotificationSink
	rng      *rand.Rand
	mu       sync.Mutex
}

// NewPool creates an empty pool
func NewPool(id, platform string, strategy RotationStrategy, policy PoolPolicy, sink NotificationSink) *Pool {
	if sink == nil {
		sink = NopSink{}
	}
	return &Pool{
		id:       id,
		platform: platform,
		strategy: strategy,
		policy:   policy,
		members:  make([]*Member, 0),
		sink:     sink,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ID returns the pool identifier
func (p *Pool) ID() string { return p.id }

// Platform returns the platform this pool rotates credentials for
func (p *Pool) Platform() string { return p.platform }

// Policy returns a copy of the pool policy
func (p *Pool) Policy() PoolPolicy { return p.policy }

// Strategy returns the rotation strategy
func (p *Pool) Strategy() RotationStrategy { return p.strategy }

// Enroll adds a new member. Missing ids are minted, zero weights
// default to 1 so weighted selection never divides by nothing.
func (p *Pool) Enroll(member *Member) *Member {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if member.ID == "" {
		member.ID = uuid.NewString()
	}
	if member.Weight <= 0 {
		member.Weight = 1
	}
	if member.Status == "" {
		member.Status = StatusActive
	}
	if member.QuotaResetAt.IsZero() {
		member.QuotaResetAt = now.Add(p.policy.QuotaResetPeriod)
	}
	member.Enabled = true
	member.CreatedAt = now
	member.UpdatedAt = now

	p.members = append(p.members, member)

	log.Info().
		Str("pool", p.id).
		Str("member", member.ID).
		Str("label", member.Label).
		Msg("Credential enrolled")
	p.emit(EventAccountAdded, member.ID, fmt.Sprintf("credential %s enrolled", member.Label))

	return member
}

// Restore hydrates persisted members as-is, counters and statuses
// included. A member stuck InUse by a crash is returned to active;
// nothing can still be running it.
func (p *Pool) Restore(members []*Member) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range members {
		if m.Weight <= 0 {
			m.Weight = 1
		}
		if m.Status == StatusInUse {
			m.Status = StatusActive
		}
		p.members = append(p.members, m)
	}
}

// Disable soft-disables a member. Members referenced by history are
// never removed, only excluded from selection.
func (p *Pool) Disable(memberID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.findLocked(memberID)
	if m == nil {
		return ErrMemberNotFound
	}
	m.Enabled = false
	m.UpdatedAt = time.Now()
	p.emit(EventAccountRemoved, m.ID, fmt.Sprintf("credential %s disabled", m.Label))
	return nil
}

// Acquire picks the next usable member per the rotation strategy and
// marks it in use. It returns ErrNoneAvailable instead of waiting.
func (p *Pool) Acquire() (*Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	// Elapsed cooldowns lapse back to active lazily; the sweep does the
	// same on its own cadence.
	for _, m := range p.members {
		if m.cooldownElapsed(now) {
			m.Status = StatusActive
			m.CooldownUntil = nil
		}
	}

	available := make([]*Member, 0, len(p.members))
	for _, m := range p.members {
		if m.IsAvailable(now, p.policy.QuotaReservedFloor) {
			available = append(available, m)
		}
	}

	if len(available) == 0 {
		p.emit(EventPoolEmpty, "", "no credential available")
		return nil, ErrNoneAvailable
	}

	chosen := p.selectLocked(available)

	chosen.Status = StatusInUse
	t := now
	chosen.LastUsedAt = &t
	chosen.UpdatedAt = now

	log.Debug().
		Str("pool", p.id).
		Str("member", chosen.ID).
		Str("strategy", string(p.strategy)).
		Msg("Credential acquired")
	p.emit(EventAccountRotated, chosen.ID, fmt.Sprintf("credential %s selected", chosen.Label))

	return p.copyLocked(chosen), nil
}

// Release returns a member after one execution. Must be called exactly
// once per successful Acquire.
func (p *Pool) Release(memberID string, outcome Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.findLocked(memberID)
	if m == nil {
		return ErrMemberNotFound
	}

	now := time.Now()
	m.UpdatedAt = now

	switch outcome.Kind {
	case OutcomeSuccess:
		m.SuccessCount++
		m.ConsecutiveFailures = 0
		p.spendQuotaLocked(m, outcome.QuotaSpent)
		// Exhaustion wins regardless of the status the member was in;
		// only the InUse restore is gated.
		if m.RemainingQuota() <= p.policy.QuotaReservedFloor {
			m.Status = StatusQuotaExhausted
		} else if m.Status == StatusInUse {
			m.Status = StatusActive
		}

	case OutcomeFailure:
		m.FailureCount++
		m.ConsecutiveFailures++
		p.spendQuotaLocked(m, outcome.QuotaSpent)
		if m.ConsecutiveFailures >= p.policy.MaxConsecutiveFailures {
			if outcome.AuthFailure {
				m.Status = StatusNeedsReauth
			} else {
				m.Status = StatusError
			}
			log.Warn().
				Str("pool", p.id).
				Str("member", m.ID).
				Int("consecutiveFailures", m.ConsecutiveFailures).
				Str("status", string(m.Status)).
				Msg("Credential escalated after repeated failures")
			p.emit(EventAccountError, m.ID,
				fmt.Sprintf("credential %s escalated to %s after %d consecutive failures", m.Label, m.Status, m.ConsecutiveFailures))
		} else {
			p.coolDownLocked(m, now)
		}

	case OutcomeCancelled:
		// Cooldown applies, the failure streak does not: the caller
		// aborted, the credential did nothing wrong.
		p.spendQuotaLocked(m, outcome.QuotaSpent)
		p.coolDownLocked(m, now)

	case OutcomeNeutral:
		if m.Status == StatusInUse {
			m.Status = StatusActive
		}
	}

	log.Debug().
		Str("pool", p.id).
		Str("member", m.ID).
		Str("outcome", string(outcome.Kind)).
		Str("status", string(m.Status)).
		Int("quotaUsed", m.QuotaUsed).
		Msg("Credential released")

	return nil
}

// ResetElapsed is the periodic quota sweep: members whose reset time
// has passed get their usage zeroed and cooldown/exhausted statuses
// cleared. Idempotent; the reset time advances by one period so a
// second immediate run is a no-op.
func (p *Pool) ResetElapsed(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	reset := 0
	for _, m := range p.members {
		if m.cooldownElapsed(now) {
			m.Status = StatusActive
			m.CooldownUntil = nil
			m.UpdatedAt = now
			p.emit(EventAccountRecovered, m.ID, fmt.Sprintf("credential %s cooldown elapsed", m.Label))
		}

		if m.QuotaResetAt.After(now) {
			continue
		}

		m.QuotaUsed = 0
		m.QuotaResetAt = advanceReset(m.QuotaResetAt, now, p.policy.QuotaResetPeriod)
		if m.Status == StatusCooldown || m.Status == StatusQuotaExhausted {
			m.Status = StatusActive
			m.CooldownUntil = nil
			p.emit(EventAccountRecovered, m.ID, fmt.Sprintf("credential %s quota reset", m.Label))
		}
		m.UpdatedAt = now
		reset++
	}

	if reset > 0 {
		log.Info().Str("pool", p.id).Int("members", reset).Msg("Quota sweep reset members")
	}
	return reset
}

// Snapshot returns copies of all members for observers
func (p *Pool) Snapshot() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, *p.copyLocked(m))
	}
	return out
}

// Get returns a copy of one member
func (p *Pool) Get(memberID string) (*Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.findLocked(memberID)
	if m == nil {
		return nil, ErrMemberNotFound
	}
	return p.copyLocked(m), nil
}

// selectLocked applies the rotation strategy to the non-empty
// available set
func (p *Pool) selectLocked(available []*Member) *Member {
	switch p.strategy {
	case StrategyLeastUsed:
		sort.SliceStable(available, func(i, j int) bool {
			if available[i].QuotaUsed != available[j].QuotaUsed {
				return available[i].QuotaUsed < available[j].QuotaUsed
			}
			return available[i].Priority < available[j].Priority
		})
		return available[0]

	case StrategyPriority:
		best := available[0].Priority
		for _, m := range available[1:] {
			if m.Priority < best {
				best = m.Priority
			}
		}
		tier := available[:0:0]
		for _, m := range available {
			if m.Priority == best {
				tier = append(tier, m)
			}
		}
		return p.weightedPickLocked(tier)

	case StrategyRandom:
		return p.weightedPickLocked(available)

	default: // round robin: least recently selected, ties by id
		sort.SliceStable(available, func(i, j int) bool {
			ti, tj := lastUsed(available[i]), lastUsed(available[j])
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return available[i].ID < available[j].ID
		})
		return available[0]
	}
}

// weightedPickLocked draws one member with probability proportional to
// weight
func (p *Pool) weightedPickLocked(members []*Member) *Member {
	total := 0
	for _, m := range members {
		total += m.Weight
	}
	if total <= 0 {
		return members[p.rng.Intn(len(members))]
	}
	pick := p.rng.Intn(total)
	for _, m := range members {
		pick -= m.Weight
		if pick < 0 {
			return m
		}
	}
	return members[len(members)-1]
}

// spendQuotaLocked adds used quota and emits low/exhausted events when
// thresholds are crossed
func (p *Pool) spendQuotaLocked(m *Member, spent int) {
	if spent <= 0 {
		return
	}
	before := m.RemainingQuota()
	m.QuotaUsed += spent
	after := m.RemainingQuota()

	if after == 0 && before > 0 {
		p.emit(EventQuotaExhausted, m.ID, fmt.Sprintf("credential %s quota exhausted", m.Label))
		return
	}
	if after <= p.policy.QuotaLowThreshold && before > p.policy.QuotaLowThreshold {
		p.emit(EventQuotaLow, m.ID, fmt.Sprintf("credential %s quota low: %d remaining", m.Label, after))
	}
}

// coolDownLocked applies the policy cooldown, scaled exponentially by
// the failure streak when the backoff factor is above 1
func (p *Pool) coolDownLocked(m *Member, now time.Time) {
	minutes := float64(p.policy.CooldownMinutes)
	if p.policy.CooldownBackoffFactor > 1 && m.ConsecutiveFailures > 1 {
		minutes *= math.Pow(p.policy.CooldownBackoffFactor, float64(m.ConsecutiveFailures-1))
	}
	until := now.Add(time.Duration(minutes * float64(time.Minute)))
	m.Status = StatusCooldown
	m.CooldownUntil = &until
}

func (p *Pool) findLocked(memberID string) *Member {
	for _, m := range p.members {
		if m.ID == memberID {
			return m
		}
	}
	return nil
}

func (p *Pool) copyLocked(m *Member) *Member {
	c := *m
	if m.CooldownUntil != nil {
		t := *m.CooldownUntil
		c.CooldownUntil = &t
	}
	if m.LastUsedAt != nil {
		t := *m.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

func (p *Pool) emit(kind EventKind, memberID, message string) {
	p.sink.Notify(Event{
		Kind:     kind,
		PoolID:   p.id,
		MemberID: memberID,
		Message:  message,
		At:       time.Now(),
	})
}

func lastUsed(m *Member) time.Time {
	if m.LastUsedAt == nil {
		return time.Time{}
	}
	return *m.LastUsedAt
}

// advanceReset moves the reset time forward in whole periods until it
// is in the future
func advanceReset(resetAt, now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		period = 24 * time.Hour
	}
	next := resetAt
	for !next.After(now) {
		next = next.Add(period)
	}
	return next
}
