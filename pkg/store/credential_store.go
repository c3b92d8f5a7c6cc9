package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/postpilot/pkg/credential"
)

// CredentialStore persists pools and their members in sqlite
type CredentialStore struct {
	db   *sql.DB
	sink credential.NotificationSink
}

// NewCredentialStore creates a store; loaded pools emit events into
// sink
func NewCredentialStore(db *sql.DB, sink credential.NotificationSink) *CredentialStore {
	return &CredentialStore{db: db, sink: sink}
}

// SavePool writes the pool definition (not its members)
func (s *CredentialStore) SavePool(ctx context.Context, pool *credential.Pool) error {
	policy, err := json.Marshal(pool.Policy())
	if err != nil {
		return fmt.Errorf("failed to encode pool policy: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pools (id, platform, strategy, policy) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET platform=excluded.platform, strategy=excluded.strategy, policy=excluded.policy`,
		pool.ID(), pool.Platform(), string(pool.Strategy()), string(policy))
	if err != nil {
		return fmt.Errorf("failed to save pool %s: %w", pool.ID(), err)
	}
	return nil
}

// LoadPool reconstructs a pool and its members
func (s *CredentialStore) LoadPool(ctx context.Context, poolID string) (*credential.Pool, error) {
	var platform, strategy, policyJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT platform, strategy, policy FROM pools WHERE id = ?`, poolID).
		Scan(&platform, &strategy, &policyJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pool %s not found", poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pool %s: %w", poolID, err)
	}

	policy := credential.DefaultPolicy()
	if err := json.Unmarshal([]byte(policyJSON), &policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy for pool %s: %w", poolID, err)
	}

	pool := credential.NewPool(poolID, platform, credential.RotationStrategy(strategy), policy, s.sink)

	members, err := s.loadMembers(ctx, poolID)
	if err != nil {
		return nil, err
	}
	pool.Restore(members)

	log.Info().
		Str("pool", poolID).
		Str("platform", platform).
		Int("members", len(members)).
		Msg("Credential pool loaded")

	return pool, nil
}

// Persist upserts one member's state
func (s *CredentialStore) Persist(ctx context.Context, poolID string, m *credential.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (
			id, pool_id, label, enabled, status, priority, weight,
			quota_used, quota_limit, quota_reset_at, cooldown_until,
			consecutive_failures, last_used_at, success_count, failure_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label=excluded.label,
			enabled=excluded.enabled,
			status=excluded.status,
			priority=excluded.priority,
			weight=excluded.weight,
			quota_used=excluded.quota_used,
			quota_limit=excluded.quota_limit,
			quota_reset_at=excluded.quota_reset_at,
			cooldown_until=excluded.cooldown_until,
			consecutive_failures=excluded.consecutive_failures,
			last_used_at=excluded.last_used_at,
			success_count=excluded.success_count,
			failure_count=excluded.failure_count,
			updated_at=excluded.updated_at`,
		m.ID, poolID, m.Label, m.Enabled, string(m.Status), m.Priority, m.Weight,
		m.QuotaUsed, m.QuotaLimit, m.QuotaResetAt, nullableTime(m.CooldownUntil),
		m.ConsecutiveFailures, nullableTime(m.LastUsedAt), m.SuccessCount, m.FailureCount,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist member %s: %w", m.ID, err)
	}
	return nil
}

func (s *CredentialStore) loadMembers(ctx context.Context, poolID string) ([]*credential.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, enabled, status, priority, weight,
			quota_used, quota_limit, quota_reset_at, cooldown_until,
			consecutive_failures, last_used_at, success_count, failure_count,
			created_at, updated_at
		FROM members WHERE pool_id = ? ORDER BY priority, id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members for pool %s: %w", poolID, err)
	}
	defer rows.Close()

	var members []*credential.Member
	for rows.Next() {
		m := &credential.Member{}
		var status string
		var cooldownUntil, lastUsedAt sql.NullTime
		if err := rows.Scan(
			&m.ID, &m.Label, &m.Enabled, &status, &m.Priority, &m.Weight,
			&m.QuotaUsed, &m.QuotaLimit, &m.QuotaResetAt, &cooldownUntil,
			&m.ConsecutiveFailures, &lastUsedAt, &m.SuccessCount, &m.FailureCount,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Status = credential.MemberStatus(status)
		if cooldownUntil.Valid {
			t := cooldownUntil.Time
			m.CooldownUntil = &t
		}
		if lastUsedAt.Valid {
			t := lastUsedAt.Time
			m.LastUsedAt = &t
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
