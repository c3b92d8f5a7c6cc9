package config

import (
	"errors"
	"fmt"

	"github.com/harun/postpilot/pkg/credential"
)

var validStrategies = map[credential.RotationStrategy]bool{
	credential.StrategyRoundRobin: true,
	credential.StrategyLeastUsed:  true,
	credential.StrategyPriority:   true,
	credential.StrategyRandom:     true,
}

// Validate checks configuration consistency and reports every problem
// at once
func Validate(cfg Config) error {
	var problems []error

	if cfg.DataDir == "" {
		problems = append(problems, errors.New("data_dir must not be empty"))
	}

	seen := make(map[string]bool)
	for i, pool := range cfg.Pools {
		if pool.ID == "" {
			problems = append(problems, fmt.Errorf("pools[%d]: id must not be empty", i))
			continue
		}
		if seen[pool.ID] {
			problems = append(problems, fmt.Errorf("pools[%d]: duplicate pool id %q", i, pool.ID))
		}
		seen[pool.ID] = true

		if pool.Platform == "" {
			problems = append(problems, fmt.Errorf("pool %s: platform must not be empty", pool.ID))
		}
		if pool.Strategy != "" && !validStrategies[pool.Strategy] {
			problems = append(problems, fmt.Errorf("pool %s: unknown strategy %q", pool.ID, pool.Strategy))
		}
		if pool.Policy.CooldownBackoffFactor < 0 {
			problems = append(problems, fmt.Errorf("pool %s: cooldown_backoff_factor must not be negative", pool.ID))
		}
		if pool.Policy.MaxConsecutiveFailures < 0 {
			problems = append(problems, fmt.Errorf("pool %s: max_consecutive_failures must not be negative", pool.ID))
		}
		if pool.Policy.QuotaReservedFloor < 0 {
			problems = append(problems, fmt.Errorf("pool %s: quota_reserved_floor must not be negative", pool.ID))
		}
	}

	if cfg.Orchestrator.CeilingMargin < 1 && cfg.Orchestrator.CeilingMargin != 0 {
		problems = append(problems, errors.New("orchestrator.ceiling_margin must be at least 1"))
	}

	return errors.Join(problems...)
}
