package credential

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// SweepScheduler periodically runs the quota reset sweep over a set of
// pools. The sweep itself is idempotent and takes the pool lock, so it
// is safe to run while executions acquire and release.
type SweepScheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	pools   func() []*Pool
}

// NewSweepScheduler creates a scheduler over a pool source. The source
// is called at each tick so pools added later are swept too.
func NewSweepScheduler(pools func() []*Pool) *SweepScheduler {
	return &SweepScheduler{
		cron:  cron.New(),
		pools: pools,
	}
}

// Start begins sweeping on the given cron spec (e.g. "@every 1m")
func (s *SweepScheduler) Start(spec string) error {
	id, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	s.entryID = id
	s.cron.Start()
	log.Info().Str("schedule", spec).Msg("Quota sweep scheduler started")
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish
func (s *SweepScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Quota sweep scheduler stopped")
}

// RunOnce triggers a sweep immediately, outside the schedule
func (s *SweepScheduler) RunOnce() {
	s.sweep()
}

func (s *SweepScheduler) sweep() {
	now := time.Now()
	for _, pool := range s.pools() {
		pool.ResetElapsed(now)
	}
}
