package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSpec runs the approval sweep once a minute.
const DefaultSweepSpec = "@every 1m"

var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSweepSpec reports whether spec is a usable schedule.
func ValidateSweepSpec(spec string) error {
	if _, err := sweepParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid approval sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Expirer is implemented by Orchestrator.
type Expirer interface {
	ExpireApprovals(ctx context.Context, ttl time.Duration) (int, error)
}

// Sweeper periodically expires stale approvals.
type Sweeper struct {
	cron    *cron.Cron
	expirer Expirer
	ttl     time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper schedules expirer.ExpireApprovals(ttl) on spec.
func NewSweeper(expirer Expirer, spec string, ttl time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if err := ValidateSweepSpec(spec); err != nil {
		return nil, err
	}
	s := &Sweeper{
		cron:    cron.New(cron.WithParser(sweepParser)),
		expirer: expirer,
		ttl:     ttl,
		logger:  logger.With().Str("component", "approval_sweeper").Logger(),
	}
	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return nil, fmt.Errorf("failed to schedule approval sweep: %w", err)
	}
	return s, nil
}

// Sweep runs one expiry pass. Overlapping passes are skipped.
func (s *Sweeper) Sweep() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	n, err := s.expirer.ExpireApprovals(context.Background(), s.ttl)
	if err != nil {
		s.logger.Error().Err(err).Msg("Approval sweep failed")
		return
	}
	s.logger.Debug().Int("expired", n).Msg("Approval sweep finished")
}

// Start begins scheduling.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Dur("ttl", s.ttl).Msg("Approval sweeper started")
}

// Stop halts scheduling and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
