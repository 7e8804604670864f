package invitation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/guardpost/pkg/observability"
)

// DefaultSweepSchedule runs the sweeper every fifteen minutes
const DefaultSweepSchedule = "@every 15m"

// ExpiredCounter counts identity-bound invitations whose token has lapsed
type ExpiredCounter interface {
	CountExpiredInvitations(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically deletes expired tenant invitations and reports
// lapsed identity-bound invitations
type Sweeper struct {
	manager  *Manager
	counter  ExpiredCounter
	logger   *observability.Logger
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
}

// NewSweeper creates a sweeper; an empty schedule uses DefaultSweepSchedule
func NewSweeper(manager *Manager, counter ExpiredCounter, schedule string, logger *observability.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		manager:  manager,
		counter:  counter,
		logger:   logger.WithField("component", "invitation_sweeper"),
		schedule: schedule,
		timeout:  time.Minute,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and starts the scheduler
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule invitation sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Infof("invitation sweeper started with schedule %s", s.schedule)
	return nil
}

// Stop stops the scheduler; the returned context is done once a running
// sweep has finished
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs one sweep and returns the number of deleted records
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	swept, err := s.manager.SweepExpired(ctx)
	if err != nil {
		s.logger.WithError(err).Error("tenant invitation sweep failed")
		return 0
	}

	fields := map[string]interface{}{"tenant_invitations_deleted": swept}
	if s.counter != nil {
		lapsed, err := s.counter.CountExpiredInvitations(ctx, s.manager.now().UTC())
		if err != nil {
			s.logger.WithError(err).Warn("failed to count lapsed invitation tokens")
		} else {
			fields["lapsed_invitation_tokens"] = lapsed
		}
	}
	s.logger.WithFields(fields).Info("invitation sweep completed")
	return swept
}
