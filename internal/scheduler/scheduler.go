package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keygate/internal/metrics"
	"keygate/internal/model"

	"github.com/robfig/cron/v3"
)

// Key states published on the keygate_keys gauge.
const (
	StateActive    = "active"
	StateExhausted = "exhausted"
	StateRevoked   = "revoked"
)

// jobTimeout bounds one run of a scheduled job.
const jobTimeout = 30 * time.Second

// KeyLister lists every key, revoked ones included.
type KeyLister interface {
	List(ctx context.Context) ([]model.APIKey, error)
}

// Sweeper drops idle perimeter state.
type Sweeper interface {
	Sweep(idle time.Duration) int
}

type Scheduler struct {
	store   KeyLister
	metrics *metrics.Metrics
	logger  *slog.Logger
	c       *cron.Cron
	now     func() time.Time

	sweeper Sweeper
	idle    time.Duration
}

func NewScheduler(store KeyLister, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "scheduler"),
		c:       cron.New(),
		now:     time.Now,
	}
}

// SweepPerimeter adds a job that forgets clients idle for longer than idle.
func (s *Scheduler) SweepPerimeter(sw Sweeper, idle time.Duration) {
	s.sweeper = sw
	s.idle = idle
}

// Start schedules the jobs and starts the cron runner. statsSpec is a cron
// expression or descriptor such as "@every 1m".
func (s *Scheduler) Start(statsSpec string) error {
	_, err := s.c.AddFunc(statsSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := s.RefreshKeyGauges(ctx); err != nil {
			s.logger.Error("Failed to refresh key gauges", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("error scheduling key gauge job: %w", err)
	}

	if s.sweeper != nil {
		_, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.idle), func() {
			if n := s.sweeper.Sweep(s.idle); n > 0 {
				s.logger.Debug("Swept idle perimeter clients", "count", n)
			}
		})
		if err != nil {
			return fmt.Errorf("error scheduling perimeter sweep: %w", err)
		}
	}

	s.c.Start()
	return nil
}

// Stop stops the runner and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// RefreshKeyGauges publishes the number of keys per tier and state.
func (s *Scheduler) RefreshKeyGauges(ctx context.Context) error {
	keys, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	counts := CountKeys(keys, s.now())
	for _, tier := range []model.Tier{model.TierFree, model.TierPro, model.TierEnterprise} {
		for _, state := range []string{StateActive, StateExhausted, StateRevoked} {
			s.metrics.SetKeyCount(string(tier), state, counts[tier][state])
		}
	}
	s.logger.Debug("Key gauges refreshed", "keys", len(keys))
	return nil
}

// CountKeys buckets keys by tier and state at now. A key whose window has
// elapsed counts as active since its next request resets it.
func CountKeys(keys []model.APIKey, now time.Time) map[model.Tier]map[string]int {
	counts := make(map[model.Tier]map[string]int)
	for _, k := range keys {
		if counts[k.Tier] == nil {
			counts[k.Tier] = make(map[string]int)
		}
		counts[k.Tier][stateOf(&k, now)]++
	}
	return counts
}

func stateOf(k *model.APIKey, now time.Time) string {
	switch {
	case k.Revoked():
		return StateRevoked
	case k.Usage >= k.Limit && now.Before(k.ResetAt):
		return StateExhausted
	}
	return StateActive
}
