// SPDX-License-Identifier: MIT

// Package daemon supervises per-campaign runtime: one dispatcher plus the
// background loops for every active campaign, started and stopped as
// campaigns move through their lifecycle.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/voicelane/dialcore/internal/carrier"
	"github.com/voicelane/dialcore/internal/config"
	"github.com/voicelane/dialcore/internal/dispatch"
	"github.com/voicelane/dialcore/internal/invariant"
	"github.com/voicelane/dialcore/internal/janitor"
	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/lifecycle"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/model"
	"github.com/voicelane/dialcore/internal/resilience"
	"github.com/voicelane/dialcore/internal/retry"
	"github.com/voicelane/dialcore/internal/signal"
	"github.com/voicelane/dialcore/internal/store"
)

const (
	// pollInterval is how often the supervisor rescans campaign state.
	pollInterval = 5 * time.Second
	// retryMoverInterval is the delay-queue drain cadence.
	retryMoverInterval = 5 * time.Second
	// retryMoverBatch bounds jobs moved per tick.
	retryMoverBatch = 100
	// breakerProbeTTL bounds how long a half-open probe slot stays claimed.
	breakerProbeTTL = 10 * time.Second
)

// Deps bundles the process-wide collaborators of the Supervisor.
type Deps struct {
	Redis    redis.UniversalClient
	Leases   *lease.Store
	Durable  store.Store
	Bus      signal.Bus
	Carrier  carrier.Client
	Manager  *lifecycle.Manager
	Sched    *retry.Scheduler
	Holder   *config.Holder
	WorkerID string
	CallerID string
}

// Supervisor runs the per-campaign task groups.
type Supervisor struct {
	deps    Deps
	janitor *janitor.Runner
	monitor *invariant.Monitor
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	tasks   sync.WaitGroup
}

// NewSupervisor creates a campaign supervisor.
func NewSupervisor(deps Deps) *Supervisor {
	cfg := deps.Holder.Get()
	return &Supervisor{
		deps:    deps,
		janitor: janitor.New(deps.Leases, deps.Durable, &cfg, deps.WorkerID),
		monitor: invariant.NewMonitor(deps.Leases, deps.Durable),
		logger:  log.WithComponent("supervisor"),
		running: map[string]context.CancelFunc{},
	}
}

// Run polls campaign state until ctx ends, starting and stopping per-campaign
// task groups. Blocks until every task group has drained.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.tasks.Wait()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.startDueScheduled(ctx)

	campaigns, err := s.deps.Durable.ListCampaignsByStatus(ctx,
		model.CampaignActive, model.CampaignPaused)
	if err != nil {
		s.logger.Warn().Err(err).Msg("campaign scan failed")
		return
	}

	want := make(map[string]*model.Campaign, len(campaigns))
	for _, c := range campaigns {
		want[c.ID] = c
	}

	s.mu.Lock()
	var leaving []string
	for id := range s.running {
		if _, ok := want[id]; !ok {
			leaving = append(leaving, id)
		}
	}
	var toStart []*model.Campaign
	for id, c := range want {
		if _, ok := s.running[id]; !ok {
			toStart = append(toStart, c)
		}
	}
	s.mu.Unlock()

	// A campaign leaving the run set still has in-flight attempts that must
	// walk to a terminal outcome. The pause flag raised by cancel stops new
	// admissions; the task group stays up until the slots drain so those
	// attempts can finish and record their contacts.
	for _, id := range leaving {
		snap, err := s.deps.Leases.Snapshot(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str(log.FieldCampaignID, id).Msg("drain snapshot failed")
			continue
		}
		if snap.Inflight > 0 || snap.Reserved > 0 {
			continue
		}
		s.mu.Lock()
		if cancel, ok := s.running[id]; ok {
			cancel()
			delete(s.running, id)
		}
		s.mu.Unlock()
	}

	for _, c := range toStart {
		s.startCampaign(ctx, c)
	}

	for _, c := range campaigns {
		done, err := s.deps.Manager.CompleteIfDrained(ctx, c.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str(log.FieldCampaignID, c.ID).Msg("drain check failed")
			continue
		}
		if done {
			s.logger.Info().Str(log.FieldCampaignID, c.ID).Msg("campaign drained and completed")
		}
	}
}

// startDueScheduled activates scheduled campaigns whose start time arrived.
func (s *Supervisor) startDueScheduled(ctx context.Context) {
	scheduled, err := s.deps.Durable.ListCampaignsByStatus(ctx, model.CampaignScheduled)
	if err != nil {
		s.logger.Warn().Err(err).Msg("scheduled campaign scan failed")
		return
	}
	now := time.Now()
	for _, c := range scheduled {
		if c.ScheduledFor == nil || c.ScheduledFor.After(now) {
			continue
		}
		if _, err := s.deps.Manager.Start(ctx, c.ID); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldCampaignID, c.ID).Msg("scheduled start failed")
		}
	}
}

func (s *Supervisor) startCampaign(ctx context.Context, campaign *model.Campaign) {
	cctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if _, ok := s.running[campaign.ID]; ok {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running[campaign.ID] = cancel
	s.mu.Unlock()

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.runCampaign(cctx, campaign)
		s.mu.Lock()
		if c, ok := s.running[campaign.ID]; ok {
			c()
			delete(s.running, campaign.ID)
		}
		s.mu.Unlock()
	}()
}

// runCampaign runs one campaign's task group until its context ends. The
// config snapshot is taken at start; overrides apply to campaigns started
// after a reload.
func (s *Supervisor) runCampaign(ctx context.Context, campaign *model.Campaign) {
	logger := s.logger.With().Str(log.FieldCampaignID, campaign.ID).Logger()
	cfg := s.deps.Holder.Get()

	// Flushed Redis: rebuild scheduling state before dialing.
	need, err := s.janitor.NeedsColdStart(ctx, campaign.ID)
	if err != nil {
		logger.Error().Err(err).Msg("cold start probe failed")
		return
	}
	if need {
		if err := s.janitor.ColdStart(ctx, campaign); err != nil {
			logger.Error().Err(err).Msg("cold start failed")
			return
		}
	}

	breaker := resilience.NewBreaker(s.deps.Redis, campaign.ID,
		cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerOpenTTL, breakerProbeTTL)
	disp := dispatch.New(campaign.ID, dispatch.Deps{
		Leases:   s.deps.Leases,
		Durable:  s.deps.Durable,
		Sched:    s.deps.Sched,
		Carrier:  s.deps.Carrier,
		Bus:      s.deps.Bus,
		Breaker:  breaker,
		Config:   &cfg,
		WorkerID: s.deps.WorkerID,
		CallerID: s.deps.CallerID,
		AgentRef: campaign.AgentRef,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { s.janitor.RunJanitor(gctx, campaign.ID); return nil })
	g.Go(func() error { s.janitor.RunCompactor(gctx, campaign.ID); return nil })
	g.Go(func() error { s.janitor.RunReconciler(gctx, campaign.ID); return nil })
	g.Go(func() error {
		s.deps.Sched.RunMover(gctx, campaign.ID, retryMoverInterval, retryMoverBatch)
		return nil
	})
	g.Go(func() error { s.monitor.Run(gctx, campaign.ID, cfg.InvariantInterval); return nil })

	logger.Info().Msg("campaign task group started")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("campaign task group failed")
		return
	}
	logger.Info().Msg("campaign task group stopped")
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
	}
}
