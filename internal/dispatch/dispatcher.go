// SPDX-License-Identifier: MIT

// Package dispatch hosts the per-campaign dispatcher: the loop that reserves
// promotion batches, converts them into pre-dial leases, dials through the
// carrier and walks each attempt to release.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/voicelane/dialcore/internal/admission"
	"github.com/voicelane/dialcore/internal/carrier"
	"github.com/voicelane/dialcore/internal/config"
	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/resilience"
	"github.com/voicelane/dialcore/internal/retry"
	"github.com/voicelane/dialcore/internal/signal"
	"github.com/voicelane/dialcore/internal/store"
)

// ownershipScope is the leader-election scope for dispatchers.
const ownershipScope = "dispatch"

// gatedSleep is the pause between iterations while dispatch is gated off
// (paused, breaker open, cold start).
const gatedSleep = 2 * time.Second

// Deps bundles the collaborators of a Dispatcher.
type Deps struct {
	Leases   *lease.Store
	Durable  store.Store
	Sched    *retry.Scheduler
	Carrier  carrier.Client
	Bus      signal.Bus
	Breaker  *resilience.Breaker
	Config   *config.Config
	WorkerID string
	CallerID string
	AgentRef string
}

// Dispatcher drives dialing for one campaign on one worker. A campaign has at
// most one live dispatcher cluster-wide, enforced by the ownership key.
type Dispatcher struct {
	campaignID string
	workerID   string
	callerID   string
	agentRef   string

	leases  *lease.Store
	durable store.Store
	ctrl    *admission.Controller
	waiter  *admission.Waiter
	sched   *retry.Scheduler
	carrier carrier.Client
	bus     signal.Bus
	breaker *resilience.Breaker
	cfg     *config.Config
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	attempts sync.WaitGroup
}

// New creates a dispatcher for one campaign.
func New(campaignID string, deps Deps) *Dispatcher {
	cfg := deps.Config
	rps := cfg.DialRatePerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Dispatcher{
		campaignID: campaignID,
		workerID:   deps.WorkerID,
		callerID:   deps.CallerID,
		agentRef:   deps.AgentRef,
		leases:     deps.Leases,
		durable:    deps.Durable,
		ctrl:       admission.NewController(deps.Leases, campaignID, cfg),
		waiter:     admission.NewWaiter(deps.Leases, campaignID, cfg.PromoterBackoffMin, cfg.PromoterBackoffCap),
		sched:      deps.Sched,
		carrier:    deps.Carrier,
		bus:        deps.Bus,
		breaker:    deps.Breaker,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		logger: log.WithComponent("dispatch").With().
			Str(log.FieldCampaignID, campaignID).
			Str("worker", deps.WorkerID).
			Logger(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// preDialTTL returns the pre-dial lease TTL with jitter.
func (d *Dispatcher) preDialTTL() time.Duration {
	return d.jittered(d.cfg.PreDialBase, d.cfg.PreDialJitter)
}

// activeTTL returns the active lease TTL with jitter.
func (d *Dispatcher) activeTTL() time.Duration {
	return d.jittered(d.cfg.ActiveLeaseBase, d.cfg.ActiveLeaseJitter)
}

func (d *Dispatcher) jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return base + time.Duration(d.rng.Int63n(int64(jitter)))
}

// Run owns the campaign and dispatches until the context ends or ownership is
// lost. It returns nil on clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	owned, err := d.leases.TryOwn(ctx, d.campaignID, ownershipScope, d.workerID, d.cfg.OwnershipTTL)
	if err != nil {
		return fmt.Errorf("claim ownership: %w", err)
	}
	if !owned {
		return nil // another worker runs this campaign
	}
	d.logger.Info().Msg("dispatcher started")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		d.heartbeat(loopCtx, cancel)
	}()

	err = d.loop(loopCtx)

	cancel()
	hb.Wait()
	d.attempts.Wait()

	// Voluntary relinquish so a peer can take over without waiting for the
	// ownership TTL.
	disownCtx, disownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer disownCancel()
	if derr := d.leases.Disown(disownCtx, d.campaignID, ownershipScope, d.workerID); derr != nil {
		d.logger.Warn().Err(derr).Msg("disown failed")
	}
	d.logger.Info().Msg("dispatcher stopped")

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// heartbeat renews the ownership key; losing it cancels the loop.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc) {
	interval := d.cfg.OwnershipTTL / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := d.leases.RenewOwn(ctx, d.campaignID, ownershipScope, d.workerID, d.cfg.OwnershipTTL)
			if err != nil {
				d.logger.Warn().Err(err).Msg("ownership renewal error")
				continue
			}
			if !ok {
				d.logger.Warn().Msg("ownership lost, stopping dispatcher")
				cancel()
				return
			}
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context) error {
	redisFailures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		gated, err := d.gated(ctx)
		if err != nil {
			redisFailures++
			if redisFailures >= d.cfg.RedisMaxFailures {
				return fmt.Errorf("redis unavailable after %d attempts: %w", redisFailures, err)
			}
			d.sleep(ctx, d.redisBackoff(redisFailures))
			continue
		}
		if gated {
			d.sleep(ctx, gatedSleep)
			continue
		}

		batch, err := d.ctrl.Reserve(ctx)
		if err != nil {
			redisFailures++
			d.logger.Warn().Err(err).Int("failures", redisFailures).Msg("admission round failed")
			if redisFailures >= d.cfg.RedisMaxFailures {
				// Relinquish so a healthier worker can take over.
				return fmt.Errorf("redis unavailable after %d attempts: %w", redisFailures, err)
			}
			d.sleep(ctx, d.redisBackoff(redisFailures))
			continue
		}
		redisFailures = 0

		if len(batch.Grants) == 0 {
			if err := d.waiter.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		d.waiter.Reset()

		for _, grant := range batch.Grants {
			grant := grant
			d.attempts.Add(1)
			go func() {
				defer d.attempts.Done()
				d.runAttempt(ctx, grant)
			}()
		}
	}
}

// gated reports whether new admissions are currently blocked.
func (d *Dispatcher) gated(ctx context.Context) (bool, error) {
	paused, err := d.leases.IsPaused(ctx, d.campaignID)
	if err != nil {
		return false, err
	}
	if paused {
		return true, nil
	}
	blocked, err := d.leases.ColdStartBlocked(ctx, d.campaignID)
	if err != nil {
		return false, err
	}
	if blocked {
		return true, nil
	}
	open, err := d.leases.BreakerOpen(ctx, d.campaignID)
	if err != nil {
		return false, err
	}
	return open, nil
}

// redisBackoff is the full-jitter backoff applied on Redis trouble.
func (d *Dispatcher) redisBackoff(failures int) time.Duration {
	upper := d.cfg.RedisBackoffBase
	if upper <= 0 {
		upper = 2 * time.Second
	}
	ceiling := d.cfg.RedisBackoffCap
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	for i := 1; i < failures; i++ {
		upper *= 2
		if upper >= ceiling {
			upper = ceiling
			break
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(d.rng.Int63n(int64(upper)))
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
