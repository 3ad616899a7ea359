// SPDX-License-Identifier: MIT

// Package janitor hosts the self-healing background loops: the janitor reaps
// orphaned reservations, zombie lease members and stale gates; the compactor
// deduplicates waitlists; the reconciler squares Redis against the durable
// store. Each loop elects one leader per campaign via a short-TTL ownership
// key, so the loops are safe to run on every worker.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/config"
	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
	"github.com/voicelane/dialcore/internal/store"
)

// maxZombieScan bounds the per-tick lease set walk.
const maxZombieScan = 200

// Runner executes the background loops for one campaign.
type Runner struct {
	leases   *lease.Store
	durable  store.Store
	cfg      *config.Config
	workerID string
	logger   zerolog.Logger
}

// New creates a background-loop runner.
func New(leases *lease.Store, durable store.Store, cfg *config.Config, workerID string) *Runner {
	return &Runner{
		leases:   leases,
		durable:  durable,
		cfg:      cfg,
		workerID: workerID,
		logger:   log.WithComponent("janitor"),
	}
}

// lead claims per-campaign leadership for one loop scope; re-entrant for the
// current holder.
func (r *Runner) lead(ctx context.Context, campaignID, scope string) bool {
	ok, err := r.leases.TryOwn(ctx, campaignID, scope, r.workerID, r.cfg.OwnershipTTL)
	if err != nil {
		r.logger.Warn().Err(err).
			Str(log.FieldCampaignID, campaignID).
			Str("scope", scope).
			Msg("leader election failed")
		return false
	}
	return ok
}

// RunJanitor periodically reaps orphaned reservations, zombie lease members
// and stale promotion gates.
func (r *Runner) RunJanitor(ctx context.Context, campaignID string) {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.lead(ctx, campaignID, "janitor") {
				continue
			}
			r.janitorTick(ctx, campaignID)
		}
	}
}

func (r *Runner) janitorTick(ctx context.Context, campaignID string) {
	logger := r.logger.With().Str(log.FieldCampaignID, campaignID).Logger()

	reaped, err := r.leases.JanitorScan(ctx, campaignID, time.Now(), r.cfg.OrphanAge)
	if err != nil {
		logger.Warn().Err(err).Msg("reservation scan failed")
	} else if reaped > 0 {
		metrics.JanitorReapedTotal.WithLabelValues(campaignID, "reservation").Add(float64(reaped))
		logger.Info().Int("reaped", reaped).Msg("orphaned reservations restored to waitlist")
	}

	zombies, err := r.leases.ReapZombieLeases(ctx, campaignID, maxZombieScan)
	if err != nil {
		logger.Warn().Err(err).Msg("zombie lease scan failed")
	} else if zombies > 0 {
		metrics.JanitorReapedTotal.WithLabelValues(campaignID, "lease").Add(float64(zombies))
		logger.Info().Int("reaped", zombies).Msg("zombie lease members removed")
	}

	cleared, err := r.leases.ClearStaleGate(ctx, campaignID, r.cfg.GateStaleAge)
	if err != nil {
		logger.Warn().Err(err).Msg("gate check failed")
	} else if cleared {
		metrics.JanitorReapedTotal.WithLabelValues(campaignID, "gate").Inc()
		logger.Info().Msg("stale promotion gate cleared")
	}
}

// RunCompactor periodically deduplicates the waitlists and trims them to the
// configured cap.
func (r *Runner) RunCompactor(ctx context.Context, campaignID string) {
	ticker := time.NewTicker(r.cfg.CompactorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.lead(ctx, campaignID, "compactor") {
				continue
			}
			removed, err := r.leases.Compact(ctx, campaignID, r.cfg.WaitlistCap)
			if err != nil {
				r.logger.Warn().Err(err).
					Str(log.FieldCampaignID, campaignID).
					Msg("compaction failed")
				continue
			}
			if removed > 0 {
				r.logger.Info().
					Str(log.FieldCampaignID, campaignID).
					Int("removed", removed).
					Msg("waitlists compacted")
			}
		}
	}
}

// RunReconciler periodically squares Redis scheduling state against the
// durable store.
func (r *Runner) RunReconciler(ctx context.Context, campaignID string) {
	ticker := time.NewTicker(r.cfg.ReconcilerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.lead(ctx, campaignID, "reconcile") {
				continue
			}
			if err := r.Reconcile(ctx, campaignID); err != nil {
				r.logger.Warn().Err(err).
					Str(log.FieldCampaignID, campaignID).
					Msg("reconciliation failed")
			}
		}
	}
}
