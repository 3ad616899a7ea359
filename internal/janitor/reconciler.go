// SPDX-License-Identifier: MIT

package janitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
	"github.com/voicelane/dialcore/internal/model"
)

// Reconcile squares Redis against the durable store for one campaign:
//
//   - a durable `calling` contact without a live lease lost its worker; it
//     goes back to `pending` and the head of its waitlist,
//   - a lease whose contact is already terminal in the durable store is
//     force-released; durable state wins.
func (r *Runner) Reconcile(ctx context.Context, campaignID string) error {
	logger := r.logger.With().Str(log.FieldCampaignID, campaignID).Logger()

	members, err := r.leases.LeaseMembers(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list leases: %w", err)
	}
	liveLeases := make(map[string]bool, len(members)) // call id -> lease live
	for _, member := range members {
		alive, err := r.leases.LeaseTokenExists(ctx, campaignID, member)
		if err != nil {
			return err
		}
		if alive {
			liveLeases[strings.TrimPrefix(member, lease.PreMemberPrefix)] = true
		}
	}

	logs, err := r.durable.ListCallLogs(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list call logs: %w", err)
	}
	// Latest open call per contact; finished calls carry an end time.
	openCall := make(map[string]*model.CallLog)
	for _, cl := range logs {
		if cl.EndedAt != nil {
			continue
		}
		if prev, ok := openCall[cl.ContactID]; !ok || cl.StartedAt.After(prev.StartedAt) {
			openCall[cl.ContactID] = cl
		}
	}

	// Durable `calling` contacts whose lease is gone: the worker died
	// between dial and release. Requeue.
	calling, err := r.durable.ListContactsByStatus(ctx, campaignID, model.ContactCalling)
	if err != nil {
		return fmt.Errorf("list calling contacts: %w", err)
	}
	for _, c := range calling {
		if cl, ok := openCall[c.ID]; ok && liveLeases[cl.ID] {
			continue // genuinely in flight
		}
		if _, err := r.durable.UpdateContact(ctx, campaignID, c.ID, func(ct *model.Contact) error {
			ct.Status = model.ContactPending
			return nil
		}); err != nil {
			logger.Warn().Err(err).Str(log.FieldContactID, c.ID).Msg("requeue update failed")
			continue
		}
		if err := r.leases.PushBack(ctx, campaignID, c.Priority, c.ID); err != nil {
			logger.Warn().Err(err).Str(log.FieldContactID, c.ID).Msg("requeue push failed")
			continue
		}
		metrics.ReconcilerActionsTotal.WithLabelValues(campaignID, "requeue").Inc()
		logger.Info().Str(log.FieldContactID, c.ID).Msg("stranded calling contact requeued")
	}

	// Leases whose contact the durable store already finished: release.
	// Durable state wins over Redis.
	for _, member := range members {
		callID := strings.TrimPrefix(member, lease.PreMemberPrefix)
		cl, err := r.durable.GetCallLog(ctx, campaignID, callID)
		if err != nil {
			continue // unknown call, leave it to the TTL
		}
		contact, err := r.durable.GetContact(ctx, campaignID, cl.ContactID)
		if err != nil {
			continue
		}
		if !contact.Status.IsTerminal() && cl.EndedAt == nil {
			continue
		}
		if err := r.leases.ForceRelease(ctx, campaignID, member); err != nil {
			logger.Warn().Err(err).Str("member", member).Msg("force release failed")
			continue
		}
		metrics.ReconcilerActionsTotal.WithLabelValues(campaignID, "release").Inc()
		logger.Info().
			Str("member", member).
			Str(log.FieldContactID, cl.ContactID).
			Msg("lease released for terminal contact")
	}

	return nil
}

// NeedsColdStart reports whether the campaign's Redis state was lost: an
// active campaign without its limit key and without a reconciliation marker.
func (r *Runner) NeedsColdStart(ctx context.Context, campaignID string) (bool, error) {
	hasLimit, err := r.leases.LimitSet(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if hasLimit {
		return false, nil
	}
	done, err := r.leases.ColdStartDone(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return !done, nil
}

// ColdStart rebuilds a campaign's Redis scheduling state from the durable
// store after a flush. Dispatch is blocked behind the cold-start marker
// while it runs.
func (r *Runner) ColdStart(ctx context.Context, campaign *model.Campaign) error {
	logger := r.logger.With().Str(log.FieldCampaignID, campaign.ID).Logger()
	logger.Warn().Msg("cold start: rebuilding scheduling state from durable store")

	if err := r.leases.BeginColdStart(ctx, campaign.ID, r.cfg.ColdStartBlock); err != nil {
		return fmt.Errorf("raise cold-start marker: %w", err)
	}
	if err := r.leases.SetLimit(ctx, campaign.ID, campaign.Limit); err != nil {
		return fmt.Errorf("restore limit: %w", err)
	}

	// Contacts mid-call at flush time look `calling` with no lease; the
	// reconcile pass resets and requeues them.
	if err := r.Reconcile(ctx, campaign.ID); err != nil {
		return err
	}

	// Re-enqueue the dialable backlog. Compaction afterwards drops any
	// duplicates this produces against surviving queue entries.
	dialable, err := r.durable.ListContactsByStatus(ctx, campaign.ID, model.ContactPending, model.ContactQueued)
	if err != nil {
		return fmt.Errorf("list dialable contacts: %w", err)
	}
	var requeued int
	for _, c := range dialable {
		// Contacts waiting on a retry keep their delay; the mover
		// re-adds them when due.
		if c.NextRetryAt != nil && c.NextRetryAt.After(time.Now()) {
			if err := r.leases.ScheduleRetry(ctx, campaign.ID, c.Priority, c.ID, *c.NextRetryAt); err != nil {
				return fmt.Errorf("restore retry for %s: %w", c.ID, err)
			}
			continue
		}
		if err := r.leases.Enqueue(ctx, campaign.ID, c.Priority, c.ID); err != nil {
			return fmt.Errorf("re-enqueue %s: %w", c.ID, err)
		}
		requeued++
	}
	if _, err := r.leases.Compact(ctx, campaign.ID, r.cfg.WaitlistCap); err != nil {
		return fmt.Errorf("compact after cold start: %w", err)
	}

	if err := r.leases.FinishColdStart(ctx, campaign.ID); err != nil {
		return fmt.Errorf("finish cold start: %w", err)
	}
	logger.Info().Int("requeued", requeued).Msg("cold start complete")
	return nil
}
