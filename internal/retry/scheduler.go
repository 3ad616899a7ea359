// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
	"github.com/voicelane/dialcore/internal/model"
	"github.com/voicelane/dialcore/internal/store"
)

// scheduleFenceTTL bounds the duplicate-enqueue fence per call outcome.
const scheduleFenceTTL = time.Hour

// Scheduler turns terminal call outcomes into future redial jobs.
type Scheduler struct {
	leases  *lease.Store
	durable store.Store
	logger  zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScheduler creates a retry scheduler.
func NewScheduler(leases *lease.Store, durable store.Store) *Scheduler {
	return &Scheduler{
		leases:  leases,
		durable: durable,
		logger:  log.WithComponent("retry"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Scheduler) delay(kind model.CallOutcome, attempt int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Delay(kind, attempt, s.rng)
}

// Schedule decides retryability for one terminal outcome and, when retryable,
// enqueues a delayed job plus its durable audit record. Returns the due time
// and scheduled=false when the outcome is not retried (budget exhausted,
// non-retryable kind, or a duplicate event already scheduled it).
func (s *Scheduler) Schedule(ctx context.Context, campaign *model.Campaign, contact *model.Contact, callID string, kind model.CallOutcome) (time.Time, bool, error) {
	// A cancelled or otherwise terminal campaign takes no new retries. Calls
	// that were in flight at cancellation still land here when they end, and
	// enqueueing would resurrect jobs the cancellation already flushed.
	if campaign.Status.IsTerminal() {
		return time.Time{}, false, nil
	}
	if !Retryable(campaign.RetryPolicy, kind, contact.RetryCount) {
		return time.Time{}, false, nil
	}

	// At-least-once event delivery: two consumers may see the same hangup.
	// Only the fence winner enqueues.
	claimed, err := s.leases.ClaimRetrySchedule(ctx, callID, scheduleFenceTTL)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("retry fence: %w", err)
	}
	if !claimed {
		return time.Time{}, false, nil
	}

	now := time.Now().UTC()
	dueAt := ClampOffPeak(campaign.RetryPolicy, now.Add(s.delay(kind, contact.RetryCount)))

	if err := s.leases.ScheduleRetry(ctx, campaign.ID, contact.Priority, contact.ID, dueAt); err != nil {
		return time.Time{}, false, fmt.Errorf("enqueue retry: %w", err)
	}

	attempt := model.RetryAttempt{
		ID:             uuid.NewString(),
		CampaignID:     campaign.ID,
		ContactID:      contact.ID,
		OriginalCallID: callID,
		AttemptNumber:  contact.RetryCount + 1,
		FailureKind:    string(kind),
		ScheduledFor:   dueAt,
		Status:         model.RetryScheduled,
		CreatedAt:      now,
	}
	if err := s.durable.PutRetryAttempt(ctx, &attempt); err != nil {
		// The Redis job is already in; the audit record is best effort.
		s.logger.Error().Err(err).
			Str(log.FieldCampaignID, campaign.ID).
			Str(log.FieldContactID, contact.ID).
			Msg("retry attempt record write failed")
	}

	metrics.RetriesScheduledTotal.WithLabelValues(campaign.ID, string(kind)).Inc()
	s.logger.Info().
		Str(log.FieldCampaignID, campaign.ID).
		Str(log.FieldContactID, contact.ID).
		Str("kind", string(kind)).
		Int("attempt", attempt.AttemptNumber).
		Time("dueAt", dueAt).
		Msg("retry scheduled")
	return dueAt, true, nil
}

// Cancel drops all pending retry jobs for a campaign and marks their audit
// records cancelled.
func (s *Scheduler) Cancel(ctx context.Context, campaignID string) error {
	if err := s.leases.CancelRetries(ctx, campaignID); err != nil {
		return fmt.Errorf("cancel retries: %w", err)
	}
	attempts, err := s.durable.ListRetryAttemptsByStatus(ctx, campaignID, model.RetryScheduled)
	if err != nil {
		return fmt.Errorf("list retry attempts: %w", err)
	}
	for _, a := range attempts {
		_, err := s.durable.UpdateRetryAttempt(ctx, campaignID, a.ID, func(ra *model.RetryAttempt) error {
			ra.Status = model.RetryCancelled
			return nil
		})
		if err != nil {
			return fmt.Errorf("cancel retry attempt %s: %w", a.ID, err)
		}
	}
	return nil
}

// MoveDue moves due retry jobs onto the waitlists and marks their audit
// records fired. Returns the number of jobs moved.
func (s *Scheduler) MoveDue(ctx context.Context, campaignID string, now time.Time, max int) (int, error) {
	moved, err := s.leases.MoveDueRetries(ctx, campaignID, now, max)
	if err != nil {
		return 0, err
	}
	if len(moved) == 0 {
		return 0, nil
	}

	movedIDs := make(map[string]bool, len(moved))
	for _, g := range moved {
		movedIDs[g.ContactID] = true
	}
	attempts, err := s.durable.ListRetryAttemptsByStatus(ctx, campaignID, model.RetryScheduled)
	if err != nil {
		return len(moved), fmt.Errorf("list retry attempts: %w", err)
	}
	for _, a := range attempts {
		if !movedIDs[a.ContactID] || a.ScheduledFor.After(now) {
			continue
		}
		_, err := s.durable.UpdateRetryAttempt(ctx, campaignID, a.ID, func(ra *model.RetryAttempt) error {
			ra.Status = model.RetryFired
			return nil
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str(log.FieldCampaignID, campaignID).
				Str(log.FieldContactID, a.ContactID).
				Msg("retry attempt fire update failed")
		}
	}
	return len(moved), nil
}

// RunMover periodically moves due retries until the context ends.
func (s *Scheduler) RunMover(ctx context.Context, campaignID string, interval time.Duration, maxPerTick int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.MoveDue(ctx, campaignID, time.Now().UTC(), maxPerTick)
			if err != nil {
				s.logger.Warn().Err(err).
					Str(log.FieldCampaignID, campaignID).
					Msg("retry mover tick failed")
				continue
			}
			if n > 0 {
				s.logger.Debug().
					Str(log.FieldCampaignID, campaignID).
					Int("moved", n).
					Msg("due retries moved to waitlist")
			}
		}
	}
}
