// SPDX-License-Identifier: MIT

// Package lifecycle implements the campaign state machine. Durable campaign
// status is the source of truth; every transition also compare-and-swaps the
// Redis status mirror so dispatchers on other workers observe it without a
// durable-store read.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
	"github.com/voicelane/dialcore/internal/model"
	"github.com/voicelane/dialcore/internal/retry"
	"github.com/voicelane/dialcore/internal/store"
)

// ErrInvalidTransition is returned when the requested transition is not legal
// from the campaign's current state.
var ErrInvalidTransition = errors.New("invalid campaign state transition")

// transitions lists the legal lifecycle edges.
var transitions = map[model.CampaignStatus][]model.CampaignStatus{
	model.CampaignDraft:     {model.CampaignScheduled, model.CampaignActive, model.CampaignCancelled},
	model.CampaignScheduled: {model.CampaignActive, model.CampaignCancelled},
	model.CampaignActive:    {model.CampaignPaused, model.CampaignCompleted, model.CampaignCancelled, model.CampaignFailed},
	model.CampaignPaused:    {model.CampaignActive, model.CampaignCompleted, model.CampaignCancelled, model.CampaignFailed},
}

func canTransition(from, to model.CampaignStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Manager drives campaign lifecycle transitions.
type Manager struct {
	durable store.Store
	leases  *lease.Store
	sched   *retry.Scheduler
	logger  zerolog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(durable store.Store, leases *lease.Store, sched *retry.Scheduler) *Manager {
	return &Manager{
		durable: durable,
		leases:  leases,
		sched:   sched,
		logger:  log.WithComponent("lifecycle"),
	}
}

// transition applies one durable state change, guarded by the legal-edge
// table, and mirrors it into Redis.
func (m *Manager) transition(ctx context.Context, campaignID string, to model.CampaignStatus, pauseAction string, mutate func(*model.Campaign)) (*model.Campaign, error) {
	var from model.CampaignStatus
	campaign, err := m.durable.UpdateCampaign(ctx, campaignID, func(c *model.Campaign) error {
		from = c.Status
		if c.Status == to {
			return nil // idempotent repeat
		}
		if !canTransition(c.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
		}
		c.Status = to
		if mutate != nil {
			mutate(c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Mirror into Redis. The mirror CAS admits any source state plus an
	// absent key; the durable update above already enforced legality.
	if _, err := m.leases.CASStatus(ctx, campaignID, mirrorSources, to, pauseAction); err != nil {
		return nil, fmt.Errorf("mirror status: %w", err)
	}

	if from != to {
		metrics.CampaignTransitions.WithLabelValues(string(from), string(to)).Inc()
		m.logger.Info().
			Str(log.FieldCampaignID, campaignID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("campaign transition")
	}
	return campaign, nil
}

// mirrorSources lists every state the Redis mirror may hold; the durable
// store is the gatekeeper, the mirror only follows.
var mirrorSources = []model.CampaignStatus{
	model.CampaignDraft, model.CampaignScheduled, model.CampaignActive,
	model.CampaignPaused, model.CampaignCompleted, model.CampaignCancelled,
	model.CampaignFailed,
}

// Schedule moves a draft campaign to scheduled for a future start.
func (m *Manager) Schedule(ctx context.Context, campaignID string, at time.Time) (*model.Campaign, error) {
	return m.transition(ctx, campaignID, model.CampaignScheduled, "keep", func(c *model.Campaign) {
		c.ScheduledFor = &at
	})
}

// Start activates a campaign: the concurrency limit goes into Redis and the
// dialable backlog is enqueued. Idempotent for already-active campaigns.
func (m *Manager) Start(ctx context.Context, campaignID string) (*model.Campaign, error) {
	campaign, err := m.transition(ctx, campaignID, model.CampaignActive, "clear", nil)
	if err != nil {
		return nil, err
	}
	if err := m.leases.SetLimit(ctx, campaignID, campaign.Limit); err != nil {
		return nil, fmt.Errorf("set limit: %w", err)
	}

	dialable, err := m.durable.ListContactsByStatus(ctx, campaignID, model.ContactPending)
	if err != nil {
		return nil, fmt.Errorf("list pending contacts: %w", err)
	}
	var high, normal []string
	for _, c := range dialable {
		if _, err := m.durable.UpdateContact(ctx, campaignID, c.ID, func(ct *model.Contact) error {
			ct.Status = model.ContactQueued
			return nil
		}); err != nil {
			return nil, fmt.Errorf("queue contact %s: %w", c.ID, err)
		}
		if c.Priority == model.PriorityHigh {
			high = append(high, c.ID)
		} else {
			normal = append(normal, c.ID)
		}
	}
	if err := m.leases.Enqueue(ctx, campaignID, model.PriorityHigh, high...); err != nil {
		return nil, fmt.Errorf("enqueue high: %w", err)
	}
	if err := m.leases.Enqueue(ctx, campaignID, model.PriorityNormal, normal...); err != nil {
		return nil, fmt.Errorf("enqueue normal: %w", err)
	}

	m.logger.Info().
		Str(log.FieldCampaignID, campaignID).
		Int("enqueued", len(high)+len(normal)).
		Int("limit", campaign.Limit).
		Msg("campaign started")
	return campaign, nil
}

// Pause halts new dials. Calls already in flight run to completion.
func (m *Manager) Pause(ctx context.Context, campaignID string) (*model.Campaign, error) {
	return m.transition(ctx, campaignID, model.CampaignPaused, "set", nil)
}

// Resume lifts a pause.
func (m *Manager) Resume(ctx context.Context, campaignID string) (*model.Campaign, error) {
	return m.transition(ctx, campaignID, model.CampaignActive, "clear", nil)
}

// Cancel terminally stops a campaign: pending retries are dropped and queued
// contacts are marked skipped. In-flight calls drain on their own; the pause
// flag stops the dispatcher from starting more.
func (m *Manager) Cancel(ctx context.Context, campaignID string) (*model.Campaign, error) {
	campaign, err := m.transition(ctx, campaignID, model.CampaignCancelled, "set", nil)
	if err != nil {
		return nil, err
	}
	if err := m.sched.Cancel(ctx, campaignID); err != nil {
		return nil, err
	}

	waiting, err := m.durable.ListContactsByStatus(ctx, campaignID, model.ContactPending, model.ContactQueued)
	if err != nil {
		return nil, fmt.Errorf("list waiting contacts: %w", err)
	}
	for _, c := range waiting {
		if _, err := m.durable.UpdateContact(ctx, campaignID, c.ID, func(ct *model.Contact) error {
			ct.Status = model.ContactSkipped
			ct.FailureReason = string(model.OutcomeCancelled)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("skip contact %s: %w", c.ID, err)
		}
	}

	m.logger.Info().
		Str(log.FieldCampaignID, campaignID).
		Int("skipped", len(waiting)).
		Msg("campaign cancelled")
	return campaign, nil
}

// Fail marks a campaign failed (operator action or fatal carrier condition).
func (m *Manager) Fail(ctx context.Context, campaignID, reason string) (*model.Campaign, error) {
	campaign, err := m.transition(ctx, campaignID, model.CampaignFailed, "set", nil)
	if err != nil {
		return nil, err
	}
	m.logger.Warn().
		Str(log.FieldCampaignID, campaignID).
		Str("reason", reason).
		Msg("campaign failed")
	return campaign, nil
}

// CompleteIfDrained moves an active or paused campaign to completed once
// every contact is terminal and nothing remains in flight or scheduled.
// Returns true when the transition happened.
func (m *Manager) CompleteIfDrained(ctx context.Context, campaignID string) (bool, error) {
	campaign, err := m.durable.GetCampaign(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if campaign.Status != model.CampaignActive && campaign.Status != model.CampaignPaused {
		return false, nil
	}

	counts, err := m.durable.CountContactsByStatus(ctx, campaignID)
	if err != nil {
		return false, err
	}
	var open, total int
	for status, n := range counts {
		total += n
		if !status.IsTerminal() {
			open += n
		}
	}
	if total == 0 || open > 0 {
		return false, nil
	}

	snap, err := m.leases.Snapshot(ctx, campaignID)
	if err != nil {
		return false, err
	}
	pendingRetries, err := m.leases.RetryQueueLen(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if snap.Inflight > 0 || snap.Reserved > 0 || pendingRetries > 0 {
		return false, nil
	}

	if _, err := m.transition(ctx, campaignID, model.CampaignCompleted, "keep", nil); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateLimit changes the concurrency cap of a running campaign. The new
// value takes effect on the next promotion batch; no in-flight call is cut.
func (m *Manager) UpdateLimit(ctx context.Context, campaignID string, limit int) (*model.Campaign, error) {
	if limit < 1 {
		return nil, model.ErrInvalidLimit
	}
	campaign, err := m.durable.UpdateCampaign(ctx, campaignID, func(c *model.Campaign) error {
		if c.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, c.Status)
		}
		c.Limit = limit
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.leases.SetLimit(ctx, campaignID, limit); err != nil {
		return nil, fmt.Errorf("set limit: %w", err)
	}
	return campaign, nil
}

// Progress is a campaign progress summary for the operator API.
type Progress struct {
	Campaign      *model.Campaign             `json:"campaign"`
	ContactCounts map[model.ContactStatus]int `json:"contactCounts"`
	Inflight      int                         `json:"inflight"`
	Reserved      int                         `json:"reserved"`
	QueuedHigh    int                         `json:"queuedHigh"`
	QueuedNormal  int                         `json:"queuedNormal"`
	RetryQueueLen int64                       `json:"retryQueueLen"`
	Paused        bool                        `json:"paused"`
}

// Progress assembles the campaign progress view.
func (m *Manager) Progress(ctx context.Context, campaignID string) (*Progress, error) {
	campaign, err := m.durable.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := m.durable.CountContactsByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	snap, err := m.leases.Snapshot(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	retries, err := m.leases.RetryQueueLen(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	paused, err := m.leases.IsPaused(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		Campaign:      campaign,
		ContactCounts: counts,
		Inflight:      snap.Inflight,
		Reserved:      snap.Reserved,
		QueuedHigh:    snap.QueuedHigh,
		QueuedNormal:  snap.QueuedNormal,
		RetryQueueLen: retries,
		Paused:        paused,
	}, nil
}
