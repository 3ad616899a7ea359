// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/carrier"
	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
	"github.com/voicelane/dialcore/internal/model"
	"github.com/voicelane/dialcore/internal/resilience"
	"github.com/voicelane/dialcore/internal/signal"
)

// attemptState is the per-attempt FSM.
type attemptState string

const (
	stateIdle      attemptState = "idle"
	statePromoting attemptState = "promoting"
	stateDialing   attemptState = "dialing"
	stateRinging   attemptState = "ringing"
	stateActive    attemptState = "active"
	stateEnding    attemptState = "ending"
	stateReleased  attemptState = "released"
)

// attempt tracks one dial from reservation grant to lease release.
type attempt struct {
	d       *Dispatcher
	grant   lease.Grant
	contact *model.Contact

	callID    string
	token     string
	member    string
	carrierID string
	state     attemptState
	probe     bool
	answered  bool
	startedAt time.Time
	logger    zerolog.Logger
}

func (a *attempt) transition(to attemptState) {
	metrics.RecordAttemptTransition(string(a.state), string(to))
	a.state = to
}

// runAttempt drives one granted reservation through dial and release.
func (d *Dispatcher) runAttempt(ctx context.Context, grant lease.Grant) {
	a := &attempt{
		d:      d,
		grant:  grant,
		state:  stateIdle,
		callID: uuid.NewString(),
	}
	a.logger = d.logger.With().
		Str(log.FieldContactID, grant.ContactID).
		Str(log.FieldCallID, a.callID).
		Logger()
	a.run(ctx)
}

func (a *attempt) run(ctx context.Context) {
	d := a.d
	now := time.Now().UTC()
	preDeadline := now.Add(d.cfg.PreDialMax)

	// Reservation -> pre-dial lease. A failed convert means the janitor
	// already reaped the reservation; the contact is back on its waitlist.
	a.transition(statePromoting)
	token, ok, err := d.leases.Convert(ctx, d.campaignID, a.grant, a.callID, d.preDialTTL())
	if err != nil {
		a.logger.Error().Err(err).Msg("convert failed")
		return
	}
	if !ok {
		a.logger.Debug().Msg("reservation already reaped, skipping")
		return
	}
	a.token = token
	a.member = lease.PreMemberPrefix + a.callID
	a.startedAt = now

	contact, err := d.durable.GetContact(ctx, d.campaignID, a.grant.ContactID)
	if err != nil {
		a.logger.Warn().Err(err).Msg("contact lookup failed, releasing")
		a.release(ctx)
		return
	}
	if contact.Status.IsTerminal() {
		// Stale queue entry (compactor missed it); drop silently.
		a.logger.Debug().Str("status", string(contact.Status)).Msg("contact already terminal")
		a.release(ctx)
		return
	}
	a.contact = contact

	// Circuit breaker first: an open circuit pushes the contact back to its
	// class head, and that must happen before the dial window is claimed,
	// or the redispatched attempt after cooldown would be suppressed as a
	// duplicate and the contact stranded.
	probe, err := d.breaker.Allow(ctx)
	if err != nil {
		if err == resilience.ErrCircuitOpen {
			a.logger.Debug().Msg("circuit open, pushing contact back")
			a.release(ctx)
			if err := d.leases.PushBack(ctx, d.campaignID, a.grant.Priority, contact.ID); err != nil {
				a.logger.Error().Err(err).Msg("push-back failed")
			}
			return
		}
		a.logger.Error().Err(err).Msg("breaker check failed, releasing")
		a.release(ctx)
		return
	}
	a.probe = probe

	// Dedup window: at-least-once semantics can hand one contact to two
	// workers; exactly one claims the dial, the loser releases.
	claimed, err := d.leases.ClaimDialWindow(ctx, contact.ID, now, d.cfg.DialIdempotencyTTL)
	if err != nil {
		a.logger.Error().Err(err).Msg("idempotency claim failed, releasing")
		a.release(ctx)
		return
	}
	if !claimed {
		metrics.DedupHitsTotal.WithLabelValues(d.campaignID).Inc()
		a.logger.Info().Msg("dial suppressed by idempotency window")
		a.finish(ctx, model.OutcomeDedup, "duplicate dial suppressed")
		return
	}

	if _, err := d.durable.UpdateContact(ctx, d.campaignID, contact.ID, func(c *model.Contact) error {
		c.Status = model.ContactCalling
		return nil
	}); err != nil {
		a.logger.Warn().Err(err).Msg("contact status update failed")
	}

	// Subscribe before dialing so no webhook event can slip past.
	sub, err := d.bus.Subscribe(ctx, a.callID)
	if err != nil {
		a.logger.Error().Err(err).Msg("event subscription failed")
		a.finish(ctx, model.OutcomeNetworkError, "event subscription failed")
		return
	}
	defer func() { _ = sub.Close() }()

	if err := d.limiter.Wait(ctx); err != nil {
		a.release(ctx)
		return
	}

	a.transition(stateDialing)
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.CarrierConnectTimeout)
	res, err := d.carrier.Dial(dialCtx, carrier.DialSpec{
		CampaignID:    d.campaignID,
		ContactID:     contact.ID,
		CallID:        a.callID,
		To:            contact.PhoneNumber,
		From:          d.callerID,
		AppRef:        d.agentRef,
		CorrelationID: a.callID,
	})
	cancel()
	if err != nil {
		class := carrier.Classify(err)
		a.feedBreaker(ctx, false)
		a.logger.Warn().Err(err).Str("class", string(class)).Msg("dial rejected")
		a.finish(ctx, outcomeFromDialError(err), err.Error())
		return
	}
	a.carrierID = res.CarrierID
	a.feedBreaker(ctx, true)
	metrics.DialsTotal.WithLabelValues(d.campaignID, "accepted").Inc()

	// Open call log: the reconciler uses it to map a calling contact to its
	// lease member after a crash. finish() overwrites it with the outcome.
	if err := d.durable.PutCallLog(ctx, &model.CallLog{
		ID:         a.callID,
		CampaignID: d.campaignID,
		ContactID:  contact.ID,
		CarrierID:  a.carrierID,
		StartedAt:  a.startedAt,
	}); err != nil {
		a.logger.Warn().Err(err).Msg("open call log write failed")
	}

	// Carrier accepted: renew once so the pre-dial lease survives ringing,
	// capped by both the gate TTL and the hard pre-dial budget.
	renewTTL := min(d.cfg.GateTTL, time.Until(preDeadline))
	if renewTTL > 0 {
		if ok, err := d.leases.Renew(ctx, d.campaignID, a.member, a.token, renewTTL); err != nil || !ok {
			a.logger.Warn().Err(err).Msg("pre-dial renewal failed")
		}
	}
	a.transition(stateRinging)

	a.waitForEnd(ctx, sub, preDeadline)
}

// waitForEnd consumes call events until a terminal condition.
func (a *attempt) waitForEnd(ctx context.Context, sub signal.Subscriber, preDeadline time.Time) {
	d := a.d

	preTimer := time.NewTimer(time.Until(preDeadline))
	defer preTimer.Stop()
	callTimer := time.NewTimer(d.cfg.CarrierCallTimeout)
	defer callTimer.Stop()

	activeTTL := d.activeTTL()
	renewTicker := time.NewTicker(activeTTL / 3)
	defer renewTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown: drop the lease, the reconciler requeues the
			// contact from its durable `calling` status.
			a.release(context.Background())
			return

		case <-preTimer.C:
			if a.answered {
				continue
			}
			a.logger.Warn().Msg("pre-dial budget exhausted, forcing release")
			a.hangupCarrier(ctx)
			a.finish(ctx, model.OutcomeNoAnswer, "pre-dial budget exhausted")
			return

		case <-callTimer.C:
			a.logger.Warn().Msg("total call budget exhausted, forcing hangup")
			a.hangupCarrier(ctx)
			if a.answered {
				a.finish(ctx, model.OutcomeCompleted, "call budget exhausted")
			} else {
				a.finish(ctx, model.OutcomeNetworkError, "call budget exhausted")
			}
			return

		case <-renewTicker.C:
			if !a.answered {
				continue
			}
			ok, err := d.leases.Renew(ctx, d.campaignID, a.member, a.token, activeTTL)
			if err != nil {
				a.logger.Warn().Err(err).Msg("active lease renewal error")
				continue
			}
			if !ok {
				// Janitor reaped us; the slot is gone, stop driving.
				a.logger.Warn().Msg("active lease lost, abandoning attempt")
				a.hangupCarrier(ctx)
				a.finish(ctx, model.OutcomeNetworkError, "active lease lost")
				return
			}

		case ev, open := <-sub.C():
			if !open {
				a.logger.Warn().Msg("event stream closed, releasing")
				a.finish(ctx, model.OutcomeNetworkError, "event stream closed")
				return
			}
			if done := a.handleEvent(ctx, ev); done {
				return
			}
		}
	}
}

// handleEvent applies one call event; returns true when the attempt ended.
func (a *attempt) handleEvent(ctx context.Context, ev signal.CallEvent) bool {
	d := a.d
	switch ev.Type {
	case signal.EventRinging:
		if ev.CarrierID != "" {
			a.carrierID = ev.CarrierID
		}
		return false

	case signal.EventAnswered, signal.EventMediaActive:
		if a.answered {
			return false
		}
		ok, err := d.leases.Promote(ctx, d.campaignID, a.callID, a.token, d.activeTTL())
		if err != nil || !ok {
			a.logger.Warn().Err(err).Msg("lease promotion failed, releasing")
			a.hangupCarrier(ctx)
			a.finish(ctx, model.OutcomeNetworkError, "lease promotion failed")
			return true
		}
		a.member = a.callID
		a.answered = true
		a.transition(stateActive)
		a.logger.Info().Msg("call answered, lease promoted")
		return false

	case signal.EventVoicemail:
		a.hangupCarrier(ctx)
		a.finish(ctx, model.OutcomeVoicemail, "answering machine detected")
		return true

	case signal.EventHangup:
		a.finish(ctx, outcomeFromReason(ev.Reason), ev.Reason)
		return true

	case signal.EventDialFailed:
		a.feedBreaker(ctx, false)
		a.finish(ctx, outcomeFromReason(ev.Reason), ev.Reason)
		return true
	}
	return false
}

// feedBreaker reports a dial result, honoring half-open probe bookkeeping.
func (a *attempt) feedBreaker(ctx context.Context, success bool) {
	d := a.d
	var err error
	switch {
	case success && a.probe:
		err = d.breaker.OnProbeSuccess(ctx)
	case success:
		err = d.breaker.OnSuccess(ctx)
	case a.probe:
		err = d.breaker.OnProbeFailure(ctx)
	default:
		err = d.breaker.OnFailure(ctx)
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("breaker update failed")
	}
	if success {
		a.probe = false
	}
}

func (a *attempt) hangupCarrier(ctx context.Context) {
	if a.carrierID == "" {
		return
	}
	if err := a.d.carrier.Hangup(ctx, a.carrierID); err != nil {
		a.logger.Warn().Err(err).Msg("carrier hangup failed")
	}
}

// release drops the lease without recording an outcome.
func (a *attempt) release(ctx context.Context) {
	if a.state == stateReleased {
		return
	}
	if a.member != "" {
		if _, err := a.d.leases.Release(ctx, a.d.campaignID, a.member, a.token); err != nil {
			a.logger.Error().Err(err).Msg("lease release failed")
		}
	}
	a.transition(stateReleased)
}

// finish releases the lease, records the call log, updates the contact and
// feeds the retry scheduler.
func (a *attempt) finish(ctx context.Context, outcome model.CallOutcome, detail string) {
	d := a.d
	a.transition(stateEnding)

	if a.member != "" {
		if _, err := d.leases.Release(ctx, d.campaignID, a.member, a.token); err != nil {
			a.logger.Error().Err(err).Msg("lease release failed")
		}
	}

	endedAt := time.Now().UTC()
	if err := d.durable.PutCallLog(ctx, &model.CallLog{
		ID:         a.callID,
		CampaignID: d.campaignID,
		ContactID:  a.grant.ContactID,
		CarrierID:  a.carrierID,
		Outcome:    outcome,
		Answered:   a.answered,
		StartedAt:  a.startedAt,
		EndedAt:    &endedAt,
		Detail:     detail,
	}); err != nil {
		a.logger.Error().Err(err).Msg("call log write failed")
	}
	metrics.DialsTotal.WithLabelValues(d.campaignID, string(outcome)).Inc()

	a.transition(stateReleased)

	if outcome == model.OutcomeDedup {
		// Not a dial; the winning worker owns the contact's fate.
		return
	}

	if outcome == model.OutcomeCompleted {
		a.updateContact(ctx, func(c *model.Contact) {
			c.Status = model.ContactCompleted
			c.NextRetryAt = nil
		})
		a.logger.Info().Str("outcome", string(outcome)).Msg("call completed")
		return
	}

	campaign, err := d.durable.GetCampaign(ctx, d.campaignID)
	if err != nil {
		a.logger.Error().Err(err).Msg("campaign lookup failed, marking contact failed")
		a.updateContact(ctx, func(c *model.Contact) {
			c.Status = contactStatusFor(outcome)
			c.FailureReason = string(outcome)
		})
		return
	}

	dueAt, scheduled, err := d.sched.Schedule(ctx, campaign, a.contact, a.callID, outcome)
	if err != nil {
		a.logger.Error().Err(err).Msg("retry scheduling failed")
	}
	if scheduled {
		a.updateContact(ctx, func(c *model.Contact) {
			c.Status = model.ContactPending
			c.RetryCount++
			c.NextRetryAt = &dueAt
			c.FailureReason = string(outcome)
		})
		a.logger.Info().
			Str("outcome", string(outcome)).
			Time("nextRetryAt", dueAt).
			Msg("call failed, retry scheduled")
		return
	}

	a.updateContact(ctx, func(c *model.Contact) {
		c.Status = contactStatusFor(outcome)
		c.FailureReason = string(outcome)
		c.NextRetryAt = nil
	})
	a.logger.Info().Str("outcome", string(outcome)).Msg("call ended terminally")
}

func (a *attempt) updateContact(ctx context.Context, mutate func(*model.Contact)) {
	if a.contact == nil {
		return
	}
	if _, err := a.d.durable.UpdateContact(ctx, a.d.campaignID, a.contact.ID, func(c *model.Contact) error {
		mutate(c)
		return nil
	}); err != nil {
		a.logger.Error().Err(err).Msg("contact update failed")
	}
}
