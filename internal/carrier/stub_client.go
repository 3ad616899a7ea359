// SPDX-License-Identifier: MIT

package carrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelane/dialcore/internal/signal"
)

// Outcome scripts what the stub does with a dialed call.
type Outcome struct {
	// Answer emits ringing then answered; otherwise the call ends from
	// ringing with Reason.
	Answer bool
	// Reason is the hangup reason ("completed" for answered calls,
	// "busy", "no_answer", ... otherwise).
	Reason string
	// RingFor delays the terminal event after ringing.
	RingFor time.Duration
	// TalkFor delays the hangup after answer.
	TalkFor time.Duration
	// DialErr, when set, fails the Dial call itself.
	DialErr error
}

// StubClient simulates a provider for development mode and tests. Outcomes
// are scripted per destination number; unscripted numbers answer and
// complete immediately.
type StubClient struct {
	bus signal.Bus

	mu       sync.Mutex
	script   map[string]Outcome
	hangups  []string
	statuses map[string]string
}

// NewStubClient creates a stub publishing call progress on bus.
func NewStubClient(bus signal.Bus) *StubClient {
	return &StubClient{
		bus:      bus,
		script:   make(map[string]Outcome),
		statuses: make(map[string]string),
	}
}

// Script sets the outcome for calls to number.
func (c *StubClient) Script(number string, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script[number] = o
}

// Hangups returns the carrier ids torn down via Hangup.
func (c *StubClient) Hangups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hangups...)
}

// Dial accepts the call and replays the scripted outcome asynchronously.
func (c *StubClient) Dial(ctx context.Context, spec DialSpec) (DialResult, error) {
	c.mu.Lock()
	outcome, scripted := c.script[spec.To]
	c.mu.Unlock()
	if !scripted {
		outcome = Outcome{Answer: true, Reason: "completed"}
	}
	if outcome.DialErr != nil {
		return DialResult{}, outcome.DialErr
	}

	carrierID := "stub-" + uuid.NewString()
	c.mu.Lock()
	c.statuses[carrierID] = "ringing"
	c.mu.Unlock()

	go c.replay(spec, carrierID, outcome)
	return DialResult{CarrierID: carrierID, Status: "ringing"}, nil
}

func (c *StubClient) replay(spec DialSpec, carrierID string, o Outcome) {
	ctx := context.Background()
	emit := func(typ signal.EventType, reason string) {
		_ = c.bus.Publish(ctx, signal.CallEvent{
			Type:       typ,
			CampaignID: spec.CampaignID,
			ContactID:  spec.ContactID,
			CallID:     spec.CallID,
			CarrierID:  carrierID,
			Reason:     reason,
			At:         time.Now().UTC(),
		})
	}

	emit(signal.EventRinging, "")
	time.Sleep(o.RingFor)

	if !o.Answer {
		c.setStatus(carrierID, "ended")
		reason := o.Reason
		if reason == "" {
			reason = "no_answer"
		}
		emit(signal.EventHangup, reason)
		return
	}

	c.setStatus(carrierID, "active")
	emit(signal.EventAnswered, "")
	time.Sleep(o.TalkFor)

	c.setStatus(carrierID, "ended")
	reason := o.Reason
	if reason == "" {
		reason = "completed"
	}
	emit(signal.EventHangup, reason)
}

func (c *StubClient) setStatus(carrierID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[carrierID] = status
}

// Hangup records the teardown and marks the call ended.
func (c *StubClient) Hangup(_ context.Context, carrierID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups = append(c.hangups, carrierID)
	c.statuses[carrierID] = "ended"
	return nil
}

// Status returns the simulated call state.
func (c *StubClient) Status(_ context.Context, carrierID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[carrierID]
	if !ok {
		return "", fmt.Errorf("stub: unknown call %q", carrierID)
	}
	return status, nil
}
