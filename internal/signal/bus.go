// SPDX-License-Identifier: MIT

// Package signal carries call progress events from the carrier edge (webhook
// handlers, provider pollers) to the dispatcher goroutine owning the attempt.
package signal

import (
	"context"
	"time"
)

// EventType enumerates call progress events.
type EventType string

const (
	// EventRinging: the carrier accepted the dial and the leg is ringing.
	EventRinging EventType = "ringing"
	// EventAnswered: a human or machine picked up.
	EventAnswered EventType = "answered"
	// EventMediaActive: two-way media is flowing (agent bridged).
	EventMediaActive EventType = "media_active"
	// EventVoicemail: answering machine detected.
	EventVoicemail EventType = "voicemail"
	// EventHangup: the call ended; Reason carries the outcome class.
	EventHangup EventType = "hangup"
	// EventDialFailed: the carrier rejected or never connected the dial.
	EventDialFailed EventType = "dial_failed"
)

// CallEvent is one carrier-side signal for a single call attempt.
type CallEvent struct {
	Type       EventType `json:"type"`
	CampaignID string    `json:"campaignId"`
	ContactID  string    `json:"contactId"`
	CallID     string    `json:"callId"`
	CarrierID  string    `json:"carrierId,omitempty"`
	// Reason classifies hangups and dial failures (busy, no_answer,
	// network_error, ...). Empty for progress events.
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Subscriber delivers events for one call.
type Subscriber interface {
	// C returns the read-only event channel. It is closed on Close.
	C() <-chan CallEvent
	// Close unsubscribes.
	Close() error
}

// Bus is the call-event transport abstraction. The in-memory bus serves a
// single process; the Redis bus fans events out across workers so the webhook
// receiver and the dispatcher need not be the same process.
type Bus interface {
	Publish(ctx context.Context, ev CallEvent) error
	Subscribe(ctx context.Context, callID string) (Subscriber, error)
}
