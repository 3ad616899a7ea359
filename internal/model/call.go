// SPDX-License-Identifier: MIT

package model

import "time"

// CallOutcome is the terminal disposition of one dial attempt.
type CallOutcome string

const (
	OutcomeCompleted     CallOutcome = "completed"
	OutcomeNoAnswer      CallOutcome = "no_answer"
	OutcomeBusy          CallOutcome = "busy"
	OutcomeVoicemail     CallOutcome = "voicemail"
	OutcomeNetworkError  CallOutcome = "network_error"
	OutcomeCallRejected  CallOutcome = "call_rejected"
	OutcomeInvalidNumber CallOutcome = "invalid_number"
	OutcomeBlocked       CallOutcome = "blocked"
	OutcomeDedup         CallOutcome = "dedup"
	OutcomeCancelled     CallOutcome = "cancelled"
)

// CallLog is the durable record of one dial attempt.
type CallLog struct {
	ID         string      `json:"id"` // call id, also the lease member
	CampaignID string      `json:"campaignId"`
	ContactID  string      `json:"contactId"`
	CarrierID  string      `json:"carrierId,omitempty"`
	Outcome    CallOutcome `json:"outcome,omitempty"`
	Answered   bool        `json:"answered"`
	StartedAt  time.Time   `json:"startedAt"`
	EndedAt    *time.Time  `json:"endedAt,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// RetryAttemptStatus is the lifecycle of a scheduled retry job.
type RetryAttemptStatus string

const (
	RetryScheduled RetryAttemptStatus = "scheduled"
	RetryFired     RetryAttemptStatus = "fired"
	RetryCancelled RetryAttemptStatus = "cancelled"
)

// RetryAttempt records one link of a contact's retry chain so operators can
// inspect why and when a contact will be redialed.
type RetryAttempt struct {
	ID             string             `json:"id"`
	CampaignID     string             `json:"campaignId"`
	ContactID      string             `json:"contactId"`
	OriginalCallID string             `json:"originalCallId"`
	AttemptNumber  int                `json:"attemptNumber"`
	FailureKind    string             `json:"failureKind"`
	ScheduledFor   time.Time          `json:"scheduledFor"`
	Status         RetryAttemptStatus `json:"status"`
	CreatedAt      time.Time          `json:"createdAt"`
}
