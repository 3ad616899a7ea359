// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"regexp"
	"time"
)

// Priority classifies a contact into one of the two waitlist classes.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// OriginTag returns the single-letter class tag used in Redis ledger entries.
func (p Priority) OriginTag() string {
	if p == PriorityHigh {
		return "H"
	}
	return "N"
}

// PriorityFromTag maps a ledger class tag back to a Priority.
func PriorityFromTag(tag string) Priority {
	if tag == "H" {
		return PriorityHigh
	}
	return PriorityNormal
}

// ContactStatus is the per-contact dial progress state.
type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactQueued    ContactStatus = "queued"
	ContactCalling   ContactStatus = "calling"
	ContactCompleted ContactStatus = "completed"
	ContactFailed    ContactStatus = "failed"
	ContactVoicemail ContactStatus = "voicemail"
	ContactSkipped   ContactStatus = "skipped"
)

// IsTerminal reports whether the contact needs no further dialing.
func (s ContactStatus) IsTerminal() bool {
	switch s {
	case ContactCompleted, ContactFailed, ContactVoicemail, ContactSkipped:
		return true
	}
	return false
}

// e164Re matches the international E.164 format: +<country><subscriber>,
// 8-15 digits total, no leading zero.
var e164Re = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// ErrInvalidE164 is returned for phone numbers outside the E.164 format.
var ErrInvalidE164 = errors.New("phone number is not valid E.164")

// ValidateE164 checks a phone number against the E.164 format.
func ValidateE164(phone string) error {
	if !e164Re.MatchString(phone) {
		return ErrInvalidE164
	}
	return nil
}

// Contact is the durable contact record, unique per (campaignId, phoneNumber).
// Its ID doubles as the job id circulating through the Redis waitlists.
type Contact struct {
	ID            string        `json:"id"`
	CampaignID    string        `json:"campaignId"`
	PhoneNumber   string        `json:"phoneNumber"`
	Name          string        `json:"name,omitempty"`
	Priority      Priority      `json:"priority"`
	Status        ContactStatus `json:"status"`
	RetryCount    int           `json:"retryCount"`
	NextRetryAt   *time.Time    `json:"nextRetryAt,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Validate checks contact invariants before persistence.
func (c *Contact) Validate() error {
	if c.ID == "" {
		return errors.New("contact id required")
	}
	if c.CampaignID == "" {
		return errors.New("contact campaign id required")
	}
	if c.Priority != PriorityHigh && c.Priority != PriorityNormal {
		return errors.New("contact priority must be high or normal")
	}
	return ValidateE164(c.PhoneNumber)
}
