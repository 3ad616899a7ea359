// SPDX-License-Identifier: MIT

// Package model defines the durable entities of the dialing platform:
// campaigns, contacts, call logs and retry attempts.
package model

import (
	"errors"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// IsTerminal reports whether the campaign can no longer transition.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

// PriorityMode selects how the two waitlist classes are drained.
type PriorityMode string

const (
	PriorityModeWeighted PriorityMode = "weighted" // 3:1 high:normal with anti-starvation
	PriorityModeStrict   PriorityMode = "strict"   // high always first
)

// RetryPolicy captures the per-campaign knobs of the retry scheduler.
type RetryPolicy struct {
	ExcludeVoicemail    bool           `json:"excludeVoicemail"`
	RespectOffPeakHours bool           `json:"respectOffPeakHours"`
	OffPeakStartHour    int            `json:"offPeakStartHour,omitempty"` // inclusive, local hour
	OffPeakEndHour      int            `json:"offPeakEndHour,omitempty"`   // exclusive, local hour
	MaxAttemptOverride  map[string]int `json:"maxAttemptOverride,omitempty"`
}

// Campaign is the durable campaign record. The concurrency limit is mirrored
// into Redis at activation time; Redis is authoritative for admission.
type Campaign struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Limit        int            `json:"limit"`
	Status       CampaignStatus `json:"status"`
	PriorityMode PriorityMode   `json:"priorityMode"`
	RetryPolicy  RetryPolicy    `json:"retryPolicy"`
	AgentRef     string         `json:"agentRef,omitempty"`
	PhonePoolRef string         `json:"phonePoolRef,omitempty"`
	ScheduledFor *time.Time     `json:"scheduledFor,omitempty"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ErrInvalidLimit is returned for campaigns with a non-positive limit.
var ErrInvalidLimit = errors.New("campaign limit must be >= 1")

// Validate checks campaign invariants before persistence.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return errors.New("campaign id required")
	}
	if c.Limit < 1 {
		return ErrInvalidLimit
	}
	return nil
}
