// SPDX-License-Identifier: MIT

// Package store defines the durable-store contract of the dispatch core and
// its embedded backends. The durable store is the source of truth for state
// that must survive Redis loss; Redis holds only transient scheduling state.
package store

import (
	"context"
	"errors"

	"github.com/voicelane/dialcore/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an update races a concurrent writer.
var ErrConflict = errors.New("record version conflict")

// Store is the durable document-store contract. All updates are
// read-modify-write closures applied atomically per record.
type Store interface {
	// Campaigns
	PutCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	UpdateCampaign(ctx context.Context, id string, fn func(*model.Campaign) error) (*model.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error)

	// Contacts (scoped to a campaign; the id doubles as the Redis job id)
	PutContact(ctx context.Context, c *model.Contact) error
	GetContact(ctx context.Context, campaignID, contactID string) (*model.Contact, error)
	UpdateContact(ctx context.Context, campaignID, contactID string, fn func(*model.Contact) error) (*model.Contact, error)
	ListContactsByStatus(ctx context.Context, campaignID string, statuses ...model.ContactStatus) ([]*model.Contact, error)
	CountContactsByStatus(ctx context.Context, campaignID string) (map[model.ContactStatus]int, error)

	// Call logs
	PutCallLog(ctx context.Context, cl *model.CallLog) error
	GetCallLog(ctx context.Context, campaignID, callID string) (*model.CallLog, error)
	ListCallLogs(ctx context.Context, campaignID string) ([]*model.CallLog, error)

	// Retry attempts
	PutRetryAttempt(ctx context.Context, ra *model.RetryAttempt) error
	UpdateRetryAttempt(ctx context.Context, campaignID, id string, fn func(*model.RetryAttempt) error) (*model.RetryAttempt, error)
	ListRetryAttemptsByStatus(ctx context.Context, campaignID string, status model.RetryAttemptStatus) ([]*model.RetryAttempt, error)

	Ping(ctx context.Context) error
	Close() error
}
