// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sync"
	"time"

	"github.com/voicelane/dialcore/internal/model"
)

// MemoryStore is an in-memory Store intended for tests and local iteration.
// Not durable; not suitable for production.
type MemoryStore struct {
	mu sync.RWMutex

	campaigns map[string]*model.Campaign
	contacts  map[string]*model.Contact      // key: campaignID + "/" + contactID
	callLogs  map[string]*model.CallLog      // key: campaignID + "/" + callID
	retries   map[string]*model.RetryAttempt // key: campaignID + "/" + id
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]*model.Campaign),
		contacts:  make(map[string]*model.Contact),
		callLogs:  make(map[string]*model.CallLog),
		retries:   make(map[string]*model.RetryAttempt),
	}
}

func (m *MemoryStore) Close() error               { return nil }
func (m *MemoryStore) Ping(context.Context) error { return nil }

func scopedKey(campaignID, id string) string { return campaignID + "/" + id }

func (m *MemoryStore) PutCampaign(_ context.Context, c *model.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	cpy := *c
	cpy.UpdatedAt = time.Now()
	m.campaigns[c.ID] = &cpy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetCampaign(_ context.Context, id string) (*model.Campaign, error) {
	m.mu.RLock()
	rec, ok := m.campaigns[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *rec
	return &cpy, nil
}

func (m *MemoryStore) UpdateCampaign(_ context.Context, id string, fn func(*model.Campaign) error) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *rec
	if err := fn(&cpy); err != nil {
		return nil, err
	}
	cpy.Version++
	cpy.UpdatedAt = time.Now()
	m.campaigns[id] = &cpy
	out := cpy
	return &out, nil
}

func (m *MemoryStore) ListCampaignsByStatus(_ context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*model.Campaign
	for _, rec := range m.campaigns {
		if matchCampaignStatus(rec.Status, statuses) {
			cpy := *rec
			list = append(list, &cpy)
		}
	}
	return list, nil
}

func matchCampaignStatus(s model.CampaignStatus, statuses []model.CampaignStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func (m *MemoryStore) PutContact(_ context.Context, c *model.Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Unique per (campaignId, phoneNumber).
	for _, existing := range m.contacts {
		if existing.CampaignID == c.CampaignID &&
			existing.PhoneNumber == c.PhoneNumber &&
			existing.ID != c.ID {
			return ErrConflict
		}
	}
	cpy := *c
	cpy.UpdatedAt = time.Now()
	m.contacts[scopedKey(c.CampaignID, c.ID)] = &cpy
	return nil
}

func (m *MemoryStore) GetContact(_ context.Context, campaignID, contactID string) (*model.Contact, error) {
	m.mu.RLock()
	rec, ok := m.contacts[scopedKey(campaignID, contactID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *rec
	return &cpy, nil
}

func (m *MemoryStore) UpdateContact(_ context.Context, campaignID, contactID string, fn func(*model.Contact) error) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contacts[scopedKey(campaignID, contactID)]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *rec
	if err := fn(&cpy); err != nil {
		return nil, err
	}
	cpy.Version++
	cpy.UpdatedAt = time.Now()
	m.contacts[scopedKey(campaignID, contactID)] = &cpy
	out := cpy
	return &out, nil
}

func (m *MemoryStore) ListContactsByStatus(_ context.Context, campaignID string, statuses ...model.ContactStatus) ([]*model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*model.Contact
	for _, rec := range m.contacts {
		if rec.CampaignID != campaignID {
			continue
		}
		if len(statuses) == 0 || matchContactStatus(rec.Status, statuses) {
			cpy := *rec
			list = append(list, &cpy)
		}
	}
	return list, nil
}

func matchContactStatus(s model.ContactStatus, statuses []model.ContactStatus) bool {
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CountContactsByStatus(_ context.Context, campaignID string) (map[model.ContactStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[model.ContactStatus]int)
	for _, rec := range m.contacts {
		if rec.CampaignID == campaignID {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) PutCallLog(_ context.Context, cl *model.CallLog) error {
	m.mu.Lock()
	cpy := *cl
	m.callLogs[scopedKey(cl.CampaignID, cl.ID)] = &cpy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetCallLog(_ context.Context, campaignID, callID string) (*model.CallLog, error) {
	m.mu.RLock()
	rec, ok := m.callLogs[scopedKey(campaignID, callID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *rec
	return &cpy, nil
}

func (m *MemoryStore) ListCallLogs(_ context.Context, campaignID string) ([]*model.CallLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*model.CallLog
	for _, rec := range m.callLogs {
		if rec.CampaignID == campaignID {
			cpy := *rec
			list = append(list, &cpy)
		}
	}
	return list, nil
}

func (m *MemoryStore) PutRetryAttempt(_ context.Context, ra *model.RetryAttempt) error {
	m.mu.Lock()
	cpy := *ra
	m.retries[scopedKey(ra.CampaignID, ra.ID)] = &cpy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) UpdateRetryAttempt(_ context.Context, campaignID, id string, fn func(*model.RetryAttempt) error) (*model.RetryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.retries[scopedKey(campaignID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *rec
	if err := fn(&cpy); err != nil {
		return nil, err
	}
	m.retries[scopedKey(campaignID, id)] = &cpy
	out := cpy
	return &out, nil
}

func (m *MemoryStore) ListRetryAttemptsByStatus(_ context.Context, campaignID string, status model.RetryAttemptStatus) ([]*model.RetryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*model.RetryAttempt
	for _, rec := range m.retries {
		if rec.CampaignID == campaignID && rec.Status == status {
			cpy := *rec
			list = append(list, &cpy)
		}
	}
	return list, nil
}
