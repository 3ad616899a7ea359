// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/voicelane/dialcore/internal/model"
)

// BadgerStore is an embedded document store. Records are JSON values under
// prefixed keys:
//   - campaigns:      "cmp:<id>"
//   - contacts:       "ct:<campaignID>:<id>"
//   - call logs:      "call:<campaignID>:<id>"
//   - retry attempts: "rtry:<campaignID>:<id>"
//
// Campaign-scoped listings are prefix scans; there are no secondary indexes.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a badger database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store closed")
	}
	return nil
}

func campaignKey(id string) []byte     { return []byte("cmp:" + id) }
func contactKey(cmp, id string) []byte { return []byte("ct:" + cmp + ":" + id) }
func callLogKey(cmp, id string) []byte { return []byte("call:" + cmp + ":" + id) }
func retryKey(cmp, id string) []byte   { return []byte("rtry:" + cmp + ":" + id) }
func contactPrefix(cmp string) []byte  { return []byte("ct:" + cmp + ":") }
func callLogPrefix(cmp string) []byte  { return []byte("call:" + cmp + ":") }
func retryPrefix(cmp string) []byte    { return []byte("rtry:" + cmp + ":") }

func putJSON(txn *badger.Txn, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, buf)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (s *BadgerStore) PutCampaign(_ context.Context, c *model.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	cpy := *c
	cpy.UpdatedAt = time.Now()
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, campaignKey(c.ID), &cpy)
	})
}

func (s *BadgerStore) GetCampaign(_ context.Context, id string) (*model.Campaign, error) {
	var out model.Campaign
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, campaignKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateCampaign(_ context.Context, id string, fn func(*model.Campaign) error) (*model.Campaign, error) {
	var out model.Campaign
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, campaignKey(id), &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.Version++
		out.UpdatedAt = time.Now()
		return putJSON(txn, campaignKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListCampaignsByStatus(_ context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	var list []*model.Campaign
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("cmp:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c model.Campaign
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			if matchCampaignStatus(c.Status, statuses) {
				cpy := c
				list = append(list, &cpy)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *BadgerStore) PutContact(_ context.Context, c *model.Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	cpy := *c
	cpy.UpdatedAt = time.Now()
	return s.db.Update(func(txn *badger.Txn) error {
		// Unique per (campaignId, phoneNumber).
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := contactPrefix(c.CampaignID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var existing model.Contact
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
			if existing.PhoneNumber == c.PhoneNumber && existing.ID != c.ID {
				return ErrConflict
			}
		}
		return putJSON(txn, contactKey(c.CampaignID, c.ID), &cpy)
	})
}

func (s *BadgerStore) GetContact(_ context.Context, campaignID, contactID string) (*model.Contact, error) {
	var out model.Contact
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, contactKey(campaignID, contactID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateContact(_ context.Context, campaignID, contactID string, fn func(*model.Contact) error) (*model.Contact, error) {
	var out model.Contact
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, contactKey(campaignID, contactID), &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.Version++
		out.UpdatedAt = time.Now()
		return putJSON(txn, contactKey(campaignID, contactID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListContactsByStatus(_ context.Context, campaignID string, statuses ...model.ContactStatus) ([]*model.Contact, error) {
	var list []*model.Contact
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := contactPrefix(campaignID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c model.Contact
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			if len(statuses) == 0 || matchContactStatus(c.Status, statuses) {
				cpy := c
				list = append(list, &cpy)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *BadgerStore) CountContactsByStatus(_ context.Context, campaignID string) (map[model.ContactStatus]int, error) {
	counts := make(map[model.ContactStatus]int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := contactPrefix(campaignID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c model.Contact
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			counts[c.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *BadgerStore) PutCallLog(_ context.Context, cl *model.CallLog) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, callLogKey(cl.CampaignID, cl.ID), cl)
	})
}

func (s *BadgerStore) GetCallLog(_ context.Context, campaignID, callID string) (*model.CallLog, error) {
	var out model.CallLog
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, callLogKey(campaignID, callID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListCallLogs(_ context.Context, campaignID string) ([]*model.CallLog, error) {
	var list []*model.CallLog
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := callLogPrefix(campaignID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cl model.CallLog
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cl)
			}); err != nil {
				return err
			}
			cpy := cl
			list = append(list, &cpy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *BadgerStore) PutRetryAttempt(_ context.Context, ra *model.RetryAttempt) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, retryKey(ra.CampaignID, ra.ID), ra)
	})
}

func (s *BadgerStore) UpdateRetryAttempt(_ context.Context, campaignID, id string, fn func(*model.RetryAttempt) error) (*model.RetryAttempt, error) {
	var out model.RetryAttempt
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, retryKey(campaignID, id), &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		return putJSON(txn, retryKey(campaignID, id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListRetryAttemptsByStatus(_ context.Context, campaignID string, status model.RetryAttemptStatus) ([]*model.RetryAttempt, error) {
	var list []*model.RetryAttempt
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := retryPrefix(campaignID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ra model.RetryAttempt
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ra)
			}); err != nil {
				return err
			}
			if ra.Status == status {
				cpy := ra
				list = append(list, &cpy)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}
