// SPDX-License-Identifier: MIT

package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemberState is one leases-set member with its lease key TTL.
type MemberState struct {
	Member     string  `json:"member"`
	TokenAlive bool    `json:"tokenAlive"`
	TTLSeconds float64 `json:"ttlSeconds"`
}

// State is the raw per-campaign Redis scheduling state (operator tooling).
type State struct {
	Status        string        `json:"status"`
	Paused        bool          `json:"paused"`
	ColdStart     string        `json:"coldStart,omitempty"`
	BreakerOpen   bool          `json:"breakerOpen"`
	Limit         int           `json:"limit"`
	Reserved      int           `json:"reserved"`
	GateSeq       int64         `json:"gateSeq"`
	Leases        []MemberState `json:"leases"`
	Ledger        []string      `json:"ledger"`
	WaitlistHigh  []string      `json:"waitlistHigh"`
	WaitlistNorm  []string      `json:"waitlistNormal"`
	RetryQueueLen int64         `json:"retryQueueLen"`
}

// Dump collects the raw Redis state for one campaign.
func (s *Store) Dump(ctx context.Context, campaignID string) (*State, error) {
	snap, err := s.Snapshot(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	state := &State{
		Limit:    snap.Limit,
		Reserved: snap.Reserved,
		GateSeq:  snap.GateSeq,
	}

	if v, err := s.rdb.Get(ctx, keyStatus(campaignID)).Result(); err == nil {
		state.Status = v
	} else if err != redis.Nil {
		return nil, err
	}
	if v, err := s.rdb.Get(ctx, keyColdStart(campaignID)).Result(); err == nil {
		state.ColdStart = v
	} else if err != redis.Nil {
		return nil, err
	}
	if state.Paused, err = s.IsPaused(ctx, campaignID); err != nil {
		return nil, err
	}
	if state.BreakerOpen, err = s.BreakerOpen(ctx, campaignID); err != nil {
		return nil, err
	}

	members, err := s.LeaseMembers(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		ttl, err := s.rdb.TTL(ctx, keyLease(campaignID, member)).Result()
		if err != nil {
			return nil, err
		}
		state.Leases = append(state.Leases, MemberState{
			Member:     member,
			TokenAlive: ttl > 0,
			TTLSeconds: roundSeconds(ttl),
		})
	}

	if state.Ledger, err = s.LedgerEntries(ctx, campaignID); err != nil {
		return nil, err
	}
	if state.WaitlistHigh, state.WaitlistNorm, err = s.WaitlistContents(ctx, campaignID); err != nil {
		return nil, err
	}
	if state.RetryQueueLen, err = s.RetryQueueLen(ctx, campaignID); err != nil {
		return nil, err
	}
	return state, nil
}

func roundSeconds(d time.Duration) float64 {
	if d < 0 {
		return -1
	}
	return d.Seconds()
}
