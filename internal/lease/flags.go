// SPDX-License-Identifier: MIT

package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicelane/dialcore/internal/model"
)

// SetPaused raises the campaign pause flag. Dispatchers watch it per
// iteration (level-triggered).
func (s *Store) SetPaused(ctx context.Context, campaignID string) error {
	return s.rdb.Set(ctx, keyPaused(campaignID), "1", pauseFlagTTL).Err()
}

// ClearPaused lowers the pause flag.
func (s *Store) ClearPaused(ctx context.Context, campaignID string) error {
	return s.rdb.Del(ctx, keyPaused(campaignID)).Err()
}

// IsPaused reports the pause flag.
func (s *Store) IsPaused(ctx context.Context, campaignID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyPaused(campaignID)).Result()
	return n > 0, err
}

// BeginColdStart raises the cold-start marker, blocking dispatch until the
// reconciler finishes or the block TTL elapses.
func (s *Store) BeginColdStart(ctx context.Context, campaignID string, block time.Duration) error {
	return s.rdb.Set(ctx, keyColdStart(campaignID), "blocking", block).Err()
}

// FinishColdStart replaces the marker with the long-lived done sentinel so
// restarts do not repeat reconciliation unnecessarily.
func (s *Store) FinishColdStart(ctx context.Context, campaignID string) error {
	return s.rdb.Set(ctx, keyColdStart(campaignID), coldStartDone, coldStartDoneTTL).Err()
}

// ColdStartBlocked reports whether dispatch must hold off: the marker exists
// and is not the done sentinel.
func (s *Store) ColdStartBlocked(ctx context.Context, campaignID string) (bool, error) {
	v, err := s.rdb.Get(ctx, keyColdStart(campaignID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != coldStartDone, nil
}

// ColdStartDone reports whether the done sentinel is present.
func (s *Store) ColdStartDone(ctx context.Context, campaignID string) (bool, error) {
	v, err := s.rdb.Get(ctx, keyColdStart(campaignID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == coldStartDone, nil
}

// CASStatus atomically swaps the Redis status mirror when the current value
// is one of expected, toggling the pause flag alongside. pauseAction is
// "set", "clear" or "keep".
func (s *Store) CASStatus(ctx context.Context, campaignID string, expected []model.CampaignStatus, next model.CampaignStatus, pauseAction string) (bool, error) {
	tokens := make([]string, 0, len(expected)+1)
	for _, st := range expected {
		tokens = append(tokens, string(st))
	}
	// An absent mirror (fresh Redis) is always eligible.
	tokens = append(tokens, "none")

	n, err := casStatusScript.Run(ctx, s.rdb,
		[]string{keyStatus(campaignID), keyPaused(campaignID)},
		joinComma(tokens), string(next), pauseAction, int(pauseFlagTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	return n == 1, nil
}

func joinComma(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

// ScheduleRetry adds a contact to the retry delay queue, due at dueAt.
func (s *Store) ScheduleRetry(ctx context.Context, campaignID string, priority model.Priority, contactID string, dueAt time.Time) error {
	entry := priority.OriginTag() + ":" + contactID
	return s.rdb.ZAdd(ctx, keyRetryQueue(campaignID), redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: entry,
	}).Err()
}

// MoveDueRetries moves up to max due retry jobs to the head of their priority
// waitlist, returning the moved contact ids.
func (s *Store) MoveDueRetries(ctx context.Context, campaignID string, now time.Time, max int) ([]Grant, error) {
	raw, err := moveDueRetriesScript.Run(ctx, s.rdb,
		[]string{
			keyRetryQueue(campaignID),
			keyWaitlistHigh(campaignID),
			keyWaitlistNormal(campaignID),
		},
		now.Unix(), max,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("move_due_retries: %w", err)
	}
	grants := make([]Grant, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 3 {
			continue
		}
		grants = append(grants, Grant{
			ContactID: entry[2:],
			Priority:  model.PriorityFromTag(entry[:1]),
		})
	}
	return grants, nil
}

// ForceRelease removes a lease member without token fencing. Reconciler use
// only, after durable state has been judged authoritative.
func (s *Store) ForceRelease(ctx context.Context, campaignID, member string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyLease(campaignID, member))
	pipe.SRem(ctx, keyLeases(campaignID), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("force release: %w", err)
	}
	return nil
}

// LimitSet reports whether the campaign limit key exists; its absence on an
// active campaign marks a flushed Redis needing cold-start reconciliation.
func (s *Store) LimitSet(ctx context.Context, campaignID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyLimit(campaignID)).Result()
	return n > 0, err
}

// ClaimRetrySchedule fences duplicate retry enqueues for one call outcome.
// Returns false when another consumer already scheduled this call's retry.
func (s *Store) ClaimRetrySchedule(ctx context.Context, callID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, keyRetrySched(callID), "1", ttl).Result()
}

// CancelRetries drops the entire retry delay queue (campaign cancellation).
func (s *Store) CancelRetries(ctx context.Context, campaignID string) error {
	return s.rdb.Del(ctx, keyRetryQueue(campaignID)).Err()
}

// RetryQueueLen returns the delay-queue depth.
func (s *Store) RetryQueueLen(ctx context.Context, campaignID string) (int64, error) {
	return s.rdb.ZCard(ctx, keyRetryQueue(campaignID)).Result()
}

// BreakerOpen reports whether the per-campaign carrier circuit breaker key is
// raised.
func (s *Store) BreakerOpen(ctx context.Context, campaignID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, KeyBreaker(campaignID)).Result()
	return n > 0, err
}

// SubscribeSlotAvailable subscribes to the campaign slot-available channel.
// Callers own the returned PubSub and must Close it.
func (s *Store) SubscribeSlotAvailable(ctx context.Context, campaignID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, ChannelSlotAvailable(campaignID))
}

// TryOwn claims campaign ownership for owner within a scope ("dispatch",
// "janitor", ...) with a NX+EX key. Re-entrant: the current owner renews.
func (s *Store) TryOwn(ctx context.Context, campaignID, scope, owner string, ttl time.Duration) (bool, error) {
	key := keyOwnership(campaignID) + ":" + scope
	ok, err := s.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	// Held by someone; renew if it is us.
	return s.RenewOwn(ctx, campaignID, scope, owner, ttl)
}

// RenewOwn extends ownership when owner still holds it.
func (s *Store) RenewOwn(ctx context.Context, campaignID, scope, owner string, ttl time.Duration) (bool, error) {
	key := keyOwnership(campaignID) + ":" + scope
	n, err := renewScript.Run(ctx, s.rdb, []string{key}, owner, int(ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("renew ownership: %w", err)
	}
	return n == 1, nil
}

// Disown releases ownership when owner holds it (voluntary relinquish).
func (s *Store) Disown(ctx context.Context, campaignID, scope, owner string) error {
	key := keyOwnership(campaignID) + ":" + scope
	_, err := disownScript.Run(ctx, s.rdb, []string{key}, owner).Int()
	return err
}
