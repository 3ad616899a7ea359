// SPDX-License-Identifier: MIT

// Package lease implements the Redis-resident lease store: the cluster-shared
// data structures and Lua scripts that enforce per-campaign concurrency caps
// across an unknown number of worker processes.
package lease

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/model"
)

// pauseFlagTTL bounds how long a pause outlives its campaign; lifecycle
// re-asserts the flag on every pause transition.
const pauseFlagTTL = 24 * time.Hour

// coldStartDoneTTL is the "reconciled" sentinel lifetime.
const coldStartDoneTTL = 24 * time.Hour

// coldStartDone is the sentinel value marking completed reconciliation.
const coldStartDone = "done"

// Store wraps the Redis client with the atomic lease-store operations. It is
// safe for concurrent use; all cluster-shared mutations go through Lua.
type Store struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// New creates a lease store on top of an existing Redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{
		rdb:    rdb,
		logger: log.WithComponent("lease"),
	}
}

// Client exposes the underlying Redis client for pub/sub subscriptions.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Grant is one promoted reservation handed to the dispatcher.
type Grant struct {
	ContactID string
	Priority  model.Priority
}

// LedgerEntry renders the Redis ledger member for a grant.
func (g Grant) LedgerEntry() string {
	return g.Priority.OriginTag() + ":" + g.ContactID
}

// Batch is the result of one reserve_and_promote invocation.
type Batch struct {
	Grants []Grant
	Seq    int64
}

// AcquirePre is the single-attempt admission fast path: it adds a pre-dial
// lease if the in-flight count is below the limit, bypassing the reservation
// ledger. Returns the fencing token, or ok=false at capacity.
func (s *Store) AcquirePre(ctx context.Context, campaignID, callID string, ttl time.Duration) (string, bool, error) {
	member := PreMemberPrefix + callID
	token := uuid.NewString()
	res, err := acquirePreScript.Run(ctx, s.rdb,
		[]string{keyLeases(campaignID), keyLease(campaignID, member), keyLimit(campaignID)},
		member, token, int(ttl.Seconds()),
	).Text()
	if err != nil {
		return "", false, fmt.Errorf("acquire_pre: %w", err)
	}
	if res == "" {
		return "", false, nil
	}
	return token, true, nil
}

// Release removes a lease member, fenced by its token, and wakes one sleeping
// promoter via the slot-available channel. A false return means the token was
// stale (janitor or a competing worker already released).
func (s *Store) Release(ctx context.Context, campaignID, member, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb,
		[]string{keyLeases(campaignID), keyLease(campaignID, member)},
		member, token,
	).Int()
	if err != nil {
		return false, fmt.Errorf("release: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	// Wake-up only; subscribers fall back to polling, so a lost publish is
	// latency, not correctness.
	if err := s.rdb.Publish(ctx, ChannelSlotAvailable(campaignID), member).Err(); err != nil {
		s.logger.Warn().Err(err).
			Str(log.FieldCampaignID, campaignID).
			Msg("slot-available publish failed")
	}
	return true, nil
}

// Renew extends a lease TTL, fenced by its token.
func (s *Store) Renew(ctx context.Context, campaignID, member, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb,
		[]string{keyLease(campaignID, member)},
		token, int(ttl.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("renew: %w", err)
	}
	return n == 1, nil
}

// ReserveAndPromote runs the central scheduling primitive. A zero-grant batch
// means no capacity or empty waitlists; callers should sleep on the
// slot-available channel.
func (s *Store) ReserveAndPromote(ctx context.Context, campaignID string, maxBatch int, reserveTTL, gateTTL time.Duration, now time.Time, highShare int) (*Batch, error) {
	raw, err := reservePromoteScript.Run(ctx, s.rdb,
		[]string{
			keyWaitlistHigh(campaignID),
			keyWaitlistNormal(campaignID),
			keyLeases(campaignID),
			keyLimit(campaignID),
			keyReserved(campaignID),
			keyLedger(campaignID),
			keyFairness(campaignID),
			keyGateSeq(campaignID),
			keyGate(campaignID),
		},
		maxBatch, int(reserveTTL.Seconds()), int(gateTTL.Seconds()), now.Unix(), highShare,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve_and_promote: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("reserve_and_promote: short reply (%d)", len(raw))
	}
	batch := &Batch{Seq: toInt64(raw[1])}
	for _, v := range raw[2:] {
		entry, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("reserve_and_promote: unexpected entry %T", v)
		}
		tag, id, found := strings.Cut(entry, ":")
		if !found {
			return nil, fmt.Errorf("reserve_and_promote: malformed entry %q", entry)
		}
		batch.Grants = append(batch.Grants, Grant{
			ContactID: id,
			Priority:  model.PriorityFromTag(tag),
		})
	}
	return batch, nil
}

// Convert consumes one reservation and creates the pre-dial lease for the
// freshly minted call id. ok=false means the reservation was already reaped.
func (s *Store) Convert(ctx context.Context, campaignID string, grant Grant, callID string, ttl time.Duration) (string, bool, error) {
	member := PreMemberPrefix + callID
	token := uuid.NewString()
	res, err := convertScript.Run(ctx, s.rdb,
		[]string{
			keyLeases(campaignID),
			keyLease(campaignID, member),
			keyReserved(campaignID),
			keyLedger(campaignID),
		},
		grant.LedgerEntry(), member, token, int(ttl.Seconds()),
	).Text()
	if err != nil {
		return "", false, fmt.Errorf("convert: %w", err)
	}
	if res == "" {
		return "", false, nil
	}
	return token, true, nil
}

// Promote ages a pre-dial lease into an active lease on carrier answer.
func (s *Store) Promote(ctx context.Context, campaignID, callID, token string, activeTTL time.Duration) (bool, error) {
	n, err := promoteScript.Run(ctx, s.rdb,
		[]string{
			keyLeases(campaignID),
			keyLease(campaignID, PreMemberPrefix+callID),
			keyLease(campaignID, callID),
		},
		callID, token, int(activeTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("promote: %w", err)
	}
	return n == 1, nil
}

// JanitorScan reaps reservations older than orphanAge, restoring contacts to
// the head of their original priority class. Returns the number reaped.
func (s *Store) JanitorScan(ctx context.Context, campaignID string, now time.Time, orphanAge time.Duration) (int, error) {
	cutoff := now.Add(-orphanAge).Unix()
	n, err := janitorScanScript.Run(ctx, s.rdb,
		[]string{
			keyLedger(campaignID),
			keyReserved(campaignID),
			keyWaitlistHigh(campaignID),
			keyWaitlistNormal(campaignID),
		},
		cutoff,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("janitor_scan: %w", err)
	}
	return n, nil
}

// ReapZombieLeases removes leases-set members whose lease key already expired
// (set and string drifting apart across failovers). Bounded per call.
func (s *Store) ReapZombieLeases(ctx context.Context, campaignID string, maxScan int) (int, error) {
	members, err := s.rdb.SMembers(ctx, keyLeases(campaignID)).Result()
	if err != nil {
		return 0, fmt.Errorf("smembers leases: %w", err)
	}
	reaped := 0
	for i, member := range members {
		if i >= maxScan {
			break
		}
		exists, err := s.rdb.Exists(ctx, keyLease(campaignID, member)).Result()
		if err != nil {
			return reaped, err
		}
		if exists == 0 {
			if err := s.rdb.SRem(ctx, keyLeases(campaignID), member).Err(); err != nil {
				return reaped, err
			}
			reaped++
		}
	}
	return reaped, nil
}

// ClearStaleGate deletes the promotion gate when it outlived staleAge without
// a refresh. The gate carries its own TTL; this is the janitor backstop for
// gates stranded by clock skew across failovers.
func (s *Store) ClearStaleGate(ctx context.Context, campaignID string, staleAge time.Duration) (bool, error) {
	ttl, err := s.rdb.TTL(ctx, keyGate(campaignID)).Result()
	if err != nil {
		return false, err
	}
	if ttl < 0 {
		return false, nil // key absent or persistent (never set by us)
	}
	// A freshly bumped gate has nearly its configured TTL remaining; one that
	// has burned past staleAge is from a promoter that stopped dialing.
	if ttl > staleAge {
		return false, nil
	}
	n, err := s.rdb.Del(ctx, keyGate(campaignID)).Result()
	return n > 0, err
}

// GateSeq returns the current promotion gate sequence number (0 when unset).
func (s *Store) GateSeq(ctx context.Context, campaignID string) (int64, error) {
	v, err := s.rdb.Get(ctx, keyGateSeq(campaignID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Enqueue appends contacts to the tail of their priority waitlist.
func (s *Store) Enqueue(ctx context.Context, campaignID string, priority model.Priority, contactIDs ...string) error {
	if len(contactIDs) == 0 {
		return nil
	}
	key := keyWaitlistNormal(campaignID)
	if priority == model.PriorityHigh {
		key = keyWaitlistHigh(campaignID)
	}
	args := make([]interface{}, len(contactIDs))
	for i, id := range contactIDs {
		args[i] = id
	}
	return s.rdb.RPush(ctx, key, args...).Err()
}

// PushBack returns a contact to the head of its priority waitlist (retry fire
// or cancelled attempt).
func (s *Store) PushBack(ctx context.Context, campaignID string, priority model.Priority, contactID string) error {
	key := keyWaitlistNormal(campaignID)
	if priority == model.PriorityHigh {
		key = keyWaitlistHigh(campaignID)
	}
	return s.rdb.LPush(ctx, key, contactID).Err()
}

// Compact deduplicates both waitlists (first occurrence wins) and trims them
// to cap. Returns the total number of removed entries.
func (s *Store) Compact(ctx context.Context, campaignID string, cap int) (int, error) {
	total := 0
	for _, key := range []string{keyWaitlistHigh(campaignID), keyWaitlistNormal(campaignID)} {
		n, err := compactScript.Run(ctx, s.rdb, []string{key}, cap).Int()
		if err != nil {
			return total, fmt.Errorf("compact: %w", err)
		}
		total += n
	}
	return total, nil
}

// SetLimit mirrors the campaign concurrency limit into Redis; it is the
// authoritative admission value.
func (s *Store) SetLimit(ctx context.Context, campaignID string, limit int) error {
	return s.rdb.Set(ctx, keyLimit(campaignID), limit, 0).Err()
}

// Snapshot is a point-in-time view of the campaign scheduling state.
type Snapshot struct {
	Limit        int
	Inflight     int
	Reserved     int
	LedgerLen    int
	QueuedHigh   int
	QueuedNormal int
	GateSeq      int64
}

// Snapshot reads the campaign counters in one pipeline round trip. Not
// transactional; callers needing invariants at quiescence points sample.
func (s *Store) Snapshot(ctx context.Context, campaignID string) (*Snapshot, error) {
	pipe := s.rdb.Pipeline()
	limitCmd := pipe.Get(ctx, keyLimit(campaignID))
	inflightCmd := pipe.SCard(ctx, keyLeases(campaignID))
	reservedCmd := pipe.Get(ctx, keyReserved(campaignID))
	ledgerCmd := pipe.ZCard(ctx, keyLedger(campaignID))
	highCmd := pipe.LLen(ctx, keyWaitlistHigh(campaignID))
	normalCmd := pipe.LLen(ctx, keyWaitlistNormal(campaignID))
	seqCmd := pipe.Get(ctx, keyGateSeq(campaignID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	snap := &Snapshot{
		Inflight:     int(inflightCmd.Val()),
		LedgerLen:    int(ledgerCmd.Val()),
		QueuedHigh:   int(highCmd.Val()),
		QueuedNormal: int(normalCmd.Val()),
	}
	if v, err := limitCmd.Int(); err == nil {
		snap.Limit = v
	}
	if v, err := reservedCmd.Int(); err == nil {
		snap.Reserved = v
	}
	if v, err := seqCmd.Int64(); err == nil {
		snap.GateSeq = v
	}
	return snap, nil
}

// LeaseMembers lists the current members of the leases set.
func (s *Store) LeaseMembers(ctx context.Context, campaignID string) ([]string, error) {
	return s.rdb.SMembers(ctx, keyLeases(campaignID)).Result()
}

// LeaseTokenExists reports whether the lease key for member is live.
func (s *Store) LeaseTokenExists(ctx context.Context, campaignID, member string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyLease(campaignID, member)).Result()
	return n > 0, err
}

// LedgerEntries returns the raw reservation ledger members.
func (s *Store) LedgerEntries(ctx context.Context, campaignID string) ([]string, error) {
	return s.rdb.ZRange(ctx, keyLedger(campaignID), 0, -1).Result()
}

// WaitlistContents returns both waitlists (operator tooling, invariant
// sampling).
func (s *Store) WaitlistContents(ctx context.Context, campaignID string) (high, normal []string, err error) {
	high, err = s.rdb.LRange(ctx, keyWaitlistHigh(campaignID), 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	normal, err = s.rdb.LRange(ctx, keyWaitlistNormal(campaignID), 0, -1).Result()
	return high, normal, err
}

// ClaimDialWindow claims the dial idempotency key for (contact, time bucket).
// Returns false when another worker already dialed inside the window.
func (s *Store) ClaimDialWindow(ctx context.Context, contactID string, now time.Time, window time.Duration) (bool, error) {
	bucket := now.Unix() / int64(window.Seconds())
	return s.rdb.SetNX(ctx, keyDialIdem(contactID, bucket), "1", window).Result()
}

// DialWindowClaimed reports whether the current idempotency bucket is taken,
// without claiming it.
func (s *Store) DialWindowClaimed(ctx context.Context, contactID string, now time.Time, window time.Duration) (bool, error) {
	bucket := now.Unix() / int64(window.Seconds())
	n, err := s.rdb.Exists(ctx, keyDialIdem(contactID, bucket)).Result()
	return n > 0, err
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}
