// SPDX-License-Identifier: MIT

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/dialcore/internal/model"
)

const testCampaign = "cmp-1"

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client)
}

func TestAcquirePreRespectsLimit(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 2))

	tok1, ok, err := s.AcquirePre(ctx, testCampaign, "call-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, tok1)

	_, ok, err = s.AcquirePre(ctx, testCampaign, "call-2", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Third attempt hits the cap.
	_, ok, err = s.AcquirePre(ctx, testCampaign, "call-3", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	snap, err := s.Snapshot(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Inflight)
}

func TestReleaseRoundTrip(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 1))

	token, ok, err := s.AcquirePre(ctx, testCampaign, "call-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale token must not release.
	released, err := s.Release(ctx, testCampaign, PreMemberPrefix+"call-1", "bogus")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.Release(ctx, testCampaign, PreMemberPrefix+"call-1", token)
	require.NoError(t, err)
	assert.True(t, released)

	// Slot count returns to its prior value.
	snap, err := s.Snapshot(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Inflight)

	// Double release is a no-op.
	released, err = s.Release(ctx, testCampaign, PreMemberPrefix+"call-1", token)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestRenewFencedByToken(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 1))

	token, ok, err := s.AcquirePre(ctx, testCampaign, "call-1", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Renew(ctx, testCampaign, PreMemberPrefix+"call-1", token, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Renew(ctx, testCampaign, PreMemberPrefix+"call-1", "bogus", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// After expiry the renewal fails.
	mr.FastForward(31 * time.Second)
	ok, err = s.Renew(ctx, testCampaign, PreMemberPrefix+"call-1", token, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func enqueueN(t *testing.T, s *Store, priority model.Priority, ids ...string) {
	t.Helper()
	require.NoError(t, s.Enqueue(context.Background(), testCampaign, priority, ids...))
}

func TestReserveAndPromoteBasic(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 3))
	enqueueN(t, s, model.PriorityHigh, "h1", "h2")
	enqueueN(t, s, model.PriorityNormal, "n1")

	batch, err := s.ReserveAndPromote(ctx, testCampaign, 4, 70*time.Second, 20*time.Second, time.Now(), 3)
	require.NoError(t, err)
	require.Len(t, batch.Grants, 3)
	assert.Positive(t, batch.Seq)

	// Invariant I3: ledger cardinality == reserved counter.
	snap, err := s.Snapshot(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Reserved)
	assert.Equal(t, 3, snap.LedgerLen)
	assert.Equal(t, 0, snap.QueuedHigh)
	assert.Equal(t, 0, snap.QueuedNormal)

	// Capacity bound at this quiescence point.
	assert.LessOrEqual(t, snap.Inflight+snap.Reserved, snap.Limit)
}

func TestReserveAndPromotePushBackPreservesClassAndOrder(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 1))
	enqueueN(t, s, model.PriorityHigh, "h1", "h2", "h3")
	enqueueN(t, s, model.PriorityNormal, "n1")

	batch, err := s.ReserveAndPromote(ctx, testCampaign, 4, 70*time.Second, 20*time.Second, time.Now(), 3)
	require.NoError(t, err)
	require.Len(t, batch.Grants, 1)
	assert.Equal(t, "h1", batch.Grants[0].ContactID)
	assert.Equal(t, model.PriorityHigh, batch.Grants[0].Priority)

	// Extras are restored to the head of their original class in FIFO order.
	high, normal, err := s.WaitlistContents(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2", "h3"}, high)
	assert.Equal(t, []string{"n1"}, normal)
}

func TestReserveAndPromoteFairnessFourthBatchNormalFirst(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 100))

	var normalFirst int
	for batchNum := 1; batchNum <= 8; batchNum++ {
		// Refill saturated queues each round.
		enqueueN(t, s, model.PriorityHigh, "h1", "h2", "h3", "h4")
		enqueueN(t, s, model.PriorityNormal, "n1", "n2", "n3", "n4")

		batch, err := s.ReserveAndPromote(ctx, testCampaign, 4, 70*time.Second, 20*time.Second, time.Now(), 3)
		require.NoError(t, err)
		require.Len(t, batch.Grants, 4)

		if batch.Grants[0].Priority == model.PriorityNormal {
			normalFirst++
			assert.Equal(t, 0, batchNum%4, "normal-first batch must be every 4th")
		} else {
			// Weighted batch: 3 high + 1 normal.
			var high, normal int
			for _, g := range batch.Grants {
				if g.Priority == model.PriorityHigh {
					high++
				} else {
					normal++
				}
			}
			assert.Equal(t, 3, high)
			assert.Equal(t, 1, normal)
		}

		// Drain the reservations so the next batch has capacity.
		for _, g := range batch.Grants {
			callID := g.ContactID + "-call"
			token, ok, err := s.Convert(ctx, testCampaign, g, callID, 15*time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			released, err := s.Release(ctx, testCampaign, PreMemberPrefix+callID, token)
			require.NoError(t, err)
			require.True(t, released)
		}
		// Clear leftover queue entries between rounds.
		_, err = s.Compact(ctx, testCampaign, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, normalFirst, "batches 4 and 8 pop normal first")
}

func TestReserveAndPromoteGateSeqMonotonic(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 10))

	var last int64
	for i := 0; i < 5; i++ {
		enqueueN(t, s, model.PriorityHigh, "h")
		batch, err := s.ReserveAndPromote(ctx, testCampaign, 1, 70*time.Second, 20*time.Second, time.Now(), 3)
		require.NoError(t, err)
		require.Len(t, batch.Grants, 1)
		assert.Greater(t, batch.Seq, last)
		last = batch.Seq

		token, ok, err := s.Convert(ctx, testCampaign, batch.Grants[0], "call", 15*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = s.Release(ctx, testCampaign, PreMemberPrefix+"call", token)
		require.NoError(t, err)
	}
}

func TestReserveAndPromoteEmptyWaitlists(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 3))

	batch, err := s.ReserveAndPromote(ctx, testCampaign, 4, 70*time.Second, 20*time.Second, time.Now(), 3)
	require.NoError(t, err)
	assert.Empty(t, batch.Grants)
	assert.Zero(t, batch.Seq)
}

func TestConvertConsumesReservationOnce(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 2))
	enqueueN(t, s, model.PriorityHigh, "h1")

	batch, err := s.ReserveAndPromote(ctx, testCampaign, 1, 70*time.Second, 20*time.Second, time.Now(), 3)
	require.NoError(t, err)
	require.Len(t, batch.Grants, 1)

	token, ok, err := s.Convert(ctx, testCampaign, batch.Grants[0], "call-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	snap, err := s.Snapshot(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Reserved)
	assert.Equal(t, 0, snap.LedgerLen)
	assert.Equal(t, 1, snap.Inflight)

	// A duplicate convert must fail: the reservation is gone.
	_, ok, err = s.Convert(ctx, testCampaign, batch.Grants[0], "call-dup", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromotePreToActive(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 1))

	token, ok, err := s.AcquirePre(ctx, testCampaign, "call-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Promote(ctx, testCampaign, "call-1", token, 180*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	members, err := s.LeaseMembers(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, []string{"call-1"}, members)

	// Invariant I2: the active member has a live lease key.
	alive, err := s.LeaseTokenExists(ctx, testCampaign, "call-1")
	require.NoError(t, err)
	assert.True(t, alive)
	alive, err = s.LeaseTokenExists(ctx, testCampaign, PreMemberPrefix+"call-1")
	require.NoError(t, err)
	assert.False(t, alive)

	// Release with the same token frees the slot.
	released, err := s.Release(ctx, testCampaign, "call-1", token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestJanitorScanRestoresOrphanedReservations(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 4))
	enqueueN(t, s, model.PriorityHigh, "h1")
	enqueueN(t, s, model.PriorityNormal, "n1")

	reservedAt := time.Now()
	batch, err := s.ReserveAndPromote(ctx, testCampaign, 2, 70*time.Second, 20*time.Second, reservedAt, 3)
	require.NoError(t, err)
	require.Len(t, batch.Grants, 2)

	// Worker "dies" before Convert. Before orphanAge nothing is reaped.
	n, err := s.JanitorScan(ctx, testCampaign, reservedAt.Add(30*time.Second), 60*time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)

	// After orphanAge both reservations are reclaimed into their classes.
	n, err = s.JanitorScan(ctx, testCampaign, reservedAt.Add(61*time.Second), 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := s.Snapshot(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Reserved)
	assert.Equal(t, 0, snap.LedgerLen)

	high, normal, err := s.WaitlistContents(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, high)
	assert.Equal(t, []string{"n1"}, normal)
}

func TestReapZombieLeases(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, testCampaign, 2))

	_, ok, err := s.AcquirePre(ctx, testCampaign, "call-1", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Lease key expires but the set member lingers.
	mr.FastForward(3 * time.Second)

	reaped, err := s.ReapZombieLeases(ctx, testCampaign, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	members, err := s.LeaseMembers(ctx, testCampaign)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMoveDueRetries(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ScheduleRetry(ctx, testCampaign, model.PriorityHigh, "h1", now.Add(5*time.Minute)))
	require.NoError(t, s.ScheduleRetry(ctx, testCampaign, model.PriorityNormal, "n1", now.Add(time.Minute)))

	// Nothing due yet.
	moved, err := s.MoveDueRetries(ctx, testCampaign, now, 10)
	require.NoError(t, err)
	assert.Empty(t, moved)

	moved, err = s.MoveDueRetries(ctx, testCampaign, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "n1", moved[0].ContactID)
	assert.Equal(t, model.PriorityNormal, moved[0].Priority)

	_, normal, err := s.WaitlistContents(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, normal)

	// The later retry fires in its own window.
	moved, err = s.MoveDueRetries(ctx, testCampaign, now.Add(6*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "h1", moved[0].ContactID)
}

func TestCompactDeduplicatesAndCaps(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, model.PriorityHigh, "a", "b", "a", "c", "b", "d")

	removed, err := s.Compact(ctx, testCampaign, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, removed) // two dups + one over cap

	high, _, err := s.WaitlistContents(ctx, testCampaign)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, high)
}

func TestCASStatus(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	// Fresh Redis: "none" matches, activation succeeds.
	ok, err := s.CASStatus(ctx, testCampaign, []model.CampaignStatus{model.CampaignScheduled}, model.CampaignActive, "clear")
	require.NoError(t, err)
	assert.True(t, ok)

	// active -> paused sets the pause flag.
	ok, err = s.CASStatus(ctx, testCampaign, []model.CampaignStatus{model.CampaignActive}, model.CampaignPaused, "set")
	require.NoError(t, err)
	assert.True(t, ok)
	paused, err := s.IsPaused(ctx, testCampaign)
	require.NoError(t, err)
	assert.True(t, paused)

	// CAS failure: campaign is paused, not active.
	ok, err = s.CASStatus(ctx, testCampaign, []model.CampaignStatus{model.CampaignActive}, model.CampaignCompleted, "keep")
	require.NoError(t, err)
	assert.False(t, ok)

	// paused -> active clears the flag.
	ok, err = s.CASStatus(ctx, testCampaign, []model.CampaignStatus{model.CampaignPaused}, model.CampaignActive, "clear")
	require.NoError(t, err)
	assert.True(t, ok)
	paused, err = s.IsPaused(ctx, testCampaign)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestClaimDialWindow(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	window := 5 * time.Minute

	ok, err := s.ClaimDialWindow(ctx, "ct-1", now, window)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same bucket: claimed.
	ok, err = s.ClaimDialWindow(ctx, "ct-1", now, window)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := s.DialWindowClaimed(ctx, "ct-1", now, window)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A different contact is unaffected.
	ok, err = s.ClaimDialWindow(ctx, "ct-2", now, window)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestColdStartFlags(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	blocked, err := s.ColdStartBlocked(ctx, testCampaign)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.BeginColdStart(ctx, testCampaign, 90*time.Second))
	blocked, err = s.ColdStartBlocked(ctx, testCampaign)
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, s.FinishColdStart(ctx, testCampaign))
	blocked, err = s.ColdStartBlocked(ctx, testCampaign)
	require.NoError(t, err)
	assert.False(t, blocked)

	done, err := s.ColdStartDone(ctx, testCampaign)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestOwnership(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.TryOwn(ctx, testCampaign, "dispatch", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Another worker cannot claim while held.
	ok, err = s.TryOwn(ctx, testCampaign, "dispatch", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder re-enters (renewal path).
	ok, err = s.TryOwn(ctx, testCampaign, "dispatch", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Voluntary relinquish opens the door for the other worker.
	require.NoError(t, s.Disown(ctx, testCampaign, "dispatch", "worker-a"))
	ok, err = s.TryOwn(ctx, testCampaign, "dispatch", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expiry frees ownership for takeover.
	mr.FastForward(31 * time.Second)
	ok, err = s.TryOwn(ctx, testCampaign, "dispatch", "worker-c", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
