// SPDX-License-Identifier: MIT

package invariant

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/model"
	"github.com/voicelane/dialcore/internal/store"
)

type monitorRig struct {
	monitor *Monitor
	leases  *lease.Store
	durable store.Store
	client  *redis.Client
}

func newTestMonitor(t *testing.T) *monitorRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	leases := lease.New(client)
	durable := store.NewMemoryStore()
	t.Cleanup(func() { _ = durable.Close() })
	return &monitorRig{
		monitor: NewMonitor(leases, durable),
		leases:  leases,
		durable: durable,
		client:  client,
	}
}

// A healthy mid-flight campaign produces no violations.
func TestMonitorHealthyState(t *testing.T) {
	rig := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, rig.leases.SetLimit(ctx, "cmp-1", 3))
	require.NoError(t, rig.leases.Enqueue(ctx, "cmp-1", model.PriorityNormal, "ct-1", "ct-2", "ct-3"))
	batch, err := rig.leases.ReserveAndPromote(ctx, "cmp-1", 2, time.Minute, 20*time.Second, time.Now(), 3)
	require.NoError(t, err)
	require.Len(t, batch.Grants, 2)
	_, ok, err := rig.leases.Convert(ctx, "cmp-1", batch.Grants[0], "call-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	violations, err := rig.monitor.Check(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Empty(t, violations)
}

// An over-committed campaign trips the capacity check.
func TestMonitorCapacityViolation(t *testing.T) {
	rig := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, rig.leases.SetLimit(ctx, "cmp-1", 1))
	// Drifted state a failover could leave behind: two members over a limit
	// of one.
	require.NoError(t, rig.client.SAdd(ctx, "campaign:{cmp-1}:leases", "call-1", "call-2").Err())
	require.NoError(t, rig.client.Set(ctx, "campaign:{cmp-1}:lease:call-1", "t1", time.Minute).Err())
	require.NoError(t, rig.client.Set(ctx, "campaign:{cmp-1}:lease:call-2", "t2", time.Minute).Err())

	violations, err := rig.monitor.Check(ctx, "cmp-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, CheckCapacity, violations[0].Check)
}

// Ledger length and reserved counter must agree.
func TestMonitorLedgerDrift(t *testing.T) {
	rig := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Set(ctx, "campaign:{cmp-1}:reserved", 2, 0).Err())

	violations, err := rig.monitor.Check(ctx, "cmp-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, CheckLedger, violations[0].Check)
}

// A leases-set member whose key expired is reported, not repaired.
func TestMonitorZombieMember(t *testing.T) {
	rig := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, rig.leases.SetLimit(ctx, "cmp-1", 3))
	require.NoError(t, rig.client.SAdd(ctx, "campaign:{cmp-1}:leases", "call-1").Err())

	violations, err := rig.monitor.Check(ctx, "cmp-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, CheckLeaseKeys, violations[0].Check)

	// Still there afterwards: the monitor observes only.
	members, err := rig.leases.LeaseMembers(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

// A contact sitting in two structures at once trips the single-place check.
func TestMonitorSinglePlace(t *testing.T) {
	rig := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, rig.leases.SetLimit(ctx, "cmp-1", 3))
	require.NoError(t, rig.leases.Enqueue(ctx, "cmp-1", model.PriorityHigh, "ct-1"))
	require.NoError(t, rig.leases.Enqueue(ctx, "cmp-1", model.PriorityNormal, "ct-1"))

	violations, err := rig.monitor.Check(ctx, "cmp-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, CheckSinglePlace, violations[0].Check)
}

// A contact holding a live lease while also waiting in a waitlist trips the
// single-place check; the open call log joins the lease back to the contact.
func TestMonitorSinglePlaceLeasedAndQueued(t *testing.T) {
	rig := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, rig.leases.SetLimit(ctx, "cmp-1", 3))
	require.NoError(t, rig.client.SAdd(ctx, "campaign:{cmp-1}:leases", "pre-call-1").Err())
	require.NoError(t, rig.client.Set(ctx, "campaign:{cmp-1}:lease:pre-call-1", "t1", time.Minute).Err())
	require.NoError(t, rig.durable.PutCallLog(ctx, &model.CallLog{
		ID:         "call-1",
		CampaignID: "cmp-1",
		ContactID:  "ct-1",
		StartedAt:  time.Now(),
	}))
	require.NoError(t, rig.leases.Enqueue(ctx, "cmp-1", model.PriorityNormal, "ct-1"))

	violations, err := rig.monitor.Check(ctx, "cmp-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, CheckSinglePlace, violations[0].Check)
	assert.Contains(t, violations[0].Detail, "leases")
}
