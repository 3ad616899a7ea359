// SPDX-License-Identifier: MIT

package signal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// The bus packages spawn pump goroutines per subscription; this suite is the
// leak canary for them.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-redis keeps a background connection reaper.
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)
}

func receiveOne(t *testing.T, sub Subscriber) CallEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "channel closed before delivery")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call event")
		return CallEvent{}
	}
}

func TestMemoryBusDeliversPerCall(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub1, err := bus.Subscribe(ctx, "call-1")
	require.NoError(t, err)
	defer func() { _ = sub1.Close() }()
	sub2, err := bus.Subscribe(ctx, "call-2")
	require.NoError(t, err)
	defer func() { _ = sub2.Close() }()

	ev := CallEvent{Type: EventAnswered, CampaignID: "cmp-1", CallID: "call-1", At: time.Now()}
	require.NoError(t, bus.Publish(ctx, ev))

	got := receiveOne(t, sub1)
	assert.Equal(t, EventAnswered, got.Type)
	assert.Equal(t, "call-1", got.CallID)

	// The other call's subscriber sees nothing.
	select {
	case ev := <-sub2.C():
		t.Fatalf("unexpected event on call-2: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusCloseUnsubscribes(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "call-1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed")

	// Publishing after close must not panic.
	require.NoError(t, bus.Publish(ctx, CallEvent{Type: EventHangup, CallID: "call-1"}))
}

func TestRedisBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "call-9")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	ev := CallEvent{
		Type:       EventHangup,
		CampaignID: "cmp-1",
		ContactID:  "ct-1",
		CallID:     "call-9",
		CarrierID:  "crr-123",
		Reason:     "busy",
		At:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, bus.Publish(ctx, ev))

	got := receiveOne(t, sub)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.Reason, got.Reason)
	assert.Equal(t, ev.CarrierID, got.CarrierID)
	assert.True(t, ev.At.Equal(got.At))
}

func TestRedisBusMalformedPayloadSkipped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "call-9")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, client.Publish(ctx, channelFor("call-9"), "not json").Err())
	require.NoError(t, bus.Publish(ctx, CallEvent{Type: EventRinging, CallID: "call-9"}))

	got := receiveOne(t, sub)
	assert.Equal(t, EventRinging, got.Type)
}
