// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/dialcore/internal/config"
	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/lifecycle"
	"github.com/voicelane/dialcore/internal/model"
	"github.com/voicelane/dialcore/internal/retry"
	"github.com/voicelane/dialcore/internal/signal"
	"github.com/voicelane/dialcore/internal/store"
)

type apiRig struct {
	ts      *httptest.Server
	durable store.Store
	leases  *lease.Store
	bus     *signal.MemoryBus
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	leases := lease.New(client)
	durable := store.NewMemoryStore()
	t.Cleanup(func() { _ = durable.Close() })
	bus := signal.NewMemoryBus()
	manager := lifecycle.NewManager(durable, leases, retry.NewScheduler(leases, durable))

	cfg := &config.Config{
		RateLimitRPS: 0, // no limiter in tests
		OrphanAge:    time.Minute,
		GateStaleAge: 5 * time.Second,
		WaitlistCap:  1000,
	}
	srv := NewServer(manager, durable, leases, bus, cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &apiRig{ts: ts, durable: durable, leases: leases, bus: bus}
}

func (r *apiRig) do(t *testing.T, method, path string, body any) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, r.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (r *apiRig) createCampaign(t *testing.T, limit int) string {
	t.Helper()
	resp, env := r.do(t, http.MethodPost, "/campaigns", createCampaignRequest{
		Name:  "test",
		Limit: limit,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := env.Data.(map[string]any)
	return data["id"].(string)
}

func TestCampaignLifecycleEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	id := rig.createCampaign(t, 3)

	// draft -> pause is illegal.
	resp, env := rig.do(t, http.MethodPost, "/campaigns/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Equal(t, codeConflict, env.Error.Code)

	resp, env = rig.do(t, http.MethodPost, "/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Equal(t, string(model.CampaignActive), env.Data.(map[string]any)["status"])

	resp, _ = rig.do(t, http.MethodPost, "/campaigns/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = rig.do(t, http.MethodPost, "/campaigns/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = rig.do(t, http.MethodPost, "/campaigns/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Terminal: further commands conflict.
	resp, _ = rig.do(t, http.MethodPost, "/campaigns/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown campaign.
	resp, env = rig.do(t, http.MethodPost, "/campaigns/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, codeNotFound, env.Error.Code)
}

func TestAddContactsValidation(t *testing.T) {
	rig := newAPIRig(t)
	id := rig.createCampaign(t, 3)
	resp, _ := rig.do(t, http.MethodPost, "/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := rig.do(t, http.MethodPost, "/campaigns/"+id+"/contacts", addContactsRequest{
		Contacts: []contactInput{
			{PhoneNumber: "+4915112345678", Priority: model.PriorityHigh},
			{PhoneNumber: "+4915187654321"},
			{PhoneNumber: "0151-not-e164"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]any)
	assert.EqualValues(t, 2, data["added"])
	require.Len(t, data["rejected"], 1)

	// Active campaign: valid contacts land on the waitlists immediately.
	snap, err := rig.leases.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.QueuedHigh)
	assert.Equal(t, 1, snap.QueuedNormal)
}

func TestProgressEndpoint(t *testing.T) {
	rig := newAPIRig(t)
	id := rig.createCampaign(t, 3)
	_, _ = rig.do(t, http.MethodPost, "/campaigns/"+id+"/start", nil)
	_, _ = rig.do(t, http.MethodPost, "/campaigns/"+id+"/contacts", addContactsRequest{
		Contacts: []contactInput{{PhoneNumber: "+4915112345678"}},
	})

	resp, env := rig.do(t, http.MethodGet, "/campaigns/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]any)
	assert.EqualValues(t, 1, data["queuedNormal"])
	assert.EqualValues(t, 0, data["inflight"])
	counts := data["contactCounts"].(map[string]any)
	assert.EqualValues(t, 1, counts[string(model.ContactQueued)])
}

func TestCarrierWebhookFanout(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	sub, err := rig.bus.Subscribe(ctx, "call-1")
	require.NoError(t, err)
	defer sub.Close()

	payload := map[string]any{
		"event":      "call.answered",
		"callId":     "call-1",
		"campaignId": "cmp-1",
		"contactId":  "ct-1",
	}
	resp, env := rig.do(t, http.MethodPost, "/webhooks/carrier", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)

	select {
	case ev := <-sub.C():
		assert.Equal(t, signal.EventAnswered, ev.Type)
		assert.Equal(t, "ct-1", ev.ContactID)
	case <-time.After(time.Second):
		t.Fatal("webhook event not delivered")
	}

	// Unknown event name is a client error.
	resp, env = rig.do(t, http.MethodPost, "/webhooks/carrier", map[string]any{
		"event": "call.telepathy", "callId": "call-2",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, codeBadRequest, env.Error.Code)
}

func TestMaintenanceEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	require.NoError(t, rig.leases.SetLimit(ctx, "cmp-1", 3))
	require.NoError(t, rig.leases.Enqueue(ctx, "cmp-1", model.PriorityNormal, "ct-1", "ct-1"))

	resp, env := rig.do(t, http.MethodGet, "/maintenance/redis-state/cmp-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]any)
	assert.EqualValues(t, 3, data["limit"])

	resp, env = rig.do(t, http.MethodPost, "/maintenance/cleanup-slots/cmp-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = env.Data.(map[string]any)
	assert.EqualValues(t, 1, data["compactedWaitlists"], "duplicate waitlist entry removed")
}

func TestHealthEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	resp, env := rig.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)

	resp, _ = rig.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
