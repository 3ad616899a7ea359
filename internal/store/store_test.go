// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/dialcore/internal/model"
)

// Both backends must satisfy the same contract; run the suite against each.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func testCampaign(id string) *model.Campaign {
	return &model.Campaign{
		ID:           id,
		Limit:        3,
		Status:       model.CampaignDraft,
		PriorityMode: model.PriorityModeWeighted,
		CreatedAt:    time.Now(),
	}
}

func testContact(campaignID, id, phone string) *model.Contact {
	return &model.Contact{
		ID:          id,
		CampaignID:  campaignID,
		PhoneNumber: phone,
		Priority:    model.PriorityNormal,
		Status:      model.ContactPending,
	}
}

func TestCampaignRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cmp1 := testCampaign("cmp-1")
			require.NoError(t, s.PutCampaign(ctx, cmp1))

			got, err := s.GetCampaign(ctx, "cmp-1")
			require.NoError(t, err)
			if diff := cmp.Diff(cmp1, got, cmpopts.IgnoreFields(model.Campaign{}, "UpdatedAt")); diff != "" {
				t.Errorf("campaign mismatch (-want +got):\n%s", diff)
			}

			_, err = s.GetCampaign(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCampaignUpdateBumpsVersion(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutCampaign(ctx, testCampaign("cmp-1")))

			updated, err := s.UpdateCampaign(ctx, "cmp-1", func(c *model.Campaign) error {
				c.Status = model.CampaignActive
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, model.CampaignActive, updated.Status)
			assert.Equal(t, int64(1), updated.Version)
		})
	}
}

func TestListCampaignsByStatus(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			active := testCampaign("cmp-a")
			active.Status = model.CampaignActive
			require.NoError(t, s.PutCampaign(ctx, active))
			require.NoError(t, s.PutCampaign(ctx, testCampaign("cmp-b")))

			got, err := s.ListCampaignsByStatus(ctx, model.CampaignActive)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "cmp-a", got[0].ID)
		})
	}
}

func TestContactUniquePerPhone(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutContact(ctx, testContact("cmp-1", "ct-1", "+14155552671")))

			// Same number, different contact id: rejected.
			err := s.PutContact(ctx, testContact("cmp-1", "ct-2", "+14155552671"))
			require.ErrorIs(t, err, ErrConflict)

			// Same number in another campaign is fine.
			require.NoError(t, s.PutContact(ctx, testContact("cmp-2", "ct-3", "+14155552671")))

			// Re-put of the same contact id is an upsert.
			require.NoError(t, s.PutContact(ctx, testContact("cmp-1", "ct-1", "+14155552671")))
		})
	}
}

func TestContactStatusListingAndCounts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutContact(ctx, testContact("cmp-1", "ct-1", "+14155550001")))
			require.NoError(t, s.PutContact(ctx, testContact("cmp-1", "ct-2", "+14155550002")))

			_, err := s.UpdateContact(ctx, "cmp-1", "ct-2", func(c *model.Contact) error {
				c.Status = model.ContactCompleted
				return nil
			})
			require.NoError(t, err)

			pending, err := s.ListContactsByStatus(ctx, "cmp-1", model.ContactPending)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "ct-1", pending[0].ID)

			counts, err := s.CountContactsByStatus(ctx, "cmp-1")
			require.NoError(t, err)
			assert.Equal(t, 1, counts[model.ContactPending])
			assert.Equal(t, 1, counts[model.ContactCompleted])
		})
	}
}

func TestCallLogAndRetryAttempts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cl := &model.CallLog{
				ID:         "call-1",
				CampaignID: "cmp-1",
				ContactID:  "ct-1",
				Outcome:    model.OutcomeNoAnswer,
				StartedAt:  time.Now(),
			}
			require.NoError(t, s.PutCallLog(ctx, cl))
			got, err := s.GetCallLog(ctx, "cmp-1", "call-1")
			require.NoError(t, err)
			assert.Equal(t, model.OutcomeNoAnswer, got.Outcome)

			ra := &model.RetryAttempt{
				ID:             "ra-1",
				CampaignID:     "cmp-1",
				ContactID:      "ct-1",
				OriginalCallID: "call-1",
				AttemptNumber:  1,
				FailureKind:    "no_answer",
				ScheduledFor:   time.Now().Add(5 * time.Minute),
				Status:         model.RetryScheduled,
			}
			require.NoError(t, s.PutRetryAttempt(ctx, ra))

			scheduled, err := s.ListRetryAttemptsByStatus(ctx, "cmp-1", model.RetryScheduled)
			require.NoError(t, err)
			require.Len(t, scheduled, 1)

			_, err = s.UpdateRetryAttempt(ctx, "cmp-1", "ra-1", func(r *model.RetryAttempt) error {
				r.Status = model.RetryCancelled
				return nil
			})
			require.NoError(t, err)

			scheduled, err = s.ListRetryAttemptsByStatus(ctx, "cmp-1", model.RetryScheduled)
			require.NoError(t, err)
			assert.Empty(t, scheduled)
		})
	}
}
