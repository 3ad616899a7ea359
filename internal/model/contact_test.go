// SPDX-License-Identifier: MIT

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateE164(t *testing.T) {
	valid := []string{"+14155552671", "+4915123456789", "+861012345678", "+12345678"}
	for _, p := range valid {
		assert.NoError(t, ValidateE164(p), p)
	}

	invalid := []string{
		"",
		"14155552671",    // missing plus
		"+0123456789",    // leading zero
		"+1234567",       // too short (7 digits)
		"+1234567890123456", // too long (16 digits)
		"+1 415 555 2671",   // spaces
		"+1-415-555-2671",   // dashes
	}
	for _, p := range invalid {
		assert.ErrorIs(t, ValidateE164(p), ErrInvalidE164, p)
	}
}

func TestContactValidate(t *testing.T) {
	c := &Contact{
		ID:          "ct-1",
		CampaignID:  "cmp-1",
		PhoneNumber: "+14155552671",
		Priority:    PriorityHigh,
		Status:      ContactPending,
	}
	require.NoError(t, c.Validate())

	c.Priority = "urgent"
	require.Error(t, c.Validate())

	c.Priority = PriorityNormal
	c.PhoneNumber = "nope"
	require.ErrorIs(t, c.Validate(), ErrInvalidE164)
}

func TestCampaignValidate(t *testing.T) {
	cmp := &Campaign{ID: "cmp-1", Limit: 0, Status: CampaignDraft}
	require.ErrorIs(t, cmp.Validate(), ErrInvalidLimit)
	cmp.Limit = 1
	require.NoError(t, cmp.Validate())
}

func TestPriorityTags(t *testing.T) {
	assert.Equal(t, "H", PriorityHigh.OriginTag())
	assert.Equal(t, "N", PriorityNormal.OriginTag())
	assert.Equal(t, PriorityHigh, PriorityFromTag("H"))
	assert.Equal(t, PriorityNormal, PriorityFromTag("N"))
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, ContactCompleted.IsTerminal())
	assert.True(t, ContactSkipped.IsTerminal())
	assert.False(t, ContactCalling.IsTerminal())
	assert.False(t, ContactPending.IsTerminal())

	assert.True(t, CampaignCancelled.IsTerminal())
	assert.False(t, CampaignPaused.IsTerminal())
}
