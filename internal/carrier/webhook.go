// SPDX-License-Identifier: MIT

package carrier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voicelane/dialcore/internal/signal"
)

// webhookPayload is the provider's event dialect.
type webhookPayload struct {
	Event      string    `json:"event"`
	CallID     string    `json:"callId"`
	CarrierID  string    `json:"carrierId"`
	CampaignID string    `json:"campaignId"`
	ContactID  string    `json:"contactId"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// eventMap translates provider event names to bus event types.
var eventMap = map[string]signal.EventType{
	"call.ringing":          signal.EventRinging,
	"call.answered":         signal.EventAnswered,
	"call.media_active":     signal.EventMediaActive,
	"call.machine_detected": signal.EventVoicemail,
	"call.hangup":           signal.EventHangup,
	"call.failed":           signal.EventDialFailed,
}

// ParseWebhook translates one provider webhook body into a bus event.
func ParseWebhook(body []byte) (signal.CallEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return signal.CallEvent{}, fmt.Errorf("carrier: decode webhook: %w", err)
	}
	typ, ok := eventMap[p.Event]
	if !ok {
		return signal.CallEvent{}, fmt.Errorf("carrier: unknown webhook event %q", p.Event)
	}
	if p.CallID == "" {
		return signal.CallEvent{}, fmt.Errorf("carrier: webhook event %q without callId", p.Event)
	}
	at := p.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return signal.CallEvent{
		Type:       typ,
		CampaignID: p.CampaignID,
		ContactID:  p.ContactID,
		CallID:     p.CallID,
		CarrierID:  p.CarrierID,
		Reason:     p.Reason,
		At:         at,
	}, nil
}
