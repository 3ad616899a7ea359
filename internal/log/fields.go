// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCampaignID    = "campaign_id"
	FieldContactID     = "contact_id"
	FieldCallID        = "call_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldOwner         = "owner"

	// Process fields
	FieldComponent = "component"
	FieldEvent     = "event"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Scheduling fields
	FieldSeq      = "seq"
	FieldBatch    = "batch"
	FieldReserved = "reserved"
	FieldInflight = "inflight"
	FieldLimit    = "limit"
)
