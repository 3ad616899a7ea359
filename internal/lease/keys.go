// SPDX-License-Identifier: MIT

package lease

import "fmt"

// All campaign-scoped keys hash-tag the campaign id so every key for one
// campaign lands on the same cluster slot, permitting multi-key Lua.

// PreMemberPrefix marks pre-dial members of the leases set.
const PreMemberPrefix = "pre-"

func keyWaitlistHigh(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:waitlist:high", campaignID)
}

func keyWaitlistNormal(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:waitlist:normal", campaignID)
}

func keyLimit(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:limit", campaignID)
}

func keyLeases(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:leases", campaignID)
}

func keyLease(campaignID, member string) string {
	return fmt.Sprintf("campaign:{%s}:lease:%s", campaignID, member)
}

func keyReserved(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:reserved", campaignID)
}

func keyLedger(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:reserved:ledger", campaignID)
}

func keyGate(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:promote-gate", campaignID)
}

func keyGateSeq(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:promote-gate:seq", campaignID)
}

func keyFairness(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:fairness", campaignID)
}

func keyColdStart(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:coldstart", campaignID)
}

func keyPaused(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:paused", campaignID)
}

func keyStatus(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:status", campaignID)
}

// Breaker keys are exported: the resilience package owns the breaker state
// machine, the lease store only reads the open flag.

func KeyBreaker(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:cb", campaignID)
}

func KeyBreakerFailures(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:cb:failures", campaignID)
}

func KeyBreakerProbe(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:cb:probe", campaignID)
}

func keyRetryQueue(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:retry", campaignID)
}

func keyOwnership(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:owner", campaignID)
}

// ChannelSlotAvailable is the pub/sub channel promoters sleep on.
func ChannelSlotAvailable(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:slot-available", campaignID)
}

// keyDialIdem is NOT campaign-scoped: the dedup window follows the contact.
func keyDialIdem(contactID string, bucket int64) string {
	return fmt.Sprintf("dial:%s:%d", contactID, bucket)
}

// keyRetrySched fences duplicate retry enqueues for one call outcome; at
// least-once event delivery can hand the same hangup to two consumers.
func keyRetrySched(callID string) string {
	return fmt.Sprintf("retry-sched:%s", callID)
}
