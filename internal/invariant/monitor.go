// SPDX-License-Identifier: MIT

// Package invariant samples the Redis scheduling state of a campaign and
// alerts when the cross-key bookkeeping drifts. The monitor never repairs;
// repair belongs to the janitor and the reconciler, alerting stays honest
// only if it observes.
package invariant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
	"github.com/voicelane/dialcore/internal/store"
)

// Check names, used as the metric label and in alert logs.
const (
	CheckCapacity    = "capacity"     // inflight + reserved <= limit
	CheckLedger      = "ledger"       // |ledger| == reserved counter
	CheckLeaseKeys   = "lease_keys"   // every set member has a live lease key
	CheckSinglePlace = "single_place" // contact appears in at most one structure
)

// Monitor periodically verifies one campaign's scheduling state. The durable
// store is read to join lease members, which are keyed by call, back to their
// contacts.
type Monitor struct {
	leases  *lease.Store
	durable store.Store
	logger  zerolog.Logger
}

// NewMonitor creates an invariant monitor.
func NewMonitor(leases *lease.Store, durable store.Store) *Monitor {
	return &Monitor{
		leases:  leases,
		durable: durable,
		logger:  log.WithComponent("invariant"),
	}
}

// Violation is one observed inconsistency.
type Violation struct {
	Check  string
	Detail string
}

// Check samples the campaign once and returns the violations found. The
// sample is a pipeline, not a transaction; transient skew between keys can
// surface while scripts run, so callers should alert on repeated hits rather
// than single ones.
func (m *Monitor) Check(ctx context.Context, campaignID string) ([]Violation, error) {
	snap, err := m.leases.Snapshot(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	var violations []Violation

	if snap.Limit > 0 && snap.Inflight+snap.Reserved > snap.Limit {
		violations = append(violations, Violation{
			Check: CheckCapacity,
			Detail: fmt.Sprintf("inflight=%d reserved=%d limit=%d",
				snap.Inflight, snap.Reserved, snap.Limit),
		})
	}
	if snap.LedgerLen != snap.Reserved {
		violations = append(violations, Violation{
			Check:  CheckLedger,
			Detail: fmt.Sprintf("ledger=%d reserved=%d", snap.LedgerLen, snap.Reserved),
		})
	}

	members, err := m.leases.LeaseMembers(ctx, campaignID)
	if err != nil {
		return violations, err
	}
	for _, member := range members {
		alive, err := m.leases.LeaseTokenExists(ctx, campaignID, member)
		if err != nil {
			return violations, err
		}
		if !alive {
			violations = append(violations, Violation{
				Check:  CheckLeaseKeys,
				Detail: "member without lease key: " + member,
			})
		}
	}

	if vs, err := m.checkSinglePlace(ctx, campaignID, members); err != nil {
		return violations, err
	} else {
		violations = append(violations, vs...)
	}

	metrics.LeasesInflight.WithLabelValues(campaignID).Set(float64(snap.Inflight))
	metrics.ReservedSlots.WithLabelValues(campaignID).Set(float64(snap.Reserved))
	for _, v := range violations {
		metrics.InvariantViolationsTotal.WithLabelValues(campaignID, v.Check).Inc()
		m.logger.Error().
			Str(log.FieldCampaignID, campaignID).
			Str("check", v.Check).
			Str("detail", v.Detail).
			Msg("scheduling invariant violated")
	}
	return violations, nil
}

// checkSinglePlace verifies no contact sits in two scheduling structures at
// once: both waitlists, a waitlist and the reservation ledger, or a waitlist
// and the leases set. Lease members are keyed by call id, so the open call
// log is the join back to the contact.
func (m *Monitor) checkSinglePlace(ctx context.Context, campaignID string, members []string) ([]Violation, error) {
	high, normal, err := m.leases.WaitlistContents(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	ledger, err := m.leases.LedgerEntries(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string) // contact id -> structure
	var violations []Violation
	record := func(contactID, structure string) {
		if prev, dup := seen[contactID]; dup {
			violations = append(violations, Violation{
				Check:  CheckSinglePlace,
				Detail: contactID + " in " + prev + " and " + structure,
			})
			return
		}
		seen[contactID] = structure
	}
	for _, id := range high {
		record(id, "waitlist:high")
	}
	for _, id := range normal {
		record(id, "waitlist:normal")
	}
	for _, entry := range ledger {
		if _, id, ok := strings.Cut(entry, ":"); ok {
			record(id, "ledger")
		}
	}

	if len(members) > 0 {
		logs, err := m.durable.ListCallLogs(ctx, campaignID)
		if err != nil {
			return violations, err
		}
		contactByCall := make(map[string]string, len(logs))
		for _, cl := range logs {
			if cl.EndedAt == nil {
				contactByCall[cl.ID] = cl.ContactID
			}
		}
		for _, member := range members {
			callID := strings.TrimPrefix(member, lease.PreMemberPrefix)
			if contactID, ok := contactByCall[callID]; ok {
				record(contactID, "leases")
			}
		}
	}
	return violations, nil
}

// Run samples the campaign on every tick until the context ends.
func (m *Monitor) Run(ctx context.Context, campaignID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx, campaignID); err != nil {
				m.logger.Warn().Err(err).
					Str(log.FieldCampaignID, campaignID).
					Msg("invariant sample failed")
			}
		}
	}
}
