// SPDX-License-Identifier: MIT

package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicelane/dialcore/internal/carrier"
	"github.com/voicelane/dialcore/internal/log"
)

// handleRedisState dumps the raw per-campaign Redis scheduling state for
// operator inspection.
func (s *Server) handleRedisState(w http.ResponseWriter, r *http.Request) {
	state, err := s.leases.Dump(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeData(w, http.StatusOK, state)
}

type cleanupResult struct {
	ReapedReservations int  `json:"reapedReservations"`
	ReapedLeases       int  `json:"reapedLeases"`
	ClearedGate        bool `json:"clearedGate"`
	CompactedWaitlists int  `json:"compactedWaitlists"`
}

// handleCleanupSlots runs one forced janitor pass (out of schedule, no leader
// election) for a campaign. The underlying operations are the same fenced
// scripts the janitor runs, so forcing them is safe against live workers.
func (s *Server) handleCleanupSlots(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	ctx := r.Context()
	var res cleanupResult
	var err error

	if res.ReapedReservations, err = s.leases.JanitorScan(ctx, campaignID, time.Now(), s.cfg.OrphanAge); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	if res.ReapedLeases, err = s.leases.ReapZombieLeases(ctx, campaignID, 1000); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	if res.ClearedGate, err = s.leases.ClearStaleGate(ctx, campaignID, s.cfg.GateStaleAge); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	if res.CompactedWaitlists, err = s.leases.Compact(ctx, campaignID, s.cfg.WaitlistCap); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	s.logger.Info().
		Str(log.FieldCampaignID, campaignID).
		Int("reservations", res.ReapedReservations).
		Int("leases", res.ReapedLeases).
		Msg("forced slot cleanup")
	writeData(w, http.StatusOK, res)
}

// handleCarrierWebhook ingests one carrier event and fans it out on the call
// event bus. Unknown events are rejected so provider config errors surface.
func (s *Server) handleCarrierWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "unreadable body")
		return
	}
	ev, err := carrier.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := s.bus.Publish(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "event publish failed")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"callId": ev.CallID})
}
