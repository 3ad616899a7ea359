// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voicelane/dialcore/internal/lifecycle"
	"github.com/voicelane/dialcore/internal/model"
	"github.com/voicelane/dialcore/internal/store"
)

// writeCampaignError maps domain errors onto the envelope.
func writeCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "campaign not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, model.ErrInvalidLimit):
		writeError(w, http.StatusUnprocessableEntity, codeUnprocessable, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, "concurrent update, retry")
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

type createCampaignRequest struct {
	Name         string             `json:"name"`
	Limit        int                `json:"limit"`
	PriorityMode model.PriorityMode `json:"priorityMode,omitempty"`
	RetryPolicy  model.RetryPolicy  `json:"retryPolicy"`
	AgentRef     string             `json:"agentRef,omitempty"`
	PhonePoolRef string             `json:"phonePoolRef,omitempty"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	now := time.Now().UTC()
	campaign := &model.Campaign{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Limit:        req.Limit,
		Status:       model.CampaignDraft,
		PriorityMode: req.PriorityMode,
		RetryPolicy:  req.RetryPolicy,
		AgentRef:     req.AgentRef,
		PhonePoolRef: req.PhonePoolRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if campaign.PriorityMode == "" {
		campaign.PriorityMode = model.PriorityModeWeighted
	}
	if err := campaign.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeUnprocessable, err.Error())
		return
	}
	if err := s.durable.PutCampaign(r.Context(), campaign); err != nil {
		writeCampaignError(w, err)
		return
	}
	writeData(w, http.StatusCreated, campaign)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.durable.GetCampaign(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	writeData(w, http.StatusOK, campaign)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.manager.Start(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	writeData(w, http.StatusOK, campaign)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.manager.Pause(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	writeData(w, http.StatusOK, campaign)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.manager.Resume(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	writeData(w, http.StatusOK, campaign)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.manager.Cancel(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	writeData(w, http.StatusOK, campaign)
}

type updateLimitRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	var req updateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	campaign, err := s.manager.UpdateLimit(r.Context(), chi.URLParam(r, "campaignID"), req.Limit)
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	writeData(w, http.StatusOK, campaign)
}

type addContactsRequest struct {
	Contacts []contactInput `json:"contacts"`
}

type contactInput struct {
	PhoneNumber string         `json:"phoneNumber"`
	Name        string         `json:"name,omitempty"`
	Priority    model.Priority `json:"priority,omitempty"`
}

type addContactsResponse struct {
	Added    int      `json:"added"`
	Rejected []string `json:"rejected,omitempty"`
}

// handleAddContacts ingests a contact batch. Numbers failing E.164 validation
// are reported per entry; valid ones are stored and, on an active campaign,
// queued immediately.
func (s *Server) handleAddContacts(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	ctx := r.Context()

	campaign, err := s.durable.GetCampaign(ctx, campaignID)
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	if campaign.Status.IsTerminal() {
		writeError(w, http.StatusConflict, codeConflict, "campaign is terminal")
		return
	}

	var req addContactsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if len(req.Contacts) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "contacts list is empty")
		return
	}

	live := campaign.Status == model.CampaignActive
	resp := addContactsResponse{}
	now := time.Now().UTC()
	for _, in := range req.Contacts {
		contact := &model.Contact{
			ID:          uuid.NewString(),
			CampaignID:  campaignID,
			PhoneNumber: in.PhoneNumber,
			Name:        in.Name,
			Priority:    in.Priority,
			Status:      model.ContactPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if contact.Priority == "" {
			contact.Priority = model.PriorityNormal
		}
		if live {
			contact.Status = model.ContactQueued
		}
		if err := contact.Validate(); err != nil {
			resp.Rejected = append(resp.Rejected, in.PhoneNumber)
			continue
		}
		if err := s.durable.PutContact(ctx, contact); err != nil {
			writeCampaignError(w, err)
			return
		}
		if live {
			if err := s.leases.Enqueue(ctx, campaignID, contact.Priority, contact.ID); err != nil {
				writeCampaignError(w, err)
				return
			}
		}
		resp.Added++
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.manager.Progress(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	writeData(w, http.StatusOK, progress)
}
