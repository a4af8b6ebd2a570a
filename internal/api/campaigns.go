package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/mailbeam/mailbeam/internal/mailing"
)

type campaignRequest struct {
	ListID  uuid.UUID `json:"list_id" validate:"required"`
	Subject string    `json:"subject" validate:"required,max=998"`
	Content string    `json:"content" validate:"required"`
}

func (s *Server) handleGetCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.GetCampaigns(r.Context(), OrgID(r.Context()))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []*mailing.Campaign{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns, "total": len(campaigns)})
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	list, err := s.store.GetList(ctx, OrgID(ctx), req.ListID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if list == nil {
		s.respondDomainError(w, mailing.ErrListNotFound)
		return
	}

	campaign := &mailing.Campaign{
		OrganizationID: OrgID(ctx),
		ListID:         req.ListID,
		Subject:        req.Subject,
		Content:        req.Content,
	}
	if err := s.store.CreateCampaign(ctx, campaign); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, campaign)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := urlUUID(w, r, "campaignID")
	if !ok {
		return
	}

	campaign, err := s.store.GetCampaign(r.Context(), OrgID(r.Context()), campaignID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if campaign == nil {
		s.respondDomainError(w, mailing.ErrCampaignNotFound)
		return
	}
	respondJSON(w, http.StatusOK, campaign)
}

func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := urlUUID(w, r, "campaignID")
	if !ok {
		return
	}

	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	campaign := &mailing.Campaign{
		ID:             campaignID,
		OrganizationID: OrgID(r.Context()),
		ListID:         req.ListID,
		Subject:        req.Subject,
		Content:        req.Content,
	}
	if err := s.store.UpdateCampaign(r.Context(), campaign); err != nil {
		s.respondDomainError(w, err)
		return
	}

	// Only subject and content are updatable; respond with the stored row so
	// list_id, last_dispatch, and timestamps reflect persisted state.
	stored, err := s.store.GetCampaign(r.Context(), OrgID(r.Context()), campaignID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if stored == nil {
		s.respondDomainError(w, mailing.ErrCampaignNotFound)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := urlUUID(w, r, "campaignID")
	if !ok {
		return
	}

	if err := s.store.DeleteCampaign(r.Context(), OrgID(r.Context()), campaignID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := urlUUID(w, r, "campaignID")
	if !ok {
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), OrgID(r.Context()), campaignID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
