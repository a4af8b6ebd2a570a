package api

import (
	"encoding/json"
	"net/http"

	"github.com/mailbeam/mailbeam/internal/mailing"
)

type createOrganizationRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	org := &mailing.Organization{Name: req.Name}
	if err := s.store.CreateOrganization(r.Context(), org); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, org)
}

// handleGetOrganization returns the caller's own tenant.
func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.store.GetOrganization(r.Context(), OrgID(r.Context()))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if org == nil {
		s.respondDomainError(w, mailing.ErrOrganizationNotFound)
		return
	}
	respondJSON(w, http.StatusOK, org)
}
