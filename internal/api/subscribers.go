package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mailbeam/mailbeam/internal/attr"
	"github.com/mailbeam/mailbeam/internal/mailing"
)

type subscriberRequest struct {
	Email      string                 `json:"email" validate:"required,email"`
	Attributes map[string]interface{} `json:"attributes"`
}

// decodeAttributes re-decodes the attributes payload with number literals
// preserved, so "1.50" stays "1.50" in segment comparisons.
func decodeAttributes(raw map[string]interface{}) (attr.Map, error) {
	if raw == nil {
		return attr.Map{}, nil
	}
	enc, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var m attr.Map
	if err := m.Scan(enc); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Server) handleGetSubscribers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	subs, total, err := s.store.SubscribersByOrg(r.Context(), OrgID(r.Context()), q.Get("search"), limit, offset)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if subs == nil {
		subs = []*mailing.Subscriber{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"subscribers": subs, "total": total})
}

func (s *Server) handleCreateSubscriber(w http.ResponseWriter, r *http.Request) {
	var req subscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	attrs, err := decodeAttributes(req.Attributes)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid attributes")
		return
	}

	sub := &mailing.Subscriber{
		OrganizationID: OrgID(r.Context()),
		Email:          req.Email,
		Attributes:     attrs,
	}
	if err := s.store.CreateSubscriber(r.Context(), sub); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscriber(w http.ResponseWriter, r *http.Request) {
	subID, ok := urlUUID(w, r, "subscriberID")
	if !ok {
		return
	}

	sub, err := s.store.GetSubscriber(r.Context(), OrgID(r.Context()), subID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if sub == nil {
		s.respondDomainError(w, mailing.ErrSubscriberNotFound)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateSubscriber(w http.ResponseWriter, r *http.Request) {
	subID, ok := urlUUID(w, r, "subscriberID")
	if !ok {
		return
	}

	var req subscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	attrs, err := decodeAttributes(req.Attributes)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid attributes")
		return
	}

	sub := &mailing.Subscriber{
		ID:             subID,
		OrganizationID: OrgID(r.Context()),
		Email:          req.Email,
		Attributes:     attrs,
	}
	if err := s.store.UpdateSubscriber(r.Context(), sub); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	subID, ok := urlUUID(w, r, "subscriberID")
	if !ok {
		return
	}

	if err := s.store.DeleteSubscriber(r.Context(), OrgID(r.Context()), subID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
