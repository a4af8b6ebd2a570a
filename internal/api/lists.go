package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/mailbeam/mailbeam/internal/mailing"
)

type createListRequest struct {
	Name         string            `json:"name" validate:"required,max=255"`
	CustomFields map[string]string `json:"custom_fields"`
}

func (s *Server) handleGetLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.store.GetLists(r.Context(), OrgID(r.Context()))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if lists == nil {
		lists = []*mailing.List{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"lists": lists, "total": len(lists)})
}

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req createListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	schema, err := parseSchema(req.CustomFields)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	list := &mailing.List{
		OrganizationID: OrgID(r.Context()),
		Name:           req.Name,
		CustomFields:   schema,
	}
	if err := s.store.CreateList(r.Context(), list); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, list)
}

func (s *Server) handleGetList(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}

	list, err := s.store.GetList(r.Context(), OrgID(r.Context()), listID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if list == nil {
		s.respondDomainError(w, mailing.ErrListNotFound)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleUpdateList(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}

	var req createListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	schema, err := parseSchema(req.CustomFields)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	list := &mailing.List{
		ID:             listID,
		OrganizationID: OrgID(r.Context()),
		Name:           req.Name,
		CustomFields:   schema,
	}
	if err := s.store.UpdateList(r.Context(), list); err != nil {
		s.respondDomainError(w, err)
		return
	}

	// The request carries only name and schema; rules and timestamps live on
	// the row, so respond with what is actually stored.
	stored, err := s.store.GetList(r.Context(), OrgID(r.Context()), listID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if stored == nil {
		s.respondDomainError(w, mailing.ErrListNotFound)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}

	if err := s.store.DeleteList(r.Context(), OrgID(r.Context()), listID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.invalidate(r, listID)
	w.WriteHeader(http.StatusNoContent)
}

type addRuleRequest struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    string `json:"value"`
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}

	var req addRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rule := mailing.Rule{
		Field:    req.Field,
		Operator: mailing.Operator(req.Operator),
		Value:    req.Value,
	}
	if err := s.resolver.AddRule(r.Context(), OrgID(r.Context()), listID, rule); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetMembers(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}
	ctx := r.Context()

	list, err := s.store.GetList(ctx, OrgID(ctx), listID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if list == nil {
		s.respondDomainError(w, mailing.ErrListNotFound)
		return
	}

	members, err := s.store.ListMembers(ctx, OrgID(ctx), listID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if members == nil {
		members = []*mailing.Subscriber{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"members": members, "total": len(members)})
}

type addMemberRequest struct {
	SubscriberID uuid.UUID `json:"subscriber_id" validate:"required"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}
	ctx := r.Context()

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubscriberID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "subscriber_id required")
		return
	}

	list, err := s.store.GetList(ctx, OrgID(ctx), listID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if list == nil {
		s.respondDomainError(w, mailing.ErrListNotFound)
		return
	}
	sub, err := s.store.GetSubscriber(ctx, OrgID(ctx), req.SubscriberID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if sub == nil {
		s.respondDomainError(w, mailing.ErrSubscriberNotFound)
		return
	}

	member, err := s.store.IsMember(ctx, listID, req.SubscriberID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if member {
		s.respondDomainError(w, mailing.ErrAlreadyMember)
		return
	}

	if err := s.store.AddMembers(ctx, listID, []uuid.UUID{req.SubscriberID}); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.invalidate(r, listID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}
	subID, ok := urlUUID(w, r, "subscriberID")
	if !ok {
		return
	}

	if err := s.store.RemoveMember(r.Context(), listID, subID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.invalidate(r, listID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveSegment(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}

	subs, err := s.resolver.Resolve(r.Context(), OrgID(r.Context()), listID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if subs == nil {
		subs = []*mailing.Subscriber{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"subscribers": subs, "total": len(subs)})
}

// invalidate drops cached segments for the list after a membership change.
func (s *Server) invalidate(r *http.Request, listID uuid.UUID) {
	s.cache.Invalidate(r.Context(), listID)
}
