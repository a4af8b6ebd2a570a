package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mailbeam/mailbeam/internal/mailing"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps engine errors onto HTTP statuses. Anything
// unrecognized is a 500 with a generic message; the detail stays in the
// server log.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mailing.ErrListNotFound),
		errors.Is(err, mailing.ErrSubscriberNotFound),
		errors.Is(err, mailing.ErrCampaignNotFound),
		errors.Is(err, mailing.ErrOrganizationNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mailing.ErrDuplicateEmail),
		errors.Is(err, mailing.ErrAlreadyMember):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mailing.ErrUnknownRuleField),
		errors.Is(err, mailing.ErrInvalidOperator):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, mailing.ErrNoRecipients):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mailing.ErrProviderUnavailable):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error().Err(err).Msg("internal error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
