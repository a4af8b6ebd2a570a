package mailing

import "errors"

// Sentinel errors surfaced by the store and the components built on it.
// Callers classify with errors.Is; handlers map them to HTTP statuses.
var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrListNotFound         = errors.New("list not found")
	ErrSubscriberNotFound   = errors.New("subscriber not found")
	ErrCampaignNotFound     = errors.New("campaign not found")
	ErrDuplicateEmail       = errors.New("email already exists in this organization")
	ErrAlreadyMember        = errors.New("subscriber already in list")
	ErrUnknownRuleField     = errors.New("rule field is not a known custom field")
	ErrInvalidOperator      = errors.New("unsupported rule operator")
	ErrNoRecipients         = errors.New("no subscribers resolved for the list")
	ErrProviderUnavailable  = errors.New("delivery provider unavailable")
)
