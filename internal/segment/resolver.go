package segment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailbeam/mailbeam/internal/mailing"
)

// ListStore is the slice of the store the resolver needs.
type ListStore interface {
	GetList(ctx context.Context, orgID, listID uuid.UUID) (*mailing.List, error)
	AppendListRule(ctx context.Context, orgID, listID uuid.UUID, rule mailing.Rule) error
	ObservedAttributeKeys(ctx context.Context, orgID, listID uuid.UUID) ([]string, error)
	SubscribersByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*mailing.Subscriber, error)
}

// Resolver answers "who is in this segment right now" and manages the rule
// set attached to a list. Resolution is always computed from current data,
// modulo the short-lived cache; there is no materialized membership.
type Resolver struct {
	store   ListStore
	backend Backend
	cache   *mailing.SegmentCache
	log     zerolog.Logger
}

// NewResolver creates a resolver over the given backend. The cache may be
// nil-backed; it then behaves as a permanent miss.
func NewResolver(store ListStore, backend Backend, cache *mailing.SegmentCache, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		backend: backend,
		cache:   cache,
		log:     log.With().Str("component", "segment").Logger(),
	}
}

// Resolve returns the list members that satisfy every rule on the list.
// Returns ErrListNotFound when the list does not exist in the organization.
func (r *Resolver) Resolve(ctx context.Context, orgID, listID uuid.UUID) ([]*mailing.Subscriber, error) {
	list, err := r.store.GetList(ctx, orgID, listID)
	if err != nil {
		return nil, fmt.Errorf("load list: %w", err)
	}
	if list == nil {
		return nil, mailing.ErrListNotFound
	}

	if ids, ok := r.cache.Get(ctx, list.ID, list.Rules); ok {
		r.log.Debug().Str("list_id", list.ID.String()).Int("members", len(ids)).Msg("segment cache hit")
		return r.store.SubscribersByIDs(ctx, orgID, ids)
	}

	subs, err := r.backend.Resolve(ctx, list)
	if err != nil {
		return nil, fmt.Errorf("resolve segment: %w", err)
	}

	ids := make([]uuid.UUID, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	r.cache.Set(ctx, list.ID, list.Rules, ids)

	r.log.Debug().
		Str("list_id", list.ID.String()).
		Int("rules", len(list.Rules)).
		Int("members", len(subs)).
		Msg("segment resolved")
	return subs, nil
}

// AddRule validates and appends a rule to the list. The rule's field must be
// declared in the list's custom-field schema, or, when the list declares no
// schema, present on at least one current member.
func (r *Resolver) AddRule(ctx context.Context, orgID, listID uuid.UUID, rule mailing.Rule) error {
	if !rule.Operator.Valid() {
		return fmt.Errorf("%w: %s", mailing.ErrInvalidOperator, rule.Operator)
	}
	if rule.Field == "" {
		return fmt.Errorf("%w: empty field", mailing.ErrUnknownRuleField)
	}

	list, err := r.store.GetList(ctx, orgID, listID)
	if err != nil {
		return fmt.Errorf("load list: %w", err)
	}
	if list == nil {
		return mailing.ErrListNotFound
	}

	known, err := r.fieldKnown(ctx, list, rule.Field)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %s", mailing.ErrUnknownRuleField, rule.Field)
	}

	if err := r.store.AppendListRule(ctx, orgID, listID, rule); err != nil {
		return err
	}
	r.cache.Invalidate(ctx, listID)

	r.log.Info().
		Str("list_id", listID.String()).
		Str("field", rule.Field).
		Str("operator", string(rule.Operator)).
		Msg("rule appended")
	return nil
}

func (r *Resolver) fieldKnown(ctx context.Context, list *mailing.List, field string) (bool, error) {
	if len(list.CustomFields) > 0 {
		_, ok := list.CustomFields[field]
		return ok, nil
	}

	keys, err := r.store.ObservedAttributeKeys(ctx, list.OrganizationID, list.ID)
	if err != nil {
		return false, fmt.Errorf("observed keys: %w", err)
	}
	for _, k := range keys {
		if k == field {
			return true, nil
		}
	}
	return false, nil
}
