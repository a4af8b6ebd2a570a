package segment

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/mailbeam/mailbeam/internal/mailing"
)

// Backend resolves the membership of a list's segment. Implementations must
// agree with each other: given the same members and rules, both return the
// same subscribers.
type Backend interface {
	Resolve(ctx context.Context, list *mailing.List) ([]*mailing.Subscriber, error)
}

// PushdownBackend resolves segments inside Postgres. Rules are compiled into
// a single query over the membership join; only matching rows cross the
// wire.
type PushdownBackend struct {
	db *sql.DB
}

// NewPushdownBackend creates a backend over the given database handle.
func NewPushdownBackend(db *sql.DB) *PushdownBackend {
	return &PushdownBackend{db: db}
}

func (b *PushdownBackend) Resolve(ctx context.Context, list *mailing.List) ([]*mailing.Subscriber, error) {
	query, args, err := NewQueryBuilder().BuildMemberQuery(list.OrganizationID, list.ID, list.Rules)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*mailing.Subscriber
	for rows.Next() {
		sub := &mailing.Subscriber{}
		if err := rows.Scan(&sub.ID, &sub.OrganizationID, &sub.Email, &sub.Attributes,
			&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Count estimates the segment size without materializing members.
func (b *PushdownBackend) Count(ctx context.Context, list *mailing.List) (int, error) {
	query, args, err := NewQueryBuilder().BuildCountQuery(list.OrganizationID, list.ID, list.Rules)
	if err != nil {
		return 0, err
	}

	var n int
	err = b.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// MemberLoader loads the full membership of a list. *mailing.Store satisfies
// it.
type MemberLoader interface {
	ListMembers(ctx context.Context, orgID, listID uuid.UUID) ([]*mailing.Subscriber, error)
}

// MemoryBackend loads the whole membership and filters it in process with
// the rule evaluator. Suited to small lists and to tests; behavior matches
// the pushdown backend rule for rule.
type MemoryBackend struct {
	loader MemberLoader
}

// NewMemoryBackend creates a backend over the given member loader.
func NewMemoryBackend(loader MemberLoader) *MemoryBackend {
	return &MemoryBackend{loader: loader}
}

func (b *MemoryBackend) Resolve(ctx context.Context, list *mailing.List) ([]*mailing.Subscriber, error) {
	members, err := b.loader.ListMembers(ctx, list.OrganizationID, list.ID)
	if err != nil {
		return nil, err
	}

	matched := make([]*mailing.Subscriber, 0, len(members))
	for _, sub := range members {
		if MatchesAll(sub.Attributes, list.Rules) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}
