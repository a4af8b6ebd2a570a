package mailing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mailbeam/mailbeam/internal/attr"
)

// Store provides database operations for all mailing entities. Point lookups
// return (nil, nil) when no row matches; components layer sentinel errors on
// top of that.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that build their own
// queries (the segmentation pushdown backend).
func (s *Store) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// ==========================================
// ORGANIZATIONS
// ==========================================

// CreateOrganization creates a tenant.
func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	org.CreatedAt = time.Now()

	query := `INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`
	_, err := s.db.ExecContext(ctx, query, org.ID, org.Name, org.CreatedAt)
	return err
}

// GetOrganization retrieves a tenant by id.
func (s *Store) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	query := `SELECT id, name, created_at FROM organizations WHERE id = $1`

	org := &Organization{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return org, err
}

// ==========================================
// LISTS
// ==========================================

// CreateList creates an audience list.
func (s *Store) CreateList(ctx context.Context, list *List) error {
	if list.ID == uuid.Nil {
		list.ID = uuid.New()
	}
	list.CreatedAt = time.Now()
	list.UpdatedAt = list.CreatedAt
	if list.CustomFields == nil {
		list.CustomFields = attr.Schema{}
	}

	query := `INSERT INTO lists (id, organization_id, name, custom_fields, rules, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, list.ID, list.OrganizationID, list.Name,
		list.CustomFields, list.Rules, list.CreatedAt, list.UpdatedAt)
	return err
}

// GetList retrieves a list by id within an organization.
func (s *Store) GetList(ctx context.Context, orgID, listID uuid.UUID) (*List, error) {
	query := `SELECT id, organization_id, name, custom_fields, rules, created_at, updated_at
		FROM lists WHERE id = $1 AND organization_id = $2`

	list := &List{}
	err := s.db.QueryRowContext(ctx, query, listID, orgID).Scan(
		&list.ID, &list.OrganizationID, &list.Name, &list.CustomFields,
		&list.Rules, &list.CreatedAt, &list.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return list, err
}

// GetLists retrieves all lists for an organization.
func (s *Store) GetLists(ctx context.Context, orgID uuid.UUID) ([]*List, error) {
	query := `SELECT id, organization_id, name, custom_fields, rules, created_at, updated_at
		FROM lists WHERE organization_id = $1 ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []*List
	for rows.Next() {
		list := &List{}
		if err := rows.Scan(&list.ID, &list.OrganizationID, &list.Name, &list.CustomFields,
			&list.Rules, &list.CreatedAt, &list.UpdatedAt); err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

// UpdateList updates a list's name and custom-field schema.
func (s *Store) UpdateList(ctx context.Context, list *List) error {
	list.UpdatedAt = time.Now()

	query := `UPDATE lists SET name = $3, custom_fields = $4, updated_at = $5
		WHERE id = $1 AND organization_id = $2`
	res, err := s.db.ExecContext(ctx, query, list.ID, list.OrganizationID,
		list.Name, list.CustomFields, list.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrListNotFound
	}
	return nil
}

// DeleteList removes a list and its memberships.
func (s *Store) DeleteList(ctx context.Context, orgID, listID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM list_subscribers WHERE list_id = $1`, listID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id = $1 AND organization_id = $2`, listID, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrListNotFound
	}
	return tx.Commit()
}

// AppendListRule appends a rule to the list's rule set. Rules are never
// reordered or deduplicated; duplicate equivalent rules are harmless under
// AND semantics.
func (s *Store) AppendListRule(ctx context.Context, orgID, listID uuid.UUID, rule Rule) error {
	query := `UPDATE lists
		SET rules = COALESCE(rules, '[]'::jsonb) || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2`

	encoded, err := Rules{rule}.Value()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, listID, orgID, encoded)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrListNotFound
	}
	return nil
}

// ObservedAttributeKeys returns the distinct attribute keys present on the
// list's current members. Used to validate rule fields when the list declares
// no custom-field schema.
func (s *Store) ObservedAttributeKeys(ctx context.Context, orgID, listID uuid.UUID) ([]string, error) {
	query := `SELECT DISTINCT jsonb_object_keys(s.attributes)
		FROM subscribers s
		JOIN list_subscribers ls ON ls.subscriber_id = s.id
		WHERE ls.list_id = $1 AND s.organization_id = $2`

	rows, err := s.db.QueryContext(ctx, query, listID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ==========================================
// SUBSCRIBERS
// ==========================================

// CreateSubscriber creates a subscriber. Returns ErrDuplicateEmail when the
// email already exists for the organization.
func (s *Store) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Email = strings.ToLower(strings.TrimSpace(sub.Email))
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	if sub.Attributes == nil {
		sub.Attributes = attr.Map{}
	}

	query := `INSERT INTO subscribers (id, organization_id, email, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query, sub.ID, sub.OrganizationID, sub.Email,
		sub.Attributes, sub.CreatedAt, sub.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

// CreateSubscribersBatch inserts a batch of subscribers in one transaction.
// The caller has already filtered duplicates; an unexpected conflict aborts
// the batch.
func (s *Store) CreateSubscribersBatch(ctx context.Context, subs []*Subscriber) error {
	if len(subs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO subscribers
		(id, organization_id, email, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, sub := range subs {
		if sub.ID == uuid.Nil {
			sub.ID = uuid.New()
		}
		sub.Email = strings.ToLower(strings.TrimSpace(sub.Email))
		sub.CreatedAt = now
		sub.UpdatedAt = now
		if sub.Attributes == nil {
			sub.Attributes = attr.Map{}
		}
		if _, err := stmt.ExecContext(ctx, sub.ID, sub.OrganizationID, sub.Email,
			sub.Attributes, sub.CreatedAt, sub.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateEmail, sub.Email)
			}
			return err
		}
	}
	return tx.Commit()
}

// GetSubscriber retrieves a subscriber by id within an organization.
func (s *Store) GetSubscriber(ctx context.Context, orgID, subID uuid.UUID) (*Subscriber, error) {
	query := `SELECT id, organization_id, email, attributes, created_at, updated_at
		FROM subscribers WHERE id = $1 AND organization_id = $2`

	sub := &Subscriber{}
	err := s.db.QueryRowContext(ctx, query, subID, orgID).Scan(
		&sub.ID, &sub.OrganizationID, &sub.Email, &sub.Attributes,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// EmailExists reports whether the email is already registered in the
// organization, optionally excluding one subscriber id (for updates).
func (s *Store) EmailExists(ctx context.Context, orgID uuid.UUID, email string, exclude uuid.UUID) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	query := `SELECT EXISTS (
		SELECT 1 FROM subscribers
		WHERE organization_id = $1 AND email = $2 AND id != $3)`

	var exists bool
	err := s.db.QueryRowContext(ctx, query, orgID, email, exclude).Scan(&exists)
	return exists, err
}

// SubscribersByOrg retrieves subscribers for an organization with optional
// email search and offset pagination.
func (s *Store) SubscribersByOrg(ctx context.Context, orgID uuid.UUID, search string, limit, offset int) ([]*Subscriber, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := `organization_id = $1`
	args := []any{orgID}
	if search != "" {
		where += ` AND email LIKE $2`
		args = append(args, "%"+strings.ToLower(search)+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT id, organization_id, email, attributes, created_at, updated_at
		FROM subscribers WHERE %s ORDER BY email LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub := &Subscriber{}
		if err := rows.Scan(&sub.ID, &sub.OrganizationID, &sub.Email, &sub.Attributes,
			&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, 0, err
		}
		subs = append(subs, sub)
	}
	return subs, total, rows.Err()
}

// SubscribersByIDs retrieves subscribers by id, scoped to the organization.
// Ids that no longer exist are silently dropped.
func (s *Store) SubscribersByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*Subscriber, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, organization_id, email, attributes, created_at, updated_at
		FROM subscribers
		WHERE organization_id = $1 AND id = ANY($2)
		ORDER BY email`

	rows, err := s.db.QueryContext(ctx, query, orgID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub := &Subscriber{}
		if err := rows.Scan(&sub.ID, &sub.OrganizationID, &sub.Email, &sub.Attributes,
			&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubscriber updates a subscriber's email and attributes. Returns
// ErrDuplicateEmail when the new email belongs to another subscriber in the
// organization.
func (s *Store) UpdateSubscriber(ctx context.Context, sub *Subscriber) error {
	sub.Email = strings.ToLower(strings.TrimSpace(sub.Email))
	sub.UpdatedAt = time.Now()

	query := `UPDATE subscribers SET email = $3, attributes = $4, updated_at = $5
		WHERE id = $1 AND organization_id = $2`
	res, err := s.db.ExecContext(ctx, query, sub.ID, sub.OrganizationID,
		sub.Email, sub.Attributes, sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriberNotFound
	}
	return nil
}

// DeleteSubscriber removes a subscriber and its memberships.
func (s *Store) DeleteSubscriber(ctx context.Context, orgID, subID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM list_subscribers WHERE subscriber_id = $1`, subID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE id = $1 AND organization_id = $2`, subID, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriberNotFound
	}
	return tx.Commit()
}

// ==========================================
// LIST MEMBERSHIP
// ==========================================

// AddMembers links subscribers into a list. Existing memberships are left
// untouched.
func (s *Store) AddMembers(ctx context.Context, listID uuid.UUID, subIDs []uuid.UUID) error {
	if len(subIDs) == 0 {
		return nil
	}

	query := `INSERT INTO list_subscribers (list_id, subscriber_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT (list_id, subscriber_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, listID, pq.Array(subIDs))
	return err
}

// RemoveMember unlinks one subscriber from a list.
func (s *Store) RemoveMember(ctx context.Context, listID, subID uuid.UUID) error {
	query := `DELETE FROM list_subscribers WHERE list_id = $1 AND subscriber_id = $2`
	_, err := s.db.ExecContext(ctx, query, listID, subID)
	return err
}

// IsMember reports whether the subscriber is already linked into the list.
func (s *Store) IsMember(ctx context.Context, listID, subID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM list_subscribers WHERE list_id = $1 AND subscriber_id = $2)`

	var exists bool
	err := s.db.QueryRowContext(ctx, query, listID, subID).Scan(&exists)
	return exists, err
}

// ListMembers retrieves the full subscriber rows for a list's membership,
// scoped to the organization. This is the candidate set for the in-memory
// segmentation backend.
func (s *Store) ListMembers(ctx context.Context, orgID, listID uuid.UUID) ([]*Subscriber, error) {
	query := `SELECT s.id, s.organization_id, s.email, s.attributes, s.created_at, s.updated_at
		FROM subscribers s
		JOIN list_subscribers ls ON ls.subscriber_id = s.id
		WHERE ls.list_id = $1 AND s.organization_id = $2
		ORDER BY s.email`

	rows, err := s.db.QueryContext(ctx, query, listID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub := &Subscriber{}
		if err := rows.Scan(&sub.ID, &sub.OrganizationID, &sub.Email, &sub.Attributes,
			&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ==========================================
// CAMPAIGNS
// ==========================================

// CreateCampaign creates a campaign.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	query := `INSERT INTO campaigns (id, organization_id, list_id, subject, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.OrganizationID, c.ListID,
		c.Subject, c.Content, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCampaign retrieves a campaign by id within an organization.
func (s *Store) GetCampaign(ctx context.Context, orgID, campaignID uuid.UUID) (*Campaign, error) {
	query := `SELECT id, organization_id, list_id, subject, content, last_dispatch, created_at, updated_at
		FROM campaigns WHERE id = $1 AND organization_id = $2`

	c := &Campaign{}
	var last sql.Null[DispatchResult]
	err := s.db.QueryRowContext(ctx, query, campaignID, orgID).Scan(
		&c.ID, &c.OrganizationID, &c.ListID, &c.Subject, &c.Content,
		&last, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if last.Valid {
		c.LastDispatch = &last.V
	}
	return c, err
}

// GetCampaigns retrieves all campaigns for an organization.
func (s *Store) GetCampaigns(ctx context.Context, orgID uuid.UUID) ([]*Campaign, error) {
	query := `SELECT id, organization_id, list_id, subject, content, last_dispatch, created_at, updated_at
		FROM campaigns WHERE organization_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c := &Campaign{}
		var last sql.Null[DispatchResult]
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.ListID, &c.Subject, &c.Content,
			&last, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			c.LastDispatch = &last.V
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaign updates a campaign's subject and content. Dispatch never
// goes through here; content is immutable during a dispatch run.
func (s *Store) UpdateCampaign(ctx context.Context, c *Campaign) error {
	c.UpdatedAt = time.Now()

	query := `UPDATE campaigns SET subject = $3, content = $4, updated_at = $5
		WHERE id = $1 AND organization_id = $2`
	res, err := s.db.ExecContext(ctx, query, c.ID, c.OrganizationID, c.Subject, c.Content, c.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// DeleteCampaign removes a campaign.
func (s *Store) DeleteCampaign(ctx context.Context, orgID, campaignID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM campaigns WHERE id = $1 AND organization_id = $2`, campaignID, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// SetCampaignDispatch stores the latest dispatch summary on the campaign row.
func (s *Store) SetCampaignDispatch(ctx context.Context, orgID, campaignID uuid.UUID, result DispatchResult) error {
	query := `UPDATE campaigns SET last_dispatch = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2`
	_, err := s.db.ExecContext(ctx, query, campaignID, orgID, result)
	return err
}
