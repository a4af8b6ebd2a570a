// Package mailing holds the tenant-scoped domain entities (organizations,
// lists, subscribers, campaigns) and their Postgres store.
package mailing

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailbeam/mailbeam/internal/attr"
)

// Operator is a comparison operator usable in a segment rule.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpContains, OpStartsWith, OpEndsWith, OpGreaterThan, OpLessThan:
		return true
	default:
		return false
	}
}

// Rule is a single predicate over one subscriber attribute.
type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Rules is the ordered rule set attached to a list. Rules are appended in
// insertion order and evaluated as a conjunction, so order never changes the
// result. Stored as a JSONB array.
type Rules []Rule

// Value implements driver.Valuer for Rules.
func (r Rules) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner for Rules.
func (r *Rules) Scan(value any) error {
	if value == nil {
		*r = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Rules", value)
	}
	return json.Unmarshal(b, r)
}

// Organization is the tenant boundary. Every other entity carries its id and
// all queries are scoped to it.
type Organization struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// List is an audience list: a declared custom-field schema, an ordered rule
// set, and a membership set kept in the list_subscribers junction table.
type List struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	OrganizationID uuid.UUID   `json:"organization_id" db:"organization_id"`
	Name           string      `json:"name" db:"name"`
	CustomFields   attr.Schema `json:"custom_fields" db:"custom_fields"`
	Rules          Rules       `json:"rules" db:"rules"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Subscriber is a recipient. Email is unique per organization; Attributes is
// the free-form JSONB custom-field map.
type Subscriber struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	Email          string    `json:"email" db:"email"`
	Attributes     attr.Map  `json:"attributes" db:"attributes"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Campaign is a message addressed to a list's resolved segment.
type Campaign struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	OrganizationID uuid.UUID       `json:"organization_id" db:"organization_id"`
	ListID         uuid.UUID       `json:"list_id" db:"list_id"`
	Subject        string          `json:"subject" db:"subject"`
	Content        string          `json:"content" db:"content"`
	LastDispatch   *DispatchResult `json:"last_dispatch,omitempty" db:"last_dispatch"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// SendError records one recipient's delivery failure.
type SendError struct {
	RecipientEmail string `json:"recipient_email"`
	Reason         string `json:"reason"`
}

// DispatchResult is the per-dispatch accounting summary. A fresh value is
// produced by every dispatch call; it is never cumulative.
type DispatchResult struct {
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	Errors       []SendError `json:"errors,omitempty"`
	DispatchedAt time.Time   `json:"dispatched_at"`
}

// Value implements driver.Valuer for DispatchResult.
func (d DispatchResult) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner for DispatchResult.
func (d *DispatchResult) Scan(value any) error {
	if value == nil {
		*d = DispatchResult{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into DispatchResult", value)
	}
	return json.Unmarshal(b, d)
}
