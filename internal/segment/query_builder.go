package segment

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mailbeam/mailbeam/internal/attr"
	"github.com/mailbeam/mailbeam/internal/mailing"
)

// QueryBuilder builds SQL queries from segment rules. Every rule becomes a
// condition over the subscriber's JSONB attributes column, joined through the
// list membership table, so matching happens entirely inside Postgres.
type QueryBuilder struct {
	args       []any
	argCounter int
}

// NewQueryBuilder creates a new QueryBuilder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{
		args:       make([]any, 0),
		argCounter: 1,
	}
}

// nextArg returns the next argument placeholder.
func (qb *QueryBuilder) nextArg(value any) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

// escapeLike escapes LIKE metacharacters so rule values match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// BuildMemberQuery builds the query selecting the list members that satisfy
// every rule. An empty rule set selects the full membership.
func (qb *QueryBuilder) BuildMemberQuery(orgID, listID uuid.UUID, rules mailing.Rules) (string, []any, error) {
	qb.args = make([]any, 0)
	qb.argCounter = 1

	selectClause := `
		SELECT s.id, s.organization_id, s.email, s.attributes, s.created_at, s.updated_at
		FROM subscribers s
		JOIN list_subscribers ls ON ls.subscriber_id = s.id
	`

	whereConditions := []string{
		fmt.Sprintf("ls.list_id = %s", qb.nextArg(listID)),
		fmt.Sprintf("s.organization_id = %s", qb.nextArg(orgID)),
	}

	for _, rule := range rules {
		cond, err := qb.buildRuleCondition(rule)
		if err != nil {
			return "", nil, err
		}
		whereConditions = append(whereConditions, cond)
	}

	query := selectClause
	query += "\nWHERE " + strings.Join(whereConditions, "\n  AND ")
	query += "\nORDER BY s.email"

	return query, qb.args, nil
}

// BuildCountQuery builds a COUNT variant of the member query for estimation.
func (qb *QueryBuilder) BuildCountQuery(orgID, listID uuid.UUID, rules mailing.Rules) (string, []any, error) {
	qb.args = make([]any, 0)
	qb.argCounter = 1

	whereConditions := []string{
		fmt.Sprintf("ls.list_id = %s", qb.nextArg(listID)),
		fmt.Sprintf("s.organization_id = %s", qb.nextArg(orgID)),
	}

	for _, rule := range rules {
		cond, err := qb.buildRuleCondition(rule)
		if err != nil {
			return "", nil, err
		}
		whereConditions = append(whereConditions, cond)
	}

	query := `SELECT COUNT(*) FROM subscribers s
		JOIN list_subscribers ls ON ls.subscriber_id = s.id`
	query += "\nWHERE " + strings.Join(whereConditions, "\n  AND ")

	return query, qb.args, nil
}

// buildRuleCondition builds SQL for a single rule. The ->> extraction yields
// NULL for a missing key, which never satisfies a comparison, matching the
// in-memory evaluator's missing-field behavior. String matching is
// case-sensitive.
func (qb *QueryBuilder) buildRuleCondition(rule mailing.Rule) (string, error) {
	switch rule.Operator {
	case mailing.OpGreaterThan, mailing.OpLessThan:
		if _, ok := attr.ParseNumber(rule.Value); !ok {
			// A non-numeric rule value matches nobody.
			return "FALSE", nil
		}
	}

	field := fmt.Sprintf("s.attributes ->> %s", qb.nextArg(rule.Field))

	switch rule.Operator {
	case mailing.OpEquals:
		return fmt.Sprintf("%s = %s", field, qb.nextArg(rule.Value)), nil
	case mailing.OpContains:
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, field, qb.nextArg("%"+escapeLike(rule.Value)+"%")), nil
	case mailing.OpStartsWith:
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, field, qb.nextArg(escapeLike(rule.Value)+"%")), nil
	case mailing.OpEndsWith:
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, field, qb.nextArg("%"+escapeLike(rule.Value))), nil
	case mailing.OpGreaterThan:
		return qb.buildNumericCondition(field, ">", rule.Value), nil
	case mailing.OpLessThan:
		return qb.buildNumericCondition(field, "<", rule.Value), nil
	default:
		return "", fmt.Errorf("%w: %s", mailing.ErrInvalidOperator, rule.Operator)
	}
}

// buildNumericCondition guards the ::numeric cast behind a format check so a
// non-numeric attribute fails the rule instead of failing the query. The
// guard pattern is the same one the in-memory evaluator enforces.
func (qb *QueryBuilder) buildNumericCondition(field, op, value string) string {
	return fmt.Sprintf("(CASE WHEN %s ~ %s THEN (%s)::numeric %s %s::numeric ELSE FALSE END)",
		field, qb.nextArg(attr.NumericPattern), field, op, qb.nextArg(value))
}
