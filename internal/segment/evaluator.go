// Package segment resolves which subscribers of a list satisfy its rule set.
// Two interchangeable backends exist: one pushes the rules down into SQL over
// the JSONB attributes column, the other evaluates them in process. Both are
// required to produce the same membership for the same data.
package segment

import (
	"strings"

	"github.com/mailbeam/mailbeam/internal/attr"
	"github.com/mailbeam/mailbeam/internal/mailing"
)

// Matches evaluates a single rule against a subscriber's attributes.
// A missing field never matches, and a non-numeric attribute never matches a
// numeric comparison. String comparisons are case-sensitive.
func Matches(attrs attr.Map, rule mailing.Rule) bool {
	text, ok := attrs.StringOf(rule.Field)
	if !ok {
		return false
	}

	switch rule.Operator {
	case mailing.OpEquals:
		return text == rule.Value
	case mailing.OpContains:
		return strings.Contains(text, rule.Value)
	case mailing.OpStartsWith:
		return strings.HasPrefix(text, rule.Value)
	case mailing.OpEndsWith:
		return strings.HasSuffix(text, rule.Value)
	case mailing.OpGreaterThan:
		n, ok := attrs.NumberOf(rule.Field)
		if !ok {
			return false
		}
		target, ok := attr.ParseNumber(rule.Value)
		if !ok {
			return false
		}
		return n > target
	case mailing.OpLessThan:
		n, ok := attrs.NumberOf(rule.Field)
		if !ok {
			return false
		}
		target, ok := attr.ParseNumber(rule.Value)
		if !ok {
			return false
		}
		return n < target
	default:
		return false
	}
}

// MatchesAll evaluates the conjunction of rules. An empty rule set matches
// every subscriber.
func MatchesAll(attrs attr.Map, rules mailing.Rules) bool {
	for _, rule := range rules {
		if !Matches(attrs, rule) {
			return false
		}
	}
	return true
}
