package condition

import (
	"fmt"
	"strings"

	"injectline/internal/domain"
)

// Parse reads the textual form of a condition, e.g.
//
//	Execution == true && Detection == false
//
// A bare key means "== true". Mixing && and || is rejected.
func Parse(s string) (domain.DependencyCondition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.DependencyCondition{}, fmt.Errorf("%w: empty expression", ErrMalformed)
	}
	hasAnd := strings.Contains(s, "&&")
	hasOr := strings.Contains(s, "||")
	if hasAnd && hasOr {
		return domain.DependencyCondition{}, fmt.Errorf("%w: cannot mix && and ||", ErrMalformed)
	}
	cond := domain.DependencyCondition{Mode: domain.ConditionAnd}
	sep := "&&"
	if hasOr {
		cond.Mode = domain.ConditionOr
		sep = "||"
	}
	for _, part := range strings.Split(s, sep) {
		clause, err := parseClause(part)
		if err != nil {
			return domain.DependencyCondition{}, err
		}
		cond.Conditions = append(cond.Conditions, clause)
	}
	return cond, nil
}

func parseClause(s string) (domain.ConditionClause, error) {
	s = strings.TrimSpace(s)
	op := "eq"
	key, raw, found := strings.Cut(s, "==")
	if !found {
		key, raw, found = strings.Cut(s, "!=")
		op = "neq"
	}
	if !found {
		key, raw, op = s, "true", "eq"
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, "=!&|()") {
		return domain.ConditionClause{}, fmt.Errorf("%w: invalid key in %q", ErrMalformed, s)
	}
	var value bool
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		value = true
	case "false":
		value = false
	default:
		return domain.ConditionClause{}, fmt.Errorf("%w: %q is not a boolean", ErrMalformed, strings.TrimSpace(raw))
	}
	return domain.ConditionClause{Key: key, Operator: op, Value: value}, nil
}

// Format renders a condition back into its textual form.
func Format(c domain.DependencyCondition) string {
	sep := " && "
	if c.Mode == domain.ConditionOr {
		sep = " || "
	}
	parts := make([]string, 0, len(c.Conditions))
	for _, cl := range c.Conditions {
		op := "=="
		if cl.Operator == "neq" || cl.Operator == "!=" {
			op = "!="
		}
		parts = append(parts, fmt.Sprintf("%s %s %t", cl.Key, op, cl.Value))
	}
	return strings.Join(parts, sep)
}
