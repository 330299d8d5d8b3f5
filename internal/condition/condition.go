// Package condition evaluates inject dependency conditions against the
// outcome of a parent inject.
package condition

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"injectline/internal/domain"
)

// ExecutionKey is the fact describing whether the parent inject ran without error.
const ExecutionKey = "execution"

var ErrMalformed = errors.New("malformed condition")

// KeyMismatchError reports a condition key absent from the parent's facts.
type KeyMismatchError struct {
	Key string
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("condition key %q does not match execution or any expectation of the parent", e.Key)
}

// Facts maps a case-insensitive key to its boolean outcome.
type Facts map[string]bool

func (f Facts) Set(key string, v bool) { f[normalize(key)] = v }

func (f Facts) Lookup(key string) (bool, bool) {
	v, ok := f[normalize(key)]
	return v, ok
}

func normalize(key string) string { return strings.ToLower(strings.TrimSpace(key)) }

// Expr is a node of a boolean expression over Facts.
type Expr interface {
	Eval(Facts) (bool, error)
	String() string
}

type Eq struct {
	Key   string
	Value bool
}

func (e Eq) Eval(f Facts) (bool, error) {
	v, ok := f.Lookup(e.Key)
	if !ok {
		return false, &KeyMismatchError{Key: e.Key}
	}
	return v == e.Value, nil
}

func (e Eq) String() string { return fmt.Sprintf("%s == %t", e.Key, e.Value) }

type And []Expr

func (a And) Eval(f Facts) (bool, error) {
	result := true
	for _, x := range a {
		ok, err := x.Eval(f)
		if err != nil {
			return false, err
		}
		result = result && ok
	}
	return result, nil
}

func (a And) String() string { return join([]Expr(a), " && ") }

type Or []Expr

func (o Or) Eval(f Facts) (bool, error) {
	result := false
	for _, x := range o {
		ok, err := x.Eval(f)
		if err != nil {
			return false, err
		}
		result = result || ok
	}
	return result, nil
}

func (o Or) String() string { return join([]Expr(o), " || ") }

func join(xs []Expr, sep string) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = x.String()
	}
	return strings.Join(parts, sep)
}

// Compile turns a stored condition into an expression tree. A != clause
// compiles to == on the negated value, so a failing "Detection != true" is
// reported as "Detection is false".
func Compile(c domain.DependencyCondition) (Expr, error) {
	if len(c.Conditions) == 0 {
		return nil, fmt.Errorf("%w: no clauses", ErrMalformed)
	}
	clauses := make([]Expr, 0, len(c.Conditions))
	for i, cl := range c.Conditions {
		if strings.TrimSpace(cl.Key) == "" {
			return nil, fmt.Errorf("%w: clause %d has an empty key", ErrMalformed, i)
		}
		switch strings.ToLower(cl.Operator) {
		case "", "eq", "==":
			clauses = append(clauses, Eq{Key: strings.TrimSpace(cl.Key), Value: cl.Value})
		case "neq", "!=":
			clauses = append(clauses, Eq{Key: strings.TrimSpace(cl.Key), Value: !cl.Value})
		default:
			return nil, fmt.Errorf("%w: unsupported operator %q", ErrMalformed, cl.Operator)
		}
	}
	switch c.Mode {
	case "", domain.ConditionAnd:
		return And(clauses), nil
	case domain.ConditionOr:
		return Or(clauses), nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrMalformed, c.Mode)
	}
}

// Keys lists the distinct fact keys referenced by an expression.
func Keys(x Expr) []string {
	seen := map[string]string{}
	var walk func(Expr)
	walk = func(x Expr) {
		switch n := x.(type) {
		case Eq:
			seen[normalize(n.Key)] = n.Key
		case And:
			for _, c := range n {
				walk(c)
			}
		case Or:
			for _, c := range n {
				walk(c)
			}
		}
	}
	walk(x)
	keys := make([]string, 0, len(seen))
	for _, k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Failing returns the clauses whose equality test does not hold.
func Failing(x Expr, f Facts) []Eq {
	var out []Eq
	var walk func(Expr)
	walk = func(x Expr) {
		switch n := x.(type) {
		case Eq:
			if v, ok := f.Lookup(n.Key); !ok || v != n.Value {
				out = append(out, n)
			}
		case And:
			for _, c := range n {
				walk(c)
			}
		case Or:
			for _, c := range n {
				walk(c)
			}
		}
	}
	walk(x)
	return out
}

// Evaluate checks one dependency condition against the facts of its parent.
// It returns one message per failing clause, or an error when the condition
// is malformed or references an unknown key.
func Evaluate(parentTitle string, c domain.DependencyCondition, facts Facts) ([]string, error) {
	expr, err := Compile(c)
	if err != nil {
		return nil, err
	}
	for _, key := range Keys(expr) {
		if normalize(key) == ExecutionKey {
			continue
		}
		if _, ok := facts.Lookup(key); !ok {
			return nil, &KeyMismatchError{Key: key}
		}
	}
	ok, err := expr.Eval(facts)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	var messages []string
	for _, clause := range Failing(expr, facts) {
		messages = append(messages, fmt.Sprintf("Inject '%s' - %s is %t", parentTitle, clause.Key, clause.Value))
	}
	return messages, nil
}
