package engine

import (
	"context"
	"errors"
	"fmt"

	"injectline/internal/condition"
	"injectline/internal/domain"
)

// GateResult splits a due batch. Withheld maps inject ids to the reasons
// that blocked them; neither deferred nor withheld injects change status.
type GateResult struct {
	Permitted []domain.Inject
	Deferred  []domain.Inject
	Withheld  map[string][]string
}

type parentFacts struct {
	title string
	facts condition.Facts
	err   error
}

// Gate drops injects whose parent sits in the same batch, then evaluates the
// dependency conditions of the rest against their parents' outcomes.
func (e *Engine) Gate(ctx context.Context, batch []domain.Inject) GateResult {
	res := GateResult{Withheld: map[string][]string{}}
	inBatch := make(map[string]struct{}, len(batch))
	for _, inj := range batch {
		inBatch[inj.ID] = struct{}{}
	}
	cache := map[string]parentFacts{}
	for _, inj := range batch {
		if parentInBatch(inj, inBatch) {
			res.Deferred = append(res.Deferred, inj)
			e.log(ctx).Debug("inject deferred, parent due in the same cycle", "inject_id", inj.ID)
			continue
		}
		var reasons []string
		for _, dep := range inj.Dependencies {
			pf, ok := cache[dep.ParentID]
			if !ok {
				pf = e.loadParentFacts(ctx, dep.ParentID)
				cache[dep.ParentID] = pf
			}
			reasons = append(reasons, evaluateDependency(pf, dep)...)
		}
		if len(reasons) > 0 {
			res.Withheld[inj.ID] = reasons
			e.log(ctx).Warn("inject withheld by dependency conditions", "inject_id", inj.ID, "reasons", reasons)
			continue
		}
		res.Permitted = append(res.Permitted, inj)
	}
	add(ctx, e.instruments().withheld, len(res.Withheld))
	return res
}

func parentInBatch(inj domain.Inject, inBatch map[string]struct{}) bool {
	for _, dep := range inj.Dependencies {
		if _, ok := inBatch[dep.ParentID]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) loadParentFacts(ctx context.Context, parentID string) parentFacts {
	parent, err := e.Store.GetInject(ctx, parentID)
	if err != nil {
		return parentFacts{title: parentID, err: fmt.Errorf("load parent inject: %w", err)}
	}
	exps, err := e.Store.ListInjectExpectations(ctx, parentID)
	if err != nil {
		return parentFacts{title: parent.Title, err: fmt.Errorf("load parent expectations: %w", err)}
	}
	return parentFacts{title: parent.Title, facts: condition.BuildFacts(parent, exps)}
}

func evaluateDependency(pf parentFacts, dep domain.InjectDependency) []string {
	if pf.err != nil {
		return []string{fmt.Sprintf("Inject '%s' - evaluation error: %v", pf.title, pf.err)}
	}
	msgs, err := condition.Evaluate(pf.title, dep.Condition, pf.facts)
	var mismatch *condition.KeyMismatchError
	switch {
	case errors.As(err, &mismatch):
		return []string{fmt.Sprintf("Inject '%s' - %v", pf.title, err)}
	case err != nil:
		return []string{fmt.Sprintf("Inject '%s' - evaluation error: %v", pf.title, err)}
	}
	return msgs
}
