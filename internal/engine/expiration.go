package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"injectline/internal/domain"
)

const vulnerabilityPresenceScore = 100

// ResolveExpirations scores unresolved expectations bottom-up. Agent-level
// expectations are scored once expired; asset and group expectations take the
// MAX of their dependents as soon as every dependent is resolved, or 0 once
// they expire with no dependent at all. Each inject is rescanned until no
// expectation changes, so nothing is finalized before its dependents.
func (e *Engine) ResolveExpirations(ctx context.Context, now time.Time) (int, error) {
	injectIDs, err := e.Store.ListUnresolvedInjectIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unresolved expectations: %w", err)
	}

	total := 0
	for _, id := range injectIDs {
		n, err := e.resolveInject(ctx, id, now)
		total += n
		if err != nil {
			add(ctx, e.instruments().expired, total)
			return total, fmt.Errorf("resolve expectations of inject %s: %w", id, err)
		}
	}
	add(ctx, e.instruments().expired, total)
	return total, nil
}

// expectationSet holds one inject's expectations and the topology needed to
// link asset and group expectations to their dependents.
type expectationSet struct {
	exps         []domain.InjectExpectation
	agentAsset   map[string]string
	groupMembers map[string]map[string]struct{}
}

// resolveInject runs under the inject lock shared with ScoreExpectation. A
// score written by another process in the meantime wins: the write is skipped
// and the set reloaded before aggregating.
func (e *Engine) resolveInject(ctx context.Context, injectID string, now time.Time) (int, error) {
	unlock := e.injectLocks.Lock(injectID)
	defer unlock()

	set, err := e.loadExpectationSet(ctx, injectID)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for changed := true; changed; {
		changed = false
		for i := range set.exps {
			exp := set.exps[i]
			if exp.Resolved() {
				continue
			}
			score, ok := set.score(exp, now)
			if !ok {
				continue
			}
			exp.Score = &score
			exp.Status = domain.ComputeExpectationStatus(exp.Score, exp.ExpectedScore)
			exp.UpdatedAt = now
			applied, err := e.Store.ResolveExpectationScore(ctx, exp)
			if err != nil {
				return resolved, err
			}
			changed = true
			if !applied {
				e.log(ctx).Info("expectation scored concurrently, reloading", "expectation_id", exp.ID, "inject_id", injectID)
				if set, err = e.loadExpectationSet(ctx, injectID); err != nil {
					return resolved, err
				}
				break
			}
			set.exps[i] = exp
			resolved++
			e.log(ctx).Debug("expectation resolved", "expectation_id", exp.ID, "inject_id", injectID,
				"level", exp.Level(), "score", score, "status", exp.Status)
		}
	}
	return resolved, nil
}

func (e *Engine) loadExpectationSet(ctx context.Context, injectID string) (expectationSet, error) {
	set := expectationSet{agentAsset: map[string]string{}, groupMembers: map[string]map[string]struct{}{}}
	exps, err := e.Store.ListInjectExpectations(ctx, injectID)
	if err != nil {
		return set, err
	}
	// agent, then asset, then group: one pass usually reaches the fixpoint.
	sort.SliceStable(exps, func(i, j int) bool { return levelRank(exps[i]) < levelRank(exps[j]) })
	set.exps = exps

	var agentIDs, groupIDs []string
	for _, exp := range exps {
		switch {
		case exp.AgentID != nil:
			agentIDs = append(agentIDs, *exp.AgentID)
		case exp.AssetGroupID != nil:
			groupIDs = append(groupIDs, *exp.AssetGroupID)
		}
	}
	agents, err := e.Store.ListAgents(ctx, uniq(agentIDs))
	if err != nil {
		return set, err
	}
	for _, a := range agents {
		set.agentAsset[a.ID] = a.AssetID
	}
	groups, err := e.Store.ListAssetGroups(ctx, uniq(groupIDs))
	if err != nil {
		return set, err
	}
	for _, g := range groups {
		members := make(map[string]struct{}, len(g.AssetIDs))
		for _, id := range g.AssetIDs {
			members[id] = struct{}{}
		}
		set.groupMembers[g.ID] = members
	}
	return set, nil
}

func levelRank(exp domain.InjectExpectation) int {
	switch exp.Level() {
	case domain.TargetAgent:
		return 0
	case domain.TargetAsset:
		return 1
	default:
		return 2
	}
}

// score returns the score exp resolves to now, or false while it must wait.
func (s expectationSet) score(exp domain.InjectExpectation, now time.Time) (float64, bool) {
	if exp.AgentID != nil {
		if !exp.Expired(now) {
			return 0, false
		}
		if len(exp.Results) == 0 {
			if exp.Type == domain.ExpectationVulnerability && exp.ExpirationTime == 0 {
				return vulnerabilityPresenceScore, true
			}
			return 0, true
		}
		best := 0.0
		for _, r := range exp.Results {
			if r.Score != nil && *r.Score > best {
				best = *r.Score
			}
		}
		return best, true
	}

	deps := s.dependents(exp)
	if len(deps) == 0 {
		return 0, exp.Expired(now)
	}
	best := 0.0
	for _, d := range deps {
		if !d.Resolved() {
			return 0, false
		}
		if *d.Score > best {
			best = *d.Score
		}
	}
	return best, true
}

// dependents returns the next level down: agent expectations of agents on an
// asset, or asset expectations of a group's member assets. Only siblings with
// the same type and name count.
func (s expectationSet) dependents(exp domain.InjectExpectation) []domain.InjectExpectation {
	var out []domain.InjectExpectation
	for _, d := range s.exps {
		if d.Type != exp.Type || d.Name != exp.Name {
			continue
		}
		switch {
		case exp.AssetID != nil && d.AgentID != nil:
			if s.agentAsset[*d.AgentID] == *exp.AssetID {
				out = append(out, d)
			}
		case exp.AssetGroupID != nil && d.AssetID != nil:
			if _, ok := s.groupMembers[*exp.AssetGroupID][*d.AssetID]; ok {
				out = append(out, d)
			}
		}
	}
	return out
}

// CollectCompletedInjects marks finished injects whose expectations are all
// resolved as COMPLETED. Injects without expectations complete immediately.
func (e *Engine) CollectCompletedInjects(ctx context.Context) (int, error) {
	statuses, err := e.Store.ListUncollectedStatuses(ctx)
	if err != nil {
		return 0, fmt.Errorf("list uncollected statuses: %w", err)
	}
	completed := 0
	for _, st := range statuses {
		exps, err := e.Store.ListInjectExpectations(ctx, st.InjectID)
		if err != nil {
			return completed, fmt.Errorf("list expectations of inject %s: %w", st.InjectID, err)
		}
		if !allResolved(exps) {
			continue
		}
		st.CollectStatus = domain.CollectCompleted
		st.UpdatedAt = e.now()
		if err := e.Store.SaveInjectStatus(ctx, st, nil); err != nil {
			return completed, fmt.Errorf("complete inject %s: %w", st.InjectID, err)
		}
		completed++
	}
	return completed, nil
}

func allResolved(exps []domain.InjectExpectation) bool {
	for _, exp := range exps {
		if !exp.Resolved() {
			return false
		}
	}
	return true
}
