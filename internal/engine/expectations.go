package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"injectline/internal/domain"
)

const defaultExpectedScore = 100

// materializeExpectations creates the scoreable expectations of a dispatched
// inject from its templates: one per targeted group and per resolved asset,
// plus one per agent for technical types.
func (e *Engine) materializeExpectations(ctx context.Context, ex domain.ExecutableInject, now time.Time) ([]domain.InjectExpectation, error) {
	var out []domain.InjectExpectation
	agentsByAsset := map[string][]domain.Agent{}
	for _, a := range ex.Agents {
		agentsByAsset[a.AssetID] = append(agentsByAsset[a.AssetID], a)
	}
	for _, tmpl := range ex.Inject.Expectations {
		base := domain.InjectExpectation{
			InjectID:       ex.Inject.ID,
			ExerciseID:     ex.Inject.ExerciseID,
			Type:           tmpl.Type,
			Name:           tmpl.Name,
			ExpectedScore:  tmpl.ExpectedScore,
			Status:         domain.ExpectationPending,
			ExpirationTime: e.config().Expectations.DefaultExpirationSeconds,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if base.ExpectedScore <= 0 {
			base.ExpectedScore = defaultExpectedScore
		}
		if tmpl.ExpirationTime != nil {
			base.ExpirationTime = *tmpl.ExpirationTime
		}
		for _, g := range ex.AssetGroups {
			exp := base
			exp.ID = uuid.NewString()
			exp.AssetGroupID = ref(g.ID)
			out = append(out, exp)
		}
		for _, a := range ex.Assets {
			exp := base
			exp.ID = uuid.NewString()
			exp.AssetID = ref(a.ID)
			out = append(out, exp)
			if !tmpl.Type.Technical() {
				continue
			}
			for _, agent := range agentsByAsset[a.ID] {
				exp := base
				exp.ID = uuid.NewString()
				exp.AgentID = ref(agent.ID)
				out = append(out, exp)
			}
		}
	}
	if err := e.Store.InsertExpectations(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func ref(s string) *string { return &s }

// TargetView is what an agent or operator sees for one inject target.
type TargetView struct {
	InjectID     string                             `json:"inject_id"`
	TargetID     string                             `json:"target_id"`
	TargetType   domain.TargetType                  `json:"target_type"`
	Expectations []domain.InjectExpectation         `json:"expectations"`
	Traces       map[string][]domain.ExecutionTrace `json:"traces"`
}

// ResolveTarget returns the expectations of an inject for one agent, asset or
// asset group, including those of the levels below it, and the execution
// traces of the agents concerned grouped by agent id.
func (e *Engine) ResolveTarget(ctx context.Context, injectID, targetID string, targetType domain.TargetType) (TargetView, error) {
	view := TargetView{InjectID: injectID, TargetID: targetID, TargetType: targetType, Traces: map[string][]domain.ExecutionTrace{}}
	targetType = domain.TargetType(strings.ToUpper(string(targetType)))
	view.TargetType = targetType
	if _, err := e.Store.GetInject(ctx, injectID); err != nil {
		return view, err
	}
	exps, err := e.Store.ListInjectExpectations(ctx, injectID)
	if err != nil {
		return view, err
	}

	agents := map[string]struct{}{}
	assets := map[string]struct{}{}
	switch targetType {
	case domain.TargetAgent:
		agents[targetID] = struct{}{}
	case domain.TargetAsset:
		assets[targetID] = struct{}{}
	case domain.TargetAssetGroup:
		groups, err := e.Store.ListAssetGroups(ctx, []string{targetID})
		if err != nil {
			return view, err
		}
		if len(groups) == 0 {
			return view, fmt.Errorf("asset group %s: %w", targetID, ErrNotFound)
		}
		for _, id := range groups[0].AssetIDs {
			assets[id] = struct{}{}
		}
	default:
		return view, fmt.Errorf("%w: target type %q", ErrInvalidArgument, targetType)
	}
	if len(assets) > 0 {
		hosted, err := e.Store.ListAgentsByAssets(ctx, keysOf(assets))
		if err != nil {
			return view, err
		}
		for _, a := range hosted {
			agents[a.ID] = struct{}{}
		}
	}

	for _, exp := range exps {
		switch {
		case targetType == domain.TargetAssetGroup && exp.AssetGroupID != nil && *exp.AssetGroupID == targetID,
			exp.AssetID != nil && has(assets, *exp.AssetID),
			exp.AgentID != nil && has(agents, *exp.AgentID):
			view.Expectations = append(view.Expectations, exp)
		}
	}

	st, err := e.Store.GetInjectStatus(ctx, injectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return view, err
	}
	for _, t := range st.Traces {
		if t.AgentID == nil || !has(agents, *t.AgentID) {
			continue
		}
		view.Traces[*t.AgentID] = append(view.Traces[*t.AgentID], t)
	}
	return view, nil
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// ScoreExpectation records a result against an expectation. A result that
// carries a score sets the expectation score and recomputes its status.
func (e *Engine) ScoreExpectation(ctx context.Context, expectationID string, res domain.ExpectationResult) (domain.InjectExpectation, error) {
	if res.Score != nil && (math.IsNaN(*res.Score) || *res.Score < 0) {
		return domain.InjectExpectation{}, fmt.Errorf("%w: score must be a non-negative number", ErrInvalidArgument)
	}
	exp, err := e.Store.GetExpectation(ctx, expectationID)
	if err != nil {
		return exp, err
	}
	unlock := e.injectLocks.Lock(exp.InjectID)
	defer unlock()
	if exp, err = e.Store.GetExpectation(ctx, expectationID); err != nil {
		return exp, err
	}
	now := e.now()
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Date.IsZero() {
		res.Date = now
	}
	if err := e.Store.AddExpectationResult(ctx, exp.ID, res); err != nil {
		return exp, fmt.Errorf("add result: %w", err)
	}
	exp.Results = append(exp.Results, res)
	if res.Score != nil {
		score := *res.Score
		exp.Score = &score
		exp.Status = domain.ComputeExpectationStatus(exp.Score, exp.ExpectedScore)
		exp.UpdatedAt = now
		if err := e.Store.SaveExpectationScore(ctx, exp); err != nil {
			return exp, fmt.Errorf("save score: %w", err)
		}
	}
	e.log(ctx).Info("expectation result recorded", "expectation_id", exp.ID, "inject_id", exp.InjectID, "status", exp.Status)
	return exp, nil
}
