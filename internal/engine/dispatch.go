package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"injectline/internal/domain"
)

// DispatchResult is the outcome of one inject dispatch attempt.
type DispatchResult struct {
	InjectID   string                 `json:"inject_id"`
	ExerciseID string                 `json:"exercise_id,omitempty"`
	Status     domain.ExecutionStatus `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Err        error                  `json:"-"`
}

// Dispatch executes the permitted injects. Exercise partitions run in
// parallel and so do the injects of one partition. A failing inject never
// affects its siblings; each exercise is touched once its partition is done.
func (e *Engine) Dispatch(ctx context.Context, injects []domain.Inject) []DispatchResult {
	partitions := map[string][]domain.Inject{}
	var keys []string
	for _, inj := range injects {
		key := inj.ExerciseKey()
		if _, ok := partitions[key]; !ok {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], inj)
	}
	sort.Strings(keys)

	limit := e.config().Scheduler.Parallelism
	if limit < 1 {
		limit = 1
	}
	results := make([][]DispatchResult, len(keys))
	outer := pool.New().WithMaxGoroutines(limit)
	for i, key := range keys {
		members := partitions[key]
		outer.Go(func() {
			results[i] = e.dispatchPartition(ctx, key, members, limit)
		})
	}
	outer.Wait()

	var flat []DispatchResult
	for _, part := range results {
		flat = append(flat, part...)
	}
	return flat
}

func (e *Engine) dispatchPartition(ctx context.Context, exerciseID string, injects []domain.Inject, limit int) []DispatchResult {
	results := make([]DispatchResult, len(injects))
	inner := pool.New().WithMaxGoroutines(limit)
	for i, inj := range injects {
		inner.Go(func() {
			results[i] = e.dispatchIsolated(ctx, inj)
		})
	}
	inner.Wait()
	if exerciseID != "" {
		if err := e.Store.TouchExercise(ctx, exerciseID, e.now()); err != nil {
			e.log(ctx).Error("touch exercise failed", "exercise_id", exerciseID, "error", err)
		}
	}
	return results
}

// dispatchIsolated turns a panic inside one dispatch into an ERROR result.
func (e *Engine) dispatchIsolated(ctx context.Context, inj domain.Inject) (res DispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("inject dispatch panicked: %v", r)
			e.log(ctx).Error("inject dispatch panicked", "inject_id", inj.ID, "panic", r)
			res = e.fail(ctx, inj, err)
		}
	}()
	return e.dispatchOne(ctx, inj)
}

func (e *Engine) dispatchOne(ctx context.Context, inj domain.Inject) DispatchResult {
	ctx, span := e.tracer().Start(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.String("inject.id", inj.ID),
		attribute.String("inject.contract", inj.Contract),
	))
	defer span.End()

	if e.Readiness != nil && !e.Readiness.IsReady(inj) {
		err := fmt.Errorf("%w: contract %q misses mandatory fields", ErrNotReady, inj.Contract)
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, inj, err)
	}

	sent := e.now()
	status := domain.InjectStatus{
		InjectID:         inj.ID,
		Name:             domain.StatusExecuting,
		TrackingSentDate: &sent,
		CollectStatus:    domain.CollectPending,
		UpdatedAt:        sent,
	}
	if err := e.Store.SaveInjectStatus(ctx, status, nil); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.result(ctx, inj, domain.StatusError, fmt.Errorf("save executing status: %w", err))
	}
	inj.Status = &status

	executable, err := e.buildExecutable(ctx, inj)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, inj, fmt.Errorf("resolve targets: %w", err))
	}
	if e.Executor == nil {
		return e.fail(ctx, inj, errors.New("no executor configured"))
	}
	execution, err := e.Executor.Execute(ctx, executable)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, inj, err)
	}

	now := e.now()
	traces := e.stampTraces(inj.ID, execution.Traces, now)
	if execution.Async {
		status.Name = domain.StatusPending
		status.TargetAgents = len(executable.Agents)
	} else {
		status.Name = outcomeOf(traces)
		status.TrackingEndDate = &now
	}
	status.UpdatedAt = now
	if err := e.Store.SaveInjectStatus(ctx, status, traces); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.result(ctx, inj, domain.StatusError, fmt.Errorf("save execution status: %w", err))
	}
	span.SetAttributes(attribute.String("inject.status", string(status.Name)))

	if status.Name != domain.StatusError {
		if _, err := e.materializeExpectations(ctx, executable, now); err != nil {
			e.log(ctx).Error("expectation materialization failed", "inject_id", inj.ID, "error", err)
		}
	}
	e.log(ctx).Info("inject dispatched", "inject_id", inj.ID, "status", status.Name, "traces", len(traces))
	return e.result(ctx, inj, status.Name, nil)
}

// fail records an ERROR status with the failure message as a trace.
func (e *Engine) fail(ctx context.Context, inj domain.Inject, cause error) DispatchResult {
	now := e.now()
	e.log(ctx).Error("inject dispatch failed", "inject_id", inj.ID, "error", cause)
	status := domain.InjectStatus{
		InjectID:        inj.ID,
		Name:            domain.StatusError,
		TrackingEndDate: &now,
		CollectStatus:   domain.CollectPending,
		UpdatedAt:       now,
	}
	if inj.Status != nil && inj.Status.TrackingSentDate != nil {
		status.TrackingSentDate = inj.Status.TrackingSentDate
	}
	tr := domain.ExecutionTrace{
		ID:       uuid.NewString(),
		InjectID: inj.ID,
		Status:   domain.TraceError,
		Action:   domain.ActionExecution,
		Message:  cause.Error(),
		Time:     now,
	}
	if err := e.Store.SaveInjectStatus(ctx, status, []domain.ExecutionTrace{tr}); err != nil {
		e.log(ctx).Error("save error status failed", "inject_id", inj.ID, "error", err)
	}
	return e.result(ctx, inj, domain.StatusError, cause)
}

func (e *Engine) result(ctx context.Context, inj domain.Inject, status domain.ExecutionStatus, err error) DispatchResult {
	e.instruments().countDispatch(ctx, string(status))
	res := DispatchResult{InjectID: inj.ID, ExerciseID: inj.ExerciseKey(), Status: status, Err: err}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (e *Engine) stampTraces(injectID string, traces []domain.ExecutionTrace, now time.Time) []domain.ExecutionTrace {
	out := make([]domain.ExecutionTrace, len(traces))
	for i, t := range traces {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Action == "" {
			t.Action = domain.ActionExecution
		}
		if t.Time.IsZero() {
			t.Time = now
		}
		t.InjectID = injectID
		out[i] = t
	}
	return out
}

// outcomeOf folds synchronous execution traces into a status: all errors is
// ERROR, some errors is PARTIAL, anything else SUCCESS.
func outcomeOf(traces []domain.ExecutionTrace) domain.ExecutionStatus {
	errs, oks := 0, 0
	for _, t := range traces {
		if t.Status == domain.TraceError {
			errs++
		} else {
			oks++
		}
	}
	switch {
	case errs > 0 && oks == 0:
		return domain.StatusError
	case errs > 0:
		return domain.StatusPartial
	default:
		return domain.StatusSuccess
	}
}

// buildExecutable resolves the inject's targets. Targeted groups contribute
// their member assets, every targeted asset contributes the agents installed
// on it, and targeted agents contribute their own asset.
func (e *Engine) buildExecutable(ctx context.Context, inj domain.Inject) (domain.ExecutableInject, error) {
	ex := domain.ExecutableInject{Inject: inj}
	var agentIDs, assetIDs, groupIDs, teamIDs []string
	for _, t := range inj.Targets {
		switch t.Type {
		case domain.TargetAgent:
			agentIDs = append(agentIDs, t.ID)
		case domain.TargetAsset:
			assetIDs = append(assetIDs, t.ID)
		case domain.TargetAssetGroup:
			groupIDs = append(groupIDs, t.ID)
		case domain.TargetTeam:
			teamIDs = append(teamIDs, t.ID)
		default:
			return ex, fmt.Errorf("%w: unknown target type %q", ErrInvalidArgument, t.Type)
		}
	}
	var err error
	if ex.Teams, err = e.Store.ListTeams(ctx, teamIDs); err != nil {
		return ex, err
	}
	if ex.AssetGroups, err = e.Store.ListAssetGroups(ctx, groupIDs); err != nil {
		return ex, err
	}
	for _, g := range ex.AssetGroups {
		assetIDs = append(assetIDs, g.AssetIDs...)
	}
	assetIDs = uniq(assetIDs)
	hosted, err := e.Store.ListAgentsByAssets(ctx, assetIDs)
	if err != nil {
		return ex, err
	}
	targeted, err := e.Store.ListAgents(ctx, agentIDs)
	if err != nil {
		return ex, err
	}
	seen := map[string]struct{}{}
	for _, a := range append(hosted, targeted...) {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		ex.Agents = append(ex.Agents, a)
		assetIDs = append(assetIDs, a.AssetID)
	}
	if ex.Assets, err = e.Store.ListAssets(ctx, uniq(assetIDs)); err != nil {
		return ex, err
	}
	return ex, nil
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
