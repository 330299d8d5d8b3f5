package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"injectline/internal/domain"
)

// HandleExecutionCallback records an execution result reported for an inject,
// optionally on behalf of one agent. Calls for the same inject are
// serialized; a COMPLETE action is only accepted while the inject is PENDING.
// The last expected agent completion computes the final status.
func (e *Engine) HandleExecutionCallback(ctx context.Context, injectID string, agentID *string, res domain.ExecutionResult) (domain.InjectStatus, error) {
	if err := validateResult(res); err != nil {
		return domain.InjectStatus{}, err
	}
	unlock := e.injectLocks.Lock(injectID)
	defer unlock()

	if _, err := e.Store.GetInject(ctx, injectID); err != nil {
		return domain.InjectStatus{}, err
	}
	st, err := e.Store.GetInjectStatus(ctx, injectID)
	if errors.Is(err, ErrNotFound) {
		return st, fmt.Errorf("%w: inject %s has not been dispatched", ErrConflict, injectID)
	}
	if err != nil {
		return st, err
	}
	if res.Action == domain.ActionComplete && st.Name != domain.StatusPending {
		return st, fmt.Errorf("%w: inject %s is %s, cannot complete", ErrConflict, injectID, st.Name)
	}

	now := e.now()
	tr := domain.ExecutionTrace{
		ID:          uuid.NewString(),
		InjectID:    injectID,
		AgentID:     agentID,
		Status:      res.Status,
		Action:      res.Action,
		Message:     res.Message,
		Identifiers: res.Identifiers,
		Time:        now,
	}
	st.Traces = append(st.Traces, tr)
	st.UpdatedAt = now
	if res.Action == domain.ActionComplete {
		if final, done := completion(st); done {
			st.Name = final
			st.TrackingEndDate = &now
		}
	}
	if err := e.Store.SaveInjectStatus(ctx, st, []domain.ExecutionTrace{tr}); err != nil {
		return st, fmt.Errorf("save callback status: %w", err)
	}
	if e.instruments().callbacks != nil {
		e.instruments().callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(res.Action))))
	}
	e.log(ctx).Info("execution callback recorded", "inject_id", injectID, "action", res.Action, "trace_status", res.Status, "status", st.Name)
	return st, nil
}

func validateResult(res domain.ExecutionResult) error {
	switch res.Action {
	case domain.ActionExecution, domain.ActionComplete:
	default:
		return fmt.Errorf("%w: action %q", ErrInvalidArgument, res.Action)
	}
	switch res.Status {
	case domain.TraceSuccess, domain.TraceWarning, domain.TraceError, domain.TraceInfo:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidArgument, res.Status)
	}
	return nil
}

// completion reports the final status once every expected agent sent its
// COMPLETE trace. Without a recorded agent count the first completion ends it.
func completion(st domain.InjectStatus) (domain.ExecutionStatus, bool) {
	agents := map[string]struct{}{}
	errs, oks := 0, 0
	for _, t := range st.Traces {
		if t.Action != domain.ActionComplete {
			continue
		}
		if t.AgentID != nil {
			agents[*t.AgentID] = struct{}{}
		}
		if t.Status == domain.TraceError {
			errs++
		} else {
			oks++
		}
	}
	if st.TargetAgents > 0 && len(agents) < st.TargetAgents {
		return "", false
	}
	switch {
	case errs > 0 && oks == 0:
		return domain.StatusError, true
	case errs > 0:
		return domain.StatusPartial, true
	default:
		return domain.StatusSuccess, true
	}
}
