package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"injectline/internal/logger"
)

// CycleReport summarizes what one orchestrator cycle did.
type CycleReport struct {
	CycleID              string              `json:"cycle_id"`
	StartedAt            time.Time           `json:"started_at"`
	Duration             time.Duration       `json:"duration"`
	StartedExercises     []string            `json:"started_exercises,omitempty"`
	Due                  int                 `json:"due"`
	Deferred             []string            `json:"deferred,omitempty"`
	Withheld             map[string][]string `json:"withheld,omitempty"`
	Dispatched           []DispatchResult    `json:"dispatched,omitempty"`
	ClosedExercises      []string            `json:"closed_exercises,omitempty"`
	MaybePrevented       int                 `json:"maybe_prevented"`
	ExpiredExpectations  int                 `json:"expired_expectations"`
	CompletedCollections int                 `json:"completed_collections"`
}

// RunCycle runs one orchestrator cycle. It never overlaps with another: a
// call made while a cycle runs returns ErrCycleInProgress and is not queued.
// A step error aborts the rest of the cycle; steps already done stay persisted.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.cycle.TryLock() {
		return CycleReport{}, ErrCycleInProgress
	}
	defer e.cycle.Unlock()

	report := CycleReport{CycleID: uuid.NewString(), StartedAt: e.now()}
	ctx = logger.WithCycleID(ctx, report.CycleID)
	ctx, span := e.tracer().Start(ctx, "engine.cycle")
	span.SetAttributes(attribute.String("cycle.id", report.CycleID))
	defer span.End()

	in := e.instruments()
	err := e.runSteps(ctx, &report)
	report.Duration = e.now().Sub(report.StartedAt)
	add(ctx, in.cycles, 1)
	if in.cycleDuration != nil {
		in.cycleDuration.Record(ctx, report.Duration.Seconds())
	}
	if err != nil {
		add(ctx, in.cycleFailures, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log(ctx).Error("orchestrator cycle failed", "error", err)
		return report, err
	}
	e.log(ctx).Info("orchestrator cycle done",
		"due", report.Due,
		"dispatched", len(report.Dispatched),
		"withheld", len(report.Withheld),
		"maybe_prevented", report.MaybePrevented,
		"expired", report.ExpiredExpectations,
		"duration", report.Duration.String())
	return report, nil
}

func (e *Engine) runSteps(ctx context.Context, report *CycleReport) error {
	var err error
	if report.StartedExercises, err = e.StartDueExercises(ctx, e.now()); err != nil {
		return fmt.Errorf("start exercises: %w", err)
	}

	due, err := e.SelectDueInjects(ctx, e.now())
	if err != nil {
		return fmt.Errorf("select due injects: %w", err)
	}
	report.Due = len(due)

	gate := e.Gate(ctx, due)
	for _, inj := range gate.Deferred {
		report.Deferred = append(report.Deferred, inj.ID)
	}
	if len(gate.Withheld) > 0 {
		report.Withheld = gate.Withheld
	}
	report.Dispatched = e.Dispatch(ctx, gate.Permitted)

	if report.ClosedExercises, err = e.CloseFinishedExercises(ctx, e.now()); err != nil {
		return fmt.Errorf("close exercises: %w", err)
	}
	if report.MaybePrevented, err = e.MonitorThreshold(ctx, e.now()); err != nil {
		return fmt.Errorf("threshold monitor: %w", err)
	}
	if report.ExpiredExpectations, err = e.ResolveExpirations(ctx, e.now()); err != nil {
		return fmt.Errorf("expiration resolver: %w", err)
	}
	if report.CompletedCollections, err = e.CollectCompletedInjects(ctx); err != nil {
		return fmt.Errorf("completion accounting: %w", err)
	}
	return nil
}
