package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"injectline/internal/condition"
	"injectline/internal/domain"
	"injectline/internal/schedule"
)

// SelectDueInjects returns the enabled injects that have not been dispatched
// yet and whose scheduled date has passed: injects of running exercises by
// their offset, standalone injects once they are queued.
func (e *Engine) SelectDueInjects(ctx context.Context, now time.Time) ([]domain.Inject, error) {
	exercises, err := e.Store.ListExercises(ctx, domain.ExerciseRunning)
	if err != nil {
		return nil, fmt.Errorf("list running exercises: %w", err)
	}
	speed := e.config().Scheduler.SpeedMultiplier
	var due []domain.Inject
	for _, ex := range exercises {
		injects, err := e.Store.ListExerciseInjects(ctx, ex.ID)
		if err != nil {
			return nil, fmt.Errorf("list injects of exercise %s: %w", ex.ID, err)
		}
		for _, inj := range injects {
			if !inj.Enabled || dispatched(inj) {
				continue
			}
			if schedule.Due(ex, inj.DependsDuration, speed, now) {
				due = append(due, inj)
			}
		}
	}
	standalone, err := e.Store.ListStandaloneInjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list standalone injects: %w", err)
	}
	for _, inj := range standalone {
		if inj.Enabled && inj.Status != nil && inj.Status.Name == domain.StatusQueuing {
			due = append(due, inj)
		}
	}
	return due, nil
}

func dispatched(inj domain.Inject) bool {
	return inj.Status != nil && inj.Status.Name.Dispatched()
}

// StartDueExercises moves scheduled exercises whose start has arrived to RUNNING.
func (e *Engine) StartDueExercises(ctx context.Context, now time.Time) ([]string, error) {
	exercises, err := e.Store.ListExercises(ctx, domain.ExerciseScheduled)
	if err != nil {
		return nil, fmt.Errorf("list scheduled exercises: %w", err)
	}
	var started []string
	for _, ex := range exercises {
		if ex.Start == nil || ex.Start.After(now) {
			continue
		}
		if err := e.Store.SetExerciseStatus(ctx, ex.ID, domain.ExerciseRunning, nil, nil, now); err != nil {
			return started, fmt.Errorf("start exercise %s: %w", ex.ID, err)
		}
		started = append(started, ex.ID)
		e.log(ctx).Info("exercise started", "exercise_id", ex.ID, "name", ex.Name)
		e.notify(ctx, domain.Notification{Type: "exercise.started", ExerciseID: ex.ID, EntityKind: "exercise", EntityID: ex.ID}, 0)
	}
	return started, nil
}

// CloseFinishedExercises finishes running exercises whose enabled injects all
// left the queue, or are withheld by parents whose outcome is final, and none
// is still executing. Closing triggers the coverage notification and, for
// scenario runs, the delayed completion event.
func (e *Engine) CloseFinishedExercises(ctx context.Context, now time.Time) ([]string, error) {
	exercises, err := e.Store.ListExercises(ctx, domain.ExerciseRunning)
	if err != nil {
		return nil, fmt.Errorf("list running exercises: %w", err)
	}
	var closed []string
	for _, ex := range exercises {
		injects, err := e.Store.ListExerciseInjects(ctx, ex.ID)
		if err != nil {
			return closed, fmt.Errorf("list injects of exercise %s: %w", ex.ID, err)
		}
		if !e.finished(ctx, injects) {
			continue
		}
		end := now
		if err := e.Store.SetExerciseStatus(ctx, ex.ID, domain.ExerciseFinished, nil, &end, now); err != nil {
			return closed, fmt.Errorf("close exercise %s: %w", ex.ID, err)
		}
		closed = append(closed, ex.ID)
		e.log(ctx).Info("exercise finished", "exercise_id", ex.ID, "name", ex.Name)
		e.notify(ctx, domain.Notification{
			Type: "exercise.coverage", ExerciseID: ex.ID, EntityKind: "exercise", EntityID: ex.ID,
			Payload: map[string]any{"name": ex.Name, "end": end.Format(time.RFC3339)},
		}, 0)
		if ex.ScenarioID != nil {
			e.notify(ctx, domain.Notification{
				Type: "simulation.completed", ExerciseID: ex.ID, EntityKind: "scenario", EntityID: *ex.ScenarioID,
				Payload: map[string]any{"exercise_id": ex.ID},
			}, e.config().SimulationCompletedDelay())
		}
	}
	return closed, nil
}

func (e *Engine) finished(ctx context.Context, injects []domain.Inject) bool {
	var waiting []string
	for _, inj := range injects {
		if !inj.Enabled {
			continue
		}
		if dispatched(inj) {
			if inj.Status.Name == domain.StatusExecuting {
				return false
			}
			continue
		}
		if len(inj.Dependencies) == 0 {
			return false
		}
		waiting = append(waiting, inj.ID)
	}
	if len(waiting) == 0 {
		return true
	}
	blocked := e.withheldForGood(ctx, injects)
	for _, id := range waiting {
		if !blocked[id] {
			return false
		}
	}
	e.log(ctx).Warn("closing exercise with injects withheld for good", "inject_ids", waiting)
	return true
}

// withheldForGood returns the undispatched injects whose dependency conditions
// fail on parents that can no longer change: parents that finished and were
// collected, disabled parents, or parents withheld for good themselves.
func (e *Engine) withheldForGood(ctx context.Context, injects []domain.Inject) map[string]bool {
	byID := make(map[string]domain.Inject, len(injects))
	for _, inj := range injects {
		byID[inj.ID] = inj
	}
	blocked := map[string]bool{}
	for changed := true; changed; {
		changed = false
		for _, inj := range injects {
			if !inj.Enabled || dispatched(inj) || len(inj.Dependencies) == 0 || blocked[inj.ID] {
				continue
			}
			if e.failsOnSettledParents(ctx, inj, byID, blocked) {
				blocked[inj.ID] = true
				changed = true
			}
		}
	}
	return blocked
}

func (e *Engine) failsOnSettledParents(ctx context.Context, inj domain.Inject, byID map[string]domain.Inject, blocked map[string]bool) bool {
	failing := false
	for _, dep := range inj.Dependencies {
		parent, ok := byID[dep.ParentID]
		if !ok || !(settled(parent) || blocked[parent.ID]) {
			return false
		}
		exps, err := e.Store.ListInjectExpectations(ctx, parent.ID)
		if err != nil {
			e.log(ctx).Warn("load parent expectations", "inject_id", parent.ID, "error", err)
			return false
		}
		pf := parentFacts{title: parent.Title, facts: condition.BuildFacts(parent, exps)}
		if len(evaluateDependency(pf, dep)) > 0 {
			failing = true
		}
	}
	return failing
}

// settled reports whether an inject's facts are final: it never runs, or it
// ran to an outcome and all its expectations are resolved.
func settled(inj domain.Inject) bool {
	if !inj.Enabled {
		return true
	}
	return dispatched(inj) && !inj.Status.Name.InFlight() && inj.Status.CollectStatus == domain.CollectCompleted
}

// PauseExercise suspends a running exercise. Its injects are shifted by the
// pause once it is resumed.
func (e *Engine) PauseExercise(ctx context.Context, exerciseID string) (domain.Exercise, error) {
	ex, err := e.Store.GetExercise(ctx, exerciseID)
	if err != nil {
		return ex, err
	}
	if ex.Status != domain.ExerciseRunning {
		return ex, fmt.Errorf("%w: exercise %s is %s", ErrConflict, ex.ID, ex.Status)
	}
	now := e.now()
	if err := e.Store.OpenPause(ctx, ex.ID, domain.Pause{ID: uuid.NewString(), Date: now}); err != nil {
		return ex, err
	}
	if err := e.Store.SetExerciseStatus(ctx, ex.ID, domain.ExercisePaused, nil, nil, now); err != nil {
		return ex, err
	}
	e.notify(ctx, domain.Notification{Type: "exercise.paused", ExerciseID: ex.ID, EntityKind: "exercise", EntityID: ex.ID}, 0)
	return e.Store.GetExercise(ctx, ex.ID)
}

// ResumeExercise closes the open pause and puts the exercise back to RUNNING.
func (e *Engine) ResumeExercise(ctx context.Context, exerciseID string) (domain.Exercise, error) {
	ex, err := e.Store.GetExercise(ctx, exerciseID)
	if err != nil {
		return ex, err
	}
	if ex.Status != domain.ExercisePaused {
		return ex, fmt.Errorf("%w: exercise %s is %s", ErrConflict, ex.ID, ex.Status)
	}
	now := e.now()
	if err := e.Store.ClosePause(ctx, ex.ID, now); err != nil {
		return ex, fmt.Errorf("close pause: %w", err)
	}
	if err := e.Store.SetExerciseStatus(ctx, ex.ID, domain.ExerciseRunning, nil, nil, now); err != nil {
		return ex, err
	}
	e.notify(ctx, domain.Notification{Type: "exercise.resumed", ExerciseID: ex.ID, EntityKind: "exercise", EntityID: ex.ID}, 0)
	return e.Store.GetExercise(ctx, ex.ID)
}
