package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"injectline/internal/domain"
)

// MonitorThreshold moves injects stuck in PENDING past the configured
// threshold to MAYBE_PREVENTED, with a single WARNING trace each. Later
// telemetry can still resolve their expectations.
func (e *Engine) MonitorThreshold(ctx context.Context, now time.Time) (int, error) {
	threshold := e.config().PendingThreshold()
	pending, err := e.Store.ListInjectStatuses(ctx, domain.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending statuses: %w", err)
	}
	flagged := 0
	for _, st := range pending {
		if st.TrackingSentDate == nil || now.Sub(*st.TrackingSentDate) <= threshold {
			continue
		}
		ok, err := e.flagMaybePrevented(ctx, st.InjectID, threshold, now)
		if err != nil {
			return flagged, err
		}
		if ok {
			flagged++
		}
	}
	add(ctx, e.instruments().maybePrevented, flagged)
	return flagged, nil
}

func (e *Engine) flagMaybePrevented(ctx context.Context, injectID string, threshold time.Duration, now time.Time) (bool, error) {
	unlock := e.injectLocks.Lock(injectID)
	defer unlock()

	// a callback may have completed the inject since the listing
	st, err := e.Store.GetInjectStatus(ctx, injectID)
	if err != nil {
		return false, fmt.Errorf("reload status of inject %s: %w", injectID, err)
	}
	if st.Name != domain.StatusPending {
		return false, nil
	}
	st.Name = domain.StatusMaybePrevented
	st.UpdatedAt = now
	tr := domain.ExecutionTrace{
		ID:       uuid.NewString(),
		InjectID: injectID,
		Status:   domain.TraceWarning,
		Action:   domain.ActionExecution,
		Message:  fmt.Sprintf("Execution delay detected: inject still pending after %s threshold", threshold),
		Time:     now,
	}
	if err := e.Store.SaveInjectStatus(ctx, st, []domain.ExecutionTrace{tr}); err != nil {
		return false, fmt.Errorf("flag inject %s: %w", injectID, err)
	}
	e.log(ctx).Warn("inject maybe prevented", "inject_id", injectID, "threshold", threshold.String())
	return true, nil
}
