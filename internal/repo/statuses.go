package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"injectline/internal/domain"
)

const statusColumns = `inject_id,name,tracking_sent_date,tracking_end_date,collect_status,target_agents,updated_at`

func scanStatus(row rowScanner) (domain.InjectStatus, error) {
	var (
		st        domain.InjectStatus
		sent, end sql.NullString
		updatedAt string
	)
	if err := row.Scan(&st.InjectID, &st.Name, &sent, &end, &st.CollectStatus, &st.TargetAgents, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return st, ErrNotFound
		}
		return st, err
	}
	var err error
	if st.TrackingSentDate, err = parseNullTime(sent); err != nil {
		return st, err
	}
	if st.TrackingEndDate, err = parseNullTime(end); err != nil {
		return st, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return st, err
	}
	return st, nil
}

func (r Repo) listStatuses(ctx context.Context, where string, args ...any) ([]domain.InjectStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+statusColumns+` FROM inject_statuses `+where+` ORDER BY updated_at, inject_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InjectStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// GetInjectStatus loads the status with its full trace history.
func (r Repo) GetInjectStatus(ctx context.Context, injectID string) (domain.InjectStatus, error) {
	st, err := scanStatus(r.DB.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM inject_statuses WHERE inject_id=?`, injectID))
	if err != nil {
		return st, err
	}
	st.Traces, err = r.listTraces(ctx, injectID)
	return st, err
}

// ListInjectStatuses returns statuses with the given execution state, without traces.
func (r Repo) ListInjectStatuses(ctx context.Context, name domain.ExecutionStatus) ([]domain.InjectStatus, error) {
	return r.listStatuses(ctx, `WHERE name=?`, name)
}

// ListUncollectedStatuses returns finished executions whose expectations are still being collected.
func (r Repo) ListUncollectedStatuses(ctx context.Context) ([]domain.InjectStatus, error) {
	return r.listStatuses(ctx, `WHERE collect_status=? AND name NOT IN (?,?,?,?)`,
		domain.CollectPending, domain.StatusQueuing, domain.StatusDraft, domain.StatusExecuting, domain.StatusPending)
}

// SaveInjectStatus upserts the status row and appends the new traces atomically.
// Traces already stored are never rewritten.
func (r Repo) SaveInjectStatus(ctx context.Context, st domain.InjectStatus, traces []domain.ExecutionTrace) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := saveStatus(ctx, tx, st); err != nil {
		return err
	}
	for _, t := range traces {
		if err := insertTrace(ctx, tx, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func saveStatus(ctx context.Context, tx *sql.Tx, st domain.InjectStatus) error {
	collect := st.CollectStatus
	if collect == "" {
		collect = domain.CollectPending
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO inject_statuses(`+statusColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(inject_id) DO UPDATE SET name=excluded.name, tracking_sent_date=excluded.tracking_sent_date,
tracking_end_date=excluded.tracking_end_date, collect_status=excluded.collect_status,
target_agents=excluded.target_agents, updated_at=excluded.updated_at`,
		st.InjectID, st.Name, nullableTime(st.TrackingSentDate), nullableTime(st.TrackingEndDate), collect, st.TargetAgents, formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save status %s: %w", st.InjectID, err)
	}
	return nil
}

func insertTrace(ctx context.Context, tx *sql.Tx, t domain.ExecutionTrace) error {
	ids := t.Identifiers
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO execution_traces(id,inject_id,agent_id,status,action,message,identifiers_json,time) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.InjectID, nullableStringPtr(t.AgentID), t.Status, t.Action, t.Message, string(data), formatTime(t.Time))
	if err != nil {
		return fmt.Errorf("insert trace %s: %w", t.ID, err)
	}
	return nil
}

func (r Repo) listTraces(ctx context.Context, injectID string) ([]domain.ExecutionTrace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,inject_id,agent_id,status,action,message,identifiers_json,time FROM execution_traces WHERE inject_id=? ORDER BY time, rowid`, injectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionTrace
	for rows.Next() {
		var (
			t       domain.ExecutionTrace
			agentID sql.NullString
			ids     string
			at      string
		)
		if err := rows.Scan(&t.ID, &t.InjectID, &agentID, &t.Status, &t.Action, &t.Message, &ids, &at); err != nil {
			return nil, err
		}
		t.AgentID = stringPtr(agentID)
		if err := json.Unmarshal([]byte(ids), &t.Identifiers); err != nil {
			return nil, fmt.Errorf("trace %s identifiers: %w", t.ID, err)
		}
		if t.Time, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
