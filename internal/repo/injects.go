package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"injectline/internal/domain"
)

func (r Repo) InsertInject(ctx context.Context, inj domain.Inject) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertInjectTx(ctx, tx, inj); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertInjectTx stores the inject with its targets. Dependencies are added
// separately once every parent exists.
func (r Repo) InsertInjectTx(ctx context.Context, tx *sql.Tx, inj domain.Inject) error {
	content := inj.Content
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	templates := inj.Expectations
	if templates == nil {
		templates = []domain.ExpectationTemplate{}
	}
	expectationsJSON, err := json.Marshal(templates)
	if err != nil {
		return fmt.Errorf("marshal expectations: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO injects(id,exercise_id,title,enabled,depends_duration,contract,content_json,expectations_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inj.ID, nullableStringPtr(inj.ExerciseID), inj.Title, inj.Enabled, int64(inj.DependsDuration.Seconds()), inj.Contract,
		string(contentJSON), string(expectationsJSON), formatTime(inj.CreatedAt), formatTime(inj.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert inject %s: %w", inj.ID, err)
	}
	for _, t := range inj.Targets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO inject_targets(inject_id,target_type,target_id) VALUES (?,?,?)`, inj.ID, t.Type, t.ID); err != nil {
			return fmt.Errorf("insert target %s/%s: %w", t.Type, t.ID, err)
		}
	}
	if inj.Status != nil {
		st := *inj.Status
		st.InjectID = inj.ID
		if err := saveStatus(ctx, tx, st); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertDependencyTx(ctx context.Context, tx *sql.Tx, dep domain.InjectDependency) error {
	data, err := json.Marshal(dep.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO inject_dependencies(parent_id,child_id,condition_json) VALUES (?,?,?)`, dep.ParentID, dep.ChildID, string(data))
	if err != nil {
		return fmt.Errorf("insert dependency %s -> %s: %w", dep.ParentID, dep.ChildID, err)
	}
	return nil
}

func (r Repo) InsertDependency(ctx context.Context, dep domain.InjectDependency) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertDependencyTx(ctx, tx, dep); err != nil {
		return err
	}
	return tx.Commit()
}

const injectColumns = `id,exercise_id,title,enabled,depends_duration,contract,content_json,expectations_json,created_at,updated_at`

func scanInject(row rowScanner) (domain.Inject, error) {
	var (
		inj                  domain.Inject
		exerciseID           sql.NullString
		dependsSeconds       int64
		content, templates   string
		createdAt, updatedAt string
	)
	if err := row.Scan(&inj.ID, &exerciseID, &inj.Title, &inj.Enabled, &dependsSeconds, &inj.Contract, &content, &templates, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return inj, ErrNotFound
		}
		return inj, err
	}
	inj.ExerciseID = stringPtr(exerciseID)
	inj.DependsDuration = time.Duration(dependsSeconds) * time.Second
	if err := json.Unmarshal([]byte(content), &inj.Content); err != nil {
		return inj, fmt.Errorf("inject %s content: %w", inj.ID, err)
	}
	if err := json.Unmarshal([]byte(templates), &inj.Expectations); err != nil {
		return inj, fmt.Errorf("inject %s expectations: %w", inj.ID, err)
	}
	var err error
	if inj.CreatedAt, err = parseTime(createdAt); err != nil {
		return inj, err
	}
	if inj.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return inj, err
	}
	return inj, nil
}

// GetInject loads an inject with its targets, dependencies and status including traces.
func (r Repo) GetInject(ctx context.Context, id string) (domain.Inject, error) {
	inj, err := scanInject(r.DB.QueryRowContext(ctx, `SELECT `+injectColumns+` FROM injects WHERE id=?`, id))
	if err != nil {
		return inj, err
	}
	list := []domain.Inject{inj}
	if err := r.hydrate(ctx, list); err != nil {
		return inj, err
	}
	inj = list[0]
	if inj.Status != nil {
		traces, err := r.listTraces(ctx, inj.ID)
		if err != nil {
			return inj, err
		}
		inj.Status.Traces = traces
	}
	return inj, nil
}

// ListExerciseInjects returns an exercise's injects ordered by offset. Statuses carry no traces.
func (r Repo) ListExerciseInjects(ctx context.Context, exerciseID string) ([]domain.Inject, error) {
	return r.queryInjects(ctx, `SELECT `+injectColumns+` FROM injects WHERE exercise_id=? ORDER BY depends_duration, created_at, id`, exerciseID)
}

// ListStandaloneInjects returns injects that belong to no exercise.
func (r Repo) ListStandaloneInjects(ctx context.Context) ([]domain.Inject, error) {
	return r.queryInjects(ctx, `SELECT `+injectColumns+` FROM injects WHERE exercise_id IS NULL ORDER BY created_at, id`)
}

func (r Repo) queryInjects(ctx context.Context, query string, args ...any) ([]domain.Inject, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Inject
	for rows.Next() {
		inj, err := scanInject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, inj)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r Repo) hydrate(ctx context.Context, injects []domain.Inject) error {
	if len(injects) == 0 {
		return nil
	}
	ids := make([]string, len(injects))
	for i, inj := range injects {
		ids[i] = inj.ID
	}
	targets, err := r.listTargets(ctx, ids)
	if err != nil {
		return err
	}
	deps, err := r.listDependencies(ctx, ids)
	if err != nil {
		return err
	}
	statuses, err := r.listStatuses(ctx, `WHERE inject_id IN (`+placeholders(len(ids))+`)`, anyArgs(ids)...)
	if err != nil {
		return err
	}
	byInject := make(map[string]domain.InjectStatus, len(statuses))
	for _, st := range statuses {
		byInject[st.InjectID] = st
	}
	for i := range injects {
		injects[i].Targets = targets[injects[i].ID]
		injects[i].Dependencies = deps[injects[i].ID]
		if st, ok := byInject[injects[i].ID]; ok {
			injects[i].Status = &st
		}
	}
	return nil
}

func (r Repo) listTargets(ctx context.Context, injectIDs []string) (map[string][]domain.Target, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT inject_id,target_type,target_id FROM inject_targets WHERE inject_id IN (`+placeholders(len(injectIDs))+`) ORDER BY target_type,target_id`,
		anyArgs(injectIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.Target{}
	for rows.Next() {
		var (
			injectID string
			t        domain.Target
		)
		if err := rows.Scan(&injectID, &t.Type, &t.ID); err != nil {
			return nil, err
		}
		res[injectID] = append(res[injectID], t)
	}
	return res, rows.Err()
}

// listDependencies keys the parent edges by child inject id.
func (r Repo) listDependencies(ctx context.Context, childIDs []string) (map[string][]domain.InjectDependency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT parent_id,child_id,condition_json FROM inject_dependencies WHERE child_id IN (`+placeholders(len(childIDs))+`) ORDER BY parent_id`,
		anyArgs(childIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.InjectDependency{}
	for rows.Next() {
		var (
			dep  domain.InjectDependency
			cond string
		)
		if err := rows.Scan(&dep.ParentID, &dep.ChildID, &cond); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cond), &dep.Condition); err != nil {
			return nil, fmt.Errorf("dependency %s -> %s condition: %w", dep.ParentID, dep.ChildID, err)
		}
		res[dep.ChildID] = append(res[dep.ChildID], dep)
	}
	return res, rows.Err()
}
