package repo

import (
	"context"
	"database/sql"
	"fmt"

	"injectline/internal/domain"
)

const expectationColumns = `id,inject_id,exercise_id,type,name,agent_id,asset_id,asset_group_id,expected_score,score,status,expiration_time,created_at,updated_at`

func scanExpectation(row rowScanner) (domain.InjectExpectation, error) {
	var (
		e                       domain.InjectExpectation
		exerciseID              sql.NullString
		agentID, assetID, group sql.NullString
		score                   sql.NullFloat64
		createdAt, updatedAt    string
	)
	if err := row.Scan(&e.ID, &e.InjectID, &exerciseID, &e.Type, &e.Name, &agentID, &assetID, &group,
		&e.ExpectedScore, &score, &e.Status, &e.ExpirationTime, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return e, ErrNotFound
		}
		return e, err
	}
	e.ExerciseID = stringPtr(exerciseID)
	e.AgentID = stringPtr(agentID)
	e.AssetID = stringPtr(assetID)
	e.AssetGroupID = stringPtr(group)
	e.Score = floatPtr(score)
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) queryExpectations(ctx context.Context, where string, args ...any) ([]domain.InjectExpectation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+expectationColumns+` FROM inject_expectations `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.InjectExpectation
	for rows.Next() {
		e, err := scanExpectation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := r.attachResults(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// InsertExpectations stores materialized expectations in one transaction.
func (r Repo) InsertExpectations(ctx context.Context, exps []domain.InjectExpectation) error {
	if len(exps) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range exps {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("expectation %s: %w", e.ID, err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO inject_expectations(`+expectationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.ID, e.InjectID, nullableStringPtr(e.ExerciseID), e.Type, e.Name, nullableStringPtr(e.AgentID), nullableStringPtr(e.AssetID),
			nullableStringPtr(e.AssetGroupID), e.ExpectedScore, nullableFloatPtr(e.Score), e.Status, e.ExpirationTime,
			formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert expectation %s: %w", e.ID, err)
		}
		for _, res := range e.Results {
			if err := insertResult(ctx, tx, e.ID, res); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (r Repo) GetExpectation(ctx context.Context, id string) (domain.InjectExpectation, error) {
	e, err := scanExpectation(r.DB.QueryRowContext(ctx, `SELECT `+expectationColumns+` FROM inject_expectations WHERE id=?`, id))
	if err != nil {
		return e, err
	}
	list := []domain.InjectExpectation{e}
	if err := r.attachResults(ctx, list); err != nil {
		return e, err
	}
	return list[0], nil
}

func (r Repo) ListInjectExpectations(ctx context.Context, injectID string) ([]domain.InjectExpectation, error) {
	return r.queryExpectations(ctx, `WHERE inject_id=?`, injectID)
}

func (r Repo) ListExerciseExpectations(ctx context.Context, exerciseID string) ([]domain.InjectExpectation, error) {
	return r.queryExpectations(ctx, `WHERE exercise_id=?`, exerciseID)
}

// ListUnresolvedInjectIDs returns the injects that still have an expectation
// without score, in id order.
func (r Repo) ListUnresolvedInjectIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT inject_id FROM inject_expectations WHERE score IS NULL ORDER BY inject_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveExpectationScore persists score and status, overwriting any score.
func (r Repo) SaveExpectationScore(ctx context.Context, e domain.InjectExpectation) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE inject_expectations SET score=?, status=?, updated_at=? WHERE id=?`,
		nullableFloatPtr(e.Score), e.Status, formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveExpectationScore sets score and status only while the expectation
// has no score. It reports false when another writer scored it first.
func (r Repo) ResolveExpectationScore(ctx context.Context, e domain.InjectExpectation) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE inject_expectations SET score=?, status=?, updated_at=? WHERE id=? AND score IS NULL`,
		nullableFloatPtr(e.Score), e.Status, formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) AddExpectationResult(ctx context.Context, expectationID string, res domain.ExpectationResult) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertResult(ctx, tx, expectationID, res); err != nil {
		return err
	}
	return tx.Commit()
}

func insertResult(ctx context.Context, tx *sql.Tx, expectationID string, res domain.ExpectationResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO expectation_results(id,expectation_id,source_id,source_type,source_name,result,score,date) VALUES (?,?,?,?,?,?,?,?)`,
		res.ID, expectationID, res.SourceID, res.SourceType, res.SourceName, res.Result, nullableFloatPtr(res.Score), formatTime(res.Date))
	if err != nil {
		return fmt.Errorf("insert result %s: %w", res.ID, err)
	}
	return nil
}

func (r Repo) attachResults(ctx context.Context, exps []domain.InjectExpectation) error {
	if len(exps) == 0 {
		return nil
	}
	ids := make([]string, len(exps))
	index := make(map[string]int, len(exps))
	for i, e := range exps {
		ids[i] = e.ID
		index[e.ID] = i
	}
	for _, batch := range batches(ids, maxInArgs) {
		if err := r.attachResultBatch(ctx, exps, index, batch); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) attachResultBatch(ctx context.Context, exps []domain.InjectExpectation, index map[string]int, ids []string) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,expectation_id,source_id,source_type,source_name,result,score,date FROM expectation_results WHERE expectation_id IN (`+placeholders(len(ids))+`) ORDER BY date, id`,
		anyArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			res           domain.ExpectationResult
			expectationID string
			score         sql.NullFloat64
			date          string
		)
		if err := rows.Scan(&res.ID, &expectationID, &res.SourceID, &res.SourceType, &res.SourceName, &res.Result, &score, &date); err != nil {
			return err
		}
		res.Score = floatPtr(score)
		if res.Date, err = parseTime(date); err != nil {
			return err
		}
		i := index[expectationID]
		exps[i].Results = append(exps[i].Results, res)
	}
	return rows.Err()
}
