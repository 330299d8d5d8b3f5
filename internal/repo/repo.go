package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"injectline/internal/domain"
)

// Repo is the SQLite store behind the engine. The database runs with a single
// connection, so no method issues a query while rows of another are still open.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Fixed-width UTC timestamps keep lexical order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// maxInArgs keeps IN lists well under SQLite's bound variable limit.
const maxInArgs = 500

func batches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anyArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) InsertExercise(ctx context.Context, ex domain.Exercise) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertExerciseTx(ctx, tx, ex); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertExerciseTx(ctx context.Context, tx *sql.Tx, ex domain.Exercise) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO exercises(id,name,status,start_date,end_date,scenario_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		ex.ID, ex.Name, ex.Status, nullableTime(ex.Start), nullableTime(ex.End), nullableStringPtr(ex.ScenarioID), formatTime(ex.CreatedAt), formatTime(ex.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert exercise %s: %w", ex.ID, err)
	}
	for _, p := range ex.Pauses {
		if err := insertPause(ctx, tx, ex.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func insertPause(ctx context.Context, ex execer, exerciseID string, p domain.Pause) error {
	var duration any
	if p.Duration != nil {
		duration = int64(p.Duration.Seconds())
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO exercise_pauses(id,exercise_id,pause_date,duration_seconds) VALUES (?,?,?,?)`,
		p.ID, exerciseID, formatTime(p.Date), duration)
	if err != nil {
		return fmt.Errorf("insert pause %s: %w", p.ID, err)
	}
	return nil
}

const exerciseColumns = `id,name,status,start_date,end_date,scenario_id,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExercise(row rowScanner) (domain.Exercise, error) {
	var (
		ex                  domain.Exercise
		start, end, scen    sql.NullString
		createdAt, updateAt string
	)
	if err := row.Scan(&ex.ID, &ex.Name, &ex.Status, &start, &end, &scen, &createdAt, &updateAt); err != nil {
		if err == sql.ErrNoRows {
			return ex, ErrNotFound
		}
		return ex, err
	}
	var err error
	if ex.Start, err = parseNullTime(start); err != nil {
		return ex, err
	}
	if ex.End, err = parseNullTime(end); err != nil {
		return ex, err
	}
	ex.ScenarioID = stringPtr(scen)
	if ex.CreatedAt, err = parseTime(createdAt); err != nil {
		return ex, err
	}
	if ex.UpdatedAt, err = parseTime(updateAt); err != nil {
		return ex, err
	}
	return ex, nil
}

func (r Repo) GetExercise(ctx context.Context, id string) (domain.Exercise, error) {
	ex, err := scanExercise(r.DB.QueryRowContext(ctx, `SELECT `+exerciseColumns+` FROM exercises WHERE id=?`, id))
	if err != nil {
		return ex, err
	}
	pauses, err := r.listPauses(ctx, []string{ex.ID})
	if err != nil {
		return ex, err
	}
	ex.Pauses = pauses[ex.ID]
	return ex, nil
}

// ListExercises returns exercises in the given statuses, or all of them when none is given.
func (r Repo) ListExercises(ctx context.Context, statuses ...domain.ExerciseStatus) ([]domain.Exercise, error) {
	query := `SELECT ` + exerciseColumns + ` FROM exercises`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Exercise
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, ex)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return res, nil
	}
	ids := make([]string, len(res))
	for i, ex := range res {
		ids[i] = ex.ID
	}
	pauses, err := r.listPauses(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Pauses = pauses[res[i].ID]
	}
	return res, nil
}

func (r Repo) listPauses(ctx context.Context, exerciseIDs []string) (map[string][]domain.Pause, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,exercise_id,pause_date,duration_seconds FROM exercise_pauses WHERE exercise_id IN (`+placeholders(len(exerciseIDs))+`) ORDER BY pause_date`,
		anyArgs(exerciseIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.Pause{}
	for rows.Next() {
		var (
			p          domain.Pause
			exerciseID string
			date       string
			duration   sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &exerciseID, &date, &duration); err != nil {
			return nil, err
		}
		if p.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		if duration.Valid {
			d := time.Duration(duration.Int64) * time.Second
			p.Duration = &d
		}
		res[exerciseID] = append(res[exerciseID], p)
	}
	return res, rows.Err()
}

// SetExerciseStatus updates the lifecycle status. Nil start or end keep the stored value.
func (r Repo) SetExerciseStatus(ctx context.Context, id string, status domain.ExerciseStatus, start, end *time.Time, at time.Time) error {
	fields := []string{"status=?", "updated_at=?"}
	args := []any{status, formatTime(at)}
	if start != nil {
		fields = append(fields, "start_date=?")
		args = append(args, formatTime(*start))
	}
	if end != nil {
		fields = append(fields, "end_date=?")
		args = append(args, formatTime(*end))
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE exercises SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchExercise bumps updated_at after a dispatch partition completes.
func (r Repo) TouchExercise(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE exercises SET updated_at=? WHERE id=?`, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenPause records a pause in progress.
func (r Repo) OpenPause(ctx context.Context, exerciseID string, p domain.Pause) error {
	return insertPause(ctx, r.DB, exerciseID, p)
}

// ClosePause sets the duration of the exercise's open pause.
func (r Repo) ClosePause(ctx context.Context, exerciseID string, at time.Time) error {
	var (
		id   string
		date string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,pause_date FROM exercise_pauses WHERE exercise_id=? AND duration_seconds IS NULL ORDER BY pause_date DESC LIMIT 1`, exerciseID).Scan(&id, &date)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	started, err := parseTime(date)
	if err != nil {
		return err
	}
	seconds := int64(at.Sub(started).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE exercise_pauses SET duration_seconds=? WHERE id=?`, seconds, id)
	return err
}
