package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"injectline/internal/domain"
)

// Writer persists notifications into the events table. Delivery happens later
// through the Dispatcher once deliver_at has passed.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Fixed-width UTC timestamps keep lexical order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Notify records n for delivery after delay. It never blocks on delivery.
func (w Writer) Notify(ctx context.Context, n domain.Notification, delay time.Duration) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	now := w.Now().UTC()
	if delay < 0 {
		delay = 0
	}
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,exercise_id,entity_kind,entity_id,payload_json,deliver_at) VALUES (?,?,?,?,?,?,?)`,
		now.Format(timeLayout), n.Type, nullable(n.ExerciseID), n.EntityKind, nullable(n.EntityID), string(data), now.Add(delay).Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert event %s: %w", n.Type, err)
	}
	return nil
}

// Due returns undelivered events whose delivery time has passed, oldest first.
func (w Writer) Due(ctx context.Context, now time.Time, limit int) ([]domain.Event, error) {
	return w.query(ctx, `WHERE delivered_at IS NULL AND deliver_at <= ? ORDER BY deliver_at, id LIMIT ?`, now.UTC().Format(timeLayout), limit)
}

// List returns the most recent events, newest first.
func (w Writer) List(ctx context.Context, limit int) ([]domain.Event, error) {
	return w.query(ctx, `ORDER BY id DESC LIMIT ?`, limit)
}

func (w Writer) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := w.DB.ExecContext(ctx, `UPDATE events SET delivered_at=? WHERE id=?`, at.UTC().Format(timeLayout), id)
	return err
}

func (w Writer) query(ctx context.Context, tail string, args ...any) ([]domain.Event, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(exercise_id,''),entity_kind,COALESCE(entity_id,''),payload_json,deliver_at,delivered_at FROM events `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			evt           domain.Event
			ts, deliverAt string
			deliveredAt   sql.NullString
		)
		if err := rows.Scan(&evt.ID, &ts, &evt.Type, &evt.ExerciseID, &evt.EntityKind, &evt.EntityID, &evt.Payload, &deliverAt, &deliveredAt); err != nil {
			return nil, err
		}
		if evt.TS, err = time.Parse(timeLayout, ts); err != nil {
			return nil, err
		}
		if evt.DeliverAt, err = time.Parse(timeLayout, deliverAt); err != nil {
			return nil, err
		}
		if deliveredAt.Valid {
			t, err := time.Parse(timeLayout, deliveredAt.String)
			if err != nil {
				return nil, err
			}
			evt.DeliveredAt = &t
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
