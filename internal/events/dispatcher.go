package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"injectline/internal/config"
	"injectline/internal/domain"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultWebhookTimeout   = 5 * time.Second
	defaultDispatchBatch    = 100
)

// Dispatcher delivers due events to the configured webhooks. An event is
// marked delivered once every matching hook accepted it; failures are retried
// on the next pass.
type Dispatcher struct {
	Writer   Writer
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Logger   *slog.Logger
	Interval time.Duration
}

// Run delivers events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil {
			d.logger().Error("event dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch of due events and returns how many were marked delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now()
	events, err := d.Writer.Due(ctx, now, defaultDispatchBatch)
	if err != nil {
		return 0, fmt.Errorf("fetch due events: %w", err)
	}
	delivered := 0
	for _, evt := range events {
		ok := true
		for _, hook := range d.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" || !newEventFilter(hook.Events).match(evt.Type) {
				continue
			}
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.logger().Warn("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "type", evt.Type, "error", err)
				ok = false
			}
		}
		if !ok {
			continue
		}
		if err := d.Writer.MarkDelivered(ctx, evt.ID, now); err != nil {
			return delivered, fmt.Errorf("mark event %d delivered: %w", evt.ID, err)
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Writer.Now != nil {
		return d.Writer.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ExerciseID string          `json:"exercise_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ExerciseID: evt.ExerciseID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS.UTC().Format(time.RFC3339),
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.Client
	if client == nil || client.Timeout != timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Injectline-Event", evt.Type)
	req.Header.Set("X-Injectline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Injectline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
