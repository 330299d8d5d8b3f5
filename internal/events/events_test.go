package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"injectline/internal/config"
	"injectline/internal/db"
	"injectline/internal/domain"
	"injectline/internal/events"
	"injectline/internal/logger"
	"injectline/internal/migrate"
)

func newWriter(t *testing.T, now *time.Time) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return events.Writer{DB: conn, Now: func() time.Time { return *now }}
}

func TestDelayedNotificationIsHeldBack(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w := newWriter(t, &now)
	ctx := context.Background()
	if err := w.Notify(ctx, domain.Notification{Type: "exercise.coverage", ExerciseID: "ex-1", EntityKind: "exercise", EntityID: "ex-1"}, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.Notify(ctx, domain.Notification{Type: "simulation.completed", ExerciseID: "ex-1", EntityKind: "scenario", EntityID: "sc-1"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	due, err := w.Due(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Type != "exercise.coverage" {
		t.Fatalf("due = %+v", due)
	}
	due, _ = w.Due(ctx, now.Add(time.Hour), 10)
	if len(due) != 2 {
		t.Fatalf("after delay due = %d", len(due))
	}
	all, _ := w.List(ctx, 10)
	if len(all) != 2 || all[0].Type != "simulation.completed" {
		t.Fatalf("list = %+v", all)
	}
}

func TestDispatcherDeliversMatchingEvents(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w := newWriter(t, &now)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.Header.Get("X-Injectline-Secret") != "s3cret" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_ = w.Notify(ctx, domain.Notification{Type: "exercise.coverage", EntityKind: "exercise", EntityID: "ex-1", Payload: map[string]any{"name": "Q1"}}, 0)
	_ = w.Notify(ctx, domain.Notification{Type: "exercise.started", EntityKind: "exercise", EntityID: "ex-1"}, 0)

	d := &events.Dispatcher{
		Writer:   w,
		Webhooks: []config.WebhookConfig{{URL: srv.URL, Secret: "s3cret", Events: []string{"exercise.coverage"}}},
		Logger:   logger.Discard(),
	}
	n, err := d.DispatchOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("delivered = %d, want 2 (non matching events are marked too)", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0]["type"] != "exercise.coverage" {
		t.Fatalf("received = %+v", received)
	}
	if payload, ok := received[0]["payload"].(map[string]any); !ok || payload["name"] != "Q1" {
		t.Fatalf("payload = %+v", received[0]["payload"])
	}
	if n, _ := d.DispatchOnce(ctx); n != 0 {
		t.Fatalf("events delivered twice")
	}
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w := newWriter(t, &now)
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			rw.WriteHeader(http.StatusBadGateway)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	_ = w.Notify(ctx, domain.Notification{Type: "exercise.coverage", EntityKind: "exercise"}, 0)
	d := &events.Dispatcher{Writer: w, Webhooks: []config.WebhookConfig{{URL: srv.URL}}, Logger: logger.Discard()}
	if n, _ := d.DispatchOnce(ctx); n != 0 {
		t.Fatalf("failed delivery must not be marked")
	}
	fail.Store(false)
	if n, _ := d.DispatchOnce(ctx); n != 1 {
		t.Fatalf("retry should deliver")
	}
}
