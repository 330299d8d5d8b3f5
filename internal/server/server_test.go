package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"injectline/internal/config"
	"injectline/internal/db"
	"injectline/internal/domain"
	"injectline/internal/engine"
	"injectline/internal/engine/auth"
	"injectline/internal/events"
	"injectline/internal/logger"
	"injectline/internal/migrate"
	"injectline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Logger = logger.Discard()
	authCfg.Logger = logger.Discard()
	handler, err := New(Config{
		Engine:   e,
		Events:   &events.Writer{DB: conn},
		BasePath: "/v0",
		Auth:     authCfg,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "injectline_cycles_total 0\n")
		}),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   repo.Repo{DB: conn},
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	seed(t, testSrv.Repo)
	return testSrv, func() { testSrv.Close() }
}

// seed creates a due exercise with an implant inject on agent-a and a manual
// inject that only becomes due two hours after the start.
func seed(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.UpsertAsset(ctx, tx, domain.Asset{ID: "asset-1", Name: "web-01"}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertAgent(ctx, tx, domain.Agent{ID: "agent-a", AssetID: "asset-1", Hostname: "web-01"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertExercise(ctx, domain.Exercise{ID: "ex-1", Name: "Purple team", Status: domain.ExerciseScheduled, Start: &start, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("insert exercise: %v", err)
	}
	exerciseID := "ex-1"
	if err := r.InsertInject(ctx, domain.Inject{
		ID: "imp", ExerciseID: &exerciseID, Title: "Dump credentials", Enabled: true, Contract: "implant",
		Content: map[string]any{"payload": "mimikatz"},
		Targets: []domain.Target{{Type: domain.TargetAgent, ID: "agent-a"}},
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert inject: %v", err)
	}
	if err := r.InsertInject(ctx, domain.Inject{
		ID: "later", ExerciseID: &exerciseID, Title: "Debrief", Enabled: true, Contract: "manual",
		DependsDuration: 2 * time.Hour, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert inject: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(body))
	}
	return env.Error.Code
}

func TestCycleDispatchAndCallback(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run cycle status %d: %s", res.StatusCode, string(body))
	}
	var report engine.CycleReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(report.Dispatched) != 1 || len(report.StartedExercises) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/injects/imp", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get inject status %d: %s", res.StatusCode, string(body))
	}
	var inj InjectResponse
	_ = json.Unmarshal(body, &inj)
	if inj.Status == nil || inj.Status.Name != domain.StatusPending {
		t.Fatalf("expected PENDING inject, got %+v", inj.Status)
	}

	callback := map[string]any{"agent_id": "agent-a", "action": "COMPLETE", "status": "SUCCESS", "message": "done"}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/injects/imp/callback", callback, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("callback status %d: %s", res.StatusCode, string(body))
	}
	var st domain.InjectStatus
	_ = json.Unmarshal(body, &st)
	if st.Name != domain.StatusSuccess || st.TrackingEndDate == nil {
		t.Fatalf("expected SUCCESS after the last agent, got %+v", st)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/injects/imp/callback", callback, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, body) != "conflict" {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/injects/missing/callback", callback, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found, got %d %s", res.StatusCode, string(body))
	}
	callback["action"] = "LAUNCH"
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/injects/imp/callback", callback, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown action, got %d %s", res.StatusCode, string(body))
	}
}

func TestResolveTargetAndScore(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	now := time.Now().UTC()
	agentID := "agent-a"
	if err := srv.Repo.InsertExpectations(context.Background(), []domain.InjectExpectation{{
		ID: "exp-1", InjectID: "imp", Type: domain.ExpectationDetection, AgentID: &agentID,
		ExpectedScore: 100, Status: domain.ExpectationPending, ExpirationTime: 3600, CreatedAt: now, UpdatedAt: now,
	}}); err != nil {
		t.Fatal(err)
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/injects/imp/targets/agent/agent-a", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve target status %d: %s", res.StatusCode, string(body))
	}
	var view engine.TargetView
	_ = json.Unmarshal(body, &view)
	if len(view.Expectations) != 1 || view.Expectations[0].ID != "exp-1" {
		t.Fatalf("unexpected target view: %+v", view)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/injects/imp/targets/team/team-1", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for team target, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/expectations/exp-1/results", map[string]any{
		"source_id": "edr-1", "source_name": "EDR", "result": "Detected", "score": 100,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("score status %d: %s", res.StatusCode, string(body))
	}
	var exp domain.InjectExpectation
	_ = json.Unmarshal(body, &exp)
	if exp.Status != domain.ExpectationSuccess || len(exp.Results) != 1 {
		t.Fatalf("expected a scored expectation, got %+v", exp)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/expectations/exp-1/results", map[string]any{"source_id": "edr-1", "score": -5}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for negative score, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/expectations/nope/results", map[string]any{"source_id": "edr-1"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", res.StatusCode)
	}
}

func TestExercisesAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/exercises?status=scheduled", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ex-1"`) {
		t.Fatalf("list exercises: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/exercises/ex-1/pause", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("pausing a scheduled exercise must conflict, got %d %s", res.StatusCode, string(body))
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", nil, nil)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/exercises/ex-1/pause", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"PAUSED"`) {
		t.Fatalf("pause: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/exercises/ex-1/injects", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"imp"`) {
		t.Fatalf("list injects: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=10", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "exercise.started") {
		t.Fatalf("list events: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "injectline_cycles_total") {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(body))
	}
}

func TestBearerAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay public, got %d", res.StatusCode)
	}
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/exercises", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/exercises", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for a bad token, got %d", res.StatusCode)
	}

	reader, err := IssueToken(testSecret, "soc-analyst", []string{auth.PermExercisesRead, "injects.*"})
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{"Authorization": "Bearer " + reader}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/injects/imp", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("wildcard grant: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", nil, headers)
	if res.StatusCode != http.StatusForbidden || errorCode(t, body) != "forbidden" {
		t.Fatalf("expected forbidden, got %d %s", res.StatusCode, string(body))
	}
}

func TestOpenAPIDocumentsBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(body), "bearerAuth") || !strings.Contains(string(body), "/v0/injects/{inject_id}/callback") {
		t.Fatalf("openapi document incomplete: %s", string(body))
	}
}
