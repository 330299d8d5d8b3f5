package injectlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal injectline HTTP API client, used by implants and
// scoring integrations to report back.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Trace is one execution trace of an inject.
type Trace struct {
	ID          string   `json:"id"`
	InjectID    string   `json:"inject_id"`
	AgentID     *string  `json:"agent_id,omitempty"`
	Status      string   `json:"status"`
	Action      string   `json:"action"`
	Message     string   `json:"message"`
	Identifiers []string `json:"identifiers,omitempty"`
	Time        string   `json:"time"`
}

// InjectStatus is the execution status of an inject.
type InjectStatus struct {
	InjectID         string  `json:"inject_id"`
	Name             string  `json:"name"`
	Traces           []Trace `json:"traces,omitempty"`
	TrackingSentDate *string `json:"tracking_sent_date,omitempty"`
	TrackingEndDate  *string `json:"tracking_end_date,omitempty"`
	TargetAgents     int     `json:"target_agents"`
}

// Callback is an execution result reported for an inject. AgentID is empty
// for agentless executions.
type Callback struct {
	AgentID     string
	Action      string
	Status      string
	Message     string
	Identifiers []string
}

// ExpectationResult is one piece of evidence recorded on an expectation.
type ExpectationResult struct {
	ID         string   `json:"id,omitempty"`
	SourceID   string   `json:"source_id"`
	SourceType string   `json:"source_type,omitempty"`
	SourceName string   `json:"source_name,omitempty"`
	Result     string   `json:"result,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Date       string   `json:"date,omitempty"`
}

// Expectation represents the API expectation model (partial).
type Expectation struct {
	ID            string              `json:"id"`
	InjectID      string              `json:"inject_id"`
	Type          string              `json:"type"`
	Name          string              `json:"name,omitempty"`
	AgentID       *string             `json:"agent_id,omitempty"`
	AssetID       *string             `json:"asset_id,omitempty"`
	AssetGroupID  *string             `json:"asset_group_id,omitempty"`
	ExpectedScore float64             `json:"expected_score"`
	Score         *float64            `json:"score,omitempty"`
	Status        string              `json:"status"`
	Results       []ExpectationResult `json:"results,omitempty"`
}

// TargetView is the expectations and agent traces of one inject target.
type TargetView struct {
	InjectID     string             `json:"inject_id"`
	TargetID     string             `json:"target_id"`
	TargetType   string             `json:"target_type"`
	Expectations []Expectation      `json:"expectations"`
	Traces       map[string][]Trace `json:"traces"`
}

// CycleReport summarizes one orchestrator cycle (partial).
type CycleReport struct {
	CycleID              string              `json:"cycle_id"`
	StartedAt            string              `json:"started_at"`
	StartedExercises     []string            `json:"started_exercises,omitempty"`
	Due                  int                 `json:"due"`
	Withheld             map[string][]string `json:"withheld,omitempty"`
	ClosedExercises      []string            `json:"closed_exercises,omitempty"`
	MaybePrevented       int                 `json:"maybe_prevented"`
	ExpiredExpectations  int                 `json:"expired_expectations"`
	CompletedCollections int                 `json:"completed_collections"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendCallback reports an execution result. A COMPLETE action returns 409 once
// the inject already reached a final status.
func (c *Client) SendCallback(ctx context.Context, injectID string, cb Callback) (InjectStatus, error) {
	body := map[string]any{
		"action":  cb.Action,
		"status":  cb.Status,
		"message": cb.Message,
	}
	if cb.AgentID != "" {
		body["agent_id"] = cb.AgentID
	}
	if len(cb.Identifiers) > 0 {
		body["identifiers"] = cb.Identifiers
	}
	var resp InjectStatus
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/injects/%s/callback", url.PathEscape(injectID)), body, &resp)
	return resp, err
}

// ResolveTarget returns the expectations and traces of one inject target.
func (c *Client) ResolveTarget(ctx context.Context, injectID, targetType, targetID string) (TargetView, error) {
	var resp TargetView
	endpoint := fmt.Sprintf("v0/injects/%s/targets/%s/%s", url.PathEscape(injectID), url.PathEscape(targetType), url.PathEscape(targetID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ScoreExpectation records a result, and its score when set, on an expectation.
func (c *Client) ScoreExpectation(ctx context.Context, expectationID string, res ExpectationResult) (Expectation, error) {
	var resp Expectation
	endpoint := fmt.Sprintf("v0/expectations/%s/results", url.PathEscape(expectationID))
	err := c.do(ctx, http.MethodPost, endpoint, res, &resp)
	return resp, err
}

// TriggerCycle runs one orchestrator cycle on the server.
func (c *Client) TriggerCycle(ctx context.Context) (CycleReport, error) {
	var resp CycleReport
	err := c.do(ctx, http.MethodPost, "v0/cycles", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
