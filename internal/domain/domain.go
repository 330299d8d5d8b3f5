package domain

import (
	"errors"
	"time"
)

type ExerciseStatus string

const (
	ExerciseScheduled ExerciseStatus = "SCHEDULED"
	ExerciseRunning   ExerciseStatus = "RUNNING"
	ExercisePaused    ExerciseStatus = "PAUSED"
	ExerciseFinished  ExerciseStatus = "FINISHED"
	ExerciseCanceled  ExerciseStatus = "CANCELED"
)

type Exercise struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     ExerciseStatus `json:"status" enum:"SCHEDULED,RUNNING,PAUSED,FINISHED,CANCELED"`
	Start      *time.Time     `json:"start,omitempty"`
	End        *time.Time     `json:"end,omitempty"`
	Pauses     []Pause        `json:"pauses,omitempty"`
	ScenarioID *string        `json:"scenario_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Pause shifts every not-yet-executed inject of its exercise. A nil Duration
// means the pause is still in progress.
type Pause struct {
	ID       string         `json:"id"`
	Date     time.Time      `json:"date"`
	Duration *time.Duration `json:"duration,omitempty"`
}

type Inject struct {
	ID              string                `json:"id"`
	ExerciseID      *string               `json:"exercise_id,omitempty"`
	Title           string                `json:"title"`
	Enabled         bool                  `json:"enabled"`
	DependsDuration time.Duration         `json:"depends_duration"`
	Contract        string                `json:"contract"`
	Content         map[string]any        `json:"content,omitempty"`
	Expectations    []ExpectationTemplate `json:"expectations,omitempty"`
	Targets         []Target              `json:"targets,omitempty"`
	Dependencies    []InjectDependency    `json:"dependencies,omitempty"`
	Status          *InjectStatus         `json:"status,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ExerciseKey groups standalone injects under the empty key.
func (i Inject) ExerciseKey() string {
	if i.ExerciseID == nil {
		return ""
	}
	return *i.ExerciseID
}

// ExpectationTemplate is materialized into InjectExpectations when the inject is dispatched.
type ExpectationTemplate struct {
	Type           ExpectationType `json:"type" yaml:"type"`
	Name           string          `json:"name,omitempty" yaml:"name"`
	ExpectedScore  float64         `json:"expected_score" yaml:"expected_score"`
	ExpirationTime *int64          `json:"expiration_time,omitempty" yaml:"expiration_time"`
}

type TargetType string

const (
	TargetAgent      TargetType = "AGENT"
	TargetAsset      TargetType = "ASSET"
	TargetAssetGroup TargetType = "ASSET_GROUP"
	TargetTeam       TargetType = "TEAM"
)

type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

type InjectDependency struct {
	ParentID  string              `json:"parent_id"`
	ChildID   string              `json:"child_id"`
	Condition DependencyCondition `json:"condition"`
}

type ConditionMode string

const (
	ConditionAnd ConditionMode = "and"
	ConditionOr  ConditionMode = "or"
)

type DependencyCondition struct {
	Mode       ConditionMode     `json:"mode,omitempty"`
	Conditions []ConditionClause `json:"conditions"`
}

type ConditionClause struct {
	Key      string `json:"key"`
	Operator string `json:"operator,omitempty"`
	Value    bool   `json:"value"`
}

type ExecutionStatus string

const (
	StatusQueuing        ExecutionStatus = "QUEUING"
	StatusDraft          ExecutionStatus = "DRAFT"
	StatusExecuting      ExecutionStatus = "EXECUTING"
	StatusPending        ExecutionStatus = "PENDING"
	StatusMaybePrevented ExecutionStatus = "MAYBE_PREVENTED"
	StatusError          ExecutionStatus = "ERROR"
	StatusSuccess        ExecutionStatus = "SUCCESS"
	StatusPartial        ExecutionStatus = "PARTIAL"
)

// Dispatched reports whether the status belongs to an inject that already left the queue.
func (s ExecutionStatus) Dispatched() bool {
	switch s {
	case "", StatusQueuing, StatusDraft:
		return false
	}
	return true
}

// InFlight reports whether an execution outcome is still unknown.
func (s ExecutionStatus) InFlight() bool {
	switch s {
	case "", StatusQueuing, StatusDraft, StatusExecuting, StatusPending:
		return true
	}
	return false
}

type CollectStatus string

const (
	CollectPending   CollectStatus = "PENDING"
	CollectCompleted CollectStatus = "COMPLETED"
)

type InjectStatus struct {
	InjectID         string           `json:"inject_id"`
	Name             ExecutionStatus  `json:"name"`
	Traces           []ExecutionTrace `json:"traces,omitempty"`
	TrackingSentDate *time.Time       `json:"tracking_sent_date,omitempty"`
	TrackingEndDate  *time.Time       `json:"tracking_end_date,omitempty"`
	CollectStatus    CollectStatus    `json:"collect_status"`
	TargetAgents     int              `json:"target_agents"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type TraceStatus string

const (
	TraceSuccess TraceStatus = "SUCCESS"
	TraceWarning TraceStatus = "WARNING"
	TraceError   TraceStatus = "ERROR"
	TraceInfo    TraceStatus = "INFO"
)

type TraceAction string

const (
	ActionExecution TraceAction = "EXECUTION"
	ActionComplete  TraceAction = "COMPLETE"
)

type ExecutionTrace struct {
	ID          string      `json:"id"`
	InjectID    string      `json:"inject_id"`
	AgentID     *string     `json:"agent_id,omitempty"`
	Status      TraceStatus `json:"status"`
	Action      TraceAction `json:"action"`
	Message     string      `json:"message"`
	Identifiers []string    `json:"identifiers,omitempty"`
	Time        time.Time   `json:"time"`
}

type ExpectationType string

const (
	ExpectationDetection     ExpectationType = "DETECTION"
	ExpectationPrevention    ExpectationType = "PREVENTION"
	ExpectationVulnerability ExpectationType = "VULNERABILITY"
	ExpectationManual        ExpectationType = "MANUAL"
	ExpectationChallenge     ExpectationType = "CHALLENGE"
	ExpectationArticle       ExpectationType = "ARTICLE"
)

// Technical expectations are scored per agent and aggregated upwards.
func (t ExpectationType) Technical() bool {
	switch t {
	case ExpectationDetection, ExpectationPrevention, ExpectationVulnerability:
		return true
	}
	return false
}

type ExpectationStatus string

const (
	ExpectationPending ExpectationStatus = "PENDING"
	ExpectationSuccess ExpectationStatus = "SUCCESS"
	ExpectationPartial ExpectationStatus = "PARTIAL"
	ExpectationFailed  ExpectationStatus = "FAILED"
)

// ComputeExpectationStatus derives the response status from a score.
func ComputeExpectationStatus(score *float64, expected float64) ExpectationStatus {
	switch {
	case score == nil:
		return ExpectationPending
	case *score >= expected:
		return ExpectationSuccess
	case *score <= 0:
		return ExpectationFailed
	default:
		return ExpectationPartial
	}
}

type InjectExpectation struct {
	ID             string              `json:"id"`
	InjectID       string              `json:"inject_id"`
	ExerciseID     *string             `json:"exercise_id,omitempty"`
	Type           ExpectationType     `json:"type"`
	Name           string              `json:"name,omitempty"`
	AgentID        *string             `json:"agent_id,omitempty"`
	AssetID        *string             `json:"asset_id,omitempty"`
	AssetGroupID   *string             `json:"asset_group_id,omitempty"`
	ExpectedScore  float64             `json:"expected_score"`
	Score          *float64            `json:"score,omitempty"`
	Status         ExpectationStatus   `json:"status"`
	ExpirationTime int64               `json:"expiration_time"`
	Results        []ExpectationResult `json:"results,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

var ErrExpectationTarget = errors.New("expectation must reference exactly one of agent, asset or asset group")

func (e InjectExpectation) Validate() error {
	n := 0
	for _, ref := range []*string{e.AgentID, e.AssetID, e.AssetGroupID} {
		if ref != nil && *ref != "" {
			n++
		}
	}
	if n != 1 {
		return ErrExpectationTarget
	}
	return nil
}

// Level returns the target kind the expectation is attached to.
func (e InjectExpectation) Level() TargetType {
	switch {
	case e.AgentID != nil:
		return TargetAgent
	case e.AssetID != nil:
		return TargetAsset
	default:
		return TargetAssetGroup
	}
}

func (e InjectExpectation) Resolved() bool { return e.Score != nil }

func (e InjectExpectation) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.ExpirationTime) * time.Second)
}

func (e InjectExpectation) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

type ExpectationResult struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	SourceType string    `json:"source_type"`
	SourceName string    `json:"source_name"`
	Result     string    `json:"result"`
	Score      *float64  `json:"score,omitempty"`
	Date       time.Time `json:"date"`
}

type Agent struct {
	ID       string `json:"id"`
	AssetID  string `json:"asset_id"`
	Hostname string `json:"hostname,omitempty"`
}

type Asset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type AssetGroup struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	AssetIDs []string `json:"asset_ids,omitempty"`
}

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ExecutableInject binds an inject to its resolved targets for one dispatch attempt.
type ExecutableInject struct {
	Inject      Inject
	Agents      []Agent
	Assets      []Asset
	AssetGroups []AssetGroup
	Teams       []Team
}

// Execution is what an executor reports back for one dispatch attempt. Async
// executions finish later through the execution callback.
type Execution struct {
	Traces []ExecutionTrace
	Async  bool
}

// ExecutionResult is the payload accepted by the execution callback.
type ExecutionResult struct {
	Action      TraceAction `json:"action"`
	Status      TraceStatus `json:"status"`
	Message     string      `json:"message"`
	Identifiers []string    `json:"identifiers,omitempty"`
}

type Event struct {
	ID          int64      `json:"id"`
	TS          time.Time  `json:"ts"`
	Type        string     `json:"type"`
	ExerciseID  string     `json:"exercise_id,omitempty"`
	EntityKind  string     `json:"entity_kind"`
	EntityID    string     `json:"entity_id,omitempty"`
	Payload     string     `json:"payload_json"`
	DeliverAt   time.Time  `json:"deliver_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Notification is a fire-and-forget event handed to the notification channel.
type Notification struct {
	Type       string         `json:"type"`
	ExerciseID string         `json:"exercise_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}
