package server

import (
	"time"

	"injectline/internal/domain"
)

// Request payloads

type CallbackRequest struct {
	AgentID     *string  `json:"agent_id,omitempty"`
	Action      string   `json:"action" enum:"EXECUTION,COMPLETE"`
	Status      string   `json:"status" enum:"SUCCESS,WARNING,ERROR,INFO"`
	Message     string   `json:"message,omitempty"`
	Identifiers []string `json:"identifiers,omitempty"`
}

func (r CallbackRequest) result() domain.ExecutionResult {
	return domain.ExecutionResult{
		Action:      domain.TraceAction(r.Action),
		Status:      domain.TraceStatus(r.Status),
		Message:     r.Message,
		Identifiers: r.Identifiers,
	}
}

type ResultRequest struct {
	SourceID   string     `json:"source_id"`
	SourceType string     `json:"source_type,omitempty"`
	SourceName string     `json:"source_name,omitempty"`
	Result     string     `json:"result,omitempty"`
	Score      *float64   `json:"score,omitempty"`
	Date       *time.Time `json:"date,omitempty"`
}

func (r ResultRequest) result() domain.ExpectationResult {
	res := domain.ExpectationResult{
		SourceID:   r.SourceID,
		SourceType: r.SourceType,
		SourceName: r.SourceName,
		Result:     r.Result,
		Score:      r.Score,
	}
	if r.Date != nil {
		res.Date = r.Date.UTC()
	}
	return res
}

// Responses

type InjectResponse struct {
	ID              string                       `json:"id"`
	ExerciseID      string                       `json:"exercise_id,omitempty"`
	Title           string                       `json:"title"`
	Enabled         bool                         `json:"enabled"`
	DependsDuration int64                        `json:"depends_duration_seconds"`
	Contract        string                       `json:"contract"`
	Content         map[string]any               `json:"content,omitempty"`
	Expectations    []domain.ExpectationTemplate `json:"expectations"`
	Targets         []domain.Target              `json:"targets"`
	Dependencies    []domain.InjectDependency    `json:"dependencies"`
	Status          *domain.InjectStatus         `json:"status,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func newList[T any](items []T) listResponse[T] {
	return listResponse[T]{Items: nonNilSlice(items)}
}

func injectResponse(inj domain.Inject) InjectResponse {
	return InjectResponse{
		ID:              inj.ID,
		ExerciseID:      inj.ExerciseKey(),
		Title:           inj.Title,
		Enabled:         inj.Enabled,
		DependsDuration: int64(inj.DependsDuration / time.Second),
		Contract:        inj.Contract,
		Content:         inj.Content,
		Expectations:    nonNilSlice(inj.Expectations),
		Targets:         nonNilSlice(inj.Targets),
		Dependencies:    nonNilSlice(inj.Dependencies),
		Status:          inj.Status,
	}
}

func mapInjects(items []domain.Inject) []InjectResponse {
	out := make([]InjectResponse, 0, len(items))
	for _, inj := range items {
		out = append(out, injectResponse(inj))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
