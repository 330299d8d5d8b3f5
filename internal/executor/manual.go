package executor

import (
	"context"
	"fmt"

	"injectline/internal/domain"
)

// Manual records that the inject was handed to its audience. Teams and
// assets each get one SUCCESS trace; nothing runs.
type Manual struct{}

func (Manual) Name() string        { return "manual" }
func (Manual) Mandatory() []string { return nil }

func (Manual) Execute(_ context.Context, inj domain.ExecutableInject) (domain.Execution, error) {
	var traces []domain.ExecutionTrace
	for _, t := range inj.Teams {
		traces = append(traces, domain.ExecutionTrace{
			Status:      domain.TraceSuccess,
			Message:     fmt.Sprintf("Inject delivered to team %s", t.Name),
			Identifiers: []string{t.ID},
		})
	}
	for _, a := range inj.Assets {
		traces = append(traces, domain.ExecutionTrace{
			Status:      domain.TraceSuccess,
			Message:     fmt.Sprintf("Inject delivered to asset %s", a.Name),
			Identifiers: []string{a.ID},
		})
	}
	if len(traces) == 0 {
		traces = append(traces, domain.ExecutionTrace{Status: domain.TraceSuccess, Message: "Inject played without target"})
	}
	return domain.Execution{Traces: traces}, nil
}
