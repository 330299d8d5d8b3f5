package executor

import (
	"context"
	"fmt"

	"injectline/internal/domain"
)

// Implant hands the inject to the agents installed on the targeted assets.
// Execution is asynchronous: every agent reports back through the execution
// callback and the inject stays PENDING until they all completed.
type Implant struct{}

func (Implant) Name() string        { return "implant" }
func (Implant) Mandatory() []string { return []string{"payload"} }

func (Implant) Execute(_ context.Context, inj domain.ExecutableInject) (domain.Execution, error) {
	if len(inj.Agents) == 0 {
		return domain.Execution{}, fmt.Errorf("no agent available on the targeted assets")
	}
	traces := make([]domain.ExecutionTrace, 0, len(inj.Agents))
	for _, a := range inj.Agents {
		id := a.ID
		traces = append(traces, domain.ExecutionTrace{
			AgentID:     &id,
			Status:      domain.TraceInfo,
			Message:     fmt.Sprintf("Payload queued for agent %s", a.Hostname),
			Identifiers: []string{a.AssetID},
		})
	}
	return domain.Execution{Traces: traces, Async: true}, nil
}
