package executor

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"injectline/internal/config"
	"injectline/internal/domain"
)

func TestRegistryIsReady(t *testing.T) {
	r := NewRegistry(config.Default())
	tests := []struct {
		name  string
		inj   domain.Inject
		ready bool
	}{
		{"manual", domain.Inject{Contract: "manual"}, true},
		{"contract case", domain.Inject{Contract: "MANUAL"}, true},
		{"command missing", domain.Inject{Contract: "command"}, false},
		{"command blank", domain.Inject{Contract: "command", Content: map[string]any{"command": "  "}}, false},
		{"command set", domain.Inject{Contract: "command", Content: map[string]any{"command": "echo"}}, true},
		{"implant payload", domain.Inject{Contract: "implant", Content: map[string]any{"payload": "T1059"}}, true},
		{"unknown", domain.Inject{Contract: "email"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.IsReady(tt.inj); got != tt.ready {
				t.Fatalf("IsReady = %v, want %v", got, tt.ready)
			}
		})
	}
}

func TestRegistryUnknownContract(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), domain.ExecutableInject{Inject: domain.Inject{Contract: "sms"}})
	if err == nil || !strings.Contains(err.Error(), "unknown contract") {
		t.Fatalf("expected unknown contract error, got %v", err)
	}
	if names := r.Names(); strings.Join(names, ",") != "command,implant,manual" {
		t.Fatalf("unexpected contracts: %v", names)
	}
}

func TestManualTracesPerTeamAndAsset(t *testing.T) {
	ex, err := Manual{}.Execute(context.Background(), domain.ExecutableInject{
		Teams:  []domain.Team{{ID: "t1", Name: "blue"}},
		Assets: []domain.Asset{{ID: "a1", Name: "web"}, {ID: "a2", Name: "db"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ex.Async {
		t.Fatalf("manual execution must be synchronous")
	}
	if len(ex.Traces) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(ex.Traces))
	}
	for _, tr := range ex.Traces {
		if tr.Status != domain.TraceSuccess {
			t.Fatalf("unexpected trace status %s", tr.Status)
		}
	}
}

func TestCommandAllowlist(t *testing.T) {
	c := NewCommand([]string{"echo"}, 5)
	if !c.IsAllowed("echo") || c.IsAllowed("rm") {
		t.Fatalf("allowlist not applied")
	}
	_, err := c.Execute(context.Background(), domain.ExecutableInject{Inject: domain.Inject{
		Content: map[string]any{"command": "rm", "args": []any{"-rf", "/"}},
	}})
	if err == nil || !strings.Contains(err.Error(), "command not allowed") {
		t.Fatalf("expected allowlist error, got %v", err)
	}
}

func TestCommandRunsAndReportsOutput(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	c := NewCommand([]string{"echo"}, 5)
	ex, err := c.Execute(context.Background(), domain.ExecutableInject{
		Inject: domain.Inject{Content: map[string]any{"command": "echo", "args": []any{"hello", "range"}}},
		Assets: []domain.Asset{{ID: "a1"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(ex.Traces) != 1 || ex.Traces[0].Status != domain.TraceSuccess {
		t.Fatalf("unexpected traces: %+v", ex.Traces)
	}
	if ex.Traces[0].Message != "hello range" {
		t.Fatalf("unexpected output %q", ex.Traces[0].Message)
	}
	if len(ex.Traces[0].Identifiers) != 1 || ex.Traces[0].Identifiers[0] != "a1" {
		t.Fatalf("unexpected identifiers: %v", ex.Traces[0].Identifiers)
	}
}

func TestCommandNonZeroExitIsErrorTrace(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	c := NewCommand([]string{"false"}, 5)
	ex, err := c.Execute(context.Background(), domain.ExecutableInject{
		Inject: domain.Inject{Content: map[string]any{"command": "false"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(ex.Traces) != 1 || ex.Traces[0].Status != domain.TraceError {
		t.Fatalf("expected one ERROR trace, got %+v", ex.Traces)
	}
	if !strings.HasPrefix(ex.Traces[0].Message, "exit code 1") {
		t.Fatalf("unexpected message %q", ex.Traces[0].Message)
	}
}

func TestStringList(t *testing.T) {
	got, err := stringList("-n  1")
	if err != nil || strings.Join(got, "|") != "-n|1" {
		t.Fatalf("unexpected split: %v %v", got, err)
	}
	if _, err := stringList([]any{"ok", 3}); err == nil {
		t.Fatalf("expected error for non-string arg")
	}
	if _, err := stringList(42); err == nil {
		t.Fatalf("expected error for scalar arg")
	}
}

func TestImplantIsAsyncPerAgent(t *testing.T) {
	ex, err := Implant{}.Execute(context.Background(), domain.ExecutableInject{
		Agents: []domain.Agent{{ID: "ag1", AssetID: "a1", Hostname: "web-01"}, {ID: "ag2", AssetID: "a1"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ex.Async || len(ex.Traces) != 2 {
		t.Fatalf("expected async execution with 2 traces, got %+v", ex)
	}
	if *ex.Traces[0].AgentID != "ag1" || *ex.Traces[1].AgentID != "ag2" {
		t.Fatalf("agent ids not kept per trace")
	}
	if _, err := (Implant{}).Execute(context.Background(), domain.ExecutableInject{}); err == nil {
		t.Fatalf("expected error without agents")
	}
}
