package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"injectline/internal/domain"
)

// Command runs an allowlisted local command once per dispatch. Content
// fields: "command" (required) and "args" (optional list of strings).
type Command struct {
	allow   map[string]struct{}
	timeout time.Duration
}

func NewCommand(allow []string, timeoutSeconds int) *Command {
	c := &Command{allow: map[string]struct{}{}, timeout: 30 * time.Second}
	for _, name := range allow {
		c.allow[name] = struct{}{}
	}
	if timeoutSeconds > 0 {
		c.timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return c
}

func (c *Command) Name() string        { return "command" }
func (c *Command) Mandatory() []string { return []string{"command"} }

// IsAllowed checks the command against the allowlist.
func (c *Command) IsAllowed(cmd string) bool {
	_, ok := c.allow[cmd]
	return ok
}

func (c *Command) Execute(ctx context.Context, inj domain.ExecutableInject) (domain.Execution, error) {
	cmd, _ := inj.Inject.Content["command"].(string)
	args, err := stringList(inj.Inject.Content["args"])
	if err != nil {
		return domain.Execution{}, err
	}
	if !c.IsAllowed(cmd) {
		return domain.Execution{}, fmt.Errorf("command not allowed: %s", strings.TrimSpace(cmd+" "+strings.Join(args, " ")))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	run := exec.CommandContext(ctx, cmd, args...)
	var stdout, stderr bytes.Buffer
	run.Stdout = &stdout
	run.Stderr = &stderr

	ids := make([]string, 0, len(inj.Assets))
	for _, a := range inj.Assets {
		ids = append(ids, a.ID)
	}
	err = run.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return domain.Execution{Traces: []domain.ExecutionTrace{{
			Status:      domain.TraceSuccess,
			Message:     strings.TrimSpace(stdout.String()),
			Identifiers: ids,
		}}}, nil
	case errors.As(err, &exitErr):
		return domain.Execution{Traces: []domain.ExecutionTrace{{
			Status:      domain.TraceError,
			Message:     fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
			Identifiers: ids,
		}}}, nil
	default:
		return domain.Execution{}, fmt.Errorf("exec %s: %w", cmd, err)
	}
}

func stringList(v any) ([]string, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case string:
		return strings.Fields(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("args must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("args must be a list of strings, got %T", v)
}
