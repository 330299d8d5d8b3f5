// Package executor performs the side effect of an inject according to its
// contract and tells the engine whether an inject carries what its contract
// requires.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"injectline/internal/config"
	"injectline/internal/domain"
)

// Contract executes one kind of inject.
type Contract interface {
	Name() string
	// Mandatory lists the content fields that must be set before dispatch.
	Mandatory() []string
	Execute(ctx context.Context, inj domain.ExecutableInject) (domain.Execution, error)
}

// Registry routes injects to the contract named by Inject.Contract.
type Registry struct {
	contracts map[string]Contract
}

// NewRegistry registers the built-in manual, command and implant contracts.
func NewRegistry(cfg *config.Config) *Registry {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Registry{contracts: map[string]Contract{}}
	r.Register(Manual{})
	r.Register(NewCommand(cfg.Executors.Command.Allow, cfg.Executors.Command.TimeoutSeconds))
	r.Register(Implant{})
	return r
}

// Register adds or replaces a contract.
func (r *Registry) Register(c Contract) {
	r.contracts[strings.ToLower(c.Name())] = c
}

func (r *Registry) lookup(name string) (Contract, bool) {
	c, ok := r.contracts[strings.ToLower(name)]
	return c, ok
}

// Names returns the registered contract names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsReady reports whether the inject names a known contract and sets every
// mandatory content field of it.
func (r *Registry) IsReady(inj domain.Inject) bool {
	c, ok := r.lookup(inj.Contract)
	if !ok {
		return false
	}
	for _, field := range c.Mandatory() {
		if !present(inj.Content[field]) {
			return false
		}
	}
	return true
}

func present(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	}
	return true
}

func (r *Registry) Execute(ctx context.Context, inj domain.ExecutableInject) (domain.Execution, error) {
	c, ok := r.lookup(inj.Inject.Contract)
	if !ok {
		return domain.Execution{}, fmt.Errorf("unknown contract %q", inj.Inject.Contract)
	}
	return c.Execute(ctx, inj)
}
