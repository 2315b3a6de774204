// Package tools implements the Tool Registry (spec §4.J/§6.6): a static
// description of the tools an LLM may call, each routed to one of the two
// built-in executors the Track Engine Shell understands.
package tools

import (
	"encoding/json"
	"sync"

	"github.com/sarnowski/msfailab/internal/common/apperrors"
)

// ExecutorKind names the built-in executor a tool call is routed to. The
// core never executes tools itself (spec §6.6): it only translates a
// ToolCall into a send_metasploit_command or send_bash_command action.
type ExecutorKind string

const (
	ExecutorMetasploit ExecutorKind = "metasploit"
	ExecutorBash       ExecutorKind = "bash"
)

// Spec describes one registered tool.
type Spec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON-Schema-shaped
	Sequential  bool
	Executor    ExecutorKind
}

// Registry is a static, in-memory lookup from tool name to Spec.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
}

// Lookup returns the Spec for name, or an apperrors.BadRequest if the name is
// unknown (spec §6.6: "Unknown tool name ⇒ immediate error").
func (r *Registry) Lookup(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, apperrors.BadRequest("unknown tool: " + name)
	}
	return spec, nil
}

// IsSequential reports whether name is a sequential tool, defaulting to true
// for unknown names (spec §4.H.3: "default treat unknown tools as
// sequential to be safe"). Satisfies core.ToolClassifier.
func (r *Registry) IsSequential(name string) bool {
	spec, err := r.Lookup(name)
	if err != nil {
		return true
	}
	return spec.Sequential
}

// All returns every registered Spec, in no particular order.
func (r *Registry) All() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	return out
}

// DefaultRegistry builds the Registry for the two built-in tools the spec
// names explicitly: a Metasploit console command and a bash command.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(Spec{
		Name:        "msf_command",
		Description: "Run a command in the Metasploit console attached to this track.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		Sequential:  true,
		Executor:    ExecutorMetasploit,
	})

	r.Register(Spec{
		Name:        "bash_command",
		Description: "Run a shell command inside the track's container.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		Sequential:  false,
		Executor:    ExecutorBash,
	})

	return r
}
