// Package toollib implements the Tool Library (C3): a polymorphic set of
// named tools, each with a JSON-schema argument definition, that map
// (args, sandbox) to an Output or an Error. Tools self-describe whether
// their effects must be re-applied during sandbox replay (§4.3, §4.8).
package toollib

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentloom/runtime/internal/sandbox"
)

// Output is the successful result of a tool call: free-form content handed
// back to the LLM as the corresponding tool_result.
type Output struct {
	Content string
	IsError bool
}

// Tool is the (name, definition, call) triple from §4.3.
type Tool interface {
	Name() string
	Definition() json.RawMessage
	// NeedsReplay reports whether this tool's effects on the sandbox must be
	// re-applied when reconstructing sandbox state from history (§4.8).
	NeedsReplay() bool
	Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error)
}

// Registry holds the set of tools available to an agent and validates
// arguments against each tool's JSON schema before dispatch (§7
// schema-mismatch handling).
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its JSON schema eagerly so a malformed
// schema fails at wiring time rather than on first call.
func (r *Registry) Register(t Tool) error {
	compiler := jsonschema.NewCompiler()
	resourceName := t.Name() + ".json"
	if err := compiler.AddResource(resourceName, jsonBytesReader(t.Definition())); err != nil {
		return fmt.Errorf("toollib: compile schema for %s: %w", t.Name(), err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("toollib: compile schema for %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
	return nil
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Dispatch validates args against the named tool's schema and, on success,
// invokes it. A schema mismatch or unknown tool name is reported as an
// Output{IsError:true} rather than a Go error, per §7: tool failures are
// folded into the transcript, not the handler's control flow.
func (r *Registry) Dispatch(ctx context.Context, box sandbox.Sandbox, name string, args json.RawMessage) Output {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return Output{Content: fmt.Sprintf("%s not found", name), IsError: true}
	}

	var v interface{}
	if len(args) == 0 {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return Output{Content: fmt.Sprintf("%s: invalid arguments: %v", name, err), IsError: true}
	}
	if err := schema.Validate(v); err != nil {
		return Output{Content: fmt.Sprintf("%s: arguments do not match schema: %v", name, err), IsError: true}
	}

	out, err := t.Call(ctx, box, args)
	if err != nil {
		return Output{Content: fmt.Sprintf("%s: %v", name, err), IsError: true}
	}
	return out
}

// NeedsReplay reports whether the named tool's effects must be replayed.
// Unknown tool names are conservatively treated as needing replay.
func (r *Registry) NeedsReplay(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return true
	}
	return t.NeedsReplay()
}
