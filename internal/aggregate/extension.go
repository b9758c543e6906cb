package aggregate

import (
	"encoding/json"

	"github.com/agentloom/runtime/pkg/events"
)

// NopExtension is an Extension with no agent-specific behaviour: it never
// terminates and ignores agent-specific commands/events (no events decided,
// state unchanged, no error). Useful for tests
// and for an agent type that only ever needs the base completion/tool-call
// cycle.
type NopExtension struct{}

func (NopExtension) Type() string { return "base" }

func (NopExtension) ApplyEvent(ext json.RawMessage, event json.RawMessage) (json.RawMessage, error) {
	return ext, nil
}

func (NopExtension) HandleCommand(state State, cmd json.RawMessage, services any) ([]events.Event, error) {
	return nil, nil
}

func (NopExtension) IsTerminal(event json.RawMessage) bool { return false }
