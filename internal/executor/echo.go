package executor

import (
	"context"

	"github.com/taskctl/taskctl/internal/procrunner"
)

// EchoAdapter is a deterministic test double: it runs printf with the
// prompt as its argument via the Command Runner and reports each output
// line back as an AssistantMessage. Used by orchestrator and relay tests
// that must not depend on a real agent CLI being installed.
type EchoAdapter struct{}

func NewEchoAdapter() *EchoAdapter { return &EchoAdapter{} }

func (a *EchoAdapter) Variant() Variant { return VariantEcho }

func (a *EchoAdapter) Capabilities() map[Capability]bool {
	return map[Capability]bool{
		CapSpawn:         true,
		CapSpawnFollowUp: true,
		CapNormalizeLogs: true,
	}
}

func (a *EchoAdapter) BuildCommand(req SpawnRequest) (string, map[string]string, error) {
	return "printf '%s\\n' " + shellQuote(req.Prompt), nil, nil
}

func (a *EchoAdapter) Spawn(ctx context.Context, req SpawnRequest, handle *procrunner.ProcessHandle) (Session, error) {
	return newPollingSession(handle, func(line []byte, stream string) []Event {
		return a.NormalizeLine(line)
	}), nil
}

func (a *EchoAdapter) NormalizeLine(line []byte) []Event {
	if len(line) == 0 {
		return nil
	}
	return []Event{{Kind: EventAssistantMessage, Timestamp: now(), Content: string(line)}}
}
