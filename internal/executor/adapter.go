package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskctl/taskctl/internal/procrunner"
)

// Variant identifies a coding-agent CLI or API this package knows how to
// drive. Each variant is backed by exactly one Adapter implementation.
type Variant string

const (
	VariantClaudeCode Variant = "claude_code"
	VariantCodex      Variant = "codex"
	VariantGemini     Variant = "gemini"
	VariantAmp        Variant = "amp"
	VariantOpencode   Variant = "opencode"
	VariantCursor     Variant = "cursor"
	VariantFactory    Variant = "factory"
	VariantQwen       Variant = "qwen"
	VariantPi         Variant = "pi"
	VariantEcho       Variant = "echo"
)

// Capability flags what an Adapter can do. The Execution Orchestrator
// consults these before attempting an operation rather than relying on the
// adapter to fail gracefully.
type Capability string

const (
	// CapSpawn means the adapter can start a brand-new agent session.
	CapSpawn Capability = "spawn"
	// CapSpawnFollowUp means the adapter can resume an existing session with
	// an additional user message, rather than only ever starting fresh.
	CapSpawnFollowUp Capability = "spawn_follow_up"
	// CapNormalizeLogs means the adapter can replay a prior run's persisted
	// log lines through NormalizeLine without re-spawning the agent.
	CapNormalizeLogs Capability = "normalize_logs"
	// CapDefaultMCPConfigPath means the adapter knows a tool-specific default
	// location to write an MCP config file the agent will auto-discover.
	CapDefaultMCPConfigPath Capability = "default_mcp_config_path"
	// CapSetupHelperAction means the adapter contributes a setup_helper
	// action (e.g. writing auth files) beyond plain command execution.
	CapSetupHelperAction Capability = "setup_helper_action"
)

// SpawnRequest describes a new or resumed agent run. WorkingDir is always an
// already-prepared worktree path; Adapters never create or mutate it.
type SpawnRequest struct {
	WorkingDir string
	Prompt     string
	// SessionID resumes a prior run when set and the adapter supports
	// CapSpawnFollowUp; empty starts a fresh session.
	SessionID string
	Model     string
	MCPConfigPath string
	Env           map[string]string
}

// CommandBuilder turns a SpawnRequest into the concrete argv the Command
// Runner should exec. Kept separate from Session lifecycle so the exact
// command line an adapter would run can be inspected or logged without
// spawning anything.
type CommandBuilder interface {
	BuildCommand(req SpawnRequest) (command string, env map[string]string, err error)
}

// Session is a running (or replayed) agent turn: one process's worth of
// conversation. A follow-up message is not sent to a live Session; it is a
// fresh Spawn call with SpawnRequest.SessionID set to resume, for adapters
// advertising CapSpawnFollowUp. Events is closed once the underlying
// process exits or the replay finishes.
type Session interface {
	Events() <-chan Event
	// Wait blocks until the underlying process has exited and returns its
	// terminal error, if any.
	Wait(ctx context.Context) error
	// Kill terminates the session's process group.
	Kill(ctx context.Context) error
}

// Adapter is the per-tool integration: it knows how to build a spawn
// command, launch it through the Command Runner, and normalize its wire
// protocol into the Event vocabulary.
type Adapter interface {
	Variant() Variant
	Capabilities() map[Capability]bool
	CommandBuilder
	// Spawn attaches a Session to an already-running process handle. The
	// Execution Orchestrator owns process lifecycle through the Command
	// Runner; Spawn only polls handle.Stdout()/Stderr() and normalizes what
	// it finds into Events until the process exits.
	Spawn(ctx context.Context, req SpawnRequest, handle *procrunner.ProcessHandle) (Session, error)
	// NormalizeLine converts a single line of persisted output into zero or
	// more Events, for adapters advertising CapNormalizeLogs. Unrecognized
	// lines are surfaced as EventRaw rather than dropped.
	NormalizeLine(line []byte) []Event
}

// recognizedSlashCommands are the leading prompt tokens every adapter must
// recognize (spec §4.C "Common behavior every adapter must reproduce").
// Anything else is not a slash command and the prompt is forwarded as-is.
var recognizedSlashCommands = map[string]bool{
	"/init":    true,
	"/compact": true,
	"/status":  true,
	"/mcp":     true,
}

// ParseSlashCommand extracts a recognized slash command from the first line
// of prompt. ok is false when the first line's leading token isn't one of
// the recognized commands, in which case prompt should be forwarded
// unmodified to the agent.
func ParseSlashCommand(prompt string) (cmd string, ok bool) {
	line := prompt
	if idx := strings.IndexByte(prompt, '\n'); idx >= 0 {
		line = prompt[:idx]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 || !recognizedSlashCommands[fields[0]] {
		return "", false
	}
	return fields[0], true
}

// NoActiveSessionToCompact is the synthetic reply spec §4.C requires for a
// /compact request when there is no active session to resume.
const NoActiveSessionToCompact = "_No active session to compact._"

// noopCommand is spawned in place of the real agent CLI when a slash
// command short-circuits: it must exit zero immediately without touching
// the worktree.
const noopCommand = "true"

// needsCompactShortCircuit reports whether req's prompt is /compact with no
// session to resume: spec §4.C requires that case short-circuit with a
// synthetic reply instead of spawning the agent.
func needsCompactShortCircuit(req SpawnRequest) bool {
	cmd, ok := ParseSlashCommand(req.Prompt)
	return ok && cmd == "/compact" && req.SessionID == ""
}

// synthesizeReply builds a Session that immediately reports content as a
// single AssistantMessage and completes, without a real agent process
// behind it. Adapters use this for short-circuited slash commands.
func synthesizeReply(content string) Session {
	events := make(chan Event, 1)
	events <- Event{Kind: EventAssistantMessage, Timestamp: now(), Content: content}
	close(events)
	return &syntheticSession{events: events}
}

// syntheticSession is a completed-on-construction Session: Wait and Kill are
// both no-ops since there is no underlying process.
type syntheticSession struct {
	events chan Event
}

func (s *syntheticSession) Events() <-chan Event     { return s.events }
func (s *syntheticSession) Wait(ctx context.Context) error { return nil }
func (s *syntheticSession) Kill(ctx context.Context) error { return nil }

// Has reports whether an adapter advertises a capability.
func Has(a Adapter, c Capability) bool {
	return a.Capabilities()[c]
}

// ErrNotSupported is returned when an operation is attempted against an
// adapter that does not advertise the capability it requires.
type ErrNotSupported struct {
	Variant    Variant
	Capability Capability
}

func (e *ErrNotSupported) Error() string {
	return fmt.Sprintf("executor: %s does not support %s", e.Variant, e.Capability)
}

// Registry resolves a Variant to its Adapter instance.
type Registry struct {
	adapters map[Variant]Adapter
}

// NewRegistry builds a Registry from the given adapters, indexed by their
// own Variant().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Variant]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Variant()] = a
	}
	return r
}

// Get resolves a Variant, or reports ok=false if none is registered.
func (r *Registry) Get(v Variant) (Adapter, bool) {
	a, ok := r.adapters[v]
	return a, ok
}
