// Package engine defines the narrow interface herald consumes the
// conversational execution engine through. The engine is an external
// collaborator: herald only sees an ordered sequence of progress events
// for a (session, message) pair.
package engine

import "context"

type ProgressKind int

const (
	// ProgressStatus is a human-readable phase marker ("Loading tools...").
	ProgressStatus ProgressKind = iota
	// ProgressChunk is a fragment of the assistant's streamed answer.
	ProgressChunk
	// ProgressToolConfirm asks the client to confirm a tool invocation.
	ProgressToolConfirm
)

// Progress is one event yielded by a run, in yield order.
type Progress struct {
	Kind     ProgressKind
	Text     string
	ToolName string
	Args     map[string]any
}

// Engine runs one execution for a session. Implementations must call emit
// synchronously and in order; herald maps each progress event 1:1 onto
// the session's delivery channel. A non-nil error marks the run as failed
// after whatever events were already emitted.
type Engine interface {
	Run(ctx context.Context, sessionID, message string, emit func(Progress)) error
}

// Func adapts a plain function to the Engine interface.
type Func func(ctx context.Context, sessionID, message string, emit func(Progress)) error

func (f Func) Run(ctx context.Context, sessionID, message string, emit func(Progress)) error {
	return f(ctx, sessionID, message, emit)
}
