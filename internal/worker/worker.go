// Package worker adapts the external AI-assistant backend to the stable,
// testable capability described in §4.3: run a prompt, stream progress
// lines, and resolve to a terminal summary or a classified failure. It must
// be invokable from the Executor's own goroutine rather than a subprocess,
// because the backend carries authentication state only in the current
// process.
package worker

import "context"

// Model selects which backend model handles a run.
type Model string

// Request carries everything the Adapter needs to execute one task.
type Request struct {
	Prompt           string
	SystemPrompt     string
	WorkingDirectory string
	Model            Model
}

// ProgressMessage is a single human-readable line emitted while a task runs.
type ProgressMessage struct {
	Line string
}

// TerminalResult is the outcome of a completed run: exactly one of Summary
// (success) or Err (failure) is meaningful, mirroring I3's exclusivity rule
// one level down in the stack.
type TerminalResult struct {
	Summary string
	Err     error
}

// Stream is what Adapter.Run returns: progress lines followed by exactly one
// terminal result. Consumers must drain Progress until it is closed, then
// read Result.
type Stream struct {
	Progress <-chan ProgressMessage
	Result   <-chan TerminalResult
}

// Adapter is the capability wrapping the external AI-assistant SDK.
type Adapter interface {
	Run(ctx context.Context, req Request) (*Stream, error)
}
