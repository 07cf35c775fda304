package worker

import "context"

// ScriptedRun is one canned response for Fake.Run, consumed in FIFO order.
type ScriptedRun struct {
	Progress []string
	Summary  string
	Err      error
}

// Fake is a scripted Adapter for tests, grounded on the stubInvoker pattern
// in internal/executor/task_test.go: queue responses up front, then drive
// the Executor against them without touching the network.
type Fake struct {
	runs  []ScriptedRun
	calls int
}

// NewFake builds a Fake that returns runs in order, one per call to Run.
func NewFake(runs ...ScriptedRun) *Fake {
	return &Fake{runs: runs}
}

// Calls reports how many times Run has been invoked.
func (f *Fake) Calls() int { return f.calls }

func (f *Fake) Run(ctx context.Context, req Request) (*Stream, error) {
	if f.calls >= len(f.runs) {
		return nil, NewPermanentError("fake adapter exhausted its script", nil)
	}
	run := f.runs[f.calls]
	f.calls++

	progress := make(chan ProgressMessage, len(run.Progress))
	result := make(chan TerminalResult, 1)

	for _, line := range run.Progress {
		progress <- ProgressMessage{Line: line}
	}
	close(progress)

	if run.Err != nil {
		result <- TerminalResult{Err: run.Err}
	} else {
		result <- TerminalResult{Summary: run.Summary}
	}
	close(result)

	return &Stream{Progress: progress, Result: result}, nil
}
