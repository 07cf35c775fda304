// Package executor drives one Task through its state machine: claim, run
// via WorkerAdapter, stream into the Store, finalize — owning retry/backoff
// and the circuit breaker around the adapter (§4.4).
package executor

import "fmt"

// CrashError reports a panic recovered from the Executor's own goroutine —
// never a WorkerAdapter failure. The Task is still forced to a terminal
// FAILED row so the server keeps accepting requests (§7, ExecutorCrash).
type CrashError struct {
	Detail interface{}
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("executor crashed: %v", e.Detail)
}
