// ============================================================================
// Phase Worker - single phase execution
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs exactly one executor call for one (job, phase) task
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  execute(task)                       │
//   │   ├─ Context with timeout            │
//   │   ├─ executor.Execute in goroutine   │
//   │   │    (panic → internal failure)    │
//   │   └─ wait for result or ctx.Done()   │
//   └──────────────────────────────────────┘
//
// Failure Mapping:
//   - Context deadline      → timeout
//   - Executor panic        → internal
//   - Untyped executor err  → internal
//   - *types.ExecutorError  → kept as is
//
// The executor goroutine is not abandoned on timeout: execute waits for it to
// return so a phase never overlaps the next phase of the same job.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/internal/executor"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

type outcome struct {
	out executor.Output
	err error
}

// execute runs task on exec and converts the outcome into a Result.
func execute(ctx context.Context, exec executor.Executor, task Task) Result {
	start := time.Now()

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: types.NewExecutorError(task.Phase, types.FailureInternal, fmt.Errorf("executor panic: %v", r))}
			}
		}()
		out, err := exec.Execute(ctx, task.Phase, task.Job, task.Prior)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		// Executors are expected to honor ctx; wait for the call to unwind.
		res = <-done
		if res.err == nil {
			res.err = ctx.Err()
		}
	}

	result := Result{JobID: task.JobID, Phase: task.Phase, Duration: res.out.Elapsed}
	if result.Duration <= 0 {
		result.Duration = time.Since(start)
	}
	if res.err != nil {
		result.Error = classify(task.Phase, res.err)
		return result
	}

	artifact := res.out.Artifact
	if artifact.Phase == "" {
		artifact.Phase = task.Phase
	}
	result.Success = true
	result.Artifact = &artifact
	return result
}

func classify(phase types.Phase, err error) error {
	var execErr *types.ExecutorError
	switch {
	case errors.As(err, &execErr):
		return execErr
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewExecutorError(phase, types.FailureTimeout, err)
	default:
		return types.NewExecutorError(phase, types.FailureInternal, err)
	}
}
