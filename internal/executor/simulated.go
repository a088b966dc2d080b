// ============================================================================
// 模擬執行器 (Simulated Executor)
// ============================================================================
//
// Package: internal/executor
// 文件: simulated.go
// 功能: 在沒有真正 MPC 引擎時模擬各階段的耗時與失敗
//
// ============================================================================

package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Simulated stands in for the real MPC engine.
//
// Each phase sleeps for Delay (plus up to Jitter) while honoring ctx, then
// returns an artifact referencing "<jobID>/<phase>". Setting FailPhase makes
// that phase fail with FailKind.
type Simulated struct {
	Delay     time.Duration
	Jitter    time.Duration
	FailPhase types.Phase
	FailKind  types.FailureKind
}

// Execute implements Executor.
func (s *Simulated) Execute(ctx context.Context, phase types.Phase, job types.Job, prior []types.Artifact) (Output, error) {
	start := time.Now()

	work := s.Delay
	if s.Jitter > 0 {
		work += time.Duration(rand.Int63n(int64(s.Jitter)))
	}

	timer := time.NewTimer(work)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Output{}, types.NewExecutorError(phase, types.FailureTimeout, ctx.Err())
	case <-timer.C:
	}

	if s.FailPhase != "" && s.FailPhase == phase {
		kind := s.FailKind
		if kind == "" {
			kind = types.FailureInternal
		}
		return Output{}, types.NewExecutorError(phase, kind, fmt.Errorf("simulated %s failure", phase))
	}

	artifact := types.Artifact{
		Phase: phase,
		Ref:   fmt.Sprintf("%s/%s", job.ID, phase),
		Payload: map[string]interface{}{
			"inputs": len(prior),
		},
	}
	if phase == types.PhasePostprocessing {
		artifact.Payload["computation_type"] = job.Parameters["type"]
		artifact.Payload["config_id"] = job.ConfigID
	}
	return Output{Artifact: artifact, Elapsed: time.Since(start)}, nil
}
