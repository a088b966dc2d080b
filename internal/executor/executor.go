// ============================================================================
// 階段執行器 (Phase Executor)
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 定義執行單一計算階段的可替換介面
//
// 設計理念:
//   協調層把每個階段視為黑盒：執行器收到任務、階段名稱與先前成功階段的
//   產物，回傳新的產物或帶類型的失敗。
//   實作必須可跨任務並發使用；同一任務不會同時被呼叫兩次。
//
// ============================================================================

package executor

import (
	"context"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Output is the result of one successful phase execution.
type Output struct {
	Artifact types.Artifact
	Elapsed  time.Duration
}

// Executor runs a single phase for a job.
//
// A returned error should be a *types.ExecutorError so the failure subtype
// survives; any other error is reported as an internal fault.
type Executor interface {
	Execute(ctx context.Context, phase types.Phase, job types.Job, prior []types.Artifact) (Output, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, phase types.Phase, job types.Job, prior []types.Artifact) (Output, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, phase types.Phase, job types.Job, prior []types.Artifact) (Output, error) {
	return f(ctx, phase, job, prior)
}
