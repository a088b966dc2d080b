// ============================================================================
// Phase Runner - 並發階段執行器
// ============================================================================
//
// Package: internal/worker
// 文件: runner.go
// 功能: 控制跨任務同時執行的階段數量，並追蹤執行中的呼叫以便優雅關閉
//
// 並發控制:
//   - slots: 帶緩衝 channel 作為號誌；nil 表示不限制
//   - 取得 slot 最多等待 slotWait，逾時以 resource 失敗回報
//   - WaitGroup: 追蹤所有執行中的呼叫
//
// 同一任務的階段由呼叫端（Orchestrator）依序呼叫 Run，
// 因此 Runner 不會對同一任務同時執行兩個階段。
//
// 優雅關閉:
//   Stop() 之後的 Run 立即回傳 ErrRunnerClosed；
//   Stop() 會等待所有已開始的執行結束。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/internal/executor"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// ErrRunnerClosed 表示 Runner 已停止，無法執行新階段
var ErrRunnerClosed = errors.New("phase runner is closed")

// Runner 階段執行器
type Runner struct {
	exec     executor.Executor
	slots    chan struct{}  // nil 表示不限制並發數
	slotWait time.Duration  // 等待 slot 的上限，<= 0 表示不等待
	wg       sync.WaitGroup // 追蹤執行中的呼叫
	mu       sync.Mutex     // 保護 stopped
	stopped  bool
}

// NewRunner 建立新的 Runner
//
// 參數：
//   - exec: 共用的階段執行器（必須可跨任務並發呼叫）
//   - maxConcurrent: 同時執行的階段上限，0 表示不限
//   - slotWait: 取得執行 slot 的等待上限
func NewRunner(exec executor.Executor, maxConcurrent int, slotWait time.Duration) *Runner {
	r := &Runner{exec: exec, slotWait: slotWait}
	if maxConcurrent > 0 {
		r.slots = make(chan struct{}, maxConcurrent)
	}
	return r
}

// Run 執行一個階段並等待結果
//
// 返回值：
//   - Result: 執行結果；失敗時 Result.Error 為 *types.ExecutorError
//   - error: 只有 Runner 已停止時才不為 nil
func (r *Runner) Run(ctx context.Context, task Task) (Result, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return Result{}, ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	if err := r.acquire(ctx); err != nil {
		return Result{
			JobID: task.JobID,
			Phase: task.Phase,
			Error: types.NewExecutorError(task.Phase, types.FailureResource, err),
		}, nil
	}
	defer r.release()

	return execute(ctx, r.exec, task), nil
}

// InFlight 回傳目前佔用的 slot 數量（不限制時為 0）
func (r *Runner) InFlight() int {
	return len(r.slots)
}

// Stop 停止接受新階段並等待執行中的階段完成
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	default:
	}
	if r.slotWait <= 0 {
		return fmt.Errorf("no execution slot available (limit %d)", cap(r.slots))
	}

	timer := time.NewTimer(r.slotWait)
	defer timer.Stop()
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("no execution slot within %s (limit %d)", r.slotWait, cap(r.slots))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) release() {
	if r.slots != nil {
		<-r.slots
	}
}
