package worker

import (
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Task 代表一次階段執行
type Task struct {
	JobID   types.JobID      // 任務 ID
	Phase   types.Phase      // 要執行的階段
	Job     types.Job        // 執行當下的任務快照
	Prior   []types.Artifact // 先前已成功階段的成果
	Timeout time.Duration    // 單次執行上限，<= 0 表示不限
}

// Result 代表階段執行結果
type Result struct {
	JobID    types.JobID     // 任務 ID
	Phase    types.Phase     // 執行的階段
	Success  bool            // 執行是否成功
	Artifact *types.Artifact // 成功時的成果
	Error    error           // 失敗時一定是 *types.ExecutorError
	Duration time.Duration   // 執行器回報的耗時（未回報時為實際耗時）
}
