// ============================================================================
// 階段狀態機
// ============================================================================
//
// Package: internal/statemachine
// 文件: statemachine.go
// 功能: 規範單一計算任務的合法狀態轉換
//
// 狀態順序 (State Machine):
//   created → validated → compiling → compiled → offline → offline_done →
//   preprocessing → preprocessed → online → online_done → postprocessing →
//   result_ready → closed
//
// 轉換規則:
//   - 只能前進到順序中的下一個狀態，不能跳躍或倒退
//   - 任何非終止狀態都可以進入 failed（吸收態）
//   - 非執行中的狀態可直接進入 closed；執行中的階段只能標記 CloseRequested，
//     等階段結束後再關閉
//   - closed 與 failed 都沒有出邊
//
// 所有函式都在呼叫者持有該任務的鎖時操作 *types.Job；
// 回傳錯誤時保證任務內容沒有被修改。
//
// ============================================================================

package statemachine

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Order 標準狀態順序（不含 failed）
var Order = []types.JobState{
	types.StateCreated,
	types.StateValidated,
	types.StateCompiling,
	types.StateCompiled,
	types.StateOffline,
	types.StateOfflineDone,
	types.StatePreprocessing,
	types.StatePreprocessed,
	types.StateOnline,
	types.StateOnlineDone,
	types.StatePostprocessing,
	types.StateResultReady,
	types.StateClosed,
}

// Step 描述一個可執行的階段
type Step struct {
	Phase   types.Phase     // 階段名稱
	Ready   types.JobState  // 進入此階段前必須處於的狀態
	Running types.JobState  // 執行中狀態
	Done    types.JobState  // 成功後的狀態
	Event   types.EventKind // 成功後發布的事件
}

// Steps 依序執行的階段
var Steps = []Step{
	{types.PhaseCompile, types.StateValidated, types.StateCompiling, types.StateCompiled, types.EventCompileCompleted},
	{types.PhaseOffline, types.StateCompiled, types.StateOffline, types.StateOfflineDone, types.EventOfflineCompleted},
	{types.PhasePreprocessing, types.StateOfflineDone, types.StatePreprocessing, types.StatePreprocessed, types.EventPreprocessingCompleted},
	{types.PhaseOnline, types.StatePreprocessed, types.StateOnline, types.StateOnlineDone, types.EventOnlineCompleted},
	{types.PhasePostprocessing, types.StateOnlineDone, types.StatePostprocessing, types.StateResultReady, types.EventPostprocessingCompleted},
}

var position = func() map[types.JobState]int {
	m := make(map[types.JobState]int, len(Order))
	for i, s := range Order {
		m[s] = i
	}
	return m
}()

// StepFor 依階段名稱取得 Step
func StepFor(phase types.Phase) (Step, bool) {
	for _, s := range Steps {
		if s.Phase == phase {
			return s, true
		}
	}
	return Step{}, false
}

// Running 回傳狀態是否代表某個階段正在執行
func Running(state types.JobState) bool {
	for _, s := range Steps {
		if s.Running == state {
			return true
		}
	}
	return false
}

// CanTransition 檢查 from → to 是否合法
func CanTransition(from, to types.JobState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case types.StateFailed:
		return true
	case types.StateClosed:
		return !Running(from)
	}
	fi, ok := position[from]
	if !ok {
		return false
	}
	ti, ok := position[to]
	if !ok {
		return false
	}
	return ti == fi+1
}

// Transition 將任務移到 to 狀態
//
// 錯誤處理：
//   - types.ErrInvalidTransition: 不合法的轉換，任務保持不變
func Transition(job *types.Job, to types.JobState) error {
	if !CanTransition(job.State, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, job.State, to)
	}
	now := time.Now().UnixMilli()
	job.State = to
	job.UpdatedAt = now
	if to.Terminal() {
		job.TerminalAt = now
	}
	return nil
}

// Validate 記錄參數並進入 validated
func Validate(job *types.Job, params map[string]interface{}) error {
	if job.State != types.StateCreated {
		return fmt.Errorf("%w: computation already submitted (state %s)", types.ErrInvalidTransition, job.State)
	}
	if err := Transition(job, types.StateValidated); err != nil {
		return err
	}
	job.Parameters = params
	return nil
}

// BeginPhase 進入階段的執行中狀態並附加一筆 running 記錄
//
// 上一個階段必須已成功（任務處於 step.Ready）。
func BeginPhase(job *types.Job, phase types.Phase) error {
	step, ok := StepFor(phase)
	if !ok {
		return fmt.Errorf("%w: unknown phase %q", types.ErrInvalidTransition, phase)
	}
	if job.State != step.Ready {
		return fmt.Errorf("%w: cannot start %s from %s", types.ErrInvalidTransition, phase, job.State)
	}
	if err := Transition(job, step.Running); err != nil {
		return err
	}
	job.Phases = append(job.Phases, types.PhaseRecord{
		Phase:     phase,
		Status:    types.PhaseRunning,
		StartedAt: job.UpdatedAt,
	})
	return nil
}

// CompletePhase 以成功結果完成目前執行中的階段
//
// phase 必須是任務目前正在執行的階段，否則回傳 ErrInvalidTransition。
func CompletePhase(job *types.Job, phase types.Phase, elapsed time.Duration, artifact *types.Artifact) error {
	step, ok := StepFor(phase)
	if !ok || job.State != step.Running {
		return fmt.Errorf("%w: %s is not running (state %s)", types.ErrInvalidTransition, phase, job.State)
	}
	idx := len(job.Phases) - 1
	if idx < 0 || job.Phases[idx].Phase != phase || job.Phases[idx].Status != types.PhaseRunning {
		return fmt.Errorf("%w: no running record for %s", types.ErrInvalidTransition, phase)
	}
	if err := Transition(job, step.Done); err != nil {
		return err
	}
	rec := &job.Phases[idx]
	rec.Status = types.PhaseSucceeded
	rec.FinishedAt = job.UpdatedAt
	rec.ElapsedMs = elapsed.Milliseconds()
	rec.Artifact = artifact
	return nil
}

// Fail 將任務移到 failed，並記錄失敗的階段
func Fail(job *types.Job, phase types.Phase, kind types.ErrorKind, cause error) error {
	if err := Transition(job, types.StateFailed); err != nil {
		return err
	}
	job.FailedPhase = phase
	job.FailureKind = kind
	if cause != nil {
		job.FailureMessage = cause.Error()
	}
	if kind == types.KindExecutorFailure {
		job.ExecutorKind = types.FailureKindOf(cause)
	}
	if idx := len(job.Phases) - 1; idx >= 0 && job.Phases[idx].Status == types.PhaseRunning {
		rec := &job.Phases[idx]
		rec.Status = types.PhaseFailed
		rec.FinishedAt = job.UpdatedAt
		rec.ElapsedMs = rec.FinishedAt - rec.StartedAt
		rec.Error = job.FailureMessage
	}
	return nil
}

// RequestClose 處理關閉請求（建議性質）
//
// 返回值：
//   - closed: 任務是否已立即進入 closed
//   - error: 任務已失敗時回傳 ErrInvalidTransition
//
// 階段執行中時只設定 CloseRequested，下一個階段不會開始。
func RequestClose(job *types.Job) (closed bool, err error) {
	switch {
	case job.State == types.StateClosed:
		return true, nil
	case job.State == types.StateFailed:
		return false, fmt.Errorf("%w: job already failed", types.ErrInvalidTransition)
	case Running(job.State):
		job.CloseRequested = true
		job.UpdatedAt = time.Now().UnixMilli()
		return false, nil
	}
	if err := Transition(job, types.StateClosed); err != nil {
		return false, err
	}
	return true, nil
}
