// ============================================================================
// 計算任務登錄表 (Job Registry)
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理所有存活任務的生命週期，是任務狀態的單一真實來源
//
// 設計理念:
//   1. jobs map - 以計算識別碼為鍵的任務儲存
//   2. 每個任務有自己的互斥鎖，同一任務的變更被線性化，
//      不同任務的變更可完全平行
//   3. 變更先在副本上套用，成功才提交；失敗時任務保持不變
//
// 生命週期:
//   Allocate() - 建立 created 狀態的任務
//   Update()   - 在任務鎖內套用狀態機操作
//   進入終止狀態後，由呼叫者在發布終止事件之後呼叫 ScheduleDestroy()，
//   經過保留時間 (retention) 自動 Destroy()，
//   並呼叫所有 OnDestroy 回呼（歸檔、移除訂閱主題）
//
// 併發安全:
//   - mu (RWMutex) 只保護 jobs map 本身
//   - entry.mu 保護單一任務內容
//   - 回呼在所有鎖之外執行
//
// ============================================================================

package jobmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mpc-orchestrator/internal/statemachine"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// ConfigLookup 查詢網路設定是否存在
type ConfigLookup interface {
	Lookup(id string) (types.NetConfig, bool)
}

// entry 單一任務的儲存格
type entry struct {
	mu        sync.Mutex
	job       *types.Job
	timer     *time.Timer // 保留期結束後的銷毀計時器
	destroyed bool
}

// JobManager 任務登錄表
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[types.JobID]*entry
	configs   ConfigLookup
	retention time.Duration // <= 0 表示終止後不自動銷毀
	onDestroy []func(types.Job)
	newID     func() types.JobID
	stopped   bool
}

// Option 調整 JobManager 的選項
type Option func(*JobManager)

// WithRetention 設定終止任務的保留時間
func WithRetention(d time.Duration) Option {
	return func(jm *JobManager) { jm.retention = d }
}

// WithIDGenerator 替換識別碼產生器（測試用）
func WithIDGenerator(fn func() types.JobID) Option {
	return func(jm *JobManager) { jm.newID = fn }
}

// NewJobManager 建立新的任務登錄表
//
// 參數說明：
//   - configs: 網路設定查詢介面，Allocate 時用來驗證設定是否存在
//
// 使用範例：
//
//	jm := NewJobManager(types.NewNetConfigSet(cfgs), WithRetention(10*time.Minute))
//	job, err := jm.Allocate("demo")
func NewJobManager(configs ConfigLookup, opts ...Option) *JobManager {
	jm := &JobManager{
		jobs:    make(map[types.JobID]*entry),
		configs: configs,
		newID:   func() types.JobID { return types.JobID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// OnDestroy 註冊任務銷毀時的回呼
func (jm *JobManager) OnDestroy(fn func(types.Job)) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.onDestroy = append(jm.onDestroy, fn)
}

// Allocate 建立 created 狀態的新任務
//
// 錯誤處理：
//   - types.ErrConfigurationInvalid: 引用的網路設定不存在
func (jm *JobManager) Allocate(configID string) (types.Job, error) {
	if _, ok := jm.configs.Lookup(configID); !ok {
		return types.Job{}, fmt.Errorf("%w: netconfig %q does not exist", types.ErrConfigurationInvalid, configID)
	}

	now := time.Now().UnixMilli()
	job := &types.Job{
		ConfigID:  configID,
		State:     types.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	// 識別碼永不重複使用
	for {
		job.ID = jm.newID()
		if _, exists := jm.jobs[job.ID]; !exists {
			break
		}
	}
	jm.jobs[job.ID] = &entry{job: job}
	return *job.Clone(), nil
}

// Get 取得任務副本
//
// 錯誤處理：
//   - types.ErrNotFound: 任務不存在或已銷毀
func (jm *JobManager) Get(id types.JobID) (types.Job, error) {
	e, err := jm.lookup(id)
	if err != nil {
		return types.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return types.Job{}, notFound(id)
	}
	return *e.job.Clone(), nil
}

// Update 在任務鎖內對副本套用 fn，fn 成功才提交
//
// 進入終止狀態不會自動排程銷毀，見 ScheduleDestroy。
// 返回值為提交後的任務副本（fn 失敗時為原狀態的副本）。
func (jm *JobManager) Update(id types.JobID, fn func(*types.Job) error) (types.Job, error) {
	e, err := jm.lookup(id)
	if err != nil {
		return types.Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return types.Job{}, notFound(id)
	}

	work := e.job.Clone()
	if err := fn(work); err != nil {
		return *e.job.Clone(), err
	}
	e.job = work
	return *work.Clone(), nil
}

// ScheduleDestroy 排程終止任務在保留期結束後銷毀
//
// 呼叫者應在終止事件發布之後才呼叫，否則事件主題可能先被移除。
// 重複呼叫不會重設計時器；未設定保留時間或已 Stop 時不做任何事。
//
// 錯誤處理：
//   - types.ErrNotFound: 任務不存在
//   - types.ErrInvalidTransition: 任務尚未終止
func (jm *JobManager) ScheduleDestroy(id types.JobID) error {
	e, err := jm.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.destroyed:
		return notFound(id)
	case !e.job.Terminal():
		return fmt.Errorf("%w: job %s is %s, not terminal", types.ErrInvalidTransition, id, e.job.State)
	case e.timer != nil:
		return nil
	}
	jm.scheduleDestroy(e, id)
	return nil
}

// RecordPhaseResult 以成功結果完成目前執行中的階段
//
// 錯誤處理：
//   - types.ErrNotFound: 任務不存在
//   - types.ErrInvalidTransition: phase 不是任務目前正在執行的階段
func (jm *JobManager) RecordPhaseResult(id types.JobID, phase types.Phase, elapsed time.Duration, artifact *types.Artifact) (types.Job, error) {
	return jm.Update(id, func(job *types.Job) error {
		return statemachine.CompletePhase(job, phase, elapsed, artifact)
	})
}

// CloseOutcome 描述 Close 的效果
type CloseOutcome int

const (
	CloseDeferred CloseOutcome = iota // 階段執行中，等階段結束後關閉
	CloseApplied                      // 任務這次進入 closed
	CloseAlready                      // 任務先前已是 closed
)

// Close 標記任務關閉（建議性質，執行中的階段會先跑完）
//
// 錯誤處理：
//   - types.ErrInvalidTransition: 任務已失敗
func (jm *JobManager) Close(id types.JobID) (types.Job, CloseOutcome, error) {
	return jm.CloseWith(id, nil)
}

// CloseWith 與 Close 相同，但 locked 會在任務鎖內、變更提交前被呼叫
//
// 用於必須與階段推進保持先後順序的紀錄（例如日誌）。locked 不可再呼叫 JobManager。
func (jm *JobManager) CloseWith(id types.JobID, locked func(types.Job, CloseOutcome)) (types.Job, CloseOutcome, error) {
	outcome := CloseDeferred
	job, err := jm.Update(id, func(j *types.Job) error {
		already := j.State == types.StateClosed
		closed, err := statemachine.RequestClose(j)
		switch {
		case err != nil:
			return err
		case already:
			outcome = CloseAlready
		case closed:
			outcome = CloseApplied
		}
		if locked != nil {
			locked(*j.Clone(), outcome)
		}
		return nil
	})
	return job, outcome, err
}

// Destroy 立即移除任務並呼叫 OnDestroy 回呼
func (jm *JobManager) Destroy(id types.JobID) error {
	jm.mu.Lock()
	e, exists := jm.jobs[id]
	if !exists {
		jm.mu.Unlock()
		return notFound(id)
	}
	delete(jm.jobs, id)
	hooks := append([]func(types.Job){}, jm.onDestroy...)
	jm.mu.Unlock()

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.destroyed = true
	snapshot := *e.job.Clone()
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(snapshot)
	}
	return nil
}

// List 取得所有存活任務的副本
func (jm *JobManager) List() []types.Job {
	jm.mu.RLock()
	entries := make([]*entry, 0, len(jm.jobs))
	for _, e := range jm.jobs {
		entries = append(entries, e)
	}
	jm.mu.RUnlock()

	out := make([]types.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.destroyed {
			out = append(out, *e.job.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Stats 取得各狀態任務數量
//
// 使用範例：
//
//	stats := jm.Stats()
//	log.Printf("存活: %d, 失敗: %d", stats["total"], stats[string(types.StateFailed)])
func (jm *JobManager) Stats() map[string]int {
	stats := map[string]int{"total": 0}
	for _, job := range jm.List() {
		stats["total"]++
		stats[string(job.State)]++
	}
	return stats
}

// Count 回傳存活任務數量
func (jm *JobManager) Count() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Stop 停止所有銷毀計時器，之後不再排程銷毀
func (jm *JobManager) Stop() {
	jm.mu.Lock()
	jm.stopped = true
	entries := make([]*entry, 0, len(jm.jobs))
	for _, e := range jm.jobs {
		entries = append(entries, e)
	}
	jm.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (jm *JobManager) lookup(id types.JobID) (*entry, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	e, exists := jm.jobs[id]
	if !exists {
		return nil, notFound(id)
	}
	return e, nil
}

// scheduleDestroy 呼叫者必須持有 e.mu
func (jm *JobManager) scheduleDestroy(e *entry, id types.JobID) {
	if jm.retention <= 0 {
		return
	}
	jm.mu.RLock()
	stopped := jm.stopped
	jm.mu.RUnlock()
	if stopped {
		return
	}
	e.timer = time.AfterFunc(jm.retention, func() {
		_ = jm.Destroy(id)
	})
}

func notFound(id types.JobID) error {
	return fmt.Errorf("%w: job %s", types.ErrNotFound, id)
}
