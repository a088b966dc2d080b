// ============================================================================
// MPC Orchestrator 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 接收建立任務、提交計算等請求，依序驅動每個任務的處理階段，
//       並將階段完成與結果事件發布給訂閱者
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - JobManager: 任務登錄表（單一真實來源，每個任務各自加鎖）
//   - statemachine: 階段轉換規則
//   - worker.Runner: 呼叫階段執行器（逾時、並發上限、panic 捕捉）
//   - notify.Bus: 事件推送
//   - journal / archive / metrics: 生命週期日誌、銷毀後歸檔、監控指標
//
// 任務流程:
//   CreateJob() → Allocate + 開啟事件主題
//   SubmitComputation() → 在任務鎖內驗證參數（只會成功一次）
//     ├─ 驗證失敗：直接進入 failed，發布 computation-failed
//     └─ 驗證成功：啟動 runJob goroutine
//   runJob() 依序執行 compile → offline → preprocessing → online → postprocessing：
//     1. BeginPhase（若已要求關閉則改為關閉任務並結束）
//     2. runner.Run 執行階段
//     3. 失敗 → Fail + 發布失敗事件；成功 → RecordPhaseResult + 發布階段完成事件
//        （事件在下一個階段開始前就已發布）
//   全部完成後設定結果位址、關閉任務、發布 result-phase-completed
//   終止事件發布並寫入日誌之後才排程銷毀（ScheduleDestroy），
//   保留期再短，訂閱者也一定先收到終止事件
//
// 並發安全:
//   - 同一任務只有一個 runJob goroutine，階段天生單執行緒
//   - 不同任務完全獨立，沒有共享的可變狀態
//   - mu (RWMutex) 只保護 stopped 與 jobWg.Add 的先後關係
//   - jobWg 讓 Stop() 等待所有執行中的階段結束
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/internal/archive"
	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/internal/executor"
	"github.com/ChuLiYu/mpc-orchestrator/internal/jobmanager"
	"github.com/ChuLiYu/mpc-orchestrator/internal/metrics"
	"github.com/ChuLiYu/mpc-orchestrator/internal/notify"
	"github.com/ChuLiYu/mpc-orchestrator/internal/statemachine"
	"github.com/ChuLiYu/mpc-orchestrator/internal/storage/journal"
	"github.com/ChuLiYu/mpc-orchestrator/internal/validate"
	"github.com/ChuLiYu/mpc-orchestrator/internal/worker"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

var log = slog.Default()

// ErrStopped 表示控制器已停止，不再接受請求
var ErrStopped = errors.New("orchestrator is stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	ResultBaseURL       string        // 結果位址前綴，例如 https://xor.example
	Retention           time.Duration // 終止任務保留時間，<= 0 表示不自動銷毀
	PhaseTimeout        time.Duration // 單一階段執行上限，<= 0 表示不限
	MaxConcurrentPhases int           // 跨任務同時執行的階段上限，0 表示不限
	SlotWait            time.Duration // 等待執行 slot 的上限
	SubscriberBuffer    int           // 每個訂閱者的事件緩衝
}

// Deps 外部協作者，除 Executor 與 NetConfigs 外都可為 nil
type Deps struct {
	Executor   executor.Executor
	NetConfigs jobmanager.ConfigLookup
	Catalog    catalog.Catalog
	Validator  validate.Validator
	Journal    *journal.Journal
	Archive    *archive.Manager
	Metrics    *metrics.Collector
}

// Controller 核心控制器（Orchestrator）
type Controller struct {
	config    Config
	jobs      *jobmanager.JobManager
	bus       *notify.Bus
	runner    *worker.Runner
	configs   jobmanager.ConfigLookup
	catalog   catalog.Catalog
	validator validate.Validator
	journal   *journal.Journal
	archive   *archive.Manager
	metrics   *metrics.Collector

	mu       sync.RWMutex   // 保護 stopped
	stopped  bool           // 標記是否已停止
	stopOnce sync.Once      // Stop 只執行一次
	jobWg    sync.WaitGroup // 等待所有 runJob 退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - deps: 外部協作者
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 缺少必要協作者時的錯誤
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Executor == nil {
		return nil, errors.New("controller: executor is required")
	}
	if deps.NetConfigs == nil {
		return nil, errors.New("controller: netconfigs are required")
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.NewStatic(nil)
	}
	if deps.Validator == nil {
		deps.Validator = validate.NewRules(deps.Catalog)
	}

	c := &Controller{
		config:    config,
		jobs:      jobmanager.NewJobManager(deps.NetConfigs, jobmanager.WithRetention(config.Retention)),
		runner:    worker.NewRunner(deps.Executor, config.MaxConcurrentPhases, config.SlotWait),
		configs:   deps.NetConfigs,
		catalog:   deps.Catalog,
		validator: deps.Validator,
		journal:   deps.Journal,
		archive:   deps.Archive,
		metrics:   deps.Metrics,
	}
	c.bus = notify.NewBus(config.SubscriberBuffer, deps.Metrics)
	c.jobs.OnDestroy(c.onDestroy)
	return c, nil
}

// CreateJob 建立新任務並開啟其事件主題
//
// 錯誤處理：
//   - types.ErrConfigurationInvalid: 網路設定不存在
func (c *Controller) CreateJob(ctx context.Context, configID string) (types.Job, error) {
	if c.isStopped() {
		return types.Job{}, ErrStopped
	}

	job, err := c.jobs.Allocate(configID)
	if err != nil {
		return types.Job{}, err
	}
	c.bus.Open(job.ID)
	c.record(journal.EntryCreated, job, "", configID)
	c.metrics.RecordCreated()

	log.Info("Job created", "jobID", job.ID, "netconfig", configID)
	return job, nil
}

// SubmitComputation 驗證參數並在成功時開始 compile 階段
//
// 驗證在任務鎖內同步執行一次；重複提交只有第一次有效。
//
// 錯誤處理：
//   - types.ErrNotFound: 任務不存在
//   - types.ErrInvalidTransition: 任務已提交過或已終止
//   - types.ErrValidationFailed: 參數被拒絕，任務已進入 failed
func (c *Controller) SubmitComputation(ctx context.Context, id types.JobID, params map[string]interface{}) (types.Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return types.Job{}, ErrStopped
	}

	var rejected error
	job, err := c.jobs.Update(id, func(j *types.Job) error {
		if j.State != types.StateCreated {
			return fmt.Errorf("%w: computation already submitted (state %s)", types.ErrInvalidTransition, j.State)
		}
		cfg, ok := c.configs.Lookup(j.ConfigID)
		if !ok {
			return fmt.Errorf("%w: netconfig %q no longer exists", types.ErrConfigurationInvalid, j.ConfigID)
		}
		if err := c.validator.Validate(ctx, cfg, params); err != nil {
			if !errors.Is(err, types.ErrValidationFailed) {
				return err
			}
			rejected = err
			return statemachine.Fail(j, types.PhaseValidation, types.KindValidationFailed, err)
		}
		return statemachine.Validate(j, params)
	})
	if err != nil {
		return job, err
	}

	if rejected != nil {
		log.Warn("Computation rejected", "jobID", id, "error", rejected)
		c.onFailed(job, types.PhaseValidation, types.KindValidationFailed, rejected)
		return job, rejected
	}

	c.record(journal.EntryValidated, job, "", "")
	log.Info("Computation validated", "jobID", id, "type", params["type"])

	c.jobWg.Add(1)
	go c.runJob(id)
	return job, nil
}

// runJob 依序執行所有階段，每個任務只有一個 runJob
func (c *Controller) runJob(id types.JobID) {
	defer c.jobWg.Done()

	for _, step := range statemachine.Steps {
		var closeNow bool
		job, err := c.jobs.Update(id, func(j *types.Job) error {
			if j.CloseRequested || c.isStopped() {
				closeNow = true
				return statemachine.Transition(j, types.StateClosed)
			}
			return statemachine.BeginPhase(j, step.Phase)
		})
		if err != nil {
			// 階段之間被 CloseJob 關閉，或已被銷毀
			log.Debug("Job stopped advancing", "jobID", id, "phase", step.Phase, "error", err)
			return
		}
		if closeNow {
			c.onClosed(job, "closed before "+string(step.Phase))
			c.scheduleDestroy(id)
			return
		}
		c.record(journal.EntryPhaseStarted, job, step.Phase, "")

		res, err := c.runner.Run(context.Background(), worker.Task{
			JobID:   id,
			Phase:   step.Phase,
			Job:     job,
			Prior:   job.Artifacts(),
			Timeout: c.config.PhaseTimeout,
		})
		if err != nil {
			res.Error = types.NewExecutorError(step.Phase, types.FailureInternal, err)
		}

		if res.Error != nil {
			failed, ferr := c.jobs.Update(id, func(j *types.Job) error {
				return statemachine.Fail(j, step.Phase, types.KindExecutorFailure, res.Error)
			})
			if ferr != nil {
				log.Error("Failed to record phase failure", "jobID", id, "phase", step.Phase, "error", ferr)
				return
			}
			log.Warn("Phase failed", "jobID", id, "phase", step.Phase,
				"kind", types.FailureKindOf(res.Error), "error", res.Error)
			c.onFailed(failed, step.Phase, types.KindExecutorFailure, res.Error)
			return
		}

		job, err = c.jobs.RecordPhaseResult(id, step.Phase, res.Duration, res.Artifact)
		if err != nil {
			log.Error("Failed to record phase result", "jobID", id, "phase", step.Phase, "error", err)
			return
		}
		c.metrics.RecordPhase(step.Phase, res.Duration)
		c.record(journal.EntryPhaseCompleted, job, step.Phase, "")
		c.publish(types.Event{
			JobID:     id,
			Kind:      step.Event,
			Phase:     step.Phase,
			ElapsedMs: res.Duration.Milliseconds(),
		})
		log.Info("Phase completed", "jobID", id, "phase", step.Phase, "elapsed", res.Duration)
	}

	locator := c.ResultLocator(id)
	job, err := c.jobs.Update(id, func(j *types.Job) error {
		if err := statemachine.Transition(j, types.StateClosed); err != nil {
			return err
		}
		j.ResultLocator = locator
		return nil
	})
	if err != nil {
		log.Error("Failed to close finished job", "jobID", id, "error", err)
		return
	}
	c.publish(types.Event{
		JobID:         id,
		Kind:          types.EventResultAvailable,
		Phase:         types.PhasePostprocessing,
		ResultLocator: locator,
	})
	c.onClosed(job, "result available")
	c.scheduleDestroy(id)
	log.Info("Result available", "jobID", id, "locator", locator)
}

// GetJob 取得任務目前狀態，已銷毀的任務改從歸檔讀取
func (c *Controller) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	job, err := c.jobs.Get(id)
	if err == nil || c.archive == nil || !errors.Is(err, types.ErrNotFound) {
		return job, err
	}
	archived, aerr := c.archive.Load(id)
	if aerr != nil {
		if errors.Is(aerr, types.ErrNotFound) {
			return types.Job{}, err
		}
		return types.Job{}, aerr
	}
	return archived, nil
}

// CloseJob 關閉任務（建議性質）
//
// 執行中的階段會跑完，只跳過下一個階段；已失敗的任務回傳 ErrInvalidTransition。
// CLOSE_REQUESTED 在任務鎖內寫入日誌，runJob 的 CLOSED 一定排在它之後。
func (c *Controller) CloseJob(ctx context.Context, id types.JobID) (types.Job, error) {
	job, outcome, err := c.jobs.CloseWith(id, func(j types.Job, o jobmanager.CloseOutcome) {
		if o == jobmanager.CloseDeferred {
			c.record(journal.EntryCloseRequested, j, "", "")
		}
	})
	if err != nil {
		return job, err
	}
	switch outcome {
	case jobmanager.CloseApplied:
		c.onClosed(job, "closed by request")
		c.scheduleDestroy(id)
	case jobmanager.CloseDeferred:
		log.Info("Close deferred until running phase ends", "jobID", id, "state", job.State)
	}
	return job, nil
}

// Subscribe 讓 sub 開始接收任務事件，並回傳訂閱當下的任務狀態
//
// 訂閱之前發布的事件不會重送，缺漏的資訊請以回傳的任務狀態補齊。
func (c *Controller) Subscribe(ctx context.Context, id types.JobID, sub notify.SubscriberID) (notify.Subscription, types.Job, error) {
	s, err := c.bus.Subscribe(id, sub)
	if err != nil {
		return notify.Subscription{}, types.Job{}, err
	}
	job, err := c.jobs.Get(id)
	if err != nil {
		c.bus.Unsubscribe(id, sub)
		return notify.Subscription{}, types.Job{}, err
	}
	return s, job, nil
}

// Unsubscribe 停止推送事件給 sub，任務本身不受影響
func (c *Controller) Unsubscribe(id types.JobID, sub notify.SubscriberID) bool {
	return c.bus.Unsubscribe(id, sub)
}

// Detach 處理訂閱者斷線
//
// 取消 sub 的訂閱；若任務因此沒有任何訂閱者且尚未終止，就對任務發出關閉
// （與 CloseJob 相同：執行中的階段跑完後不再開始下一個階段）。
//
// 返回值：
//   - bool: 是否因此要求關閉任務
func (c *Controller) Detach(id types.JobID, sub notify.SubscriberID) bool {
	if !c.bus.Unsubscribe(id, sub) {
		return false
	}
	if c.bus.SubscriberCount(id) > 0 {
		return false
	}
	job, err := c.jobs.Get(id)
	if err != nil || job.Terminal() {
		return false
	}
	if _, err := c.CloseJob(context.Background(), id); err != nil {
		log.Debug("Close after last subscriber left failed", "jobID", id, "error", err)
		return false
	}
	log.Info("Last subscriber left, closing job", "jobID", id, "state", job.State)
	return true
}

// ListDatasets 轉交給資料集目錄
func (c *Controller) ListDatasets(ctx context.Context, filter catalog.Filter) ([]catalog.Dataset, error) {
	return c.catalog.ListDatasets(ctx, filter)
}

// ListHeaders 轉交給資料集目錄
func (c *Controller) ListHeaders(ctx context.Context, ref catalog.DatasetRef) ([]string, error) {
	return c.catalog.ListHeaders(ctx, ref)
}

// ResultLocator 回傳任務結果的取得位址
func (c *Controller) ResultLocator(id types.JobID) string {
	return fmt.Sprintf("%s/result/%s", c.config.ResultBaseURL, id)
}

// GetStats 取得各狀態任務數量與執行中的階段數
func (c *Controller) GetStats() map[string]int {
	stats := c.jobs.Stats()
	stats["running_phases"] = c.runner.InFlight()
	return stats
}

// Stop 優雅停止 Controller
//
// 流程：
//  1. 不再接受新的建立與提交
//  2. 等待執行中的階段結束（之後的階段不會開始，任務以 closed 結束）
//  3. 停止保留期計時器、關閉事件主題與日誌
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()

		log.Info("Stopping controller, waiting for running phases...")
		c.jobWg.Wait()
		c.runner.Stop()
		c.jobs.Stop()
		c.bus.Close()

		if c.journal != nil {
			if err := c.journal.Close(); err != nil {
				log.Error("Failed to close journal", "error", err)
			}
		}
		log.Info("Controller stopped")
	})
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (c *Controller) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *Controller) onClosed(job types.Job, detail string) {
	c.record(journal.EntryClosed, job, "", detail)
	c.metrics.RecordClosed()
}

func (c *Controller) onFailed(job types.Job, phase types.Phase, kind types.ErrorKind, cause error) {
	c.record(journal.EntryFailed, job, phase, cause.Error())
	c.metrics.RecordFailed(phase, kind)

	ev := types.Event{
		JobID:     job.ID,
		Kind:      types.EventFailed,
		Phase:     phase,
		ErrorKind: kind,
		Error:     cause.Error(),
	}
	if kind == types.KindExecutorFailure {
		ev.ExecutorKind = types.FailureKindOf(cause)
	}
	c.publish(ev)
	c.scheduleDestroy(job.ID)
}

// scheduleDestroy 在終止事件發布之後開始保留期倒數
func (c *Controller) scheduleDestroy(id types.JobID) {
	if err := c.jobs.ScheduleDestroy(id); err != nil {
		log.Debug("Destroy not scheduled", "jobID", id, "error", err)
	}
}

// onDestroy 保留期結束：歸檔、移除事件主題
func (c *Controller) onDestroy(job types.Job) {
	if c.archive != nil {
		if err := c.archive.Write(job); err != nil {
			log.Error("Failed to archive job", "jobID", job.ID, "error", err)
		}
	}
	c.bus.Drop(job.ID)
	c.record(journal.EntryDestroyed, job, "", "")
	c.metrics.RecordDestroyed()
	log.Debug("Job destroyed", "jobID", job.ID, "state", job.State)
}

func (c *Controller) publish(ev types.Event) {
	if _, _, err := c.bus.Publish(ev); err != nil {
		log.Debug("Event not published", "jobID", ev.JobID, "kind", ev.Kind, "error", err)
	}
}

func (c *Controller) record(t journal.EntryType, job types.Job, phase types.Phase, detail string) {
	if c.journal == nil {
		return
	}
	if _, err := c.journal.Append(t, job, phase, detail); err != nil {
		log.Error("Failed to append journal entry", "type", t, "jobID", job.ID, "error", err)
	}
}
