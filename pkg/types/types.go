// Package types 定義了計算編排系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 計算任務唯一識別碼（UUID 字串，建立後永不重複使用）
type JobID string

// JobState 任務在階段狀態機中的位置
type JobState string

// 定義任務狀態常數（嚴格的先後順序，見 statemachine.Order）
const (
	StateCreated        JobState = "created"        // 已配置識別碼，尚未提交計算參數
	StateValidated      JobState = "validated"      // 參數已通過驗證
	StateCompiling      JobState = "compiling"      // 編譯階段執行中
	StateCompiled       JobState = "compiled"       // 編譯階段完成
	StateOffline        JobState = "offline"        // 離線預計算執行中
	StateOfflineDone    JobState = "offline_done"   // 離線預計算完成
	StatePreprocessing  JobState = "preprocessing"  // 前處理執行中
	StatePreprocessed   JobState = "preprocessed"   // 前處理完成
	StateOnline         JobState = "online"         // 線上安全計算執行中
	StateOnlineDone     JobState = "online_done"    // 線上安全計算完成
	StatePostprocessing JobState = "postprocessing" // 後處理執行中
	StateResultReady    JobState = "result_ready"   // 結果可取得
	StateClosed         JobState = "closed"         // 終止狀態：正常關閉
	StateFailed         JobState = "failed"         // 終止狀態：失敗（吸收態）
)

// Terminal 回傳狀態是否為終止狀態（closed 或 failed）
func (s JobState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Phase 處理階段名稱
type Phase string

const (
	PhaseValidation     Phase = "validation" // 僅用於記錄驗證失敗，不是可執行的階段
	PhaseCompile        Phase = "compile"
	PhaseOffline        Phase = "offline"
	PhasePreprocessing  Phase = "preprocessing"
	PhaseOnline         Phase = "online"
	PhasePostprocessing Phase = "postprocessing"
)

// PhaseStatus 單一階段記錄的狀態
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
)

// Artifact 階段執行器產出的成果（對編排層而言是不透明的）
type Artifact struct {
	Phase   Phase                  `json:"phase"`             // 產出此成果的階段
	Ref     string                 `json:"ref"`               // 成果參照（例如儲存路徑）
	Payload map[string]interface{} `json:"payload,omitempty"` // 成果內容
}

// PhaseRecord 單一階段的執行記錄，只屬於其所屬的 Job
type PhaseRecord struct {
	Phase      Phase       `json:"phase"`
	Status     PhaseStatus `json:"status"`
	StartedAt  int64       `json:"started_at"`            // Unix 毫秒
	FinishedAt int64       `json:"finished_at,omitempty"` // Unix 毫秒
	ElapsedMs  int64       `json:"elapsed_ms"`
	Artifact   *Artifact   `json:"artifact,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Elapsed 回傳階段耗時
func (r PhaseRecord) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMs) * time.Millisecond
}

// Job 計算任務，代表一次多方安全計算的完整生命週期
type Job struct {
	// 識別與設定
	ID         JobID                  `json:"id"`
	ConfigID   string                 `json:"config_id"`            // 網路/拓撲設定 ID
	Parameters map[string]interface{} `json:"parameters,omitempty"` // 已驗證的計算參數

	// 狀態追蹤
	State          JobState      `json:"state"`
	Phases         []PhaseRecord `json:"phases,omitempty"` // 依階段順序附加，完成後不可變
	CloseRequested bool          `json:"close_requested,omitempty"`
	ResultLocator  string        `json:"result_locator,omitempty"`

	// 失敗資訊
	FailedPhase    Phase       `json:"failed_phase,omitempty"`
	FailureKind    ErrorKind   `json:"failure_kind,omitempty"`
	ExecutorKind   FailureKind `json:"executor_kind,omitempty"`
	FailureMessage string      `json:"failure_message,omitempty"`

	// 時間管理（Unix 毫秒時間戳）
	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`
	TerminalAt int64 `json:"terminal_at,omitempty"`
}

// Terminal 回傳任務是否已進入終止狀態
func (j *Job) Terminal() bool {
	return j.State.Terminal()
}

// Artifacts 回傳所有已成功階段的成果（依階段順序）
func (j *Job) Artifacts() []Artifact {
	out := make([]Artifact, 0, len(j.Phases))
	for _, rec := range j.Phases {
		if rec.Status == PhaseSucceeded && rec.Artifact != nil {
			out = append(out, *rec.Artifact)
		}
	}
	return out
}

// Clone 深拷貝任務，回傳的副本可安全修改
func (j *Job) Clone() *Job {
	c := *j
	if j.Phases != nil {
		c.Phases = make([]PhaseRecord, len(j.Phases))
		copy(c.Phases, j.Phases)
	}
	if j.Parameters != nil {
		c.Parameters = make(map[string]interface{}, len(j.Parameters))
		for k, v := range j.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}

// NetConfig 網路/拓撲設定，任務建立時必須引用一個已存在的設定
type NetConfig struct {
	ID               string   `yaml:"id" json:"id"`
	Parties          int      `yaml:"parties" json:"parties"`
	ComputationTypes []string `yaml:"computation_types" json:"computation_types"`
}

// Allows 檢查設定是否允許指定的計算類型（未設定則全部允許）
func (c NetConfig) Allows(computationType string) bool {
	if len(c.ComputationTypes) == 0 {
		return true
	}
	for _, t := range c.ComputationTypes {
		if t == computationType {
			return true
		}
	}
	return false
}

// NetConfigSet 以 ID 索引的網路設定集合
type NetConfigSet map[string]NetConfig

// NewNetConfigSet 由設定列表建立索引
func NewNetConfigSet(configs []NetConfig) NetConfigSet {
	set := make(NetConfigSet, len(configs))
	for _, c := range configs {
		set[c.ID] = c
	}
	return set
}

// Lookup 依 ID 查找網路設定
func (s NetConfigSet) Lookup(id string) (NetConfig, bool) {
	c, ok := s[id]
	return c, ok
}
