package types

// EventKind 推送給訂閱者的事件種類
type EventKind string

const (
	EventCompileCompleted        EventKind = "compile-phase-completed"
	EventOfflineCompleted        EventKind = "offline-phase-completed"
	EventPreprocessingCompleted  EventKind = "preprocessing-phase-completed"
	EventOnlineCompleted         EventKind = "online-phase-completed"
	EventPostprocessingCompleted EventKind = "postprocessing-phase-completed"
	EventResultAvailable         EventKind = "result-phase-completed"
	EventFailed                  EventKind = "computation-failed"
)

// Terminal 回傳事件是否為任務的最後一個事件
func (k EventKind) Terminal() bool {
	return k == EventResultAvailable || k == EventFailed
}

// Event 任務事件
//
// 階段完成事件帶有 Phase 與 ElapsedMs；結果事件帶有 ResultLocator；
// 失敗事件帶有失敗階段與錯誤種類。
type Event struct {
	Seq           uint64      `json:"seq"` // 每個任務內單調遞增
	JobID         JobID       `json:"job_id"`
	Kind          EventKind   `json:"kind"`
	Phase         Phase       `json:"phase,omitempty"`
	ElapsedMs     int64       `json:"elapsed_ms"`
	ResultLocator string      `json:"result_locator,omitempty"`
	ErrorKind     ErrorKind   `json:"error_kind,omitempty"`
	ExecutorKind  FailureKind `json:"executor_kind,omitempty"`
	Error         string      `json:"error,omitempty"`
	Timestamp     int64       `json:"timestamp"` // Unix 毫秒
}
