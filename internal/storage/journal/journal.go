package journal

// ============================================================================
// 生命週期日誌核心實作
// 職責：
// 1. 以 JSON Lines 追加每一次任務狀態轉換（append-only）
// 2. 每筆記錄帶有 CRC32 校驗和
// 3. 提供重放功能，供 `journal` 指令與除錯使用
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Journal 表示一個生命週期日誌實例
type Journal struct {
	mu           sync.Mutex    // 保護並發寫入
	file         *os.File      // 日誌檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // 日誌檔案路徑
	seq          uint64        // 目前的記錄序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

// Open 建立或開啟日誌
//
// 行為：
// - 檔案不存在時建立新檔案，seq 從 0 開始
// - 檔案已存在時掃描最後一筆記錄的 seq 並接續編號
// - 以追加模式（O_APPEND）開啟，寫入不會覆蓋既有內容
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	var seq uint64
	err := ReplayFile(path, func(e Entry) error {
		seq = e.Seq
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一筆記錄
//
// 參數：
//
//	entryType - 記錄類型（CREATED, PHASE_COMPLETED 等）
//	job       - 轉換後的任務快照
//	phase     - 相關階段（可為空）
//	detail    - 補充說明（例如錯誤訊息）
func (j *Journal) Append(entryType EntryType, job types.Job, phase types.Phase, detail string) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrJournalClosed
	}

	entry := Entry{
		Seq:       j.seq + 1,
		Type:      entryType,
		JobID:     job.ID,
		State:     job.State,
		Phase:     phase,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	}
	entry.Checksum = CalculateChecksum(entry)

	if err := j.encoder.Encode(entry); err != nil {
		return Entry{}, fmt.Errorf("journal: append seq=%d: %w", entry.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	j.seq = entry.Seq
	return entry, nil
}

// Replay 從頭重放所有記錄
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ReplayFile(j.path, handler)
}

// LastSeq 取得目前的記錄序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 回傳日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close 同步並關閉日誌，關閉後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return j.file.Close()
}

// ReplayFile 依序讀取日誌檔案並呼叫 handler
//
// 行為：
// - 驗證每筆記錄的 checksum 與 seq 連續性
// - 遇到錯誤或 handler 回傳錯誤立即停止
func ReplayFile(path string, handler EntryHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last uint64
	for {
		var entry Entry
		err := decoder.Decode(&entry)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &CorruptionError{Seq: last + 1, Offset: decoder.InputOffset(), Cause: err}
		}
		if expected := CalculateChecksum(entry); entry.Checksum != expected {
			return &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
		}
		if entry.Seq != last+1 {
			return &CorruptionError{
				Seq:    entry.Seq,
				Offset: decoder.InputOffset(),
				Cause:  fmt.Errorf("sequence gap: expected %d", last+1),
			}
		}
		last = entry.Seq
		if err := handler(entry); err != nil {
			return err
		}
	}
}
