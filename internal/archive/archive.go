package archive

// ============================================================================
// 職責說明：
// 1. 將保留期結束、被銷毀的任務序列化為 JSON 檔（每個任務一個檔案）
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 讓 getJob 在任務銷毀後仍能查到最終狀態
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedArchive    = errors.New("archive file is corrupted")
	ErrIncompatibleVersion = errors.New("archive schema version is incompatible")
)

// SchemaVersion 目前的歸檔格式版本
const SchemaVersion = 1

// Record 單一任務的歸檔內容
type Record struct {
	SchemaVer  int       `json:"schema_ver"`
	ArchivedAt int64     `json:"archived_at"` // Unix 毫秒
	Job        types.Job `json:"job"`
}

// Manager 歸檔管理器
type Manager struct {
	dir string     // 歸檔目錄
	mu  sync.Mutex // 保護檔案操作
}

// NewManager 建立歸檔管理器，目錄不存在時自動建立
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Write 原子性寫入任務歸檔
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(job types.Job) error {
	path, err := m.pathFor(job.ID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := Record{
		SchemaVer:  SchemaVersion,
		ArchivedAt: time.Now().UnixMilli(),
		Job:        job,
	}
	jsonBytes, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename archive: %w", err)
	}
	return nil
}

// Load 載入任務歸檔
//
// 錯誤處理：
//   - types.ErrNotFound: 沒有此任務的歸檔
//   - ErrCorruptedArchive: 檔案無法解析
//   - ErrIncompatibleVersion: schema 版本不符
func (m *Manager) Load(id types.JobID) (types.Job, error) {
	path, err := m.pathFor(id)
	if err != nil {
		return types.Job{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Job{}, fmt.Errorf("%w: no archive for job %s", types.ErrNotFound, id)
		}
		return types.Job{}, fmt.Errorf("failed to read archive: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(jsonBytes, &rec); err != nil {
		return types.Job{}, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}
	if rec.SchemaVer != SchemaVersion {
		return types.Job{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, SchemaVersion)
	}
	return rec.Job, nil
}

// Exists 檢查任務歸檔是否存在
func (m *Manager) Exists(id types.JobID) bool {
	path, err := m.pathFor(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Dir 取得歸檔目錄（用於測試與除錯）
func (m *Manager) Dir() string {
	return m.dir
}

// pathFor 拒絕無法安全當作檔名的識別碼
func (m *Manager) pathFor(id types.JobID) (string, error) {
	s := string(id)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return "", fmt.Errorf("%w: invalid job id %q", types.ErrNotFound, s)
	}
	return filepath.Join(m.dir, s+".json"), nil
}
