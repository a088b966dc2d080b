package types

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 引用的網路設定不存在
	ErrConfigurationInvalid = errors.New("configuration invalid")
	// 任務不存在或已銷毀
	ErrNotFound = errors.New("not found")
	// 操作不符合階段順序，或任務已終止
	ErrInvalidTransition = errors.New("invalid transition")
	// 計算參數在編譯前被拒絕
	ErrValidationFailed = errors.New("validation failed")
	// 階段執行器回報失敗
	ErrExecutorFailure = errors.New("executor failure")
)

// ErrorKind 對外可見的錯誤種類，每個失敗的請求恰好對應一種
type ErrorKind string

const (
	KindConfigurationInvalid ErrorKind = "ConfigurationInvalid"
	KindNotFound             ErrorKind = "NotFound"
	KindInvalidTransition    ErrorKind = "InvalidTransition"
	KindValidationFailed     ErrorKind = "ValidationFailed"
	KindExecutorFailure      ErrorKind = "ExecutorFailure"
	KindInternal             ErrorKind = "Internal"
)

// KindOf 將錯誤對應到唯一的錯誤種類，nil 回傳空字串
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigurationInvalid):
		return KindConfigurationInvalid
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrValidationFailed):
		return KindValidationFailed
	case errors.Is(err, ErrExecutorFailure):
		return KindExecutorFailure
	default:
		return KindInternal
	}
}

// FailureKind 執行器失敗的子類型
type FailureKind string

const (
	FailureTimeout  FailureKind = "timeout"
	FailureResource FailureKind = "resource"
	FailureInternal FailureKind = "internal"
)

// ExecutorError 階段執行器的型別化錯誤
type ExecutorError struct {
	Phase Phase
	Kind  FailureKind
	Err   error
}

// NewExecutorError 建立執行器錯誤
func NewExecutorError(phase Phase, kind FailureKind, err error) *ExecutorError {
	return &ExecutorError{Phase: phase, Kind: kind, Err: err}
}

func (e *ExecutorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("executor failure in %s phase (%s)", e.Phase, e.Kind)
	}
	return fmt.Sprintf("executor failure in %s phase (%s): %v", e.Phase, e.Kind, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// Is 讓 errors.Is(err, ErrExecutorFailure) 成立
func (e *ExecutorError) Is(target error) bool {
	return target == ErrExecutorFailure
}

// FailureKindOf 取出執行器失敗子類型，非執行器錯誤視為 internal
func FailureKindOf(err error) FailureKind {
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return FailureInternal
}
