// Package types 定義了 carbonite 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowID 工作流執行的唯一識別碼（由編排系統產生，這裡只讀取與轉送）
type WorkflowID string

// NewWorkflowID 產生新的工作流識別碼（測試與種子資料使用）
func NewWorkflowID() WorkflowID {
	return WorkflowID(uuid.New().String())
}

// ParseWorkflowID 驗證並正規化工作流識別碼
func ParseWorkflowID(s string) (WorkflowID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid workflow id %q: %w", s, err)
	}
	return WorkflowID(id.String()), nil
}

// ExecutionStatus 工作流執行狀態
type ExecutionStatus string

// 定義執行狀態常數
const (
	ExecutionSubmitted ExecutionStatus = "Submitted" // 已提交，尚未開始執行
	ExecutionRunning   ExecutionStatus = "Running"   // 執行中
	ExecutionAborting  ExecutionStatus = "Aborting"  // 中止中
	ExecutionSucceeded ExecutionStatus = "Succeeded" // 成功結束
	ExecutionFailed    ExecutionStatus = "Failed"    // 失敗結束
	ExecutionAborted   ExecutionStatus = "Aborted"   // 已中止
)

// TerminalStatuses 所有終止狀態，只有這些狀態的工作流可以被歸檔
var TerminalStatuses = []ExecutionStatus{
	ExecutionSucceeded,
	ExecutionFailed,
	ExecutionAborted,
}

// IsTerminal 檢查執行狀態是否為終止狀態
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionAborted:
		return true
	default:
		return false
	}
}

// MetadataArchiveStatus 工作流元資料的歸檔狀態
type MetadataArchiveStatus string

// 定義歸檔狀態常數
const (
	Unarchived    MetadataArchiveStatus = "Unarchived"    // 尚未歸檔（唯一可被選為候選的狀態）
	Archived      MetadataArchiveStatus = "Archived"      // 已寫入冷儲存
	ArchiveFailed MetadataArchiveStatus = "ArchiveFailed" // 歸檔失敗，不再自動重試
)

// Valid 檢查歸檔狀態是否為已知值
func (s MetadataArchiveStatus) Valid() bool {
	switch s {
	case Unarchived, Archived, ArchiveFailed:
		return true
	default:
		return false
	}
}

// FreezeCommand 凍結命令，每個找到候選的循環只發送一次
type FreezeCommand struct {
	WorkflowID WorkflowID `json:"workflow_id"`
}

// FreezeCompletion 凍結完成通知，無論成功或失敗都會結束一個循環
type FreezeCompletion struct {
	WorkflowID WorkflowID            `json:"workflow_id"`
	Status     MetadataArchiveStatus `json:"status"`
}

// WorkflowMetadata 熱儲存中的工作流摘要記錄
type WorkflowMetadata struct {
	ID            WorkflowID            `json:"id"`
	Name          string                `json:"name,omitempty"`
	Status        ExecutionStatus       `json:"status"`
	ArchiveStatus MetadataArchiveStatus `json:"archive_status"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       *time.Time            `json:"ended_at,omitempty"` // 非終止狀態時為 nil
	Events        []MetadataEvent       `json:"events,omitempty"`
}

// MetadataEvent 單筆元資料鍵值記錄
type MetadataEvent struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ArchiveSchemaVersion 冷儲存檔案格式版本
const ArchiveSchemaVersion = 1

// ArchivedMetadata 寫入冷儲存的完整歸檔內容
type ArchivedMetadata struct {
	SchemaVer  int             `json:"schema_ver"`
	WorkflowID WorkflowID      `json:"workflow_id"`
	Name       string          `json:"name,omitempty"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	ArchivedAt time.Time       `json:"archived_at"`
	Events     []MetadataEvent `json:"events"`
}
