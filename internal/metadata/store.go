// Package metadata 熱儲存：保存工作流摘要與元資料記錄，並回答歸檔候選查詢
package metadata

import (
	"context"
	"errors"

	"github.com/ChuLiYu/carbonite/internal/query"
	"github.com/ChuLiYu/carbonite/pkg/types"
)

var (
	// ErrWorkflowNotFound 工作流不存在
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrNotEligible 工作流已不是 Unarchived，不能再變更歸檔狀態
	ErrNotEligible = errors.New("workflow not eligible for archive status change")
	// ErrDuplicate 工作流 ID 重複
	ErrDuplicate = errors.New("workflow already exists")
)

// Store 熱儲存介面。同時實作 query.Querier，控制循環直接把它當作候選查詢服務。
type Store interface {
	query.Querier

	// Put 寫入一筆摘要（含元資料記錄），ID 重複時回傳 ErrDuplicate
	Put(ctx context.Context, md types.WorkflowMetadata) error
	// Get 取得摘要，不含元資料記錄
	Get(ctx context.Context, id types.WorkflowID) (types.WorkflowMetadata, error)
	// Events 依時間順序取得元資料記錄
	Events(ctx context.Context, id types.WorkflowID) ([]types.MetadataEvent, error)
	// SetArchiveStatus 條件式更新歸檔狀態，見 checkTransition
	SetArchiveStatus(ctx context.Context, id types.WorkflowID, status types.MetadataArchiveStatus) error
	// Stats 各歸檔狀態的數量
	Stats(ctx context.Context) (Stats, error)
}

// Stats 熱儲存統計
type Stats struct {
	Total         int `json:"total"`
	Unarchived    int `json:"unarchived"`
	Archived      int `json:"archived"`
	ArchiveFailed int `json:"archive_failed"`
	Eligible      int `json:"eligible"` // 終止且尚未歸檔
}

// checkTransition 歸檔狀態轉換規則:
//   - Unarchived → Archived / ArchiveFailed
//   - 任何狀態 → Unarchived（人工重新歸檔）
//
// 其他轉換回傳 ErrNotEligible。兩個實例同時凍結同一工作流時，
// 只有第一個寫入 Archived 的會成功。
func checkTransition(from, to types.MetadataArchiveStatus) error {
	if to == types.Unarchived {
		return nil
	}
	if from != types.Unarchived {
		return ErrNotEligible
	}
	return nil
}
