package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

// LoadSeedFile 讀取 JSON 陣列格式的工作流摘要，並驗證每一筆記錄
//
// 驗證規則:
//   - id 必須是 UUID（會被正規化為小寫）
//   - status 必須是已知的執行狀態，終止狀態必須有 ended_at
//   - archive_status 省略時為 Unarchived
func LoadSeedFile(path string) ([]types.WorkflowMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var records []types.WorkflowMetadata
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}

	seen := make(map[types.WorkflowID]bool, len(records))
	for i := range records {
		md := &records[i]
		id, err := types.ParseWorkflowID(string(md.ID))
		if err != nil {
			return nil, fmt.Errorf("seed record %d: %w", i, err)
		}
		md.ID = id
		if seen[id] {
			return nil, fmt.Errorf("seed record %d: %s: %w", i, id, ErrDuplicate)
		}
		seen[id] = true

		if err := validateRecord(*md); err != nil {
			return nil, fmt.Errorf("seed record %d (%s): %w", i, id, err)
		}
		if md.ArchiveStatus == "" {
			md.ArchiveStatus = types.Unarchived
		}
	}
	return records, nil
}

func validateRecord(md types.WorkflowMetadata) error {
	switch md.Status {
	case types.ExecutionSubmitted, types.ExecutionRunning, types.ExecutionAborting:
	case types.ExecutionSucceeded, types.ExecutionFailed, types.ExecutionAborted:
		if md.EndedAt == nil {
			return fmt.Errorf("terminal status %s without ended_at", md.Status)
		}
	default:
		return fmt.Errorf("unknown execution status %q", md.Status)
	}
	if md.ArchiveStatus != "" && !md.ArchiveStatus.Valid() {
		return fmt.Errorf("unknown archive status %q", md.ArchiveStatus)
	}
	return nil
}

// Seed 寫入記錄，已存在的 ID 略過。回傳實際寫入的數量。
func Seed(ctx context.Context, store Store, records []types.WorkflowMetadata) (int, error) {
	inserted := 0
	for _, md := range records {
		err := store.Put(ctx, md)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}
