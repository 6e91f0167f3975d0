// ============================================================================
// Carbonite 記憶體熱儲存
// ============================================================================
//
// Package: internal/metadata
// 文件: memstore.go
// 功能: 單一程序內的熱儲存實現，用於開發、展示與測試
//
// 數據結構:
//   records map[WorkflowID]*WorkflowMetadata - 主存儲（單一真實來源）
//   events  map[WorkflowID][]MetadataEvent  - 元資料記錄，依時間排序
//
// 候選排序: 結束時間由舊到新，相同時以 ID 排序，保證結果穩定
//
// 並發安全: sync.RWMutex，讀操作 RLock，寫操作 Lock
//
// ============================================================================

package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/carbonite/internal/query"
	"github.com/ChuLiYu/carbonite/pkg/types"
)

// MemStore 記憶體熱儲存
type MemStore struct {
	mu      sync.RWMutex
	records map[types.WorkflowID]*types.WorkflowMetadata
	events  map[types.WorkflowID][]types.MetadataEvent
}

var _ Store = (*MemStore)(nil)

// NewMemStore 建立空的記憶體熱儲存
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[types.WorkflowID]*types.WorkflowMetadata),
		events:  make(map[types.WorkflowID][]types.MetadataEvent),
	}
}

// Put 寫入摘要與元資料記錄。未指定歸檔狀態時視為 Unarchived。
func (s *MemStore) Put(ctx context.Context, md types.WorkflowMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if md.ID == "" {
		return fmt.Errorf("put workflow: empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[md.ID]; exists {
		return fmt.Errorf("put workflow %s: %w", md.ID, ErrDuplicate)
	}

	if md.ArchiveStatus == "" {
		md.ArchiveStatus = types.Unarchived
	}
	events := append([]types.MetadataEvent(nil), md.Events...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	md.Events = nil

	s.records[md.ID] = &md
	s.events[md.ID] = events
	return nil
}

// Get 取得摘要副本
func (s *MemStore) Get(ctx context.Context, id types.WorkflowID) (types.WorkflowMetadata, error) {
	if err := ctx.Err(); err != nil {
		return types.WorkflowMetadata{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	md, exists := s.records[id]
	if !exists {
		return types.WorkflowMetadata{}, fmt.Errorf("get workflow %s: %w", id, ErrWorkflowNotFound)
	}
	return *md, nil
}

// Events 取得元資料記錄副本
func (s *MemStore) Events(ctx context.Context, id types.WorkflowID) ([]types.MetadataEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.records[id]; !exists {
		return nil, fmt.Errorf("events of workflow %s: %w", id, ErrWorkflowNotFound)
	}
	return append([]types.MetadataEvent(nil), s.events[id]...), nil
}

// SetArchiveStatus 條件式更新歸檔狀態
func (s *MemStore) SetArchiveStatus(ctx context.Context, id types.WorkflowID, status types.MetadataArchiveStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("set archive status of %s: unknown status %q", id, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	md, exists := s.records[id]
	if !exists {
		return fmt.Errorf("set archive status of %s: %w", id, ErrWorkflowNotFound)
	}
	if err := checkTransition(md.ArchiveStatus, status); err != nil {
		return fmt.Errorf("set archive status of %s from %s to %s: %w", id, md.ArchiveStatus, status, err)
	}
	md.ArchiveStatus = status
	return nil
}

// QueryCandidates 依查詢條件選出候選，TotalCount 為分頁前的符合數量
func (s *MemStore) QueryCandidates(ctx context.Context, q query.CandidateQuery) (query.Result, error) {
	if err := ctx.Err(); err != nil {
		return query.Result{}, err
	}

	s.mu.RLock()
	matched := make([]*types.WorkflowMetadata, 0)
	for _, md := range s.records {
		if q.Matches(*md) {
			matched = append(matched, md)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ei, ej := endTime(matched[i]), endTime(matched[j])
		if !ei.Equal(ej) {
			if q.OldestFirst {
				return ei.Before(ej)
			}
			return ei.After(ej)
		}
		return matched[i].ID < matched[j].ID
	})

	result := query.Result{TotalCount: len(matched)}
	offset := pageOffset(q)
	if offset >= len(matched) {
		return result, nil
	}
	end := len(matched)
	if q.PageSize > 0 && offset+q.PageSize < end {
		end = offset + q.PageSize
	}
	for _, md := range matched[offset:end] {
		result.Workflows = append(result.Workflows, md.ID)
	}
	return result, nil
}

// Stats 各歸檔狀態的數量
func (s *MemStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	eligible := query.NewCandidateQuery()
	stats := Stats{Total: len(s.records)}
	for _, md := range s.records {
		switch md.ArchiveStatus {
		case types.Unarchived:
			stats.Unarchived++
		case types.Archived:
			stats.Archived++
		case types.ArchiveFailed:
			stats.ArchiveFailed++
		}
		if eligible.Matches(*md) {
			stats.Eligible++
		}
	}
	return stats, nil
}

// endTime 沒有結束時間的工作流排在最後
func endTime(md *types.WorkflowMetadata) time.Time {
	if md.EndedAt == nil {
		return time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	return *md.EndedAt
}

func pageOffset(q query.CandidateQuery) int {
	if q.Page <= 1 || q.PageSize <= 0 {
		return 0
	}
	return (q.Page - 1) * q.PageSize
}
