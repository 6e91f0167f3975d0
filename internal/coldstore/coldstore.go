// ============================================================================
// Carbonite 冷儲存 - 歸檔檔案寫入
// ============================================================================
//
// Package: internal/coldstore
// 文件: coldstore.go
// 功能: 將已凍結的工作流元資料寫成 gzip JSON 檔案
//
// 檔案配置:
//   <dir>/<workflow-id>.json.gz
//
// 寫入流程（原子性）:
//   1. 在同一目錄建立臨時檔（.tmp-*）
//   2. 寫入並 fsync
//   3. os.Rename 取代目標檔
//
// 重複寫入同一個 key 會覆蓋舊檔；上一次凍結若在標記 Archived 前失敗，
// 下一次可以安全地重寫。
//
// ============================================================================

package coldstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

var (
	// ErrNotFound 歸檔檔案不存在
	ErrNotFound = errors.New("archive not found")
	// ErrInvalidKey key 含有路徑分隔符或為空
	ErrInvalidKey = errors.New("invalid archive key")
)

// ArchiveSuffix 歸檔檔案副檔名
const ArchiveSuffix = ".json.gz"

// FileStore 以本地目錄作為冷儲存
type FileStore struct {
	dir string
	mu  sync.Mutex // 序列化同一實例內的寫入
}

// NewFileStore 建立冷儲存，目錄不存在時自動建立
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cold store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cold store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Key 工作流對應的歸檔 key
func Key(id types.WorkflowID) string {
	return string(id) + ArchiveSuffix
}

// Dir 冷儲存根目錄
func (s *FileStore) Dir() string {
	return s.dir
}

// Put 原子性寫入
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp archive: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename archive: %w", err)
	}
	return nil
}

// Get 讀取歸檔內容
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return data, nil
}

// Exists 檢查歸檔是否存在
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat archive: %w", err)
	}
	return true, nil
}

// List 列出所有歸檔 key（不含臨時檔），依名稱排序
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, ArchiveSuffix) {
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key), nil
}
