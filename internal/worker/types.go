package worker

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

// Task 代表一個待執行的凍結任務
type Task struct {
	WorkflowID types.WorkflowID // 要凍結的工作流
	Timeout    time.Duration    // 執行超時時間
}

// Result 代表凍結任務的執行結果
type Result struct {
	WorkflowID types.WorkflowID
	Status     types.MetadataArchiveStatus // Archived 或 ArchiveFailed
	Error      error                       // 失敗原因（如果有）
	Duration   time.Duration               // 實際執行時間
}

// Config Worker Pool 設定
type Config struct {
	WorkerCount int           // Worker goroutine 數量
	TaskTimeout time.Duration // 每個凍結任務的超時時間
	BufferSize  int           // 任務與結果通道的緩衝大小
	Logger      *slog.Logger
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	return Config{
		WorkerCount: 1,
		TaskTimeout: 2 * time.Minute,
		BufferSize:  16,
	}
}
