// ============================================================================
// Carbonite Worker Pool - 凍結命令執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 接收控制循環的凍結命令，交給 Worker 執行，並回報完成通知
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Freeze()--> taskCh
//   └─────────────┘
//         ↑
//    Complete()
//         ↑
//   ┌──────────────────────────────┐
//   │   Pool                       │
//   │  ┌────────┐                  │
//   │  │Worker 1│←── taskCh        │
//   │  │Worker N│←── taskCh ──→ resultCh ──→ report loop
//   │  └────────┘                  │
//   └──────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，初始化 channels
//   2. SetCompletionSink() - 設定完成通知的接收者
//   3. Start() - 啟動 Worker 與回報 goroutine
//   4. Freeze(cmd) - 提交凍結任務到 taskCh
//   5. Stop() - 通知 Worker 退出，等待進行中的任務完成並回報
//
// 並發控制:
//   - taskCh 從不關閉，Freeze 與 Stop 透過 stopCh 協調，送出不會 panic
//   - Stop 之前已進入 taskCh 但尚未被取出的任務會被丟棄，
//     對應的工作流仍為 Unarchived，下次循環會再被選中
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrNoCompletionSink Start 前未設定完成通知接收者
	ErrNoCompletionSink = errors.New("worker pool has no completion sink")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，實作 controller.Freezer
type Pool struct {
	cfg      Config
	meta     MetadataSource
	archive  ArchiveWriter
	recorder Recorder
	log      *slog.Logger

	sink     CompletionSink
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup // 追蹤 Worker
	reportWg sync.WaitGroup // 追蹤回報 goroutine
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Worker Pool。recorder 可為 nil。
func NewPool(cfg Config, meta MetadataSource, archive ArchiveWriter, recorder Recorder) *Pool {
	def := DefaultConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.TaskTimeout < 0 {
		cfg.TaskTimeout = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Pool{
		cfg:      cfg,
		meta:     meta,
		archive:  archive,
		recorder: recorder,
		log:      cfg.Logger.With("component", "freezer"),
		taskCh:   make(chan Task, cfg.BufferSize),
		resultCh: make(chan Result, cfg.BufferSize),
		stopCh:   make(chan struct{}),
	}
}

// SetCompletionSink 設定完成通知接收者，必須在 Start 之前呼叫
func (p *Pool) SetCompletionSink(sink CompletionSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Start 啟動 Worker 與回報 goroutine
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if p.sink == nil {
		return ErrNoCompletionSink
	}

	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := &Worker{
			id:       i,
			taskCh:   p.taskCh,
			resultCh: p.resultCh,
			stopCh:   p.stopCh,
			meta:     p.meta,
			archive:  p.archive,
			recorder: p.recorder,
			log:      p.log,
			now:      time.Now,
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.reportWg.Add(1)
	go p.reportLoop(p.sink)

	p.started = true
	p.log.Info("Freezer pool started",
		"workers", p.cfg.WorkerCount,
		"task_timeout", p.cfg.TaskTimeout)
	return nil
}

// Freeze 接受一個凍結命令。回傳 nil 代表之後一定會有一個完成通知
// （除非 Pool 在任務開始前被停止）。
func (p *Pool) Freeze(ctx context.Context, cmd types.FreezeCommand) error {
	if cmd.WorkflowID == "" {
		return fmt.Errorf("freeze: empty workflow id")
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	task := Task{WorkflowID: cmd.WorkflowID, Timeout: p.cfg.TaskTimeout}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reportLoop 把每個 Result 轉為 FreezeCompletion 交給 sink
func (p *Pool) reportLoop(sink CompletionSink) {
	defer p.reportWg.Done()
	for result := range p.resultCh {
		sink.Complete(types.FreezeCompletion{
			WorkflowID: result.WorkflowID,
			Status:     result.Status,
		})
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌，之後的 Freeze 回傳 ErrPoolClosed
//  2. 關閉 stopCh，Worker 完成當前任務後退出
//  3. 等待所有 Worker，關閉 resultCh
//  4. 等待回報 goroutine 送出最後的完成通知
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
	p.reportWg.Wait()

	p.log.Info("Freezer pool stopped", "dropped", len(p.taskCh))
}

// WorkerCount 返回當前 Worker 數量
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
