// ============================================================================
// Carbonite Controller - 歸檔控制循環
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 定期選出下一個歸檔候選，派發凍結命令，等待完成後再進入下一輪
//
// 狀態機:
//
//   Idle ──timer──> AwaitingQueryResponse ──success(0)──> Idle (PollingInterval)
//                          │  └──failure──> Idle (backoff delay)
//                          └──success(1)──> AwaitingFreezeCompletion
//   AwaitingFreezeCompletion ──completion──> Idle (PollingInterval)
//   任何狀態 ──Stop()──> Stopped
//
// 事件模型:
//   - 單一 goroutine (run) 擁有 phase / backoff 游標 / inFlight
//   - 計時器、查詢回應、凍結完成通知都以 event 投遞到 events channel
//   - 查詢與派發在輔助 goroutine 中執行，事件循環本身不做阻塞 I/O
//   - 每個事件帶有所屬 cycle，過期事件直接丟棄
//   - Stop() 之後投遞的事件被丟棄（不是錯誤）
//
// 不保證跨實例互斥：多個實例同時運行時，需由 freezer 拒絕重複凍結
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/carbonite/internal/backoff"
	"github.com/ChuLiYu/carbonite/internal/query"
	"github.com/ChuLiYu/carbonite/pkg/types"
)

var (
	// ErrAlreadyStarted Start 被重複呼叫
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped 控制器已停止，無法再啟動
	ErrStopped = errors.New("controller stopped")
)

// Freezer 接收凍結命令的協作者。Freeze 只負責接受命令，
// 結果透過 Controller.Complete 非同步回報。
type Freezer interface {
	Freeze(ctx context.Context, cmd types.FreezeCommand) error
}

// Phase 控制循環當前所處的階段
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingQueryResponse
	PhaseAwaitingFreezeCompletion
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingQueryResponse:
		return "awaiting_query_response"
	case PhaseAwaitingFreezeCompletion:
		return "awaiting_freeze_completion"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status 控制器狀態快照（供 health 與 CLI 使用）
type Status struct {
	Phase               Phase
	InFlight            types.WorkflowID // 凍結中的工作流（若有）
	Cycles              uint64           // 已發出的查詢次數
	ConsecutiveFailures int              // 連續失敗次數（查詢成功後歸零）
	LastError           string
	NextDelay           time.Duration // 最近一次排程的等待時間
	StartedAt           time.Time
}

type eventKind int

const (
	evTimer eventKind = iota
	evQueryResponse
	evFreezeRejected
	evFreezeCompletion
	evFreezeTimeout
)

type event struct {
	kind       eventKind
	cycle      uint64
	result     query.Result
	err        error
	completion types.FreezeCompletion
}

// Controller 歸檔控制循環
type Controller struct {
	cfg     Config
	querier query.Querier
	freezer Freezer
	log     *slog.Logger

	events chan event
	stopCh chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex // 保護以下欄位（Stop 與事件循環共用）
	started     bool
	stopped     bool
	timer       Timer
	freezeTimer Timer
	status      Status

	// 以下只由事件循環 goroutine 存取
	phase        Phase
	policy       backoff.Policy
	cycle        uint64
	inFlight     types.WorkflowID
	timedOut     types.WorkflowID
	dispatchedAt time.Time
}

// New 建立控制器
func New(cfg Config, querier query.Querier, freezer Freezer) (*Controller, error) {
	if querier == nil || freezer == nil {
		return nil, fmt.Errorf("%w: querier and freezer are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	policy, err := backoff.New(cfg.Backoff, cfg.Rand)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		querier: querier,
		freezer: freezer,
		log:     cfg.Logger.With("component", "archiver"),
		events:  make(chan event),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		policy:  policy,
		phase:   PhaseIdle,
	}, nil
}

// Start 啟動事件循環，第一次查詢在一個 PollingInterval 之後發出
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.status.StartedAt = time.Now()
	c.mu.Unlock()

	c.arm(c.cfg.PollingInterval)
	go c.run()

	c.log.Info("Archiver started",
		"polling_interval", c.cfg.PollingInterval,
		"initial_backoff", c.cfg.Backoff.InitialInterval,
		"max_backoff", c.cfg.Backoff.MaxInterval,
		"freeze_timeout", c.cfg.FreezeTimeout)
	return nil
}

// Stop 取消計時器與進行中的查詢，之後到達的回應全部忽略。可重複呼叫。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.freezeTimer != nil {
		c.freezeTimer.Stop()
	}
	started := c.started
	c.status.Phase = PhaseStopped
	c.mu.Unlock()

	close(c.stopCh)
	c.cancel()
	if started {
		<-c.done
	}
	c.cfg.Recorder.SetPhase(PhaseStopped.String())
	c.log.Info("Archiver stopped")
}

// Complete 凍結完成通知（由 freezer 呼叫）。Stop 之後為 no-op。
func (c *Controller) Complete(completion types.FreezeCompletion) {
	c.mu.Lock()
	live := c.started && !c.stopped
	c.mu.Unlock()
	if !live {
		c.log.Debug("Ignoring freeze completion, archiver not running",
			"workflow_id", completion.WorkflowID)
		return
	}
	c.post(event{kind: evFreezeCompletion, completion: completion})
}

// Status 取得狀態快照
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Running 是否已啟動且尚未停止
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// ============================================================================
// 事件循環
// ============================================================================

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			return
		case ev := <-c.events:
			// 再次檢查是否已停止（避免 Stop 與事件同時就緒時處理過期事件）
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.handle(ev)
		}
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopCh:
	}
}

// handle 依 phase × event 進行狀態轉換
func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evTimer:
		if c.phase != PhaseIdle || ev.cycle != c.cycle {
			return
		}
		c.startQuery()

	case evQueryResponse:
		if c.phase != PhaseAwaitingQueryResponse || ev.cycle != c.cycle {
			return
		}
		c.onQueryResponse(ev.result, ev.err)

	case evFreezeRejected:
		if c.phase != PhaseAwaitingFreezeCompletion || ev.cycle != c.cycle {
			return
		}
		c.stopFreezeTimer()
		c.inFlight = ""
		c.retryLater("freeze_rejected", "Freezer rejected command", ev.err)

	case evFreezeCompletion:
		c.onFreezeCompletion(ev.completion)

	case evFreezeTimeout:
		if c.phase != PhaseAwaitingFreezeCompletion || ev.cycle != c.cycle {
			return
		}
		c.log.Warn("Freeze did not complete in time, moving on",
			"workflow_id", c.inFlight,
			"timeout", c.cfg.FreezeTimeout)
		c.timedOut = c.inFlight
		c.inFlight = ""
		c.arm(c.cfg.PollingInterval)
	}
}

func (c *Controller) startQuery() {
	c.cycle++
	cycle := c.cycle
	q := query.NewCandidateQuery()

	c.setPhase(PhaseAwaitingQueryResponse)
	c.mu.Lock()
	c.status.Cycles = cycle
	c.mu.Unlock()
	c.cfg.Recorder.RecordCycle()

	go func() {
		result, err := c.querier.QueryCandidates(c.ctx, q)
		c.post(event{kind: evQueryResponse, cycle: cycle, result: result, err: err})
	}()
}

func (c *Controller) onQueryResponse(result query.Result, err error) {
	if err != nil {
		c.retryLater("query", "Candidate query failed", err)
		return
	}

	c.policy = c.policy.Reset()
	c.mu.Lock()
	c.status.ConsecutiveFailures = 0
	c.mu.Unlock()

	if verr := result.Validate(query.NewCandidateQuery()); verr != nil {
		c.log.Error("Candidate query ignored page size, using first result",
			"error", verr,
			"results", len(result.Workflows))
	}

	id, ok := result.Candidate()
	c.cfg.Recorder.RecordCandidate(ok)
	if !ok {
		c.log.Debug("No archival candidate", "next_poll", c.cfg.PollingInterval)
		c.arm(c.cfg.PollingInterval)
		return
	}

	c.dispatchFreeze(id, result.TotalCount)
}

func (c *Controller) dispatchFreeze(id types.WorkflowID, remaining int) {
	cycle := c.cycle
	cmd := types.FreezeCommand{WorkflowID: id}

	c.inFlight = id
	c.dispatchedAt = time.Now()
	c.setPhase(PhaseAwaitingFreezeCompletion)

	c.mu.Lock()
	c.status.InFlight = id
	if c.cfg.FreezeTimeout > 0 && !c.stopped {
		c.freezeTimer = c.cfg.Scheduler.AfterFunc(c.cfg.FreezeTimeout, func() {
			c.post(event{kind: evFreezeTimeout, cycle: cycle})
		})
	}
	c.mu.Unlock()

	c.cfg.Recorder.RecordFreezeDispatched()
	c.log.Info("Dispatching freeze",
		"workflow_id", id,
		"eligible", remaining)

	go func() {
		if err := c.freezer.Freeze(c.ctx, cmd); err != nil {
			c.post(event{kind: evFreezeRejected, cycle: cycle, err: err})
		}
	}()
}

func (c *Controller) onFreezeCompletion(completion types.FreezeCompletion) {
	if c.phase == PhaseAwaitingFreezeCompletion && completion.WorkflowID == c.inFlight {
		c.stopFreezeTimer()
		latency := time.Since(c.dispatchedAt)
		c.cfg.Recorder.RecordFreezeCompleted(completion.Status, latency)
		c.log.Info("Freeze completed",
			"workflow_id", completion.WorkflowID,
			"status", completion.Status,
			"duration", latency)
		c.inFlight = ""
		c.arm(c.cfg.PollingInterval)
		return
	}

	if completion.WorkflowID != "" && completion.WorkflowID == c.timedOut {
		c.log.Warn("Late freeze completion after timeout",
			"workflow_id", completion.WorkflowID,
			"status", completion.Status)
		c.timedOut = ""
		return
	}

	// 收到非本實例請求的完成通知：協作者違反互斥約定
	c.cfg.Recorder.RecordUnexpectedCompletion()
	c.log.Error("Freeze completion for a workflow that is not in flight",
		"workflow_id", completion.WorkflowID,
		"status", completion.Status,
		"in_flight", c.inFlight,
		"phase", c.phase.String())
}

// retryLater 記錄可恢復的錯誤並依退避策略重新排程
func (c *Controller) retryLater(reason, msg string, err error) {
	delay, next := c.policy.Next()
	c.policy = next

	c.log.Warn(msg,
		"error", err,
		"attempt", next.Attempts(),
		"retry_in", delay)

	c.mu.Lock()
	c.status.ConsecutiveFailures = next.Attempts()
	c.status.LastError = err.Error()
	c.mu.Unlock()
	c.cfg.Recorder.RecordFailure(reason, delay)

	c.arm(delay)
}

// arm 進入 Idle 並在 d 之後觸發下一輪
func (c *Controller) arm(d time.Duration) {
	cycle := c.cycle
	c.setPhase(PhaseIdle)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.status.InFlight = ""
	c.status.NextDelay = d
	c.timer = c.cfg.Scheduler.AfterFunc(d, func() {
		c.post(event{kind: evTimer, cycle: cycle})
	})
}

func (c *Controller) stopFreezeTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freezeTimer != nil {
		c.freezeTimer.Stop()
		c.freezeTimer = nil
	}
}

func (c *Controller) setPhase(p Phase) {
	c.phase = p
	c.mu.Lock()
	if !c.stopped {
		c.status.Phase = p
	}
	c.mu.Unlock()
	c.cfg.Recorder.SetPhase(p.String())
}
