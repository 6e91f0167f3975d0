// ============================================================================
// Carbonite Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露歸檔控制循環與凍結 Worker 的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - carbonite_cycles_total: 已發出的候選查詢數
//      - carbonite_failures_total{reason}: 查詢失敗 / 凍結命令被拒
//      - carbonite_candidates_total{result}: found / empty
//      - carbonite_freezes_dispatched_total: 已派發的凍結命令
//      - carbonite_freezes_completed_total{status}: Archived / ArchiveFailed
//      - carbonite_unexpected_completions_total: 非進行中工作流的完成通知
//      - carbonite_freeze_task_errors_total{stage}: Worker 各階段錯誤
//      - carbonite_archive_bytes_total: 寫入冷儲存的位元組數
//
//   2. 分佈 (Histogram)：
//      - carbonite_freeze_latency_seconds: 派發到完成的時間
//
//   3. 瞬時值 (Gauge)：
//      - carbonite_backoff_delay_seconds: 最近一次退避等待時間（成功後歸零）
//      - carbonite_phase{phase}: 目前階段為 1，其餘為 0
//
// Prometheus 查詢示例:
//
//   # 歸檔吞吐量
//   rate(carbonite_freezes_completed_total{status="Archived"}[5m])
//
//   # 查詢失敗率
//   rate(carbonite_failures_total{reason="query"}[5m]) / rate(carbonite_cycles_total[5m])
//
// HTTP 端點:
//   /metrics，預設端口 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

const namespace = "carbonite"

// Phases 控制循環所有階段名稱，與 controller.Phase.String() 一致
var Phases = []string{"idle", "awaiting_query_response", "awaiting_freeze_completion", "stopped"}

// Collector Prometheus 指標收集器，實作 controller.Recorder 與 worker.Recorder
type Collector struct {
	cycles               prometheus.Counter
	failures             *prometheus.CounterVec
	candidates           *prometheus.CounterVec
	freezesDispatched    prometheus.Counter
	freezesCompleted     *prometheus.CounterVec
	unexpectedCompletion prometheus.Counter
	taskErrors           *prometheus.CounterVec
	archiveBytes         prometheus.Counter

	freezeLatency prometheus.Histogram

	backoffDelay prometheus.Gauge
	phase        *prometheus.GaugeVec
}

// NewCollector 創建指標收集器並註冊到 reg（nil 時使用 prometheus.DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of candidate queries issued",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of failed cycles by reason",
		}, []string{"reason"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Successful candidate queries by result",
		}, []string{"result"}),
		freezesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "freezes_dispatched_total",
			Help:      "Total number of freeze commands dispatched",
		}),
		freezesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "freezes_completed_total",
			Help:      "Total number of freeze completions by archive status",
		}, []string{"status"}),
		unexpectedCompletion: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unexpected_completions_total",
			Help:      "Freeze completions for a workflow that was not in flight",
		}),
		taskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "freeze_task_errors_total",
			Help:      "Freeze task errors by stage",
		}, []string{"stage"}),
		archiveBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_total",
			Help:      "Bytes written to cold storage",
		}),
		freezeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "freeze_latency_seconds",
			Help:      "Time from freeze dispatch to completion in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		backoffDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_delay_seconds",
			Help:      "Delay scheduled after the most recent failure, zero after a success",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "Current control loop phase (1 for the active phase)",
		}, []string{"phase"}),
	}

	reg.MustRegister(
		c.cycles,
		c.failures,
		c.candidates,
		c.freezesDispatched,
		c.freezesCompleted,
		c.unexpectedCompletion,
		c.taskErrors,
		c.archiveBytes,
		c.freezeLatency,
		c.backoffDelay,
		c.phase,
	)

	for _, p := range Phases {
		c.phase.WithLabelValues(p).Set(0)
	}
	return c
}

// ============================================================================
// 控制循環指標
// ============================================================================

// RecordCycle 記錄發出一次候選查詢
func (c *Collector) RecordCycle() {
	c.cycles.Inc()
}

// RecordFailure 記錄失敗原因與之後的退避時間
func (c *Collector) RecordFailure(reason string, delay time.Duration) {
	c.failures.WithLabelValues(reason).Inc()
	c.backoffDelay.Set(delay.Seconds())
}

// RecordCandidate 記錄查詢成功，退避歸零
func (c *Collector) RecordCandidate(found bool) {
	result := "empty"
	if found {
		result = "found"
	}
	c.candidates.WithLabelValues(result).Inc()
	c.backoffDelay.Set(0)
}

// RecordFreezeDispatched 記錄派發凍結命令
func (c *Collector) RecordFreezeDispatched() {
	c.freezesDispatched.Inc()
}

// RecordFreezeCompleted 記錄凍結完成
func (c *Collector) RecordFreezeCompleted(status types.MetadataArchiveStatus, latency time.Duration) {
	c.freezesCompleted.WithLabelValues(string(status)).Inc()
	c.freezeLatency.Observe(latency.Seconds())
}

// RecordUnexpectedCompletion 記錄不符合進行中工作流的完成通知
func (c *Collector) RecordUnexpectedCompletion() {
	c.unexpectedCompletion.Inc()
}

// SetPhase 更新目前階段
func (c *Collector) SetPhase(phase string) {
	for _, p := range Phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.phase.WithLabelValues(p).Set(v)
	}
}

// ============================================================================
// Worker 指標
// ============================================================================

// RecordTaskError 記錄凍結任務在某階段失敗
func (c *Collector) RecordTaskError(stage string) {
	c.taskErrors.WithLabelValues(stage).Inc()
}

// RecordArchiveBytes 記錄寫入冷儲存的大小
func (c *Collector) RecordArchiveBytes(n int) {
	c.archiveBytes.Add(float64(n))
}

// ============================================================================
// HTTP 端點
// ============================================================================

// NewServer 建立 /metrics HTTP 伺服器（由呼叫者負責 ListenAndServe / Shutdown）
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
