// ============================================================================
// MPC Orchestrator Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露編排器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - mpc_jobs_created_total: 建立的任務總數
//      - mpc_jobs_closed_total: 正常關閉的任務總數
//      - mpc_jobs_failed_total{phase,kind}: 失敗任務數（依失敗階段與種類）
//      - mpc_phases_completed_total{phase}: 成功完成的階段數
//      - mpc_events_published_total{kind}: 發布的事件數
//      - mpc_events_dropped_total{kind}: 因訂閱者緩衝已滿而丟棄的事件數
//
//   2. 性能指標 (Histogram)：
//      - mpc_phase_duration_seconds{phase}: 各階段執行耗時分佈
//
//   3. 狀態指標 (Gauge)：
//      - mpc_jobs_active: 目前存活（未銷毀）的任務數
//      - mpc_subscribers: 目前的訂閱者數量
//
// Prometheus 查詢示例:
//
//   # 95 分位線上階段耗時
//   histogram_quantile(0.95, rate(mpc_phase_duration_seconds_bucket{phase="online"}[5m]))
//
//   # 執行器失敗率
//   rate(mpc_jobs_failed_total{kind="ExecutorFailure"}[5m]) / rate(mpc_jobs_created_total[5m])
//
// 所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsCreated     prometheus.Counter
	jobsClosed      prometheus.Counter
	jobsFailed      *prometheus.CounterVec
	phasesCompleted *prometheus.CounterVec

	// 事件相關指標
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	// 效能指標
	phaseDuration *prometheus.HistogramVec

	// 狀態指標
	jobsActive  prometheus.Gauge
	subscribers prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊器，nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpc_jobs_created_total",
			Help: "Total number of computation jobs created",
		}),
		jobsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpc_jobs_closed_total",
			Help: "Total number of computation jobs closed",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpc_jobs_failed_total",
			Help: "Total number of computation jobs failed, by phase and error kind",
		}, []string{"phase", "kind"}),
		phasesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpc_phases_completed_total",
			Help: "Total number of phases completed successfully",
		}, []string{"phase"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpc_events_published_total",
			Help: "Total number of job events published",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpc_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		}, []string{"kind"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mpc_phase_duration_seconds",
			Help:    "Phase execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"phase"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mpc_jobs_active",
			Help: "Current number of live jobs",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mpc_subscribers",
			Help: "Current number of event subscribers",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsCreated,
		c.jobsClosed,
		c.jobsFailed,
		c.phasesCompleted,
		c.eventsPublished,
		c.eventsDropped,
		c.phaseDuration,
		c.jobsActive,
		c.subscribers,
	)

	return c
}

// RecordCreated 記錄任務建立
func (c *Collector) RecordCreated() {
	if c == nil {
		return
	}
	c.jobsCreated.Inc()
	c.jobsActive.Inc()
}

// RecordPhase 記錄階段成功完成
func (c *Collector) RecordPhase(phase types.Phase, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.phasesCompleted.WithLabelValues(string(phase)).Inc()
	c.phaseDuration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
}

// RecordClosed 記錄任務關閉
func (c *Collector) RecordClosed() {
	if c == nil {
		return
	}
	c.jobsClosed.Inc()
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(phase types.Phase, kind types.ErrorKind) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(string(phase), string(kind)).Inc()
}

// RecordDestroyed 記錄任務在保留期後被銷毀
func (c *Collector) RecordDestroyed() {
	if c == nil {
		return
	}
	c.jobsActive.Dec()
}

// EventPublished 實作 notify.Observer
func (c *Collector) EventPublished(kind types.EventKind, _ int) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(string(kind)).Inc()
}

// EventDropped 實作 notify.Observer
func (c *Collector) EventDropped(kind types.EventKind) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(string(kind)).Inc()
}

// SubscribersChanged 實作 notify.Observer
func (c *Collector) SubscribersChanged(delta int) {
	if c == nil {
		return
	}
	c.subscribers.Add(float64(delta))
}

// Handler 回傳 gatherer 的 /metrics 處理器，nil 時使用預設 gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer 建立 Prometheus metrics HTTP 伺服器（尚未啟動）
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源，nil 時使用預設 gatherer
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
