package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 与 Dispatcher 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		AdmissionTotal, JobTotal,
		DispatchDuration, DispatchTickDuration,
		QueuedJobs, WorkerBusy, WorkersRegistered,
	)
}

// AdmissionTotal 准入请求总数（按结果）
var AdmissionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tessera_admission_total",
		Help: "准入请求总数（按结果）",
	},
	[]string{"outcome"}, // admitted | quota_exceeded | invalid | store_error
)

// JobTotal 到达终态的 Job 总数（按状态与能力）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tessera_job_total",
		Help: "到达终态的 Job 总数（按状态与能力）",
	},
	[]string{"status", "capability"}, // completed | failed
)

// DispatchDuration 单次派发（Worker RPC 往返）耗时（秒）
var DispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tessera_dispatch_duration_seconds",
		Help:    "单次派发耗时（秒）",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	},
	[]string{"capability"},
)

// DispatchTickDuration 调度循环单次拉取耗时（秒）
var DispatchTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tessera_dispatch_tick_duration_seconds",
		Help:    "调度循环单次拉取耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// QueuedJobs 当前 QUEUED 状态的 Job 数（由 Status API 侧路径采样更新）
var QueuedJobs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tessera_queued_jobs",
		Help: "当前排队中的 Job 数",
	},
)

// WorkerBusy 当前正在执行 Job 的 Worker 数
var WorkerBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tessera_worker_busy",
		Help: "当前 busy 状态的 Worker 数",
	},
)

// WorkersRegistered 注册表中的 Worker 总数（含不健康）
var WorkersRegistered = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tessera_workers_registered",
		Help: "注册表中的 Worker 总数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 暴露 /api/system/metrics）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
