package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker/Sweeper 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		QueueClaimTotal, QueueDepth, SweepTotal, SweepRequeuedTotal,
		JobDuration, DeliveryTotal, DeadLetterTotal, WorkerBusy,
		HeartbeatTotal,
	)
}

// QueueClaimTotal claim_next 结果总数（claimed | empty）
var QueueClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "review_queue_claim_total",
		Help: "claim_next 结果总数",
	},
	[]string{"result"},
)

// QueueDepth 按状态统计的队列行数（API /metrics 抓取时刷新）
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "review_queue_depth",
		Help: "work_queue 各状态行数",
	},
	[]string{"status"},
)

// SweepTotal sweeper 执行次数
var SweepTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "review_sweep_total",
		Help: "sweeper 执行次数",
	},
)

// SweepRequeuedTotal sweeper 回收的过期租约行数
var SweepRequeuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "review_sweep_requeued_total",
		Help: "回收回 queued 的过期 running 行数",
	},
)

// JobDuration 单个队列 job 处理耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "review_job_duration_seconds",
		Help:    "队列 job 处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"outcome"}, // completed | failed | lease_lost
)

// DeliveryTotal 通知投递结果总数（sent | reconciled | already_sent）
var DeliveryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "review_notification_delivery_total",
		Help: "outbox 投递结果总数",
	},
	[]string{"status"},
)

// DeadLetterTotal dead letter 状态变化总数
var DeadLetterTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "review_dead_letter_total",
		Help: "dead letter 状态变化总数",
	},
	[]string{"status"}, // open | replaying | resolved | escalated
)

// WorkerBusy 当前正在处理 job 的 worker 数
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "review_worker_busy",
		Help: "当前正在处理的 job 数",
	},
	[]string{"worker_id"},
)

// HeartbeatTotal 租约续期结果总数（renewed | lost）
var HeartbeatTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "review_heartbeat_total",
		Help: "租约续期结果总数",
	},
	[]string{"result"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
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
