// Package metrics 汇总仿真桥接的 prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal 已完成的渲染帧数
	FramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mjbridge_frames_total",
		Help: "Rendered frames processed by the simulation pipeline",
	})

	// StepsTotal 物理引擎单步推进次数
	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mjbridge_physics_steps_total",
		Help: "Physics engine steps issued",
	})

	FrameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mjbridge_frame_duration_seconds",
		Help:    "Time spent in one pipeline frame (step, pose read-back, frame conversion)",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})

	FaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mjbridge_faults_total",
		Help: "Fatal simulation faults by reason",
	}, []string{"reason"})

	ControlRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mjbridge_control_rejected_total",
		Help: "Control vectors rejected by the control bridge",
	}, []string{"reason"})

	// Phase 当前流水线阶段（Loading=0 ... Faulted=4）
	Phase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mjbridge_pipeline_phase",
		Help: "Current pipeline phase",
	})

	BodiesSpawned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mjbridge_bodies_spawned",
		Help: "Bodies instantiated into the scene graph for the loaded model",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mjbridge_websocket_clients",
		Help: "Connected websocket clients",
	})

	HostSyncFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mjbridge_host_sync_frames_total",
		Help: "Host sync frames emitted, by kind (full or delta)",
	}, []string{"kind"})
)

// Handler 返回 /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}
