package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 调度器指标
var (
	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_dispatched_total",
		Help: "Tasks transitioned to running, by type.",
	}, []string{"task_type"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_completed_total",
		Help: "Tasks reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	admissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_admission_denied_total",
		Help: "Admission denials, by reason.",
	}, []string{"reason"})

	runningTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_tasks_running",
		Help: "Currently running tasks, by type.",
	}, []string{"task_type"})

	dispatchCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_dispatch_cycles_total",
		Help: "Completed dispatch cycles.",
	})
)
