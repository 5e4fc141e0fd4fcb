package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_workflow_runs_total",
		Help: "Завершённые запуски workflow по итоговому статусу загрузки",
	}, []string{"outcome"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cm_workflow_step_duration_seconds",
		Help:    "Длительность шага workflow (включая повторы)",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600, 900},
	}, []string{"step"})

	stepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_workflow_step_retries_total",
		Help: "Повторы шагов workflow",
	}, []string{"step"})

	clipsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_workflow_clips_created_total",
		Help: "Созданные записи клипов по источнику (manifest, listing)",
	}, []string{"source"})

	creditsDeducted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_workflow_credits_deducted_total",
		Help: "Списанные кредиты",
	})
)
