package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_jobqueue_claims_total",
		Help: "Попытки выдачи события воркеру по результату (claimed, empty, error)",
	}, []string{"result"})

	reapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_jobqueue_reaped_total",
		Help: "Зависшие события, обработанные сборщиком (requeued, dead)",
	}, []string{"action"})

	eventsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cm_jobqueue_events",
		Help: "Количество событий в очереди по состоянию",
	}, []string{"state"})

	notificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_jobqueue_notifications_total",
		Help: "Полученные уведомления LISTEN о новых событиях",
	})
)
