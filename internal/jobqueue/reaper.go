package jobqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
)

// ReapStore — операции сборщика зависших событий.
type ReapStore interface {
	// KillStale переводит зависшие события, исчерпавшие доставки, в dead,
	// а их активные загрузки в failed. Возвращает число событий и загрузок.
	KillStale(ctx context.Context, staleAfter time.Duration, maxDeliveries int) (events int, uploads int64, err error)
	// RequeueStale возвращает остальные зависшие события в очередь.
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error)
	// CountByState возвращает количество событий по состояниям.
	CountByState(ctx context.Context) (map[model.JobState]int, error)
}

// ReaperConfig — параметры сборщика.
type ReaperConfig struct {
	// Interval — период обхода
	Interval time.Duration
	// StaleAfter — сколько событие может быть running без завершения
	StaleAfter time.Duration
	// MaxDeliveries — после стольких доставок событие переводится в dead
	MaxDeliveries int
}

// Reaper — фоновый сборщик событий, чей воркер пропал (падение процесса,
// потеря соединения). Событие, исчерпавшее доставки, завершается, а его
// загрузка переводится в failed. Остальные возвращаются в очередь.
type Reaper struct {
	store  ReapStore
	cfg    ReaperConfig
	wake   func()
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper создаёт сборщик. wake вызывается, если события вернулись в очередь.
func NewReaper(store ReapStore, cfg ReaperConfig, wake func(), logger *slog.Logger) *Reaper {
	if wake == nil {
		wake = func() {}
	}
	return &Reaper{
		store:  store,
		cfg:    cfg,
		wake:   wake,
		logger: logger.With(slog.String("component", "reaper")),
	}
}

// Start запускает фоновую горутину с периодическим обходом.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		r.logger.Info("Сборщик зависших событий запущен",
			slog.String("interval", r.cfg.Interval.String()),
			slog.String("stale_after", r.cfg.StaleAfter.String()),
			slog.Int("max_deliveries", r.cfg.MaxDeliveries),
		)

		// Первый обход сразу: после рестарта running-события предыдущего процесса
		r.reap(ctx)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Сборщик зависших событий остановлен")
				return
			case <-ticker.C:
				r.reap(ctx)
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Reaper) reap(ctx context.Context) {
	if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("Ошибка обхода зависших событий", slog.String("error", err.Error()))
	}
}

// ReapResult — итог одного обхода.
type ReapResult struct {
	Dead          int
	FailedUploads int64
	Requeued      int64
}

// ReapOnce выполняет один обход и обновляет gauge состояний очереди.
func (r *Reaper) ReapOnce(ctx context.Context) (*ReapResult, error) {
	res := &ReapResult{}

	dead, failed, err := r.store.KillStale(ctx, r.cfg.StaleAfter, r.cfg.MaxDeliveries)
	if err != nil {
		return nil, err
	}
	res.Dead, res.FailedUploads = dead, failed
	if dead > 0 {
		reapedTotal.WithLabelValues("dead").Add(float64(dead))
		r.logger.Warn("События исчерпали доставки, загрузки переведены в failed",
			slog.Int("events", dead),
			slog.Int64("uploads", failed),
		)
	}

	if res.Requeued, err = r.store.RequeueStale(ctx, r.cfg.StaleAfter); err != nil {
		return nil, err
	}
	if res.Requeued > 0 {
		reapedTotal.WithLabelValues("requeued").Add(float64(res.Requeued))
		r.logger.Warn("Зависшие события возвращены в очередь", slog.Int64("events", res.Requeued))
		r.wake()
	}

	counts, err := r.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	for state, n := range counts {
		eventsGauge.WithLabelValues(string(state)).Set(float64(n))
	}
	return res, nil
}
