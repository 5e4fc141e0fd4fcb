// Пакет jobqueue — доставка событий обработки воркерам.
//
// События хранятся в таблице job_events. Dispatcher держит пул воркеров,
// каждый из которых забирает событие (Claim), выполняет запуск workflow и
// завершает событие (Complete). Воркеры просыпаются по NOTIFY из Listener
// и по таймеру опроса, поэтому потерянное уведомление задерживает запуск
// не больше чем на PollInterval.
//
// Для одного пользователя одновременно выполняется не больше одного запуска:
// это гарантирует Claim (см. repository.JobEventRepository).
package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// completeTimeout — таймаут завершения события после запуска.
const completeTimeout = 10 * time.Second

// Queue — выдача и завершение событий.
type Queue interface {
	Claim(ctx context.Context) (*model.JobEvent, error)
	Complete(ctx context.Context, id string, deliveries int, lastErr *string) error
}

// Runner — исполнитель запуска workflow.
type Runner interface {
	Run(ctx context.Context, ev *model.JobEvent) (model.UploadStatus, error)
}

// Source — источник пробуждений воркеров (LISTEN).
// Run блокируется до отмены ctx и вызывает wake на каждое уведомление.
type Source interface {
	Run(ctx context.Context, wake func()) error
}

// DispatcherConfig — параметры пула воркеров.
type DispatcherConfig struct {
	// Workers — количество параллельных запусков
	Workers int
	// PollInterval — период опроса очереди без уведомлений
	PollInterval time.Duration
}

// Dispatcher — пул воркеров очереди событий.
type Dispatcher struct {
	queue  Queue
	runner Runner
	source Source
	cfg    DispatcherConfig
	logger *slog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher создаёт пул воркеров. source может быть nil: тогда
// воркеры просыпаются только по таймеру опроса.
func NewDispatcher(queue Queue, runner Runner, source Source, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Dispatcher{
		queue:  queue,
		runner: runner,
		source: source,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "dispatcher")),
		wake:   make(chan struct{}, cfg.Workers),
	}
}

// Start запускает воркеров и слушателя уведомлений.
// Вызывается один раз при старте приложения.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	for i := range d.cfg.Workers {
		g.Go(func() error {
			d.worker(gctx, i)
			return nil
		})
	}
	if d.source != nil {
		g.Go(func() error {
			return d.source.Run(gctx, d.Wake)
		})
	}

	d.logger.Info("Воркеры очереди запущены",
		slog.Int("workers", d.cfg.Workers),
		slog.String("poll_interval", d.cfg.PollInterval.String()),
	)

	go func() {
		defer close(d.done)
		if err := g.Wait(); err != nil {
			d.logger.Error("Воркеры очереди остановлены с ошибкой", slog.String("error", err.Error()))
			return
		}
		d.logger.Info("Воркеры очереди остановлены")
	}()
}

// Stop отменяет выполняющиеся запуски и ждёт завершения воркеров.
// Прерванный запуск записывает failed, а его событие завершается (done),
// поэтому reaper его не возвращает: повтор — только через reprocess.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
}

// Wake будит одного свободного воркера. Не блокируется.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	logger := d.logger.With(slog.Int("worker", n))
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for d.processNext(ctx, logger) {
		}
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// processNext забирает и выполняет одно событие.
// Возвращает false, если очередь пуста или воркер должен остановиться.
func (d *Dispatcher) processNext(ctx context.Context, logger *slog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}

	ev, err := d.queue.Claim(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		claimsTotal.WithLabelValues("empty").Inc()
		return false
	case err != nil:
		if ctx.Err() == nil {
			claimsTotal.WithLabelValues("error").Inc()
			logger.Error("Ошибка выдачи события", slog.String("error", err.Error()))
		}
		return false
	}
	claimsTotal.WithLabelValues("claimed").Inc()

	status, runErr := d.runner.Run(ctx, ev)

	var lastErr *string
	if runErr != nil {
		msg := runErr.Error()
		lastErr = &msg
	}

	// Событие завершается и при остановке сервиса
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	if err := d.queue.Complete(cctx, ev.ID, ev.Deliveries, lastErr); err != nil {
		logger.Error("Ошибка завершения события",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}

	logger.Debug("Событие обработано",
		slog.String("event_id", ev.ID),
		slog.String("status", string(status)),
	)
	return ctx.Err() == nil
}
