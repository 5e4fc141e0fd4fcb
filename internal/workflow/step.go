package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/clip-module/internal/computeclient"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// Имена шагов. Они же ключи журнала workflow_steps.
const (
	StepCheckCredits  = "check-credits"
	StepSetNoCredits  = "set-status-no-credits"
	StepSetProcessing = "set-status-processing"
	StepCallCompute   = "call-compute-endpoint"
	StepReconcile     = "reconcile-clips"
	StepDeductCredits = "deduct-credits"
	StepSetProcessed  = "set-status-processed"
)

// StepError — шаг не выполнен после всех попыток.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("шаг %s не выполнен (попыток: %d): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// run — состояние одного запуска.
type run struct {
	ID       string
	UploadID string
	UserID   string
	Language string
	logger   *slog.Logger
}

// noPrepare — шаг без внешнего ввода-вывода: весь эффект внутри транзакции.
type noPrepare struct{}

// runStep выполняет именованный шаг с журналированием и повтором.
//
// prepare выполняется вне транзакции (внешний вызов, листинг хранилища),
// apply — в транзакции вместе с записью результата в журнал. Если шаг уже
// записан в журнале, его результат возвращается без повторного выполнения.
func runStep[P, T any](
	ctx context.Context,
	e *Engine,
	r *run,
	name string,
	prepare func(ctx context.Context) (P, error),
	apply func(ctx context.Context, tx Tx, p P) (T, error),
) (T, error) {
	var out T
	logger := r.logger.With(slog.String("step", name))
	start := time.Now()

	attempt := func() error {
		memo := false

		var p P
		if prepare != nil {
			// Внешний вызов не повторяется, если результат уже зафиксирован
			found, err := e.loadMemo(ctx, r.ID, name, &out)
			if err != nil {
				return err
			}
			if found {
				logger.Debug("Шаг взят из журнала")
				return nil
			}
			if p, err = prepare(ctx); err != nil {
				return err
			}
		}

		err := e.store.RunInTx(ctx, func(tx Tx) error {
			raw, found, err := tx.LoadStep(ctx, r.ID, name)
			if err != nil {
				return err
			}
			if found {
				memo = true
				return json.Unmarshal(raw, &out)
			}

			res, err := apply(ctx, tx, p)
			if err != nil {
				return err
			}
			data, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("сериализация результата шага: %w", err)
			}
			if err := tx.SaveStep(ctx, r.ID, name, data); err != nil {
				return err
			}
			out = res
			return nil
		})
		if err == nil && memo {
			logger.Debug("Шаг взят из журнала")
		}
		return err
	}

	attempts, err := e.withRetry(ctx, logger, name, attempt)
	stepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		var zero T
		return zero, &StepError{Step: name, Attempts: attempts, Err: err}
	}
	logger.Info("Шаг выполнен",
		slog.Int("attempts", attempts),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// loadMemo читает результат шага из журнала вне транзакции эффекта.
func (e *Engine) loadMemo(ctx context.Context, runID, name string, out any) (bool, error) {
	found := false
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		raw, ok, err := tx.LoadStep(ctx, runID, name)
		if err != nil || !ok {
			return err
		}
		found = true
		return json.Unmarshal(raw, out)
	})
	return found, err
}

// withRetry выполняет fn до 1+StepRetries раз с паузой StepRetryDelay.
// Возвращает число сделанных попыток.
func (e *Engine) withRetry(ctx context.Context, logger *slog.Logger, name string, fn func() error) (int, error) {
	maxAttempts := 1 + e.cfg.StepRetries
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return attempt, nil
		}
		if attempt == maxAttempts || !isRetryable(err) {
			return attempt, err
		}

		stepRetries.WithLabelValues(name).Inc()
		logger.Warn("Шаг завершился ошибкой, повтор",
			slog.Int("attempt", attempt),
			slog.Duration("delay", e.cfg.StepRetryDelay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(e.cfg.StepRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return maxAttempts, err
}

// isRetryable — повтор не поможет при 4xx вычислительного сервиса,
// отсутствующей записи и недопустимом переходе статуса.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidTransition) {
		return false
	}
	return computeclient.IsRetryable(err)
}
