package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// PgStore — Queue и ReapStore поверх таблицы job_events.
type PgStore struct {
	events repository.JobEventRepository
	tx     *repository.TxRunner
}

// NewPgStore создаёт хранилище очереди. events работает вне транзакций (на пуле).
func NewPgStore(events repository.JobEventRepository, txRunner *repository.TxRunner) *PgStore {
	return &PgStore{events: events, tx: txRunner}
}

func (s *PgStore) Claim(ctx context.Context) (*model.JobEvent, error) {
	return s.events.Claim(ctx)
}

func (s *PgStore) Complete(ctx context.Context, id string, deliveries int, lastErr *string) error {
	return s.events.Complete(ctx, id, deliveries, lastErr)
}

// KillStale выполняет перевод событий в dead и загрузок в failed одной транзакцией.
func (s *PgStore) KillStale(ctx context.Context, staleAfter time.Duration, maxDeliveries int) (int, int64, error) {
	var (
		events  int
		uploads int64
	)
	err := s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		ids, err := repository.NewJobEventRepository(tx).KillStale(ctx, staleAfter, maxDeliveries)
		if err != nil {
			return err
		}
		events = len(ids)
		if events == 0 {
			return nil
		}
		uploads, err = repository.NewUploadRepository(tx).FailActive(ctx, ids)
		if err != nil {
			return fmt.Errorf("перевод загрузок в failed: %w", err)
		}
		return nil
	})
	return events, uploads, err
}

func (s *PgStore) RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	return s.events.RequeueStale(ctx, staleAfter)
}

func (s *PgStore) CountByState(ctx context.Context) (map[model.JobState]int, error) {
	return s.events.CountByState(ctx)
}
