package workflow

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// PgStore — Store поверх PostgreSQL: шаги работают через репозитории,
// привязанные к одной транзакции.
type PgStore struct {
	tx *repository.TxRunner
}

// NewPgStore создаёт Store на базе TxRunner.
func NewPgStore(txRunner *repository.TxRunner) *PgStore {
	return &PgStore{tx: txRunner}
}

// RunInTx выполняет fn в транзакции PostgreSQL.
func (s *PgStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{
			steps:   repository.NewStepRepository(tx),
			uploads: repository.NewUploadRepository(tx),
			clips:   repository.NewClipRepository(tx),
			users:   repository.NewUserRepository(tx),
		})
	})
}

type pgTx struct {
	steps   repository.StepRepository
	uploads repository.UploadRepository
	clips   repository.ClipRepository
	users   repository.UserRepository
}

func (t *pgTx) LoadStep(ctx context.Context, runID, step string) (json.RawMessage, bool, error) {
	out, err := t.steps.Load(ctx, runID, step)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (t *pgTx) SaveStep(ctx context.Context, runID, step string, output json.RawMessage) error {
	return t.steps.Save(ctx, runID, step, output)
}

func (t *pgTx) CreditCheck(ctx context.Context, uploadID string) (*repository.CreditCheck, error) {
	return t.uploads.GetCreditCheck(ctx, uploadID)
}

func (t *pgTx) SetStatus(ctx context.Context, uploadID string, status model.UploadStatus) error {
	return t.uploads.SetStatus(ctx, uploadID, status)
}

func (t *pgTx) InsertClips(ctx context.Context, clips []*model.Clip) (int, error) {
	return t.clips.InsertBatch(ctx, clips)
}

func (t *pgTx) DeductCredits(ctx context.Context, userID string, n int) (int, error) {
	return t.users.DeductCredits(ctx, userID, n)
}
