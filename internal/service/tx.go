package service

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// Repos — репозитории, с которыми работают сервисы.
type Repos struct {
	Users   repository.UserRepository
	Uploads repository.UploadRepository
	Clips   repository.ClipRepository
	Events  repository.JobEventRepository
	Steps   repository.StepRepository
}

// NewRepos создаёт набор репозиториев поверх db (пул или транзакция).
func NewRepos(db repository.DBTX) Repos {
	return Repos{
		Users:   repository.NewUserRepository(db),
		Uploads: repository.NewUploadRepository(db),
		Clips:   repository.NewClipRepository(db),
		Events:  repository.NewJobEventRepository(db),
		Steps:   repository.NewStepRepository(db),
	}
}

// Transactor выполняет fn с репозиториями, привязанными к одной транзакции.
type Transactor interface {
	InTx(ctx context.Context, fn func(r Repos) error) error
}

// PgTransactor — Transactor поверх TxRunner.
type PgTransactor struct {
	runner *repository.TxRunner
}

// NewPgTransactor создаёт Transactor для PostgreSQL.
func NewPgTransactor(runner *repository.TxRunner) *PgTransactor {
	return &PgTransactor{runner: runner}
}

func (t *PgTransactor) InTx(ctx context.Context, fn func(r Repos) error) error {
	return t.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepos(tx))
	})
}
