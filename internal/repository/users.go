package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
)

// UserRepository — пользователи и их баланс кредитов.
type UserRepository interface {
	// Ensure возвращает пользователя, создавая его с начальным балансом при первом обращении.
	// Непустой email обновляет сохранённый.
	Ensure(ctx context.Context, id, email string, initialCredits int) (*model.User, error)
	// GetByID возвращает пользователя по ID.
	GetByID(ctx context.Context, id string) (*model.User, error)
	// DeductCredits уменьшает баланс на n, не опуская его ниже нуля.
	// Возвращает баланс после списания.
	DeductCredits(ctx context.Context, id string, n int) (int, error)
}

type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) Ensure(ctx context.Context, id, email string, initialCredits int) (*model.User, error) {
	// DO UPDATE вместо DO NOTHING — чтобы RETURNING вернул строку в обоих случаях
	query := `
		INSERT INTO users (id, email, credits)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
			SET email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE users.email END
		RETURNING id, email, credits, created_at, updated_at`

	u := &model.User{}
	err := r.db.QueryRow(ctx, query, id, email, initialCredits).Scan(
		&u.ID, &u.Email, &u.Credits, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пользователя: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := r.db.QueryRow(ctx,
		`SELECT id, email, credits, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Credits, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "ошибка получения пользователя")
	}
	return u, nil
}

func (r *userRepo) DeductCredits(ctx context.Context, id string, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("отрицательное списание: %d", n)
	}
	var balance int
	err := r.db.QueryRow(ctx,
		`UPDATE users SET credits = GREATEST(credits - $2, 0) WHERE id = $1 RETURNING credits`,
		id, n,
	).Scan(&balance)
	if err != nil {
		return 0, notFound(err, "ошибка списания кредитов")
	}
	return balance, nil
}
