package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// UserService — профиль и баланс текущего пользователя.
type UserService struct {
	users          repository.UserRepository
	initialCredits int
	logger         *slog.Logger
}

// NewUserService создаёт сервис пользователей.
// initialCredits — баланс пользователя, впервые обратившегося к API.
func NewUserService(users repository.UserRepository, initialCredits int, logger *slog.Logger) *UserService {
	return &UserService{
		users:          users,
		initialCredits: initialCredits,
		logger:         logger.With(slog.String("component", "user_service")),
	}
}

// Me возвращает пользователя по sub из токена, создавая запись при первом обращении.
// Пустой email не затирает сохранённый.
func (s *UserService) Me(ctx context.Context, userID, email string) (*model.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: пустой идентификатор пользователя", ErrValidation)
	}
	u, err := s.users.Ensure(ctx, userID, email, s.initialCredits)
	if err != nil {
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}
	return u, nil
}
