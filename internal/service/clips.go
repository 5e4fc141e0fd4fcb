package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// ClipService — просмотр и удаление клипов.
type ClipService struct {
	repos      Repos
	store      objectstore.Store
	cache      *PlayURLCache
	playURLTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewClipService создаёт сервис клипов.
func NewClipService(repos Repos, store objectstore.Store, cache *PlayURLCache, playURLTTL time.Duration, logger *slog.Logger) *ClipService {
	return &ClipService{
		repos:      repos,
		store:      store,
		cache:      cache,
		playURLTTL: playURLTTL,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "clip_service")),
	}
}

// PlayURL возвращает ссылку на просмотр клипа владельцем.
// Ранее выданная и ещё действительная ссылка берётся из кэша.
func (s *ClipService) PlayURL(ctx context.Context, userID, clipID string) (*SignedURL, error) {
	if u, ok := s.cache.Get(clipID, userID); ok {
		return u, nil
	}

	c, err := s.owned(ctx, userID, clipID)
	if err != nil {
		return nil, err
	}
	url, err := s.store.PresignGet(ctx, c.S3Key, s.playURLTTL, "")
	if err != nil {
		return nil, fmt.Errorf("%w: подпись ссылки: %v", ErrStorageUnavailable, err)
	}

	signed := &SignedURL{URL: url, ExpiresAt: s.now().Add(s.playURLTTL)}
	s.cache.Set(clipID, userID, signed)
	return signed, nil
}

// Delete удаляет объект клипа и запись. Если в каталоге задания после этого
// осталось только исходное видео, удаляются и оно, и маркер каталога;
// если не осталось ничего, удаляется маркер.
func (s *ClipService) Delete(ctx context.Context, userID, clipID string) error {
	c, err := s.owned(ctx, userID, clipID)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, c.S3Key); err != nil {
		return fmt.Errorf("%w: удаление объекта клипа: %v", ErrStorageUnavailable, err)
	}
	if err := s.cleanupFolder(ctx, c); err != nil {
		return err
	}

	if err := s.repos.Clips.Delete(ctx, c.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("удаление клипа: %w", err)
	}
	s.cache.Delete(clipID)

	s.logger.Info("Клип удалён",
		slog.String("clip_id", c.ID),
		slog.String("upload_id", c.UploadID),
		slog.String("s3_key", c.S3Key),
	)
	return nil
}

func (s *ClipService) cleanupFolder(ctx context.Context, c *model.Clip) error {
	idx := strings.LastIndex(c.S3Key, "/")
	if idx < 0 {
		return nil
	}
	prefix := c.S3Key[:idx+1]

	originalKey := prefix + model.OriginalBaseName + ".mp4"
	if u, err := s.repos.Uploads.GetByID(ctx, c.UploadID); err == nil && strings.HasPrefix(u.S3Key, prefix) {
		originalKey = u.S3Key
	}

	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("%w: листинг каталога задания: %v", ErrStorageUnavailable, err)
	}
	var remaining []string
	for _, o := range objects {
		if o.Key != prefix {
			remaining = append(remaining, o.Key)
		}
	}

	var targets []string
	switch {
	case len(remaining) == 1 && remaining[0] == originalKey:
		targets = []string{originalKey, prefix}
	case len(remaining) == 0:
		targets = []string{prefix}
	default:
		return nil
	}
	if err := s.store.Delete(ctx, targets...); err != nil {
		return fmt.Errorf("%w: очистка каталога задания: %v", ErrStorageUnavailable, err)
	}
	s.logger.Info("Каталог задания очищен",
		slog.String("prefix", prefix),
		slog.Int("deleted", len(targets)),
	)
	return nil
}

func (s *ClipService) owned(ctx context.Context, userID, clipID string) (*model.Clip, error) {
	c, err := s.repos.Clips.GetForUser(ctx, clipID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение клипа: %w", err)
	}
	return c, nil
}
