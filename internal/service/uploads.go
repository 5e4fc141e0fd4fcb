// uploads.go — сервис загрузок: слот для исходного видео, постановка в очередь
// обработки, повторная обработка, удаление и история запусков.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// UploadConfig — параметры сервиса загрузок.
type UploadConfig struct {
	// UploadURLTTL — время жизни ссылки на загрузку исходного видео
	UploadURLTTL time.Duration
	// DownloadURLTTL — время жизни ссылки на скачивание исходного видео
	DownloadURLTTL time.Duration
	// DefaultLanguage — язык, если пользователь его не указал
	DefaultLanguage string
	// InitialCredits — баланс пользователя, создаваемого при первой загрузке
	InitialCredits int
}

// UploadService — операции пользователя над загрузками.
type UploadService struct {
	tx     Transactor
	repos  Repos
	store  objectstore.Store
	cfg    UploadConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewUploadService создаёт сервис загрузок.
// repos работают вне транзакций, tx — для многошаговых изменений.
func NewUploadService(
	tx Transactor,
	repos Repos,
	store objectstore.Store,
	cfg UploadConfig,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		tx:     tx,
		repos:  repos,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "upload_service")),
	}
}

// UploadSlot — созданная загрузка и ссылка для PUT исходного видео.
type UploadSlot struct {
	Upload    *model.Upload
	UploadURL string
	ExpiresAt time.Time
}

// UploadDetails — загрузка с клипами (новые первыми).
type UploadDetails struct {
	Upload *model.Upload
	Clips  []*model.Clip
}

// ProcessResult — итог постановки в очередь.
// Enqueued=false: событие уже было отправлено раньше, вызов ничего не изменил.
type ProcessResult struct {
	Upload   *model.Upload
	EventID  string
	Enqueued bool
}

// SignedURL — подписанная ссылка с моментом истечения.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// CreateSlot создаёт запись загрузки в статусе queued и подписанную ссылку
// для загрузки исходного видео в каталог нового задания.
func (s *UploadService) CreateSlot(ctx context.Context, userID, email, fileName, contentType, language string) (*UploadSlot, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, fmt.Errorf("%w: не указано имя файла", ErrValidation)
	}
	if strings.ContainsAny(fileName, "/\\") {
		return nil, fmt.Errorf("%w: имя файла не должно содержать разделителей пути", ErrValidation)
	}
	if contentType == "" {
		contentType = "video/mp4"
	}
	language = s.language(language)

	if _, err := s.repos.Users.Ensure(ctx, userID, email, s.cfg.InitialCredits); err != nil {
		return nil, fmt.Errorf("создание пользователя: %w", err)
	}

	u := &model.Upload{
		ID:          uuid.NewString(),
		UserID:      userID,
		S3Key:       model.OriginalKey(uuid.NewString(), fileName),
		DisplayName: fileName,
		Language:    language,
		Status:      model.StatusQueued,
	}
	// Ссылка подписывается до записи: при недоступном хранилище загрузка не создаётся
	url, err := s.store.PresignPut(ctx, u.S3Key, contentType, s.cfg.UploadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: подпись ссылки загрузки: %v", ErrStorageUnavailable, err)
	}

	if err := s.repos.Uploads.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: ключ %s уже занят", ErrConflict, u.S3Key)
		}
		return nil, fmt.Errorf("создание загрузки: %w", err)
	}

	s.logger.Info("Загрузка создана",
		slog.String("upload_id", u.ID),
		slog.String("user_id", userID),
		slog.String("s3_key", u.S3Key),
	)
	return &UploadSlot{Upload: u, UploadURL: url, ExpiresAt: s.now().Add(s.cfg.UploadURLTTL)}, nil
}

// List возвращает загрузки пользователя с количеством клипов и общее количество.
func (s *UploadService) List(ctx context.Context, userID string, limit, offset int) ([]*model.Upload, int, error) {
	uploads, err := s.repos.Uploads.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("список загрузок: %w", err)
	}
	total, err := s.repos.Uploads.CountByUser(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт загрузок: %w", err)
	}
	return uploads, total, nil
}

// Get возвращает загрузку пользователя с клипами.
func (s *UploadService) Get(ctx context.Context, userID, uploadID string) (*UploadDetails, error) {
	u, err := s.owned(ctx, userID, uploadID)
	if err != nil {
		return nil, err
	}
	clips, err := s.repos.Clips.ListByUpload(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("список клипов: %w", err)
	}
	return &UploadDetails{Upload: u, Clips: clips}, nil
}

// Process перезаписывает язык и ставит загрузку в очередь обработки.
// Если событие уже отправлялось (uploaded), вызов только обновляет язык.
// Событие и флаг uploaded фиксируются одной транзакцией.
func (s *UploadService) Process(ctx context.Context, userID, uploadID, language string) (*ProcessResult, error) {
	var res *ProcessResult
	err := s.tx.InTx(ctx, func(r Repos) error {
		u, err := r.Uploads.LockForUser(ctx, uploadID, userID)
		if err != nil {
			return err
		}
		if language != "" && language != u.Language {
			if err := r.Uploads.SetLanguage(ctx, u.ID, language); err != nil {
				return err
			}
			u.Language = language
		}
		if u.Uploaded {
			res = &ProcessResult{Upload: u}
			return nil
		}
		eventID, err := enqueue(ctx, r, u)
		if err != nil {
			return err
		}
		res = &ProcessResult{Upload: u, EventID: eventID, Enqueued: true}
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err, "постановка в очередь")
	}

	if res.Enqueued {
		s.logger.Info("Загрузка поставлена в очередь",
			slog.String("upload_id", uploadID),
			slog.String("event_id", res.EventID),
			slog.String("language", res.Upload.Language),
		)
	}
	return res, nil
}

// Reprocess запускает обработку терминальной загрузки заново: удаляет клипы,
// возвращает статус queued, удаляет созданные объекты (исходное видео
// сохраняется) и ставит новое событие.
// Если хранилище недоступно, загрузка остаётся в queued без события:
// повторный Process поставит её в очередь.
func (s *UploadService) Reprocess(ctx context.Context, userID, uploadID string) (*ProcessResult, error) {
	var u *model.Upload
	err := s.tx.InTx(ctx, func(r Repos) error {
		var err error
		if u, err = r.Uploads.LockForUser(ctx, uploadID, userID); err != nil {
			return err
		}
		if u.Status.IsActive() {
			return fmt.Errorf("%w: статус %s", ErrAlreadyProcessing, u.Status)
		}
		if _, err := r.Clips.DeleteByUpload(ctx, u.ID); err != nil {
			return err
		}
		return r.Uploads.ResetForReprocess(ctx, u.ID)
	})
	if err != nil {
		return nil, s.mapErr(err, "сброс загрузки")
	}

	if err := s.purgeObjects(ctx, u.S3Key, false); err != nil {
		return nil, err
	}

	var res *ProcessResult
	err = s.tx.InTx(ctx, func(r Repos) error {
		cur, err := r.Uploads.LockForUser(ctx, uploadID, userID)
		if err != nil {
			return err
		}
		if cur.Uploaded {
			// Событие уже поставлено параллельным Process
			res = &ProcessResult{Upload: cur}
			return nil
		}
		eventID, err := enqueue(ctx, r, cur)
		if err != nil {
			return err
		}
		res = &ProcessResult{Upload: cur, EventID: eventID, Enqueued: true}
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err, "постановка в очередь")
	}

	s.logger.Info("Загрузка отправлена на повторную обработку",
		slog.String("upload_id", uploadID),
		slog.String("event_id", res.EventID),
	)
	return res, nil
}

// Delete удаляет все объекты каталога задания (включая исходное видео),
// затем клипы и запись загрузки.
func (s *UploadService) Delete(ctx context.Context, userID, uploadID string) error {
	u, err := s.owned(ctx, userID, uploadID)
	if err != nil {
		return err
	}
	if err := s.purgeObjects(ctx, u.S3Key, true); err != nil {
		return err
	}

	err = s.tx.InTx(ctx, func(r Repos) error {
		if _, err := r.Clips.DeleteByUpload(ctx, u.ID); err != nil {
			return err
		}
		return r.Uploads.Delete(ctx, u.ID)
	})
	if err != nil {
		return s.mapErr(err, "удаление загрузки")
	}

	s.logger.Info("Загрузка удалена",
		slog.String("upload_id", u.ID),
		slog.String("user_id", userID),
	)
	return nil
}

// OriginalURL возвращает ссылку на скачивание исходного видео.
func (s *UploadService) OriginalURL(ctx context.Context, userID, uploadID string) (*SignedURL, error) {
	u, err := s.owned(ctx, userID, uploadID)
	if err != nil {
		return nil, err
	}
	// Имя файла при скачивании всегда original.mp4, независимо от расширения ключа
	disposition := objectstore.AttachmentDisposition(model.OriginalBaseName + ".mp4")
	url, err := s.store.PresignGet(ctx, u.S3Key, s.cfg.DownloadURLTTL, disposition)
	if err != nil {
		return nil, fmt.Errorf("%w: подпись ссылки: %v", ErrStorageUnavailable, err)
	}
	return &SignedURL{URL: url, ExpiresAt: s.now().Add(s.cfg.DownloadURLTTL)}, nil
}

// Runs возвращает историю запусков загрузки (новые первыми) с завершёнными шагами.
func (s *UploadService) Runs(ctx context.Context, userID, uploadID string) ([]*model.JobEvent, error) {
	u, err := s.owned(ctx, userID, uploadID)
	if err != nil {
		return nil, err
	}
	events, err := s.repos.Events.ListByUpload(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("история запусков: %w", err)
	}
	if len(events) == 0 {
		return events, nil
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	steps, err := s.repos.Steps.ListByRuns(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("журнал шагов: %w", err)
	}
	for _, e := range events {
		e.Steps = steps[e.ID]
	}
	return events, nil
}

func (s *UploadService) owned(ctx context.Context, userID, uploadID string) (*model.Upload, error) {
	u, err := s.repos.Uploads.GetForUser(ctx, uploadID, userID)
	if err != nil {
		return nil, s.mapErr(err, "получение загрузки")
	}
	return u, nil
}

func (s *UploadService) language(lang string) string {
	if lang = strings.TrimSpace(lang); lang != "" {
		return lang
	}
	return s.cfg.DefaultLanguage
}

// purgeObjects удаляет объекты каталога задания. includeOriginal=false
// сохраняет исходное видео и маркер каталога.
func (s *UploadService) purgeObjects(ctx context.Context, originalKey string, includeOriginal bool) error {
	objects, err := s.store.List(ctx, model.JobPrefix(originalKey)+"/")
	if err != nil {
		return fmt.Errorf("%w: листинг каталога задания: %v", ErrStorageUnavailable, err)
	}
	marker := objectstore.FolderMarker(model.JobPrefix(originalKey))
	keys := make([]string, 0, len(objects)+1)
	for _, o := range objects {
		if o.Key == marker || (!includeOriginal && o.Key == originalKey) {
			continue
		}
		keys = append(keys, o.Key)
	}
	if includeOriginal {
		// Маркер последним: локальный бэкенд удаляет только пустой каталог
		keys = append(keys, marker)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("%w: удаление объектов: %v", ErrStorageUnavailable, err)
	}
	s.logger.Debug("Объекты каталога задания удалены",
		slog.String("prefix", model.JobPrefix(originalKey)),
		slog.Int("count", len(keys)),
	)
	return nil
}

// mapErr переводит ошибки репозиториев в ошибки сервисного слоя.
func (s *UploadService) mapErr(err error, op string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrAlreadyProcessing, err)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, ErrAlreadyProcessing):
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// enqueue ставит событие обработки и отмечает загрузку как отправленную.
func enqueue(ctx context.Context, r Repos, u *model.Upload) (string, error) {
	ev := &model.JobEvent{
		ID:       uuid.NewString(),
		UploadID: u.ID,
		UserID:   u.UserID,
		Language: u.Language,
	}
	if err := r.Events.Enqueue(ctx, ev); err != nil {
		return "", err
	}
	if err := r.Uploads.SetUploaded(ctx, u.ID, true); err != nil {
		return "", err
	}
	u.Uploaded = true
	return ev.ID, nil
}
