// handler.go — основной обработчик API Clip Module.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/goartstore/clip-module/internal/api/errors"
	"github.com/bigkaa/goartstore/clip-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/service"
)

// UserService — операции над текущим пользователем.
type UserService interface {
	Me(ctx context.Context, userID, email string) (*model.User, error)
}

// UploadService — операции над загрузками пользователя.
type UploadService interface {
	CreateSlot(ctx context.Context, userID, email, fileName, contentType, language string) (*service.UploadSlot, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*model.Upload, int, error)
	Get(ctx context.Context, userID, uploadID string) (*service.UploadDetails, error)
	Process(ctx context.Context, userID, uploadID, language string) (*service.ProcessResult, error)
	Reprocess(ctx context.Context, userID, uploadID string) (*service.ProcessResult, error)
	Delete(ctx context.Context, userID, uploadID string) error
	OriginalURL(ctx context.Context, userID, uploadID string) (*service.SignedURL, error)
	Runs(ctx context.Context, userID, uploadID string) ([]*model.JobEvent, error)
}

// ClipService — операции над клипами пользователя.
type ClipService interface {
	PlayURL(ctx context.Context, userID, clipID string) (*service.SignedURL, error)
	Delete(ctx context.Context, userID, clipID string) error
}

// APIHandler — обработчик API Clip Module.
type APIHandler struct {
	health  *HealthHandler
	users   UserService
	uploads UploadService
	clips   ClipService
	logger  *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	users UserService,
	uploads UploadService,
	clips ClipService,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:  health,
		users:   users,
		uploads: uploads,
		clips:   clips,
		logger:  logger.With(slog.String("component", "api_handler")),
	}
}

// Mount регистрирует маршруты API на роутере.
func (h *APIHandler) Mount(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/me", h.GetMe)

		r.Get("/uploads", h.ListUploads)
		r.Post("/uploads", h.CreateUpload)
		r.Get("/uploads/{upload_id}", h.GetUpload)
		r.Delete("/uploads/{upload_id}", h.DeleteUpload)
		r.Post("/uploads/{upload_id}/process", h.ProcessUpload)
		r.Post("/uploads/{upload_id}/reprocess", h.ReprocessUpload)
		r.Get("/uploads/{upload_id}/original-url", h.GetOriginalURL)
		r.Get("/uploads/{upload_id}/runs", h.ListRuns)

		r.Get("/clips/{clip_id}/play-url", h.GetPlayURL)
		r.Delete("/clips/{clip_id}", h.DeleteClip)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationDefaults нормализует параметры пагинации.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 50
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > 200 {
			l = 200
		}
	}

	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}

	return l, o
}

// currentUser возвращает claims пользователя или пишет 401.
func currentUser(w http.ResponseWriter, r *http.Request) (*middleware.AuthClaims, bool) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.Subject == "" {
		apierrors.Unauthorized(w, "Отсутствуют claims")
		return nil, false
	}
	return claims, true
}

// pathUUID разбирает UUID из параметра пути или пишет 400.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр "+name+": "+err.Error())
		return "", false
	}
	return id.String(), true
}

// decodeBody разбирает JSON тела запроса. Пустое тело допустимо, если optional.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if optional && r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Ресурс не найден")
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrAlreadyProcessing):
		apierrors.AlreadyProcessing(w, "Загрузка ещё обрабатывается")
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, err.Error())
	case errors.Is(err, service.ErrStorageUnavailable):
		h.logger.Warn("Объектное хранилище недоступно",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		apierrors.StorageUnavailable(w, "Объектное хранилище недоступно")
	default:
		h.logger.Error("Внутренняя ошибка",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка: "+op)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
