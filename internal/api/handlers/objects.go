// objects.go — обработчики /objects/{key} локального бэкенда хранилища.
// Заменяют S3 для подписанных ссылок: PUT загружает объект, GET отдаёт его
// с поддержкой Range. Доступ — только по токену ссылки в ?token=.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/clip-module/internal/api/errors"
	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
)

// maxObjectSize — предельный размер загружаемого объекта.
const maxObjectSize = 10 << 30

// ObjectHandler — обработчик подписанных ссылок локального хранилища.
type ObjectHandler struct {
	store  *objectstore.LocalStore
	logger *slog.Logger
}

// NewObjectHandler создаёт обработчик для локального бэкенда.
func NewObjectHandler(store *objectstore.LocalStore, logger *slog.Logger) *ObjectHandler {
	return &ObjectHandler{
		store:  store,
		logger: logger.With(slog.String("component", "object_handler")),
	}
}

// Mount регистрирует маршруты /objects/*.
func (h *ObjectHandler) Mount(r chi.Router) {
	r.Put("/objects/*", h.PutObject)
	r.Get("/objects/*", h.GetObject)
	r.Head("/objects/*", h.GetObject)
}

// authorize проверяет токен ссылки и возвращает ключ объекта.
func (h *ObjectHandler) authorize(w http.ResponseWriter, r *http.Request) (string, *objectstore.Grant, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || key == "" {
		apierrors.ValidationError(w, "Некорректный ключ объекта")
		return "", nil, false
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		apierrors.Unauthorized(w, "Отсутствует токен ссылки")
		return "", nil, false
	}
	grant, err := h.store.Verify(token, r.Method, key)
	if err != nil {
		h.logger.Debug("Ссылка отклонена",
			slog.String("key", key),
			slog.String("method", r.Method),
			slog.String("error", err.Error()),
		)
		apierrors.Forbidden(w, "Недействительная или просроченная ссылка")
		return "", nil, false
	}
	return key, grant, true
}

// PutObject — PUT /objects/{key}?token=. Записывает тело запроса в объект.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	key, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxObjectSize)
	defer body.Close()

	res, err := h.store.Save(key, body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodeValidationError, "Объект превышает допустимый размер")
			return
		}
		h.logger.Error("Ошибка записи объекта",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка записи объекта")
		return
	}

	h.logger.Info("Объект загружен",
		slog.String("key", res.Key),
		slog.Int64("size", res.Size),
	)
	w.Header().Set("ETag", `"`+res.Checksum+`"`)
	w.WriteHeader(http.StatusOK)
}

// GetObject — GET/HEAD /objects/{key}?token=. Отдаёт объект с поддержкой Range.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	key, grant, ok := h.authorize(w, r)
	if !ok {
		return
	}
	f, err := h.store.Open(key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			apierrors.NotFound(w, "Объект не найден")
			return
		}
		h.logger.Error("Ошибка чтения объекта",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения объекта")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения объекта")
		return
	}
	if grant.Disposition != "" {
		w.Header().Set("Content-Disposition", grant.Disposition)
	}
	http.ServeContent(w, r, path.Base(key), info.ModTime(), f)
}
