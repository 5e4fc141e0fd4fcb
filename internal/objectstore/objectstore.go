// Пакет objectstore — объектное хранилище медиа: исходные видео и клипы.
// Два бэкенда: S3 (aws-sdk-go-v2) и локальная файловая система с
// подписанными ссылками, которые обслуживает сам Clip Module.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound — объект не найден.
var ErrNotFound = errors.New("объект не найден")

// Object — объект в хранилище.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store — операции с объектным хранилищем, нужные Clip Module.
type Store interface {
	// PresignPut возвращает ссылку для загрузки объекта методом PUT.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	// PresignGet возвращает ссылку для чтения объекта.
	// disposition — значение Content-Disposition ответа (пустое — по умолчанию).
	PresignGet(ctx context.Context, key string, ttl time.Duration, disposition string) (string, error)
	// List возвращает все объекты с ключами, начинающимися с prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Delete удаляет объекты. Отсутствующие объекты не считаются ошибкой.
	Delete(ctx context.Context, keys ...string) error
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}

// FolderMarker возвращает ключ маркера каталога задания ("{prefix}/").
func FolderMarker(jobPrefix string) string {
	return strings.TrimSuffix(jobPrefix, "/") + "/"
}

// IsFolderMarker проверяет, что ключ — маркер каталога.
func IsFolderMarker(key string) bool {
	return strings.HasSuffix(key, "/")
}

// AttachmentDisposition формирует Content-Disposition для скачивания файла.
func AttachmentDisposition(fileName string) string {
	return fmt.Sprintf("attachment; filename=%q", fileName)
}

// ReadinessChecker — проверка готовности хранилища для /health/ready.
type ReadinessChecker struct {
	store   Store
	timeout time.Duration
}

// NewReadinessChecker создаёт проверку готовности объектного хранилища.
func NewReadinessChecker(store Store) *ReadinessChecker {
	return &ReadinessChecker{store: store, timeout: 3 * time.Second}
}

// CheckReady возвращает "ok" или "fail" с сообщением.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("объектное хранилище недоступно: %v", err)
	}
	return "ok", "хранилище доступно"
}
