package model

import (
	"path"
	"strings"
	"time"
)

// OriginalBaseName — имя объекта исходного медиа внутри каталога задания.
const OriginalBaseName = "original"

// Upload — загруженное пользователем видео и статус его обработки.
// Хранится в таблице uploads.
type Upload struct {
	// ID — UUID загрузки
	ID string
	// UserID — владелец (денормализован для проверки доступа без join)
	UserID string
	// S3Key — ключ исходного медиа: {jobPrefix}/original.{ext}
	S3Key string
	// DisplayName — исходное имя файла
	DisplayName string
	// Language — язык субтитров, выбранный пользователем
	Language string
	// Status — статус жизненного цикла
	Status UploadStatus
	// Uploaded — событие обработки уже отправлено (отличается от Status)
	Uploaded bool
	// ClipCount — количество клипов (заполняется только в списке)
	ClipCount int
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// JobPrefix возвращает каталог задания — первый сегмент ключа исходного медиа.
func (u *Upload) JobPrefix() string {
	return JobPrefix(u.S3Key)
}

// JobPrefix возвращает первый сегмент ключа (до первого "/").
func JobPrefix(key string) string {
	prefix, _, _ := strings.Cut(key, "/")
	return prefix
}

// OriginalKey формирует ключ исходного медиа для нового задания.
// Расширение берётся из имени файла пользователя, без расширения — mp4.
func OriginalKey(jobPrefix, fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fileName), "."))
	if ext == "" {
		ext = "mp4"
	}
	return jobPrefix + "/" + OriginalBaseName + "." + ext
}
