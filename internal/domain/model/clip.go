package model

import (
	"encoding/json"
	"time"
)

// Clip — клип, созданный вычислительным сервисом по загрузке.
// Хранится в таблице clips. После создания шагом reconcile-clips не изменяется.
type Clip struct {
	// ID — UUID клипа
	ID string
	// UserID — владелец (денормализован)
	UserID string
	// UploadID — родительская загрузка
	UploadID string
	// S3Key — ключ объекта клипа (всегда внутри каталога задания)
	S3Key string
	// StartSeconds — начало фрагмента в исходном видео
	StartSeconds *float64
	// EndSeconds — конец фрагмента (больше StartSeconds, если заданы оба)
	EndSeconds *float64
	// ScriptText — текст реплик фрагмента
	ScriptText *string
	// Language — язык клипа по данным вычислительного сервиса
	Language *string
	// Title — заголовок для публикации
	Title *string
	// Description — описание для публикации
	Description *string
	// Hashtags — список хэштегов, сериализованный в JSON-массив строк
	Hashtags *string
	// CreatedAt — время создания записи
	CreatedAt time.Time
}

// EncodeHashtags сериализует список хэштегов в строку для хранения.
// Пустой список хранится как NULL.
func EncodeHashtags(tags []string) *string {
	if len(tags) == 0 {
		return nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// DecodeHashtags разбирает сохранённую строку хэштегов.
// Некорректное значение трактуется как пустой список.
func DecodeHashtags(s *string) []string {
	if s == nil || *s == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(*s), &tags); err != nil {
		return nil
	}
	return tags
}
