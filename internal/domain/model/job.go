package model

import (
	"encoding/json"
	"time"
)

// JobState — состояние события в очереди заданий.
type JobState string

const (
	// JobPending — ожидает свободного воркера
	JobPending JobState = "pending"
	// JobRunning — выполняется (не более одного на пользователя)
	JobRunning JobState = "running"
	// JobDone — workflow завершён (статус загрузки терминальный)
	JobDone JobState = "done"
	// JobDead — превышено число доставок, загрузка переведена в failed
	JobDead JobState = "dead"
)

// JobEvent — событие «обработать видео». Один запуск workflow на событие.
// Хранится в таблице job_events.
type JobEvent struct {
	// ID — UUID события, он же run_id запуска workflow
	ID string
	// UploadID — загрузка, которую нужно обработать
	UploadID string
	// UserID — ключ сериализации: один активный запуск на пользователя
	UserID string
	// Language — язык, переданный пользователем при постановке
	Language string
	// State — состояние в очереди
	State JobState
	// Deliveries — сколько раз событие выдавалось воркеру
	Deliveries int
	// LastError — текст ошибки последнего запуска (если был)
	LastError *string
	// CreatedAt — время постановки в очередь
	CreatedAt time.Time
	// StartedAt — время последней выдачи воркеру
	StartedAt *time.Time
	// FinishedAt — время завершения
	FinishedAt *time.Time
	// Steps — завершённые шаги (заполняется только в истории)
	Steps []StepRecord
}

// StepRecord — запись журнала шагов (workflow_steps).
// Наличие записи означает, что шаг завершён и его результат зафиксирован.
type StepRecord struct {
	// RunID — идентификатор запуска (ID события)
	RunID string
	// Step — имя шага
	Step string
	// Output — результат шага в JSON
	Output json.RawMessage
	// CompletedAt — время фиксации
	CompletedAt time.Time
}
