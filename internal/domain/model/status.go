// status.go — статусы жизненного цикла загрузки и матрица переходов.
//
// Жизненный цикл одного запуска:
//
//	queued → processing → processed
//	queued → no_credits
//	queued | processing → failed
//
// Из терминальных статусов (processed, failed, no_credits) возможен только
// переход в queued — повторная обработка по явному запросу пользователя.
package model

import "fmt"

// UploadStatus — статус загрузки. Значения отдаются UI без преобразований.
type UploadStatus string

const (
	// StatusQueued — событие обработки поставлено в очередь
	StatusQueued UploadStatus = "queued"
	// StatusProcessing — workflow вызывает вычислительный endpoint
	StatusProcessing UploadStatus = "processing"
	// StatusProcessed — клипы созданы, кредиты списаны
	StatusProcessed UploadStatus = "processed"
	// StatusFailed — запуск завершился ошибкой
	StatusFailed UploadStatus = "failed"
	// StatusNoCredits — на момент проверки баланс был нулевым
	StatusNoCredits UploadStatus = "no_credits"
)

// AllStatuses — полный список статусов (порядок соответствует CHECK в миграции).
var AllStatuses = []UploadStatus{
	StatusQueued, StatusProcessing, StatusProcessed, StatusFailed, StatusNoCredits,
}

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[UploadStatus]map[UploadStatus]bool{
	StatusQueued:     {StatusProcessing: true, StatusNoCredits: true, StatusFailed: true},
	StatusProcessing: {StatusProcessed: true, StatusFailed: true},
	StatusProcessed:  {StatusQueued: true},
	StatusFailed:     {StatusQueued: true},
	StatusNoCredits:  {StatusQueued: true},
}

// ParseUploadStatus преобразует строку из БД в UploadStatus.
func ParseUploadStatus(s string) (UploadStatus, error) {
	st := UploadStatus(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("недопустимый статус загрузки: %q", s)
	}
	return st, nil
}

// IsTerminal возвращает true для статусов, которыми завершается запуск.
func (s UploadStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed || s == StatusNoCredits
}

// IsActive возвращает true, пока запуск не завершён (queued, processing).
func (s UploadStatus) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing
}

// CanTransitionTo проверяет допустимость перехода.
// Повторная запись того же статуса допустима: шаги workflow идемпотентны.
func (s UploadStatus) CanTransitionTo(target UploadStatus) bool {
	if s == target {
		_, ok := validTransitions[s]
		return ok
	}
	return validTransitions[s][target]
}

// SourcesFor возвращает статусы, из которых допустим переход в target
// (включая сам target). Используется в условном UPDATE репозитория.
func SourcesFor(target UploadStatus) []string {
	var sources []string
	for _, from := range AllStatuses {
		if from.CanTransitionTo(target) {
			sources = append(sources, string(from))
		}
	}
	return sources
}
