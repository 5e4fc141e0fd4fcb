// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден или принадлежит другому пользователю.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrForbidden — операция запрещена для субъекта.
	ErrForbidden = errors.New("операция запрещена")
	// ErrAlreadyProcessing — загрузка в очереди или обрабатывается.
	ErrAlreadyProcessing = errors.New("загрузка уже обрабатывается")
	// ErrStorageUnavailable — объектное хранилище недоступно.
	ErrStorageUnavailable = errors.New("объектное хранилище недоступно")
)
