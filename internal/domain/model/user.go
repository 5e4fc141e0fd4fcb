// Пакет model — доменные модели Clip Module.
package model

import "time"

// User — владелец загрузок и баланса кредитов.
// Хранится в таблице users, создаётся при первом аутентифицированном запросе.
type User struct {
	// ID — идентификатор пользователя (sub из JWT)
	ID string
	// Email — адрес электронной почты из JWT (может быть пустым)
	Email string
	// Credits — неотрицательный баланс кредитов
	Credits int
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
