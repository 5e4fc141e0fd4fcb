package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
)

// CreditCheck — данные, которые читает шаг check-credits.
type CreditCheck struct {
	UserID  string
	Credits int
	S3Key   string
}

// UploadRepository — CRUD для таблицы uploads и переходы статусов.
type UploadRepository interface {
	// Create создаёт запись загрузки.
	Create(ctx context.Context, u *model.Upload) error
	// GetByID возвращает загрузку по UUID.
	GetByID(ctx context.Context, id string) (*model.Upload, error)
	// GetForUser возвращает загрузку, если она принадлежит userID, иначе ErrNotFound.
	GetForUser(ctx context.Context, id, userID string) (*model.Upload, error)
	// LockForUser — как GetForUser, но блокирует строку до конца транзакции.
	LockForUser(ctx context.Context, id, userID string) (*model.Upload, error)
	// ListByUser возвращает загрузки пользователя (новые первыми) с количеством клипов.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Upload, error)
	// CountByUser возвращает количество загрузок пользователя.
	CountByUser(ctx context.Context, userID string) (int, error)
	// SetStatus записывает статус, если переход допустим матрицей переходов.
	SetStatus(ctx context.Context, id string, status model.UploadStatus) error
	// SetLanguage перезаписывает язык субтитров.
	SetLanguage(ctx context.Context, id, language string) error
	// SetUploaded устанавливает флаг отправки события обработки.
	SetUploaded(ctx context.Context, id string, uploaded bool) error
	// ResetForReprocess возвращает терминальную загрузку в queued и сбрасывает uploaded.
	ResetForReprocess(ctx context.Context, id string) error
	// FailActive переводит активные загрузки из ids в failed. Возвращает число изменённых.
	FailActive(ctx context.Context, ids []string) (int64, error)
	// Delete удаляет загрузку (клипы и события удаляются каскадно).
	Delete(ctx context.Context, id string) error
	// GetCreditCheck возвращает владельца, его баланс и ключ исходного медиа.
	GetCreditCheck(ctx context.Context, id string) (*CreditCheck, error)
}

type uploadRepo struct {
	db DBTX
}

// NewUploadRepository создаёт репозиторий загрузок.
func NewUploadRepository(db DBTX) UploadRepository {
	return &uploadRepo{db: db}
}

const uploadColumns = `id, user_id, s3_key, display_name, language, status, uploaded, created_at, updated_at`

// scanUpload читает строку с колонками uploadColumns (и, опционально, доп. колонками).
func scanUpload(row pgx.Row, extra ...any) (*model.Upload, error) {
	u := &model.Upload{}
	var status string
	dest := []any{
		&u.ID, &u.UserID, &u.S3Key, &u.DisplayName, &u.Language,
		&status, &u.Uploaded, &u.CreatedAt, &u.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	st, err := model.ParseUploadStatus(status)
	if err != nil {
		return nil, err
	}
	u.Status = st
	return u, nil
}

func (r *uploadRepo) Create(ctx context.Context, u *model.Upload) error {
	query := `
		INSERT INTO uploads (id, user_id, s3_key, display_name, language, status, uploaded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		u.ID, u.UserID, u.S3Key, u.DisplayName, u.Language, string(u.Status), u.Uploaded,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: загрузка с таким ключом уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания загрузки: %w", err)
	}
	return nil
}

func (r *uploadRepo) GetByID(ctx context.Context, id string) (*model.Upload, error) {
	u, err := scanUpload(r.db.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "ошибка получения загрузки")
	}
	return u, nil
}

func (r *uploadRepo) GetForUser(ctx context.Context, id, userID string) (*model.Upload, error) {
	u, err := scanUpload(r.db.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		return nil, notFound(err, "ошибка получения загрузки")
	}
	return u, nil
}

func (r *uploadRepo) LockForUser(ctx context.Context, id, userID string) (*model.Upload, error) {
	u, err := scanUpload(r.db.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE id = $1 AND user_id = $2 FOR UPDATE`, id, userID))
	if err != nil {
		return nil, notFound(err, "ошибка блокировки загрузки")
	}
	return u, nil
}

func (r *uploadRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Upload, error) {
	query := `
		SELECT u.id, u.user_id, u.s3_key, u.display_name, u.language, u.status, u.uploaded,
			u.created_at, u.updated_at,
			(SELECT COUNT(*) FROM clips c WHERE c.upload_id = u.id) AS clip_count
		FROM uploads u
		WHERE u.user_id = $1
		ORDER BY u.created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка загрузок: %w", err)
	}
	defer rows.Close()

	var result []*model.Upload
	for rows.Next() {
		var clipCount int
		u, err := scanUpload(rows, &clipCount)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования загрузки: %w", err)
		}
		u.ClipCount = clipCount
		result = append(result, u)
	}
	return result, rows.Err()
}

func (r *uploadRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM uploads WHERE user_id = $1`, userID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта загрузок: %w", err)
	}
	return count, nil
}

func (r *uploadRepo) SetStatus(ctx context.Context, id string, status model.UploadStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE uploads SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, string(status), model.SourcesFor(status),
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса загрузки: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Строка не обновлена: либо её нет, либо переход недопустим
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current.Status, status)
}

func (r *uploadRepo) SetLanguage(ctx context.Context, id, language string) error {
	return r.execOne(ctx, `UPDATE uploads SET language = $2 WHERE id = $1`,
		"ошибка обновления языка загрузки", id, language)
}

func (r *uploadRepo) SetUploaded(ctx context.Context, id string, uploaded bool) error {
	return r.execOne(ctx, `UPDATE uploads SET uploaded = $2 WHERE id = $1`,
		"ошибка обновления флага uploaded", id, uploaded)
}

func (r *uploadRepo) ResetForReprocess(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE uploads SET status = 'queued', uploaded = FALSE
		 WHERE id = $1 AND status IN ('processed', 'failed', 'no_credits')`, id)
	if err != nil {
		return fmt.Errorf("ошибка сброса загрузки: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current.Status, model.StatusQueued)
}

func (r *uploadRepo) FailActive(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE uploads SET status = 'failed'
		 WHERE id = ANY($1::uuid[]) AND status IN ('queued', 'processing')`, ids)
	if err != nil {
		return 0, fmt.Errorf("ошибка перевода загрузок в failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *uploadRepo) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, `DELETE FROM uploads WHERE id = $1`, "ошибка удаления загрузки", id)
}

func (r *uploadRepo) GetCreditCheck(ctx context.Context, id string) (*CreditCheck, error) {
	cc := &CreditCheck{}
	err := r.db.QueryRow(ctx, `
		SELECT u.user_id, usr.credits, u.s3_key
		FROM uploads u
		JOIN users usr ON usr.id = u.user_id
		WHERE u.id = $1`, id,
	).Scan(&cc.UserID, &cc.Credits, &cc.S3Key)
	if err != nil {
		return nil, notFound(err, "ошибка чтения баланса")
	}
	return cc, nil
}

// execOne выполняет запрос, который должен затронуть ровно одну строку.
func (r *uploadRepo) execOne(ctx context.Context, query, msg string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
