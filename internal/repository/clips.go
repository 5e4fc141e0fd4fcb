package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
)

// ClipRepository — записи клипов.
type ClipRepository interface {
	// InsertBatch вставляет клипы одним батчем. Клип с уже существующей парой
	// (upload_id, s3_key) пропускается. Возвращает число фактически вставленных.
	InsertBatch(ctx context.Context, clips []*model.Clip) (int, error)
	// ListByUpload возвращает клипы загрузки, новые первыми.
	ListByUpload(ctx context.Context, uploadID string) ([]*model.Clip, error)
	// CountByUpload возвращает количество клипов загрузки.
	CountByUpload(ctx context.Context, uploadID string) (int, error)
	// GetForUser возвращает клип, если он принадлежит userID, иначе ErrNotFound.
	GetForUser(ctx context.Context, id, userID string) (*model.Clip, error)
	// Delete удаляет клип.
	Delete(ctx context.Context, id string) error
	// DeleteByUpload удаляет все клипы загрузки. Возвращает число удалённых.
	DeleteByUpload(ctx context.Context, uploadID string) (int64, error)
}

type clipRepo struct {
	db DBTX
}

// NewClipRepository создаёт репозиторий клипов.
func NewClipRepository(db DBTX) ClipRepository {
	return &clipRepo{db: db}
}

const clipColumns = `id, user_id, upload_id, s3_key, start_seconds, end_seconds,
	script_text, language, title, description, hashtags, created_at`

func scanClip(row pgx.Row) (*model.Clip, error) {
	c := &model.Clip{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.UploadID, &c.S3Key, &c.StartSeconds, &c.EndSeconds,
		&c.ScriptText, &c.Language, &c.Title, &c.Description, &c.Hashtags, &c.CreatedAt,
	)
	return c, err
}

func (r *clipRepo) InsertBatch(ctx context.Context, clips []*model.Clip) (int, error) {
	if len(clips) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO clips (id, user_id, upload_id, s3_key, start_seconds, end_seconds,
			script_text, language, title, description, hashtags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT ON CONSTRAINT clips_upload_key_uniq DO NOTHING`

	batch := &pgx.Batch{}
	for _, c := range clips {
		batch.Queue(query,
			c.ID, c.UserID, c.UploadID, c.S3Key, c.StartSeconds, c.EndSeconds,
			c.ScriptText, c.Language, c.Title, c.Description, c.Hashtags,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range clips {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("ошибка вставки клипа: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *clipRepo) ListByUpload(ctx context.Context, uploadID string) ([]*model.Clip, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE upload_id = $1 ORDER BY created_at DESC, s3_key`,
		uploadID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения клипов: %w", err)
	}
	defer rows.Close()

	var result []*model.Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования клипа: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *clipRepo) CountByUpload(ctx context.Context, uploadID string) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM clips WHERE upload_id = $1`, uploadID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта клипов: %w", err)
	}
	return count, nil
}

func (r *clipRepo) GetForUser(ctx context.Context, id, userID string) (*model.Clip, error) {
	c, err := scanClip(r.db.QueryRow(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		return nil, notFound(err, "ошибка получения клипа")
	}
	return c, nil
}

func (r *clipRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM clips WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления клипа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *clipRepo) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM clips WHERE upload_id = $1`, uploadID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления клипов загрузки: %w", err)
	}
	return tag.RowsAffected(), nil
}
