package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
)

// JobEventsChannel — канал LISTEN/NOTIFY, в который публикуется ID нового события.
const JobEventsChannel = "clip_job_events"

// JobEventRepository — очередь событий обработки (таблица job_events).
type JobEventRepository interface {
	// Enqueue ставит событие в очередь и отправляет NOTIFY.
	// Вызывается в транзакции вызывающего: событие существует только после её коммита.
	Enqueue(ctx context.Context, e *model.JobEvent) error
	// Claim переводит старейшее доступное событие в running.
	// Событие доступно, если у пользователя нет running-события и более старых pending.
	// Возвращает ErrNotFound, если выдавать нечего.
	Claim(ctx context.Context) (*model.JobEvent, error)
	// Complete завершает событие (done). lastErr — ошибка запуска, если была.
	// deliveries — номер доставки, под которой событие было выдано: после
	// возврата в очередь прежний воркер событие не завершает (ErrNotFound).
	Complete(ctx context.Context, id string, deliveries int, lastErr *string) error
	// KillStale переводит зависшие running-события, исчерпавшие доставки, в dead.
	// Возвращает ID их загрузок.
	KillStale(ctx context.Context, staleAfter time.Duration, maxDeliveries int) ([]string, error)
	// RequeueStale возвращает зависшие running-события в pending.
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error)
	// CountByState возвращает количество событий по состояниям.
	CountByState(ctx context.Context) (map[model.JobState]int, error)
	// ListByUpload возвращает события загрузки (новые первыми) без шагов.
	ListByUpload(ctx context.Context, uploadID string) ([]*model.JobEvent, error)
}

type jobEventRepo struct {
	db DBTX
}

// NewJobEventRepository создаёт репозиторий очереди событий.
func NewJobEventRepository(db DBTX) JobEventRepository {
	return &jobEventRepo{db: db}
}

const jobEventColumns = `id, upload_id, user_id, language, state, deliveries, last_error,
	created_at, started_at, finished_at`

func scanJobEvent(row pgx.Row) (*model.JobEvent, error) {
	e := &model.JobEvent{}
	var state string
	err := row.Scan(
		&e.ID, &e.UploadID, &e.UserID, &e.Language, &state, &e.Deliveries, &e.LastError,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	)
	e.State = model.JobState(state)
	return e, err
}

func (r *jobEventRepo) Enqueue(ctx context.Context, e *model.JobEvent) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO job_events (id, upload_id, user_id, language)
		VALUES ($1, $2, $3, $4)
		RETURNING state, deliveries, created_at`,
		e.ID, e.UploadID, e.UserID, e.Language,
	).Scan((*string)(&e.State), &e.Deliveries, &e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: событие %s уже существует", ErrConflict, e.ID)
		}
		return fmt.Errorf("ошибка постановки события в очередь: %w", err)
	}

	if _, err := r.db.Exec(ctx, `SELECT pg_notify($1, $2)`, JobEventsChannel, e.ID); err != nil {
		return fmt.Errorf("ошибка отправки уведомления: %w", err)
	}
	return nil
}

func (r *jobEventRepo) Claim(ctx context.Context) (*model.JobEvent, error) {
	// Старейшее pending-событие пользователя без running-события.
	// Параллельная выдача второго события тому же пользователю упирается
	// в частичный уникальный индекс job_events_user_running_uniq.
	query := `
		WITH candidate AS (
			SELECT e.id
			FROM job_events e
			WHERE e.state = 'pending'
				AND NOT EXISTS (
					SELECT 1 FROM job_events r
					WHERE r.user_id = e.user_id AND r.state = 'running')
				AND NOT EXISTS (
					SELECT 1 FROM job_events p
					WHERE p.user_id = e.user_id AND p.state = 'pending'
						AND (p.created_at, p.id) < (e.created_at, e.id))
			ORDER BY e.created_at, e.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_events j
		SET state = 'running', deliveries = j.deliveries + 1,
			started_at = now(), finished_at = NULL
		FROM candidate
		WHERE j.id = candidate.id
		RETURNING j.id, j.upload_id, j.user_id, j.language, j.state, j.deliveries, j.last_error,
			j.created_at, j.started_at, j.finished_at`

	e, err := scanJobEvent(r.db.QueryRow(ctx, query))
	if err != nil {
		if isUniqueViolation(err, "job_events_user_running_uniq") {
			return nil, ErrNotFound
		}
		return nil, notFound(err, "ошибка выдачи события")
	}
	return e, nil
}

func (r *jobEventRepo) Complete(ctx context.Context, id string, deliveries int, lastErr *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_events SET state = 'done', finished_at = now(), last_error = $3
		WHERE id = $1 AND state = 'running' AND deliveries = $2`, id, deliveries, lastErr)
	if err != nil {
		return fmt.Errorf("ошибка завершения события: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *jobEventRepo) KillStale(ctx context.Context, staleAfter time.Duration, maxDeliveries int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE job_events
		SET state = 'dead', finished_at = now(),
			last_error = COALESCE(last_error, 'превышено число доставок')
		WHERE state = 'running'
			AND started_at < now() - $1::float8 * interval '1 second'
			AND deliveries >= $2
		RETURNING upload_id`, staleAfter.Seconds(), maxDeliveries)
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода событий в dead: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения событий dead: %w", err)
	}
	return ids, nil
}

func (r *jobEventRepo) RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_events SET state = 'pending'
		WHERE state = 'running' AND started_at < now() - $1::float8 * interval '1 second'`, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("ошибка возврата событий в очередь: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *jobEventRepo) CountByState(ctx context.Context) (map[model.JobState]int, error) {
	rows, err := r.db.Query(ctx, `SELECT state, COUNT(*) FROM job_events GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта событий: %w", err)
	}
	defer rows.Close()

	result := map[model.JobState]int{
		model.JobPending: 0, model.JobRunning: 0, model.JobDone: 0, model.JobDead: 0,
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("ошибка сканирования счётчика событий: %w", err)
		}
		result[model.JobState(state)] = n
	}
	return result, rows.Err()
}

func (r *jobEventRepo) ListByUpload(ctx context.Context, uploadID string) ([]*model.JobEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobEventColumns+` FROM job_events WHERE upload_id = $1 ORDER BY created_at DESC`,
		uploadID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения событий загрузки: %w", err)
	}
	defer rows.Close()

	var result []*model.JobEvent
	for rows.Next() {
		e, err := scanJobEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования события: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
