package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
)

// StepRepository — журнал завершённых шагов workflow (таблица workflow_steps).
type StepRepository interface {
	// Load возвращает сохранённый результат шага или ErrNotFound.
	Load(ctx context.Context, runID, step string) (json.RawMessage, error)
	// Save фиксирует результат шага. Повторная фиксация того же шага игнорируется,
	// результат первой записи сохраняется.
	Save(ctx context.Context, runID, step string, output json.RawMessage) error
	// ListByRuns возвращает шаги запусков, сгруппированные по run_id, в порядке фиксации.
	ListByRuns(ctx context.Context, runIDs []string) (map[string][]model.StepRecord, error)
}

type stepRepo struct {
	db DBTX
}

// NewStepRepository создаёт репозиторий журнала шагов.
func NewStepRepository(db DBTX) StepRepository {
	return &stepRepo{db: db}
}

func (r *stepRepo) Load(ctx context.Context, runID, step string) (json.RawMessage, error) {
	var output []byte
	err := r.db.QueryRow(ctx,
		`SELECT output FROM workflow_steps WHERE run_id = $1 AND step = $2`, runID, step,
	).Scan(&output)
	if err != nil {
		return nil, notFound(err, "ошибка чтения журнала шагов")
	}
	return json.RawMessage(output), nil
}

func (r *stepRepo) Save(ctx context.Context, runID, step string, output json.RawMessage) error {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO workflow_steps (run_id, step, output)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (run_id, step) DO NOTHING`, runID, step, string(output))
	if err != nil {
		return fmt.Errorf("ошибка записи журнала шагов: %w", err)
	}
	return nil
}

func (r *stepRepo) ListByRuns(ctx context.Context, runIDs []string) (map[string][]model.StepRecord, error) {
	result := make(map[string][]model.StepRecord, len(runIDs))
	if len(runIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT run_id, step, output, completed_at
		FROM workflow_steps
		WHERE run_id = ANY($1::uuid[])
		ORDER BY completed_at, step`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала шагов: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec model.StepRecord
		var output []byte
		if err := rows.Scan(&rec.RunID, &rec.Step, &output, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования шага: %w", err)
		}
		rec.Output = json.RawMessage(output)
		result[rec.RunID] = append(result[rec.RunID], rec)
	}
	return result, rows.Err()
}
