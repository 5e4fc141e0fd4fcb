// Пакет workflow — движок обработки загрузки: проверка кредитов, вызов
// вычислительного сервиса, создание записей клипов, списание кредитов.
//
// Каждый шаг повторяется отдельно и фиксируется в журнале workflow_steps
// вместе со своим эффектом, поэтому повторная доставка события не
// повторяет завершённые шаги. Любая ошибка шага переводит загрузку в failed.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/clip-module/internal/computeclient"
	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
)

// Store — транзакционное хранилище, с которым работают шаги.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx — операции шагов внутри одной транзакции.
type Tx interface {
	// LoadStep возвращает результат шага из журнала; found=false — шаг не выполнялся.
	LoadStep(ctx context.Context, runID, step string) (output json.RawMessage, found bool, err error)
	// SaveStep фиксирует результат шага.
	SaveStep(ctx context.Context, runID, step string, output json.RawMessage) error
	// CreditCheck читает владельца загрузки, его баланс и ключ исходного медиа.
	CreditCheck(ctx context.Context, uploadID string) (*repository.CreditCheck, error)
	// SetStatus записывает статус загрузки через матрицу переходов.
	SetStatus(ctx context.Context, uploadID string, status model.UploadStatus) error
	// InsertClips вставляет записи клипов, пропуская уже существующие ключи.
	InsertClips(ctx context.Context, clips []*model.Clip) (int, error)
	// DeductCredits уменьшает баланс, не опуская ниже нуля. Возвращает новый баланс.
	DeductCredits(ctx context.Context, userID string, n int) (int, error)
}

// Compute — вычислительный сервис.
type Compute interface {
	ProcessVideo(ctx context.Context, in computeclient.Request) (*computeclient.Manifest, error)
}

// Lister — листинг объектного хранилища для пути без манифеста.
type Lister interface {
	List(ctx context.Context, prefix string) ([]objectstore.Object, error)
}

// Config — параметры повторов.
type Config struct {
	// StepRetries — сколько раз повторяется шаг после первой неудачи
	StepRetries int
	// StepRetryDelay — пауза между попытками
	StepRetryDelay time.Duration
	// GuardTimeout — таймаут записи failed после ошибки шага
	GuardTimeout time.Duration
}

// Engine — исполнитель запусков workflow.
type Engine struct {
	store   Store
	compute Compute
	lister  Lister
	cfg     Config
	logger  *slog.Logger
}

// New создаёт движок workflow.
func New(store Store, compute Compute, lister Lister, cfg Config, logger *slog.Logger) *Engine {
	if cfg.GuardTimeout <= 0 {
		cfg.GuardTimeout = 10 * time.Second
	}
	return &Engine{
		store:   store,
		compute: compute,
		lister:  lister,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "workflow")),
	}
}

// Результаты шагов в журнале.
type (
	creditCheckOutput struct {
		UserID  string `json:"user_id"`
		Credits int    `json:"credits"`
		S3Key   string `json:"s3_key"`
	}
	statusOutput struct {
		Status model.UploadStatus `json:"status"`
	}
	computeOutput struct {
		Manifest *computeclient.Manifest `json:"manifest"`
	}
	reconcileOutput struct {
		Source     string `json:"source"`
		ClipsFound int    `json:"clips_found"`
		Inserted   int    `json:"inserted"`
	}
	deductOutput struct {
		Deducted int `json:"deducted"`
		Balance  int `json:"balance"`
	}
	clipPlan struct {
		Source string
		Clips  []*model.Clip
	}
)

// Run выполняет один запуск для события ev. Идентификатор запуска — ID события.
// Возвращает итоговый статус загрузки. Ошибка шага возвращается только для
// журналирования: загрузка к этому моменту уже переведена в failed.
func (e *Engine) Run(ctx context.Context, ev *model.JobEvent) (status model.UploadStatus, err error) {
	r := &run{
		ID:       ev.ID,
		UploadID: ev.UploadID,
		UserID:   ev.UserID,
		Language: ev.Language,
		logger: e.logger.With(
			slog.String("run_id", ev.ID),
			slog.String("upload_id", ev.UploadID),
			slog.String("user_id", ev.UserID),
		),
	}
	start := time.Now()
	r.logger.Info("Запуск workflow", slog.Int("delivery", ev.Deliveries))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("паника в workflow: %v", p)
		}
		if err != nil {
			e.markFailed(ctx, r, err)
			status = model.StatusFailed
		}
		runsTotal.WithLabelValues(string(status)).Inc()
		r.logger.Info("Workflow завершён",
			slog.String("status", string(status)),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	return e.execute(ctx, r)
}

func (e *Engine) execute(ctx context.Context, r *run) (model.UploadStatus, error) {
	cc, err := runStep(ctx, e, r, StepCheckCredits, nil,
		func(ctx context.Context, tx Tx, _ noPrepare) (creditCheckOutput, error) {
			c, err := tx.CreditCheck(ctx, r.UploadID)
			if err != nil {
				return creditCheckOutput{}, err
			}
			return creditCheckOutput{UserID: c.UserID, Credits: c.Credits, S3Key: c.S3Key}, nil
		})
	if err != nil {
		return "", err
	}
	// Владелец загрузки авторитетнее userId события
	r.UserID = cc.UserID

	if cc.Credits <= 0 {
		if _, err := e.setStatus(ctx, r, StepSetNoCredits, model.StatusNoCredits); err != nil {
			return "", err
		}
		r.logger.Info("Недостаточно кредитов, обработка пропущена")
		return model.StatusNoCredits, nil
	}

	if _, err := e.setStatus(ctx, r, StepSetProcessing, model.StatusProcessing); err != nil {
		return "", err
	}

	computed, err := runStep(ctx, e, r, StepCallCompute,
		func(ctx context.Context) (computeOutput, error) {
			m, err := e.compute.ProcessVideo(ctx, computeclient.Request{S3Key: cc.S3Key, Language: r.Language})
			if err != nil {
				return computeOutput{}, err
			}
			return computeOutput{Manifest: m}, nil
		},
		func(_ context.Context, _ Tx, p computeOutput) (computeOutput, error) {
			return p, nil
		})
	if err != nil {
		return "", err
	}

	up := UploadRef{UploadID: r.UploadID, UserID: cc.UserID, S3Key: cc.S3Key}
	rec, err := runStep(ctx, e, r, StepReconcile,
		func(ctx context.Context) (clipPlan, error) {
			return e.planClips(ctx, computed.Manifest, up)
		},
		func(ctx context.Context, tx Tx, p clipPlan) (reconcileOutput, error) {
			inserted, err := tx.InsertClips(ctx, p.Clips)
			if err != nil {
				return reconcileOutput{}, err
			}
			return reconcileOutput{Source: p.Source, ClipsFound: len(p.Clips), Inserted: inserted}, nil
		})
	if err != nil {
		return "", err
	}
	clipsCreated.WithLabelValues(rec.Source).Add(float64(rec.Inserted))

	// Списывается не больше, чем было на балансе при проверке
	n := min(cc.Credits, rec.ClipsFound)
	ded, err := runStep(ctx, e, r, StepDeductCredits, nil,
		func(ctx context.Context, tx Tx, _ noPrepare) (deductOutput, error) {
			if n == 0 {
				return deductOutput{Deducted: 0, Balance: cc.Credits}, nil
			}
			balance, err := tx.DeductCredits(ctx, cc.UserID, n)
			if err != nil {
				return deductOutput{}, err
			}
			creditsDeducted.Add(float64(n))
			return deductOutput{Deducted: n, Balance: balance}, nil
		})
	if err != nil {
		return "", err
	}
	r.logger.Info("Кредиты списаны",
		slog.Int("clips_found", rec.ClipsFound),
		slog.Int("deducted", ded.Deducted),
		slog.Int("balance", ded.Balance),
	)

	if _, err := e.setStatus(ctx, r, StepSetProcessed, model.StatusProcessed); err != nil {
		return "", err
	}
	return model.StatusProcessed, nil
}

// planClips выбирает источник набора клипов: манифест, если он есть, иначе листинг.
func (e *Engine) planClips(ctx context.Context, m *computeclient.Manifest, up UploadRef) (clipPlan, error) {
	if HasManifest(m) {
		return clipPlan{Source: SourceManifest, Clips: PlanFromManifest(m, up)}, nil
	}
	objects, err := e.lister.List(ctx, model.JobPrefix(up.S3Key)+"/")
	if err != nil {
		return clipPlan{}, fmt.Errorf("листинг каталога задания: %w", err)
	}
	return clipPlan{Source: SourceListing, Clips: PlanFromListing(objects, up)}, nil
}

func (e *Engine) setStatus(ctx context.Context, r *run, step string, status model.UploadStatus) (statusOutput, error) {
	return runStep(ctx, e, r, step, nil,
		func(ctx context.Context, tx Tx, _ noPrepare) (statusOutput, error) {
			if err := tx.SetStatus(ctx, r.UploadID, status); err != nil {
				return statusOutput{}, err
			}
			return statusOutput{Status: status}, nil
		})
}

// markFailed записывает failed после ошибки шага. Контекст отвязан от отмены
// запуска: запись выполняется и при остановке сервиса.
func (e *Engine) markFailed(ctx context.Context, r *run, cause error) {
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.GuardTimeout)
	defer cancel()

	r.logger.Error("Ошибка workflow, загрузка переводится в failed", slog.String("error", cause.Error()))

	_, err := e.withRetry(gctx, r.logger, "mark-failed", func() error {
		return e.store.RunInTx(gctx, func(tx Tx) error {
			return tx.SetStatus(gctx, r.UploadID, model.StatusFailed)
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrInvalidTransition):
		r.logger.Warn("Статус загрузки уже терминальный, failed не записан", slog.String("error", err.Error()))
	case errors.Is(err, repository.ErrNotFound):
		r.logger.Warn("Загрузка удалена во время обработки")
	default:
		r.logger.Error("Не удалось записать статус failed", slog.String("error", err.Error()))
	}
}
