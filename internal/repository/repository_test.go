package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/clip-module/internal/config"
	"github.com/bigkaa/goartstore/clip-module/internal/database"
	"github.com/bigkaa/goartstore/clip-module/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции
// и возвращает пул подключений.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("clipper_test"),
		postgres.WithUsername("clipper"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("CM_DB_HOST", host)
	t.Setenv("CM_DB_PORT", port.Port())
	t.Setenv("CM_DB_NAME", "clipper_test")
	t.Setenv("CM_DB_USER", "clipper")
	t.Setenv("CM_DB_PASSWORD", "test-password")
	t.Setenv("CM_DB_SSL_MODE", "disable")
	t.Setenv("CM_JWT_JWKS_URL", "http://localhost:8080/jwks.json")
	t.Setenv("CM_COMPUTE_ENDPOINT", "http://localhost:9999/process_video")
	t.Setenv("CM_COMPUTE_TOKEN", "test")
	t.Setenv("CM_STORAGE_BACKEND", "local")
	t.Setenv("CM_LOCAL_SIGNING_KEY", strings.Repeat("s", 32))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// seedUpload создаёт пользователя и загрузку в статусе queued.
func seedUpload(t *testing.T, pool *pgxpool.Pool, userID string, credits int) *model.Upload {
	t.Helper()
	ctx := context.Background()

	if _, err := NewUserRepository(pool).Ensure(ctx, userID, userID+"@example.com", credits); err != nil {
		t.Fatalf("Ensure() ошибка: %v", err)
	}
	prefix := uuid.New().String()
	u := &model.Upload{
		ID:          uuid.New().String(),
		UserID:      userID,
		S3Key:       model.OriginalKey(prefix, "talk.mp4"),
		DisplayName: "talk.mp4",
		Language:    "English",
		Status:      model.StatusQueued,
	}
	if err := NewUploadRepository(pool).Create(ctx, u); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	return u
}

// --- UserRepository ---

func TestUserEnsureAndDeduct(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewUserRepository(pool)

	u, err := repo.Ensure(ctx, "user-1", "a@example.com", 5)
	if err != nil {
		t.Fatalf("Ensure() ошибка: %v", err)
	}
	if u.Credits != 5 {
		t.Errorf("Credits = %d, ожидался 5", u.Credits)
	}

	// Повторный Ensure не меняет баланс, пустой email не затирает сохранённый
	u, err = repo.Ensure(ctx, "user-1", "", 100)
	if err != nil {
		t.Fatalf("повторный Ensure() ошибка: %v", err)
	}
	if u.Credits != 5 || u.Email != "a@example.com" {
		t.Errorf("после повторного Ensure: credits=%d email=%q", u.Credits, u.Email)
	}

	balance, err := repo.DeductCredits(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("DeductCredits() ошибка: %v", err)
	}
	if balance != 3 {
		t.Errorf("баланс = %d, ожидался 3", balance)
	}

	// Списание больше баланса упирается в ноль
	balance, err = repo.DeductCredits(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("DeductCredits() ошибка: %v", err)
	}
	if balance != 0 {
		t.Errorf("баланс = %d, ожидался 0", balance)
	}

	if _, err := repo.DeductCredits(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получена %v", err)
	}
}

// --- UploadRepository ---

func TestUploadLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewUploadRepository(pool)
	u := seedUpload(t, pool, "user-1", 5)

	got, err := repo.GetForUser(ctx, u.ID, "user-1")
	if err != nil {
		t.Fatalf("GetForUser() ошибка: %v", err)
	}
	if got.Status != model.StatusQueued || got.Uploaded {
		t.Errorf("status=%s uploaded=%v, ожидались queued/false", got.Status, got.Uploaded)
	}
	if _, err := repo.GetForUser(ctx, u.ID, "intruder"); !errors.Is(err, ErrNotFound) {
		t.Errorf("чужая загрузка: ожидалась ErrNotFound, получена %v", err)
	}

	cc, err := repo.GetCreditCheck(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetCreditCheck() ошибка: %v", err)
	}
	if cc.UserID != "user-1" || cc.Credits != 5 || cc.S3Key != u.S3Key {
		t.Errorf("GetCreditCheck() = %+v", cc)
	}

	// queued → processing → processed, повторная запись того же статуса допустима
	for _, st := range []model.UploadStatus{model.StatusProcessing, model.StatusProcessing, model.StatusProcessed} {
		if err := repo.SetStatus(ctx, u.ID, st); err != nil {
			t.Fatalf("SetStatus(%s) ошибка: %v", st, err)
		}
	}
	if err := repo.SetStatus(ctx, u.ID, model.StatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("processed → failed: ожидалась ErrInvalidTransition, получена %v", err)
	}
	if err := repo.SetStatus(ctx, uuid.New().String(), model.StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("несуществующая загрузка: ожидалась ErrNotFound, получена %v", err)
	}

	if err := repo.SetUploaded(ctx, u.ID, true); err != nil {
		t.Fatalf("SetUploaded() ошибка: %v", err)
	}
	if err := repo.ResetForReprocess(ctx, u.ID); err != nil {
		t.Fatalf("ResetForReprocess() ошибка: %v", err)
	}
	got, _ = repo.GetByID(ctx, u.ID)
	if got.Status != model.StatusQueued || got.Uploaded {
		t.Errorf("после сброса status=%s uploaded=%v", got.Status, got.Uploaded)
	}
	if err := repo.ResetForReprocess(ctx, u.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("сброс queued: ожидалась ErrInvalidTransition, получена %v", err)
	}

	n, err := repo.FailActive(ctx, []string{u.ID})
	if err != nil || n != 1 {
		t.Errorf("FailActive() = %d, %v; ожидалось 1", n, err)
	}

	list, err := repo.ListByUser(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("ListByUser() ошибка: %v", err)
	}
	if len(list) != 1 || list[0].ClipCount != 0 {
		t.Errorf("ListByUser() = %d записей", len(list))
	}

	if err := repo.Delete(ctx, u.ID); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if _, err := repo.GetByID(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("после Delete ожидалась ErrNotFound, получена %v", err)
	}
}

// --- ClipRepository ---

func TestClipInsertBatchIsIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewClipRepository(pool)
	u := seedUpload(t, pool, "user-1", 5)

	start, end := 1.5, 9.0
	newClips := func() []*model.Clip {
		return []*model.Clip{
			{ID: uuid.New().String(), UserID: u.UserID, UploadID: u.ID,
				S3Key: u.JobPrefix() + "/clip_0.mp4", StartSeconds: &start, EndSeconds: &end,
				Hashtags: model.EncodeHashtags([]string{"#go"})},
			{ID: uuid.New().String(), UserID: u.UserID, UploadID: u.ID,
				S3Key: u.JobPrefix() + "/clip_1.mp4"},
		}
	}

	n, err := repo.InsertBatch(ctx, newClips())
	if err != nil || n != 2 {
		t.Fatalf("InsertBatch() = %d, %v; ожидалось 2", n, err)
	}
	// Повтор шага не дублирует записи
	n, err = repo.InsertBatch(ctx, newClips())
	if err != nil || n != 0 {
		t.Fatalf("повторный InsertBatch() = %d, %v; ожидалось 0", n, err)
	}

	clips, err := repo.ListByUpload(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListByUpload() ошибка: %v", err)
	}
	if len(clips) != 2 {
		t.Fatalf("ListByUpload() = %d, ожидалось 2", len(clips))
	}

	c, err := repo.GetForUser(ctx, clips[0].ID, "user-1")
	if err != nil {
		t.Fatalf("GetForUser() ошибка: %v", err)
	}
	if _, err := repo.GetForUser(ctx, c.ID, "intruder"); !errors.Is(err, ErrNotFound) {
		t.Errorf("чужой клип: ожидалась ErrNotFound, получена %v", err)
	}

	if err := repo.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	deleted, err := repo.DeleteByUpload(ctx, u.ID)
	if err != nil || deleted != 1 {
		t.Errorf("DeleteByUpload() = %d, %v; ожидалось 1", deleted, err)
	}
}

// --- JobEventRepository ---

func TestJobEventClaimSerializesPerUser(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobEventRepository(pool)

	a1 := seedUpload(t, pool, "alice", 5)
	a2 := seedUpload(t, pool, "alice", 5)
	b1 := seedUpload(t, pool, "bob", 5)

	enqueue := func(u *model.Upload) *model.JobEvent {
		e := &model.JobEvent{ID: uuid.New().String(), UploadID: u.ID, UserID: u.UserID, Language: "English"}
		if err := repo.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue() ошибка: %v", err)
		}
		return e
	}
	ea1, ea2, eb1 := enqueue(a1), enqueue(a2), enqueue(b1)

	first, err := repo.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() ошибка: %v", err)
	}
	if first.ID != ea1.ID || first.Deliveries != 1 || first.State != model.JobRunning {
		t.Fatalf("первым выдано %s (deliveries=%d), ожидалось %s", first.ID, first.Deliveries, ea1.ID)
	}

	// Второе событие alice ждёт, bob выдаётся параллельно
	second, err := repo.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() ошибка: %v", err)
	}
	if second.ID != eb1.ID {
		t.Fatalf("вторым выдано %s, ожидалось событие bob %s", second.ID, eb1.ID)
	}
	if _, err := repo.Claim(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, пока alice занята, получена %v", err)
	}

	if err := repo.Complete(ctx, ea1.ID, first.Deliveries, nil); err != nil {
		t.Fatalf("Complete() ошибка: %v", err)
	}
	third, err := repo.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() ошибка: %v", err)
	}
	if third.ID != ea2.ID {
		t.Errorf("после завершения выдано %s, ожидалось %s", third.ID, ea2.ID)
	}

	counts, err := repo.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState() ошибка: %v", err)
	}
	if counts[model.JobRunning] != 2 || counts[model.JobDone] != 1 {
		t.Errorf("CountByState() = %v", counts)
	}

	// Второй Complete того же события — ErrNotFound
	if err := repo.Complete(ctx, ea1.ID, first.Deliveries, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Complete(): ожидалась ErrNotFound, получена %v", err)
	}
}

func TestJobEventReap(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewJobEventRepository(pool)

	u1 := seedUpload(t, pool, "alice", 5)
	u2 := seedUpload(t, pool, "bob", 5)
	for _, u := range []*model.Upload{u1, u2} {
		e := &model.JobEvent{ID: uuid.New().String(), UploadID: u.ID, UserID: u.UserID, Language: "English"}
		if err := repo.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue() ошибка: %v", err)
		}
		if _, err := repo.Claim(ctx); err != nil {
			t.Fatalf("Claim() ошибка: %v", err)
		}
	}

	// Делаем оба запуска «зависшими», у bob доставки исчерпаны
	if _, err := pool.Exec(ctx, `UPDATE job_events SET started_at = now() - interval '1 hour'`); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, `UPDATE job_events SET deliveries = 3 WHERE user_id = 'bob'`); err != nil {
		t.Fatal(err)
	}

	dead, err := repo.KillStale(ctx, 30*time.Minute, 3)
	if err != nil {
		t.Fatalf("KillStale() ошибка: %v", err)
	}
	if len(dead) != 1 || dead[0] != u2.ID {
		t.Errorf("KillStale() = %v, ожидалась загрузка bob", dead)
	}
	requeued, err := repo.RequeueStale(ctx, 30*time.Minute)
	if err != nil || requeued != 1 {
		t.Errorf("RequeueStale() = %d, %v; ожидалось 1", requeued, err)
	}

	again, err := repo.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() после возврата ошибка: %v", err)
	}
	if again.UploadID != u1.ID || again.Deliveries != 2 {
		t.Errorf("повторная выдача: upload=%s deliveries=%d", again.UploadID, again.Deliveries)
	}

	// Воркер первой доставки не завершает повторно выданное событие
	if err := repo.Complete(ctx, again.ID, 1, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete() первой доставки: ожидалась ErrNotFound, получена %v", err)
	}
	counts, err := repo.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState() ошибка: %v", err)
	}
	if counts[model.JobRunning] != 1 {
		t.Errorf("повторная доставка должна остаться running: %v", counts)
	}
	if err := repo.Complete(ctx, again.ID, again.Deliveries, nil); err != nil {
		t.Errorf("Complete() текущей доставки ошибка: %v", err)
	}
}

// --- StepRepository ---

func TestStepLedger(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	u := seedUpload(t, pool, "alice", 5)
	e := &model.JobEvent{ID: uuid.New().String(), UploadID: u.ID, UserID: u.UserID, Language: "English"}

	// Событие и шаг в одной транзакции, как у вызывающего кода
	err := NewTxRunner(pool).RunInTx(ctx, func(tx pgx.Tx) error {
		if err := NewJobEventRepository(tx).Enqueue(ctx, e); err != nil {
			return err
		}
		return NewStepRepository(tx).Save(ctx, e.ID, "check-credits", json.RawMessage(`{"credits":5}`))
	})
	if err != nil {
		t.Fatalf("RunInTx() ошибка: %v", err)
	}

	repo := NewStepRepository(pool)
	if _, err := repo.Load(ctx, e.ID, "deduct-credits"); !errors.Is(err, ErrNotFound) {
		t.Errorf("незафиксированный шаг: ожидалась ErrNotFound, получена %v", err)
	}

	// Вторая запись того же шага не перезаписывает первую
	if err := repo.Save(ctx, e.ID, "check-credits", json.RawMessage(`{"credits":0}`)); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}
	out, err := repo.Load(ctx, e.ID, "check-credits")
	if err != nil {
		t.Fatalf("Load() ошибка: %v", err)
	}
	var got struct{ Credits int }
	if err := json.Unmarshal(out, &got); err != nil || got.Credits != 5 {
		t.Errorf("Load() = %s, ожидалось credits=5", out)
	}

	byRun, err := repo.ListByRuns(ctx, []string{e.ID})
	if err != nil {
		t.Fatalf("ListByRuns() ошибка: %v", err)
	}
	if len(byRun[e.ID]) != 1 {
		t.Errorf("ListByRuns() = %v", byRun)
	}
}
