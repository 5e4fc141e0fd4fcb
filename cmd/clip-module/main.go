// Точка входа Clip Module — асинхронная нарезка видео на клипы.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт объектное хранилище, клиент вычислительного сервиса, движок
// workflow и пул воркеров очереди, затем запускает HTTP-сервер с JWT
// middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/bigkaa/goartstore/clip-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/clip-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/clip-module/internal/api/openapi"
	"github.com/bigkaa/goartstore/clip-module/internal/computeclient"
	"github.com/bigkaa/goartstore/clip-module/internal/config"
	"github.com/bigkaa/goartstore/clip-module/internal/database"
	"github.com/bigkaa/goartstore/clip-module/internal/jobqueue"
	"github.com/bigkaa/goartstore/clip-module/internal/objectstore"
	"github.com/bigkaa/goartstore/clip-module/internal/repository"
	"github.com/bigkaa/goartstore/clip-module/internal/server"
	"github.com/bigkaa/goartstore/clip-module/internal/service"
	"github.com/bigkaa/goartstore/clip-module/internal/workflow"
)

func main() {
	// 0. Локальная разработка: переменные из .env (файл необязателен)
	if os.Getenv("CM_ENV") != "production" {
		_ = godotenv.Load()
	}

	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Clip Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.Int("workers", cfg.Workers),
	)

	if os.Getenv("CM_DEPHEALTH_GROUP") == "" {
		logger.Warn("CM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx := context.Background()

	// 3. Контракт API — ошибка в openapi.yaml не даёт стартовать
	if _, err := openapi.Load(ctx); err != nil {
		logger.Error("Ошибка контракта API", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Подключение к PostgreSQL (pgxpool)
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 6. Объектное хранилище
	var (
		store      objectstore.Store
		localStore *objectstore.LocalStore
	)
	switch cfg.StorageBackend {
	case config.StorageBackendLocal:
		localStore, err = objectstore.NewLocal(objectstore.LocalConfig{
			DataDir:    cfg.LocalDataDir,
			PublicURL:  cfg.LocalPublicURL,
			SigningKey: []byte(cfg.LocalSigningKey),
		}, logger)
		store = localStore
	default:
		store, err = objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, logger)
	}
	if err != nil {
		logger.Error("Ошибка инициализации объектного хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Клиент вычислительного сервиса
	compute := computeclient.New(cfg.ComputeEndpoint, cfg.ComputeToken, cfg.ComputeTimeout, logger)
	logger.Info("Клиент вычислительного сервиса создан",
		slog.String("endpoint", cfg.ComputeEndpoint),
		slog.String("timeout", cfg.ComputeTimeout.String()),
	)

	// 8. Repositories и транзакции
	txRunner := repository.NewTxRunner(pool)
	repos := service.NewRepos(pool)
	transactor := service.NewPgTransactor(txRunner)

	// 9. Движок workflow
	engine := workflow.New(
		workflow.NewPgStore(txRunner),
		compute,
		store,
		workflow.Config{
			StepRetries:    cfg.StepRetries,
			StepRetryDelay: cfg.StepRetryDelay,
		},
		logger,
	)

	// 10. Очередь событий: пул воркеров, LISTEN и сборщик брошенных запусков
	queueStore := jobqueue.NewPgStore(repos.Events, txRunner)
	dispatcher := jobqueue.NewDispatcher(
		queueStore,
		engine,
		jobqueue.NewListener(pool, repository.JobEventsChannel, logger),
		jobqueue.DispatcherConfig{
			Workers:      cfg.Workers,
			PollInterval: cfg.PollInterval,
		},
		logger,
	)
	reaper := jobqueue.NewReaper(queueStore, jobqueue.ReaperConfig{
		Interval:      cfg.ReaperInterval,
		StaleAfter:    cfg.StaleRunTimeout,
		MaxDeliveries: cfg.MaxDeliveries,
	}, dispatcher.Wake, logger)

	// 11. Services
	usersSvc := service.NewUserService(repos.Users, cfg.InitialCredits, logger)
	uploadsSvc := service.NewUploadService(transactor, repos, store, service.UploadConfig{
		UploadURLTTL:    cfg.UploadURLTTL,
		DownloadURLTTL:  cfg.PlayURLTTL,
		DefaultLanguage: cfg.DefaultLanguage,
		InitialCredits:  cfg.InitialCredits,
	}, logger)
	playURLCache := service.NewPlayURLCache(cfg.PlayURLCacheSize, cfg.PlayURLTTL)
	clipsSvc := service.NewClipService(repos, store, playURLCache, cfg.PlayURLTTL, logger)

	// 12. Readiness checkers (PostgreSQL, хранилище, JWKS)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.ReadinessChecker{
		"postgresql": database.NewReadinessChecker(pool),
		"storage":    objectstore.NewReadinessChecker(store),
		"jwks":       middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.JWKSClientTimeout),
	})

	// 13. API handlers
	apiHandler := handlers.NewAPIHandler(healthHandler, usersSvc, uploadsSvc, clipsSvc, logger)
	var objectHandler *handlers.ObjectHandler
	if localStore != nil {
		objectHandler = handlers.NewObjectHandler(localStore, logger)
	}

	// 14. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWTIssuer,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jwtAuth.Close()
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 15. Запуск фоновых задач
	dispatcher.Start(ctx)
	reaper.Start(ctx)

	// 15.1 topologymetrics — мониторинг зависимостей (PostgreSQL, JWKS, compute)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"clip-module",
		cfg.DephealthGroup,
		service.DephealthTargets{
			DB:          pgDB,
			PostgresURL: cfg.DatabaseURL(),
			JWKSURL:     cfg.JWTJWKSURL,
			ComputeURL:  cfg.ComputeEndpoint,
		},
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 16. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, objectHandler, jwtAuth)
	runErr := srv.Run()
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// 17. Graceful shutdown фоновых задач: текущие шаги прерываются,
	// их события вернёт в очередь сборщик после рестарта.
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	reaper.Stop()
	dispatcher.Stop()

	logger.Info("Clip Module остановлен")
	if runErr != nil {
		os.Exit(1)
	}
}
