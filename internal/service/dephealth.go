// dephealth.go — граф зависимостей Clip Module для topologymetrics.
//
// Вершины графа:
//   - postgresql — хранилище загрузок, запусков и очереди событий (critical)
//   - idp-jwks — ключи провайдера идентификации (critical)
//   - compute — внешний сервис нарезки клипов (не critical: без него
//     API продолжает работать, а запуски уходят в failed)
//
// Метрики app_dependency_* публикуются на /metrics.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthTargets — адреса зависимостей, которые попадают в граф.
type DephealthTargets struct {
	// DB — *sql.DB поверх pgxpool (stdlib.OpenDBFromPool), проверка видит исчерпание пула
	DB *sql.DB
	// PostgresURL используется только для лейблов host/port
	PostgresURL string
	JWKSURL     string
	// ComputeURL — endpoint compute; пустое значение исключает вершину из графа
	ComputeURL string
}

// DephealthService — периодическая проверка зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	names  []string
	logger *slog.Logger
}

// NewDephealthService регистрирует метрики в глобальном Prometheus registry.
func NewDephealthService(
	serviceID, group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer — вариант с отдельным registerer для тестов.
func NewDephealthServiceWithRegisterer(
	serviceID, group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID, group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	if targets.DB == nil {
		return nil, errors.New("dephealth: не задан *sql.DB для проверки PostgreSQL")
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(targets.DB)),
			dephealth.FromURL(targets.PostgresURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	}
	names := []string{"postgresql"}

	// /health провайдера идентификации обычно закрыт, проверяется сам JWKS
	if targets.JWKSURL != "" {
		opts = append(opts, dephealth.HTTP("idp-jwks",
			dephealth.FromURL(targets.JWKSURL),
			dephealth.WithHTTPHealthPath(healthPath(targets.JWKSURL)),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		))
		names = append(names, "idp-jwks")
	}

	// endpoint compute принимает только POST, проверяется /health на том же хосте
	if targets.ComputeURL != "" {
		opts = append(opts, dephealth.HTTP("compute",
			dephealth.FromURL(targets.ComputeURL),
			dephealth.WithHTTPHealthPath("/health"),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(false),
		))
		names = append(names, "compute")
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		names:  names,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// healthPath возвращает path URL для HTTP-проверки, "/health" — если его нет.
func healthPath(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	return "/health"
}

// Dependencies — имена вершин графа в порядке регистрации.
func (ds *DephealthService) Dependencies() []string {
	return ds.names
}

func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен", slog.Any("dependencies", ds.names))
	return ds.dh.Start(ctx)
}

func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health — текущее состояние: имя зависимости → ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
