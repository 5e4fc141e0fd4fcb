// Пакет config — загрузка и валидация конфигурации Clip Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды объектного хранилища.
const (
	StorageBackendS3    = "s3"
	StorageBackendLocal = "local"
)

// Config содержит все параметры конфигурации Clip Module.
type Config struct {
	// --- Сервер ---

	// Окружение (development, production); вне production читается .env
	Env string
	// Порт HTTP-сервера (диапазон 8030-8039)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Разрешённые CORS origins для фронтенда dashboard
	CORSAllowedOrigins []string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- JWT ---

	// URL JWKS endpoint провайдера идентификации
	JWTJWKSURL string
	// Ожидаемый issuer (пустая строка — не проверяется)
	JWTIssuer string
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Интервал фонового обновления JWKS
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration

	// --- Вычислительный сервис ---

	// URL endpoint обработки видео
	ComputeEndpoint string
	// Bearer-токен для endpoint
	ComputeToken string
	// Таймаут одного вызова (ограничивает зависший запрос)
	ComputeTimeout time.Duration

	// --- Объектное хранилище ---

	// Бэкенд: s3 или local
	StorageBackend string
	S3Bucket       string
	S3Region       string
	// Endpoint S3-совместимого хранилища (MinIO), пустой — AWS
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool
	// Каталог данных локального бэкенда
	LocalDataDir string
	// Внешний URL сервиса для подписанных ссылок локального бэкенда
	LocalPublicURL string
	// Ключ HMAC для подписи ссылок локального бэкенда
	LocalSigningKey string
	// Время жизни ссылки на загрузку исходного видео
	UploadURLTTL time.Duration
	// Время жизни ссылки на просмотр
	PlayURLTTL time.Duration
	// Размер LRU-кэша выданных ссылок на просмотр
	PlayURLCacheSize int

	// --- Пользователи ---

	// Баланс нового пользователя
	InitialCredits int
	// Язык по умолчанию для новых загрузок
	DefaultLanguage string

	// --- Workflow и очередь ---

	// Количество воркеров workflow
	Workers int
	// Интервал опроса очереди при отсутствии уведомлений
	PollInterval time.Duration
	// Количество повторов шага workflow
	StepRetries int
	// Пауза между попытками шага
	StepRetryDelay time.Duration
	// Запуск в running дольше этого срока считается брошенным.
	// Не меньше MinStaleRunTimeout()
	StaleRunTimeout time.Duration
	// Максимум доставок события до перевода в dead
	MaxDeliveries int
	// Интервал проверки брошенных запусков
	ReaperInterval time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Env = getEnvDefault("CM_ENV", "development")

	// CM_PORT — порт HTTP-сервера (по умолчанию 8030)
	cfg.Port, err = getEnvInt("CM_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("CM_PORT: %w", err)
	}
	if cfg.Port < 8030 || cfg.Port > 8039 {
		return nil, fmt.Errorf("CM_PORT: значение %d вне допустимого диапазона 8030-8039", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("CM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.CORSAllowedOrigins = parseCSV(getEnvDefault("CM_CORS_ALLOWED_ORIGINS", "http://localhost:3000"))

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("CM_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("CM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("CM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("CM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("CM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("CM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("CM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("CM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- JWT ---

	if cfg.JWTJWKSURL, err = getEnvRequired("CM_JWT_JWKS_URL"); err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("CM_JWT_ISSUER", "")
	if cfg.JWTLeeway, err = getEnvDuration("CM_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("CM_JWT_LEEWAY: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("CM_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("CM_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvDuration("CM_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("CM_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// --- Вычислительный сервис ---

	if cfg.ComputeEndpoint, err = getEnvRequired("CM_COMPUTE_ENDPOINT"); err != nil {
		return nil, err
	}
	if cfg.ComputeToken, err = getEnvRequired("CM_COMPUTE_TOKEN"); err != nil {
		return nil, err
	}
	if cfg.ComputeTimeout, err = getEnvDuration("CM_COMPUTE_TIMEOUT", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("CM_COMPUTE_TIMEOUT: %w", err)
	}

	// --- Объектное хранилище ---

	if err := loadStorage(cfg); err != nil {
		return nil, err
	}

	// --- Пользователи ---

	cfg.InitialCredits, err = getEnvInt("CM_INITIAL_CREDITS", 10)
	if err != nil {
		return nil, fmt.Errorf("CM_INITIAL_CREDITS: %w", err)
	}
	if cfg.InitialCredits < 0 {
		return nil, fmt.Errorf("CM_INITIAL_CREDITS: значение %d не может быть отрицательным", cfg.InitialCredits)
	}
	cfg.DefaultLanguage = getEnvDefault("CM_DEFAULT_LANGUAGE", "English")

	// --- Workflow и очередь ---

	if err := loadWorkflow(cfg); err != nil {
		return nil, err
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("CM_DEPHEALTH_GROUP", "clipper")
	if cfg.DephealthCheckInterval, err = getEnvDuration("CM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("CM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	if cfg.ShutdownTimeout, err = getEnvDuration("CM_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("CM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadStorage читает параметры объектного хранилища.
// Набор обязательных переменных зависит от CM_STORAGE_BACKEND.
func loadStorage(cfg *Config) error {
	var err error

	cfg.StorageBackend = getEnvDefault("CM_STORAGE_BACKEND", StorageBackendS3)
	switch cfg.StorageBackend {
	case StorageBackendS3:
		if cfg.S3Bucket, err = getEnvRequired("CM_S3_BUCKET"); err != nil {
			return err
		}
		cfg.S3Region = getEnvDefault("CM_S3_REGION", "us-east-1")
		cfg.S3Endpoint = strings.TrimRight(getEnvDefault("CM_S3_ENDPOINT", ""), "/")
		cfg.S3AccessKeyID = getEnvDefault("CM_S3_ACCESS_KEY_ID", "")
		cfg.S3SecretAccessKey = getEnvDefault("CM_S3_SECRET_ACCESS_KEY", "")
		if (cfg.S3AccessKeyID == "") != (cfg.S3SecretAccessKey == "") {
			return fmt.Errorf("CM_S3_ACCESS_KEY_ID и CM_S3_SECRET_ACCESS_KEY задаются только вместе")
		}
		if cfg.S3UsePathStyle, err = getEnvBool("CM_S3_USE_PATH_STYLE", false); err != nil {
			return fmt.Errorf("CM_S3_USE_PATH_STYLE: %w", err)
		}
	case StorageBackendLocal:
		cfg.LocalDataDir = getEnvDefault("CM_LOCAL_DATA_DIR", "./data")
		cfg.LocalPublicURL = strings.TrimRight(
			getEnvDefault("CM_LOCAL_PUBLIC_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
		if cfg.LocalSigningKey, err = getEnvRequired("CM_LOCAL_SIGNING_KEY"); err != nil {
			return err
		}
		if len(cfg.LocalSigningKey) < 32 {
			return fmt.Errorf("CM_LOCAL_SIGNING_KEY: ключ короче 32 байт")
		}
	default:
		return fmt.Errorf("CM_STORAGE_BACKEND: недопустимое значение %q, допустимые: s3, local", cfg.StorageBackend)
	}

	if cfg.UploadURLTTL, err = getEnvDuration("CM_UPLOAD_URL_TTL", 10*time.Minute); err != nil {
		return fmt.Errorf("CM_UPLOAD_URL_TTL: %w", err)
	}
	if cfg.PlayURLTTL, err = getEnvDuration("CM_PLAY_URL_TTL", time.Hour); err != nil {
		return fmt.Errorf("CM_PLAY_URL_TTL: %w", err)
	}
	if cfg.PlayURLCacheSize, err = getEnvInt("CM_PLAY_URL_CACHE_SIZE", 1024); err != nil {
		return fmt.Errorf("CM_PLAY_URL_CACHE_SIZE: %w", err)
	}
	if cfg.PlayURLCacheSize < 1 {
		return fmt.Errorf("CM_PLAY_URL_CACHE_SIZE: значение %d должно быть положительным", cfg.PlayURLCacheSize)
	}
	return nil
}

// loadWorkflow читает параметры воркеров, повторов и очереди.
func loadWorkflow(cfg *Config) error {
	var err error

	if cfg.Workers, err = getEnvInt("CM_WORKERS", 4); err != nil {
		return fmt.Errorf("CM_WORKERS: %w", err)
	}
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return fmt.Errorf("CM_WORKERS: значение %d вне допустимого диапазона 1-64", cfg.Workers)
	}
	if cfg.PollInterval, err = getEnvDuration("CM_POLL_INTERVAL", 5*time.Second); err != nil {
		return fmt.Errorf("CM_POLL_INTERVAL: %w", err)
	}
	if cfg.StepRetries, err = getEnvInt("CM_STEP_RETRIES", 1); err != nil {
		return fmt.Errorf("CM_STEP_RETRIES: %w", err)
	}
	if cfg.StepRetries < 0 || cfg.StepRetries > 10 {
		return fmt.Errorf("CM_STEP_RETRIES: значение %d вне допустимого диапазона 0-10", cfg.StepRetries)
	}
	if cfg.StepRetryDelay, err = getEnvDuration("CM_STEP_RETRY_DELAY", 2*time.Second); err != nil {
		return fmt.Errorf("CM_STEP_RETRY_DELAY: %w", err)
	}
	// По умолчанию срок выводится из худшего времени запуска
	minStale := cfg.MinStaleRunTimeout()
	if cfg.StaleRunTimeout, err = getEnvDuration("CM_STALE_RUN_TIMEOUT", minStale); err != nil {
		return fmt.Errorf("CM_STALE_RUN_TIMEOUT: %w", err)
	}
	if cfg.StaleRunTimeout < minStale {
		return fmt.Errorf("CM_STALE_RUN_TIMEOUT: значение %s меньше худшего времени запуска %s "+
			"((1+CM_STEP_RETRIES)*CM_COMPUTE_TIMEOUT + CM_STEP_RETRIES*CM_STEP_RETRY_DELAY + %s)",
			cfg.StaleRunTimeout, minStale, staleRunMargin)
	}
	if cfg.MaxDeliveries, err = getEnvInt("CM_MAX_DELIVERIES", 3); err != nil {
		return fmt.Errorf("CM_MAX_DELIVERIES: %w", err)
	}
	if cfg.MaxDeliveries < 1 {
		return fmt.Errorf("CM_MAX_DELIVERIES: значение %d должно быть положительным", cfg.MaxDeliveries)
	}
	if cfg.ReaperInterval, err = getEnvDuration("CM_REAPER_INTERVAL", time.Minute); err != nil {
		return fmt.Errorf("CM_REAPER_INTERVAL: %w", err)
	}
	return nil
}

// staleRunMargin — запас на шаги кроме compute (кредиты, сверка, запись клипов).
const staleRunMargin = 5 * time.Minute

// MinStaleRunTimeout — худшее время запуска: все попытки compute упираются
// в таймаут, между ними паузы, плюс запас на остальные шаги.
// Reaper не должен возвращать в очередь событие, чей запуск ещё может идти.
func (c *Config) MinStaleRunTimeout() time.Duration {
	retries := time.Duration(c.StepRetries)
	return (1+retries)*c.ComputeTimeout + retries*c.StepRetryDelay + staleRunMargin
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения (postgres://...) для topologymetrics.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// IsProduction возвращает true для CM_ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
