// Пакет computeclient — HTTP-клиент вычислительного сервиса нарезки клипов.
// Один вызов POST {endpoint} с Bearer-токеном на один запуск workflow.
// Повторы — забота вызывающего: клиент сам не повторяет запросы.
package computeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// maxErrorBody — сколько байт тела ответа с ошибкой сохраняется для диагностики.
	maxErrorBody = 4096
	// maxManifestBody — верхняя граница тела успешного ответа.
	maxManifestBody = 8 << 20
)

var computeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "cm_compute_request_duration_seconds",
	Help:    "Длительность вызова вычислительного сервиса",
	Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
}, []string{"code"})

// Request — тело запроса к вычислительному сервису.
type Request struct {
	S3Key    string `json:"s3_key"`
	Language string `json:"language"`
}

// ClipDescriptor — описание клипа в ответе сервиса. Все поля необязательны.
type ClipDescriptor struct {
	Index              int      `json:"index"`
	StartSeconds       *float64 `json:"startSeconds,omitempty"`
	EndSeconds         *float64 `json:"endSeconds,omitempty"`
	S3Key              *string  `json:"s3Key,omitempty"`
	ScriptText         *string  `json:"scriptText,omitempty"`
	Language           *string  `json:"language,omitempty"`
	YoutubeTitle       *string  `json:"youtubeTitle,omitempty"`
	YoutubeDescription *string  `json:"youtubeDescription,omitempty"`
	YoutubeHashtags    []string `json:"youtubeHashtags,omitempty"`
}

// Manifest — разобранный ответ сервиса.
type Manifest struct {
	Status       string           `json:"status,omitempty"`
	ClipsPlanned *int             `json:"clips_planned,omitempty"`
	S3Prefix     string           `json:"s3_prefix,omitempty"`
	Language     string           `json:"language,omitempty"`
	Clips        []ClipDescriptor `json:"clips,omitempty"`
}

// StatusError — сервис ответил не-2xx. Body усечён до maxErrorBody байт.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("вычислительный сервис вернул HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable возвращает true для 5xx и 429. Остальные 4xx считаются постоянными.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable сообщает, имеет ли смысл повторять вызов после err.
// Сетевые ошибки и таймауты повторяемы.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return true
}

// Client — клиент вычислительного сервиса.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент. timeout ограничивает зависший вызов целиком.
func New(endpoint, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "compute_client")),
	}
}

// ProcessVideo выполняет один вызов сервиса.
// Не-2xx — *StatusError. Успешный ответ, который не удалось разобрать
// как JSON, — не ошибка: возвращается nil-манифест.
func (c *Client) ProcessVideo(ctx context.Context, in Request) (*Manifest, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", requestID)

	c.logger.Info("Вызов вычислительного сервиса",
		slog.String("s3_key", in.S3Key),
		slog.String("language", in.Language),
		slog.String("request_id", requestID),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		computeRequestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("запрос к вычислительному сервису: %w", err)
	}
	defer resp.Body.Close()
	computeRequestDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBody))
	if err != nil {
		return nil, fmt.Errorf("чтение ответа вычислительного сервиса: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(respBody, &m); err != nil {
		c.logger.Warn("Ответ вычислительного сервиса не разобран, манифест отсутствует",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	c.logger.Info("Вычислительный сервис завершил обработку",
		slog.String("request_id", requestID),
		slog.String("status", m.Status),
		slog.Int("clips", len(m.Clips)),
		slog.Duration("duration", time.Since(start)),
	)
	return &m, nil
}
