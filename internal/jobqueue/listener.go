package jobqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener — подписка LISTEN на канал новых событий.
// Держит одно соединение пула; при обрыве переподключается с нарастающей паузой.
type Listener struct {
	pool       *pgxpool.Pool
	channel    string
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewListener создаёт подписку на channel.
func NewListener(pool *pgxpool.Pool, channel string, logger *slog.Logger) *Listener {
	return &Listener{
		pool:       pool,
		channel:    channel,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		logger:     logger.With(slog.String("component", "listener")),
	}
}

// Run слушает канал до отмены ctx и вызывает wake на каждое уведомление.
// Ошибка не возвращается: обрыв соединения только откладывает доставку до
// следующего опроса воркеров.
func (l *Listener) Run(ctx context.Context, wake func()) error {
	backoff := l.minBackoff
	for {
		err := l.listen(ctx, wake, func() { backoff = l.minBackoff })
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("Подписка на уведомления прервана, переподключение",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *Listener) listen(ctx context.Context, wake func(), connected func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Соединение возвращается в пул без подписки
		if !conn.Conn().IsClosed() {
			uctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, _ = conn.Exec(uctx, "UNLISTEN *")
			cancel()
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	connected()
	l.logger.Info("Подписка на уведомления установлена", slog.String("channel", l.channel))

	// События, поставленные пока подписки не было
	wake()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		notificationsTotal.Inc()
		l.logger.Debug("Получено уведомление", slog.String("event_id", n.Payload))
		wake()
	}
}
