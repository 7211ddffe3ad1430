// Ретраер соединенческих ошибок базы. Любое обращение к Postgres в сервисе
// заворачивается в WithRetry: транзиентные сбои соединения (обрыв, рестарт
// сервера, исчерпание слотов) повторяются с квадратичным бэкофом и джиттером,
// все прочие ошибки всплывают с первого раза.
package db

import (
	"context"
	"errors"
	"io"
	rand "math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/metrics"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	retryMaxJitter = time.Second
)

// SQLSTATE-коды, которые считаем соединенческими помимо всего класса 08:
// административное/аварийное завершение сервера и исчерпание соединений.
var retryableSQLStates = map[string]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

// Фразы в тексте ошибки, по которым опознаём разрыв соединения, когда драйвер
// не дал типизированной ошибки.
var connectionPhrases = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"terminating connection",
	"server closed the connection",
	"bad connection",
	"EOF",
}

// WithRetry исполняет fn, повторяя её до retryAttempts раз при соединенческих
// ошибках. Пауза между попытками: min(5s, base*attempt² + jitter), где jitter
// равномерен на [0, min(1s, base)]. Несоединенческие ошибки возвращаются сразу.
// op используется только для логирования.
func WithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsConnectionError(lastErr) {
			return lastErr
		}
		if attempt == retryAttempts {
			break
		}

		delay := retryBackoff(attempt)
		metrics.DBRetries.Inc()
		logger.Warnf("db: %s failed with connection error (attempt %d/%d), retrying in %v: %v",
			op, attempt, retryAttempts, delay, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// retryBackoff вычисляет паузу перед попыткой attempt+1.
func retryBackoff(attempt int) time.Duration {
	jitterCap := retryMaxJitter
	if retryBaseDelay < jitterCap {
		jitterCap = retryBaseDelay
	}
	jitter := time.Duration(rand.Int64N(int64(jitterCap) + 1)) // #nosec G404 — криптостойкость не нужна
	delay := retryBaseDelay*time.Duration(attempt*attempt) + jitter
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

// IsConnectionError классифицирует err как соединенческую. Соединенческими
// считаются: SQLSTATE класса 08, явные административные коды (57P0x, 53300),
// системные ECONNRESET/ETIMEDOUT/EPIPE/ECONNREFUSED, net.Error, EOF и известные
// текстовые фразы о разрыве. Контекстные отмены соединенческими не считаются.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if strings.HasPrefix(code, "08") {
			return true
		}
		return retryableSQLStates[code]
	}

	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE, syscall.ECONNREFUSED} {
		if errors.Is(err, errno) {
			return true
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	for _, phrase := range connectionPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
