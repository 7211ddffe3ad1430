package db

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // драйвер Postgres регистрируется побочным эффектом
)

// Настройки пула соединений. Сервис однопроцессный, пиковая конкуренция —
// кап исполнителя задач (<=10) плюс планировщики.
const (
	maxOpenConns    = 16
	maxIdleConns    = 4
	connMaxLifetime = 30 * time.Minute
	connectTimeout  = 10 * time.Second
)

// Connect открывает пул соединений к Postgres и проверяет его пингом.
// Строка подключения берётся из DATABASE_URL как есть.
func Connect(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	pool, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	pool.SetMaxOpenConns(maxOpenConns)
	pool.SetMaxIdleConns(maxIdleConns)
	pool.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return pool, nil
}
