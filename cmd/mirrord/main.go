package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/config"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/mirror"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/settings"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

func main() {
	os.Exit(run())
}

func run() int {
	// envPath определяет расположение .env с секретами и настройками запуска.
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Error("загрузка конфигурации", zap.Error(err))
		return 1
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	if env.LogFile != "" {
		logger.InitFileSink(logger.FileSinkOptions{
			Path:       env.LogFile,
			Level:      env.LogFileLevel,
			MaxSizeMB:  env.LogFileMaxSize,
			MaxBackups: env.LogFileMaxBackups,
			MaxAgeDays: env.LogFileMaxAge,
			Compress:   env.LogFileCompress,
		})
	}
	defer logger.Sync()
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, env.DatabaseURL)
	if err != nil {
		logger.Error("подключение к базе", zap.Error(err))
		return 1
	}
	defer pool.Close()

	store := db.NewStore(pool)
	svc := settings.New(store)
	sessions := telegram.NewDBSessionStorage(store, env.EncryptionSecret)

	client, err := telegram.New(telegram.Options{
		APIID:     env.APIID,
		APIHash:   env.APIHash,
		Sessions:  sessions,
		StateFile: env.StateFile,
	})
	if err != nil {
		logger.Error("сборка telegram-клиента", zap.Error(err))
		return 1
	}
	defer func() { _ = client.Close() }()

	engine := mirror.NewEngine(store, client, svc, env)
	realtime := mirror.NewRealtime(engine)
	realtime.Attach(ctx, client.Dispatcher())
	supervisor := mirror.NewSupervisor(engine, realtime)

	if env.MetricsAddr != "" {
		go serveMetrics(env.MetricsAddr)
	}

	retryInterval := time.Duration(env.StartRetryIntervalSec) * time.Second
	if err := client.RunLoop(ctx, retryInterval, supervisor.Run); err != nil && ctx.Err() == nil {
		logger.Error("сервис остановился с ошибкой", zap.Error(err))
		return 1
	}

	logger.Info("остановка завершена")
	return 0
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("эндпоинт метрик остановился", zap.Error(err))
	}
}
