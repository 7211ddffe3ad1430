// mirrorauth — утилита первичного входа: интерактивно авторизуется в Telegram,
// шифрует полученную сессию и кладёт её в app_setting. Сервис зеркалирования
// подхватит её при следующем (пере)запуске.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	tgauth "github.com/gotd/td/telegram/auth"
	"go.uber.org/zap"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/config"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/sessioncrypt"
	mirrortg "github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram/auth"
)

func main() {
	os.Exit(run())
}

func run() int {
	envPath := flag.String("env", ".env", "path to .env file")
	phone := flag.String("phone", "", "phone number in E.164 format")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Error("загрузка конфигурации", zap.Error(err))
		return 1
	}
	env := config.Env()
	logger.Init(env.LogLevel)
	defer logger.Sync()

	if *phone == "" {
		logger.Error("нужен флаг -phone")
		return 1
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

	// Сессия собирается в памяти и попадает в базу только после успешного входа.
	mem := &session.StorageMemory{}
	client := telegram.NewClient(env.APIID, env.APIHash, telegram.Options{SessionStorage: mem})

	err = client.Run(ctx, func(ctx context.Context) error {
		flow := tgauth.NewFlow(auth.TerminalAuthenticator{PhoneNumber: *phone}, tgauth.SendCodeOptions{})
		if authErr := client.Auth().IfNecessary(ctx, flow); authErr != nil {
			return authErr
		}
		self, selfErr := client.Self(ctx)
		if selfErr != nil {
			return selfErr
		}
		logger.Infof("авторизован как %s (id=%d)", self.Username, self.ID)

		raw, loadErr := mem.LoadSession(ctx)
		if loadErr != nil {
			return loadErr
		}
		encrypted, encErr := sessioncrypt.Encrypt(string(raw), env.EncryptionSecret)
		if encErr != nil {
			return encErr
		}
		if upErr := store.UpsertSetting(ctx, mirrortg.SessionKey, encrypted); upErr != nil {
			return upErr
		}
		// Рабочая копия от прежней сессии больше не валидна.
		sessions := mirrortg.NewDBSessionStorage(store, env.EncryptionSecret)
		return sessions.ResetRuntimeSession(ctx)
	})
	if err != nil {
		logger.Error("авторизация не удалась", zap.Error(err))
		return 1
	}

	logger.Info("сессия сохранена в app_setting")
	return 0
}
