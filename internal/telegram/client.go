// Package telegram — адаптер чат-сервиса: сборка MTProto-клиента gotd,
// DB-хранилище сессии, разбор идентификаторов каналов, пересылка сообщений
// и классификация ошибок для воркеров синхронизации.
package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
)

// throttleRPS — потолок исходящих RPC; burst вдвое больше.
const throttleRPS = 10

// ErrNotAuthorized — сохранённая сессия не даёт авторизованного статуса.
// Для вызывающего это эквивалент session_invalid.
var ErrNotAuthorized = errors.New("stored session is not authorized")

// lazyUpdateHandler разрывает цикл инициализации client ↔ updates.Manager:
// клиент создаётся с этой обёрткой, а реальный обработчик подставляется позже.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// Options — параметры сборки клиента.
type Options struct {
	APIID     int
	APIHash   string
	Sessions  *DBSessionStorage
	StateFile string // bbolt-файл состояния менеджера апдейтов
}

// Client — собранный MTProto-клиент с менеджером апдейтов и диспетчером.
// Регистрация обработчиков через Dispatcher() допустима только до Run.
type Client struct {
	opts       Options
	dispatcher tg.UpdateDispatcher
	lazy       *lazyUpdateHandler
	waiter     *floodwait.Waiter
	cli        *telegram.Client
	updMgr     *tgupdates.Manager
	stateDB    *bbolt.DB

	mu   sync.RWMutex
	self *tg.User
}

// New собирает клиента: DB-сессия, floodwait- и ratelimit-middleware,
// bbolt-хранилище состояния апдейтов.
func New(opts Options) (*Client, error) {
	c := &Client{
		opts:       opts,
		dispatcher: tg.NewUpdateDispatcher(),
		lazy:       &lazyUpdateHandler{},
		waiter:     floodwait.NewWaiter(),
	}

	c.cli = telegram.NewClient(opts.APIID, opts.APIHash, telegram.Options{
		SessionStorage: opts.Sessions,
		UpdateHandler:  c.lazy,
		Middlewares: []telegram.Middleware{
			c.waiter,
			ratelimit.New(rate.Limit(throttleRPS), throttleRPS*2),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "1.0.0",
		},
	})

	stateDB, err := bbolt.Open(opts.StateFile, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open updates state storage")
	}
	c.stateDB = stateDB

	c.updMgr = tgupdates.New(tgupdates.Config{
		Handler: c.dispatcher,
		Storage: boltstor.NewStateStorage(stateDB),
	})
	c.lazy.set(c.updMgr)

	return c, nil
}

// Dispatcher — диспетчер апдейтов для регистрации доменных обработчиков.
func (c *Client) Dispatcher() *tg.UpdateDispatcher { return &c.dispatcher }

// API — низкоуровневый RPC-интерфейс. Валиден только внутри Run.
func (c *Client) API() *tg.Client { return c.cli.API() }

// Self возвращает авторизованного пользователя (после готовности клиента).
func (c *Client) Self() *tg.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Run поднимает соединение и блокируется до отмены контекста. После проверки
// авторизации запускает менеджер апдейтов и вызывает onReady в отдельной
// горутине; ошибка onReady гасит клиента.
func (c *Client) Run(ctx context.Context, onReady func(ctx context.Context) error) error {
	return c.waiter.Run(ctx, func(ctx context.Context) error {
		return c.cli.Run(ctx, func(ctx context.Context) error {
			status, err := c.cli.Auth().Status(ctx)
			if err != nil {
				return errors.Wrap(err, "auth status")
			}
			if !status.Authorized {
				return ErrNotAuthorized
			}

			self, err := c.cli.Self(ctx)
			if err != nil {
				return errors.Wrap(err, "self")
			}
			c.mu.Lock()
			c.self = self
			c.mu.Unlock()
			logger.Infof("авторизован как %s (id=%d)", self.Username, self.ID)

			runCtx, cancel := context.WithCancelCause(ctx)
			defer cancel(nil)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				mgrErr := c.updMgr.Run(runCtx, c.cli.API(), self.ID, tgupdates.AuthOptions{})
				if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
					logger.Errorf("менеджер апдейтов остановился: %v", mgrErr)
					cancel(mgrErr)
				}
			}()

			wg.Add(1)
			go func() {
				defer wg.Done()
				if rdyErr := onReady(runCtx); rdyErr != nil && !errors.Is(rdyErr, context.Canceled) {
					cancel(rdyErr)
				}
			}()

			<-runCtx.Done()
			wg.Wait()
			if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			return runCtx.Err()
		})
	})
}

// Close освобождает ресурсы клиента (bbolt-файл состояния).
func (c *Client) Close() error {
	if c.stateDB != nil {
		return c.stateDB.Close()
	}
	return nil
}

// RunLoop оборачивает Run политикой рестартов:
//   - transient и иные временные сбои — повтор через retryInterval;
//   - session_invalid — сброс рабочей копии сессии, пауза и повтор (оператор
//     мог записать свежую сессию);
//   - fatal_config — немедленный выход, перезапуск бессмыслен.
func (c *Client) RunLoop(ctx context.Context, retryInterval time.Duration, onReady func(ctx context.Context) error) error {
	for {
		err := c.Run(ctx, onReady)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}

		class, _ := Classify(err)
		switch {
		case class == ClassFatalConfig:
			return errors.Wrap(err, "fatal client configuration")
		case class == ClassSessionInvalid || errors.Is(err, ErrNotAuthorized):
			logger.Warnf("сессия недействительна, сбрасываю рабочую копию: %v", err)
			if rstErr := c.opts.Sessions.ResetRuntimeSession(ctx); rstErr != nil {
				logger.Errorf("сброс рабочей сессии: %v", rstErr)
			}
		default:
			logger.Warnf("клиент остановился, перезапуск через %s: %v", retryInterval, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}
