package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/metrics"
)

const (
	claimedSleep   = 200 * time.Millisecond
	idleSleep      = time.Second
	heartbeatEvery = 30 * time.Second
)

// claimOrder — порядок опроса типов задач клеймером: сперва резолвы,
// затем бэкфиллы, затем ретраи. Realtime-задачи клеймер не трогает.
var claimOrder = []db.TaskType{db.TaskTypeResolve, db.TaskTypeHistoryFull, db.TaskTypeRetryFailed}

// Supervisor — главный цикл сервиса: клеймит задачи, раздаёт их воркерам в
// пределах лимита параллелизма и крутит фоновые планировщики.
type Supervisor struct {
	e         *Engine
	realtime  *Realtime
	sched     *schedulers
	startedAt time.Time

	mu      sync.Mutex
	running map[string]string // taskID → sourceID занятых воркеров
	wg      sync.WaitGroup

	heartbeatAt       time.Time
	heartbeatInFlight bool
}

func NewSupervisor(e *Engine, rt *Realtime) *Supervisor {
	return &Supervisor{
		e:         e,
		realtime:  rt,
		sched:     newSchedulers(e),
		startedAt: time.Now(),
		running:   make(map[string]string),
	}
}

// Run крутит цикл супервизора до отмены контекста. На входе и на выходе все
// running-задачи возвращаются в pending: воркеры процесса мертвы вместе с ним.
func (s *Supervisor) Run(ctx context.Context) error {
	if n, err := s.e.store.RequeueRunningTasks(ctx); err != nil {
		logger.Warnf("супервизор: возврат running-задач: %v", err)
	} else if n > 0 {
		logger.Infof("супервизор: %d задач возвращено в очередь после перезапуска", n)
	}
	s.e.event(ctx, db.EventLevelInfo, nil, "сервис зеркалирования запущен")

	for ctx.Err() == nil {
		s.heartbeat(ctx)
		s.realtime.Ensure(ctx)
		s.sched.ensureRetryTasks(ctx)
		s.sched.ensureFloodResume(ctx)
		s.sched.ensureHealth(ctx)

		claimed := s.claimAndSpawn(ctx)

		sleep := idleSleep
		if claimed {
			sleep = claimedSleep
		}
		_ = sleepCtx(ctx, sleep)
	}

	s.wg.Wait()

	// Отдельный контекст: рабочий уже отменён, а очередь вернуть надо.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.e.store.RequeueRunningTasks(shutdownCtx); err != nil {
		logger.Warnf("супервизор: возврат задач при остановке: %v", err)
	}
	return ctx.Err()
}

// claimAndSpawn добирает воркеров до лимита параллелизма. Источники с уже
// работающим воркером исключаются из выборки: по источнику не больше одной
// задачи одновременно.
func (s *Supervisor) claimAndSpawn(ctx context.Context) bool {
	limit := s.e.settings.TaskRunner(ctx).MaxConcurrentTasks
	claimedAny := false

	for {
		s.mu.Lock()
		busy := len(s.running)
		excluded := make([]string, 0, busy)
		for _, sourceID := range s.running {
			excluded = append(excluded, sourceID)
		}
		s.mu.Unlock()
		if busy >= limit {
			return claimedAny
		}

		task := s.claimNext(ctx, excluded)
		if task == nil {
			return claimedAny
		}
		claimedAny = true
		s.spawn(ctx, task)
	}
}

func (s *Supervisor) claimNext(ctx context.Context, excluded []string) *db.SyncTask {
	for _, taskType := range claimOrder {
		task, err := s.e.store.ClaimNextTask(ctx, taskType, excluded)
		if err != nil {
			logger.Warnf("супервизор: клейм %s: %v", taskType, err)
			continue
		}
		if task != nil {
			return task
		}
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, task *db.SyncTask) {
	s.mu.Lock()
	s.running[task.ID] = task.SourceChannelID
	metrics.RunningTasks.Set(float64(len(s.running)))
	s.mu.Unlock()

	s.e.notifyTransition(ctx, task, db.TaskStatusRunning)
	logger.Infof("задача %s (%s) взята в работу, источник %s", task.ID, task.TaskType, task.SourceChannelID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, task.ID)
			metrics.RunningTasks.Set(float64(len(s.running)))
			s.mu.Unlock()
		}()

		err := s.runWorker(ctx, task)
		switch {
		case err == errTaskPaused:
			// Пауза уже оформлена воркером.
		case ctx.Err() != nil:
			// Остановка процесса: задачу вернёт RequeueRunningTasks.
		case err != nil:
			s.e.failTask(ctx, task.ID, err)
		default:
			s.e.completeTask(ctx, task.ID)
		}
	}()
}

func (s *Supervisor) runWorker(ctx context.Context, task *db.SyncTask) error {
	switch task.TaskType {
	case db.TaskTypeResolve:
		return s.e.runResolve(ctx, task)
	case db.TaskTypeHistoryFull:
		return s.e.runHistory(ctx, task)
	case db.TaskTypeRetryFailed:
		return s.e.runRetry(ctx, task)
	default:
		return errors.Errorf("неизвестный тип задачи %s", task.TaskType)
	}
}

// heartbeat пишет отметку живости раз в 30 секунд; при зависшей записи
// (деградация БД) новая не начинается, пока не завершится предыдущая.
func (s *Supervisor) heartbeat(ctx context.Context) {
	s.mu.Lock()
	if s.heartbeatInFlight || time.Since(s.heartbeatAt) < heartbeatEvery {
		s.mu.Unlock()
		return
	}
	s.heartbeatInFlight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.e.store.WriteHeartbeat(ctx, s.startedAt)

		s.mu.Lock()
		s.heartbeatInFlight = false
		s.heartbeatAt = time.Now()
		s.mu.Unlock()

		if err != nil {
			logger.Warnf("heartbeat: %v", err)
		}
	}()
}
