package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/robfig/cron/v3"
)

// OverlapPolicy определяет поведение при наложении запусков одной задачи.
type OverlapPolicy int

const (
	// SkipIfRunning - пропустить запуск, если предыдущий еще выполняется
	SkipIfRunning OverlapPolicy = iota
	// DelayIfRunning - отложить запуск до завершения предыдущего
	DelayIfRunning
)

// JobOptions содержит настройки для отдельной задачи планировщика.
type JobOptions struct {
	// Name - имя задачи для логирования
	Name string
	// OverlapPolicy - политика при наложении запусков
	OverlapPolicy OverlapPolicy
}

// Scheduler - обертка над robfig/cron с защитой от паник
// и настраиваемой политикой наложения запусков.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	log  *slog.Logger

	mu      sync.Mutex
	started bool
}

// New создает планировщик с фоновым контекстом.
func New(log *slog.Logger) *Scheduler {
	return NewWithContext(context.Background(), log)
}

// NewWithContext создает планировщик. Контекст передается в задачи;
// при его отмене новые запуски не стартуют.
func NewWithContext(ctx context.Context, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(),
		ctx:  ctx,
		log:  log,
	}
}

// AddCronJob регистрирует задачу с настройками по умолчанию (SkipIfRunning).
func (s *Scheduler) AddCronJob(spec string, fn func(ctx context.Context) error) error {
	return s.AddCronJobWithOptions(spec, fn, JobOptions{OverlapPolicy: SkipIfRunning})
}

// AddCronJobWithOptions регистрирует задачу по cron-выражению
// (поддерживаются также @every и другие дескрипторы robfig/cron).
func (s *Scheduler) AddCronJobWithOptions(spec string, fn func(ctx context.Context) error, opts JobOptions) error {
	name := opts.Name
	if name == "" {
		name = spec
	}

	wrapped := s.wrap(name, opts.OverlapPolicy, fn)

	if _, err := s.cron.AddFunc(spec, wrapped); err != nil {
		return fmt.Errorf("failed to add cron job %q: %w", name, err)
	}

	return nil
}

// Start запускает планировщик. Повторный вызов игнорируется.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop останавливает планировщик и ждет завершения выполняющихся задач.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
}

// wrap оборачивает функцию задачи: политика наложения, восстановление
// после паники, логирование ошибок.
func (s *Scheduler) wrap(name string, policy OverlapPolicy, fn func(ctx context.Context) error) func() {
	var mu sync.Mutex

	run := func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled job panicked",
					slog.String("job", name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()

		if err := s.ctx.Err(); err != nil {
			return
		}

		if err := fn(s.ctx); err != nil {
			s.log.Error("scheduled job failed",
				slog.String("job", name),
				slog.Any("error", err),
			)
		}
	}

	switch policy {
	case DelayIfRunning:
		return func() {
			mu.Lock()
			defer mu.Unlock()
			run()
		}
	default: // SkipIfRunning
		return func() {
			if !mu.TryLock() {
				s.log.Debug("scheduled job still running, skipping", slog.String("job", name))
				return
			}
			defer mu.Unlock()
			run()
		}
	}
}
