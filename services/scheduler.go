// services/scheduler.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/orykevin/chef-pathbound/models"
)

// TaskScheduler runs named tasks on a gocron scheduler, each as a one-time job.
// Jobs live in memory: a restart loses pending timers, which the step sweeper
// makes up for.
type TaskScheduler struct {
	sched       gocron.Scheduler
	log         zerolog.Logger
	taskTimeout time.Duration

	mu       sync.RWMutex
	handlers map[models.TaskName]TaskHandler
	ctx      context.Context
}

func NewTaskScheduler(log zerolog.Logger) (*TaskScheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &TaskScheduler{
		sched:       sched,
		log:         log.With().Str("component", "scheduler").Logger(),
		taskTimeout: 2 * time.Minute,
		handlers:    make(map[models.TaskName]TaskHandler),
		ctx:         context.Background(),
	}, nil
}

// SetTaskTimeout bounds each handler run. Non-positive values are ignored.
func (t *TaskScheduler) SetTaskTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.taskTimeout = d
	t.mu.Unlock()
}

// Handle registers the handler for a task name.
func (t *TaskScheduler) Handle(name models.TaskName, h TaskHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = h
}

// HandleAll registers several handlers at once.
func (t *TaskScheduler) HandleAll(handlers map[models.TaskName]TaskHandler) {
	for name, h := range handlers {
		t.Handle(name, h)
	}
}

// Start begins running jobs. Handlers get contexts derived from ctx.
func (t *TaskScheduler) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
	t.sched.Start()
	t.log.Info().Msg("[Scheduler] started")
}

func (t *TaskScheduler) Shutdown() error {
	t.log.Info().Msg("[Scheduler] shutting down")
	return t.sched.Shutdown()
}

// ScheduleAfter runs task once after delay; a delay of zero or less runs it immediately.
func (t *TaskScheduler) ScheduleAfter(_ context.Context, delay time.Duration, task models.Task) error {
	t.mu.RLock()
	_, ok := t.handlers[task.Name]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for task %q", task.Name)
	}

	start := gocron.OneTimeJobStartImmediately()
	if delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}
	_, err := t.sched.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(t.run, task),
		gocron.WithName(string(task.Name)),
		gocron.WithLimitedRuns(1),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", task.Name, err)
	}
	t.log.Debug().Str("task", string(task.Name)).Dur("delay", delay).Msg("[Scheduler] task scheduled")
	return nil
}

// StartCampaignCadence enqueues generate_campaign every interval.
func (t *TaskScheduler) StartCampaignCadence(interval time.Duration) error {
	task, err := models.NewTask(models.TaskGenerateCampaign, nil)
	if err != nil {
		return err
	}
	_, err = t.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(t.run, task),
		gocron.WithName("campaign-cadence"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule campaign cadence: %w", err)
	}
	t.log.Info().Dur("interval", interval).Msg("[Scheduler] campaign cadence registered")
	return nil
}

func (t *TaskScheduler) run(task models.Task) {
	t.mu.RLock()
	h, ok := t.handlers[task.Name]
	base := t.ctx
	timeout := t.taskTimeout
	t.mu.RUnlock()
	if !ok {
		t.log.Error().Str("task", string(task.Name)).Msg("[Scheduler] no handler")
		return
	}

	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	started := time.Now()
	if err := h(ctx, task); err != nil {
		t.log.Error().Err(err).Str("task", string(task.Name)).RawJSON("payload", payloadOrNull(task.Payload)).Msg("[Scheduler] task failed")
		return
	}
	t.log.Debug().Str("task", string(task.Name)).Dur("took", time.Since(started)).Msg("[Scheduler] task done")
}

func payloadOrNull(p []byte) []byte {
	if len(p) == 0 {
		return []byte("null")
	}
	return p
}
