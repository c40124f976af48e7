package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Task is one recurring maintenance operation: chunk compression, rollup
// refresh, retention expiry, storage GC. Run must be idempotent, since
// the scheduler retries failed runs and may re-execute after a timeout.
type Task struct {
	Name     string
	Interval time.Duration

	// Timeout bounds a single run. On expiry the run is abandoned (its
	// context is cancelled between atomic steps) and retried next cycle.
	Timeout time.Duration

	// RunOnStart executes the task once at startup before the first tick.
	RunOnStart bool

	Run func(ctx context.Context) error
}

// Scheduler drives independent recurring tasks under a supervision tree.
// Tasks run concurrently with each other and with foreground traffic; a
// failed or panicking task is restarted by the supervisor and never takes
// the scheduler down.
type Scheduler struct {
	sup      *suture.Supervisor
	log      zerolog.Logger
	monitors map[string]*TaskMonitor
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	log := logger.With().Str("component", "lifecycle").Logger()
	sup := suture.New("lifecycle", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Warn().Str("event", ev.String()).Msg("supervisor event")
		},
	})
	return &Scheduler{
		sup:      sup,
		log:      log,
		monitors: make(map[string]*TaskMonitor),
	}
}

// Register adds a task. Must be called before Serve.
func (s *Scheduler) Register(task Task) {
	// A task is stale once two intervals pass without a success.
	monitor := NewTaskMonitor(2 * task.Interval)
	s.monitors[task.Name] = monitor
	s.sup.Add(&taskLoop{
		task:    task,
		monitor: monitor,
		log:     s.log.With().Str("task", task.Name).Logger(),
	})
}

// Serve runs the supervision tree until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.sup.Serve(ctx)
}

// ServeBackground starts the tree and returns its completion channel.
func (s *Scheduler) ServeBackground(ctx context.Context) <-chan error {
	return s.sup.ServeBackground(ctx)
}

// Status reports per-task health for the ops listener.
func (s *Scheduler) Status() map[string]TaskStatus {
	out := make(map[string]TaskStatus, len(s.monitors))
	for name, m := range s.monitors {
		out[name] = m.Status()
	}
	return out
}

// Healthy is true when every registered task is healthy.
func (s *Scheduler) Healthy() bool {
	for _, m := range s.monitors {
		if !m.IsHealthy() {
			return false
		}
	}
	return true
}

// taskLoop is the suture service wrapping one task: a ticker loop that
// executes the task with bounded retries per tick.
type taskLoop struct {
	task    Task
	monitor *TaskMonitor
	log     zerolog.Logger
}

func (l *taskLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.task.Interval)
	defer ticker.Stop()

	if l.task.RunOnStart {
		l.runWithRetry(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			l.log.Debug().Msg("task loop stopping")
			return ctx.Err()
		case <-ticker.C:
			l.runWithRetry(ctx)
		}
	}
}

func (l *taskLoop) String() string { return "lifecycle/" + l.task.Name }

// runWithRetry executes one scheduled run with up to three retries and
// exponential backoff inside the tick. A run that still fails is left for
// the next tick; it is logged, never fatal.
func (l *taskLoop) runWithRetry(ctx context.Context) {
	const maxRetries = 3
	baseDelay := 30 * time.Second
	if baseDelay > l.task.Interval/4 {
		baseDelay = l.task.Interval / 4
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<(attempt-1))
			taskRetries.WithLabelValues(l.task.Name).Inc()
			l.log.Info().Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying task")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		err := l.runOnce(ctx)
		if err == nil {
			l.monitor.RecordSuccess()
			return
		}
		if ctx.Err() != nil {
			return
		}

		l.monitor.RecordFailure(err)
		l.log.Error().Err(err).Int("attempt", attempt+1).Msg("task failed")
		if n := l.monitor.ConsecutiveErrors(); n > 3 {
			l.log.Warn().Int("consecutive_errors", n).Msg("task failing repeatedly")
		}
	}
	l.log.Warn().Int("attempts", maxRetries+1).Msg("task exhausted retries, deferring to next tick")
}

func (l *taskLoop) runOnce(ctx context.Context) error {
	runCtx := ctx
	if l.task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.task.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := l.task.Run(runCtx)
	elapsed := time.Since(start)
	taskDuration.WithLabelValues(l.task.Name).Observe(elapsed.Seconds())

	if err != nil {
		taskRuns.WithLabelValues(l.task.Name, "error").Inc()
		return err
	}
	taskRuns.WithLabelValues(l.task.Name, "ok").Inc()
	l.log.Info().Dur("elapsed", elapsed.Round(time.Millisecond)).Msg("task completed")
	return nil
}
