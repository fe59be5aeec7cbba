// Package scheduler coalesces many logical "every N ms" tasks onto a
// single ticker. Due tasks run in registration order each tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/metrics"
)

// Config contains scheduler configuration
type Config struct {
	// Resolution is the shared tick interval. Task intervals shorter
	// than the resolution fire once per tick.
	Resolution time.Duration
}

// DefaultConfig returns a default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Resolution: 100 * time.Millisecond,
	}
}

type task struct {
	id       string
	interval time.Duration
	lastRun  time.Time
	fn       func()
}

// Registry holds periodic tasks and drives them from one ticker.
type Registry struct {
	config  Config
	mu      sync.Mutex
	tasks   []*task
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a new task registry
func New(config ...Config) *Registry {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultConfig().Resolution
	}

	return &Registry{
		config:  cfg,
		logger:  logging.Component("scheduler"),
		metrics: metrics.GetMetrics(),
	}
}

// Register adds a periodic task. Registering an existing id updates the
// interval and function in place, keeping the task's position in the
// execution order.
func (r *Registry) Register(id string, interval time.Duration, fn func()) {
	if id == "" || fn == nil {
		r.logger.Warn().Str("task_id", id).Msg("Rejecting invalid task registration")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.id == id {
			t.interval = interval
			t.fn = fn
			return
		}
	}

	r.tasks = append(r.tasks, &task{id: id, interval: interval, fn: fn})
	r.metrics.SchedulerTasksActive.Set(float64(len(r.tasks)))
}

// Unregister removes a task by id and returns whether it was found.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range r.tasks {
		if t.id == id {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			r.metrics.SchedulerTasksActive.Set(float64(len(r.tasks)))
			return true
		}
	}
	return false
}

// TaskCount returns the number of registered tasks.
func (r *Registry) TaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Start drives the registry until the context is canceled.
func (r *Registry) Start(ctx context.Context) error {
	r.logger.Info().Dur("resolution", r.config.Resolution).Msg("Starting task scheduler")

	ticker := time.NewTicker(r.config.Resolution)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			r.tick(now)

		case <-ctx.Done():
			r.logger.Info().Msg("Context canceled, stopping scheduler")
			return ctx.Err()
		}
	}
}

// tick runs every due task in registration order.
func (r *Registry) tick(now time.Time) {
	r.metrics.SchedulerTicksTotal.Inc()

	r.mu.Lock()
	due := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.lastRun.IsZero() || now.Sub(t.lastRun) >= t.interval {
			t.lastRun = now
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		r.run(t)
	}
}

// run executes a single task, containing panics.
func (r *Registry) run(t *task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("task_id", t.id).
				Msg("Recovered panic in periodic task")
		}
	}()
	t.fn()
}
